package cli

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/roach88/tickflow/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`

	// Set when the graph is valid.
	Nodes      int      `json:"nodes,omitempty"`
	Blueprints int      `json:"blueprints,omitempty"`
	Outputs    []string `json:"outputs,omitempty"`
	Hash       string   `json:"hash,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <graph>",
		Short: "Validate a graph definition",
		Long: `Validate a CUE graph definition without running it.

Checks the file against the graph schema, resolves every reference, looks
up operators and reports cycles that do not pass through a pad. All
problems are reported, not only the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, graphPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loaded, err := ValidateGraph(graphPath)
	var loadErr *LoadError
	switch {
	case errors.As(err, &loadErr) && len(loadErr.Errors) > 0:
		return outputValidationErrors(formatter, loadErr.Errors)
	case errors.As(err, &loadErr) && loadErr.Code == ErrCodeBuildFailed:
		// Schema failures are problems in the file, like validation errors.
		return outputValidationErrors(formatter, []compiler.ValidationError{{
			Field:   "cue",
			Message: loadErr.Message,
			Code:    loadErr.Code,
			Line:    lineOf(loadErr.Pos),
		}})
	case err != nil:
		return outputValidateError(formatter, loadErrorCode(err), err.Error(), nil)
	}

	formatter.VerboseLog("Loaded %d CUE file(s) from %s", len(loaded.Files), graphPath)
	return outputValidateSuccess(formatter, loaded)
}

// ValidateGraph loads and validates the graph at path.
// This is a helper function for external callers.
func ValidateGraph(path string) (*LoadResult, error) {
	return LoadProgram(path)
}

// lineOf extracts the line number from a token.Pos.
func lineOf(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, loaded *LoadResult) error {
	p := loaded.Program
	result := ValidationResult{
		Valid:      true,
		Nodes:      len(p.Graph.Nodes),
		Blueprints: len(p.Blueprints),
		Outputs:    p.Graph.Outputs,
		Hash:       p.Hash,
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ %s is valid: %d node(s), %d blueprint(s), outputs %v\n",
		loaded.Source, result.Nodes, result.Blueprints, result.Outputs)
	formatter.VerboseLog("program hash %s", p.Hash)
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Load errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, message)
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}
		if err := formatter.JSON(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
