package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError is a problem in a graph definition that stops compilation
// before validation, such as a schema violation. Pos points into the CUE
// source when known.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if !e.Pos.IsValid() {
		return e.Field + ": " + e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
}

// formatCUEError reports the first CUE error that carries a position,
// noting how many others were found.
func formatCUEError(err error) error {
	list := cueerrors.Errors(err)
	for _, e := range list {
		pos := cueerrors.Positions(e)
		if len(pos) == 0 {
			continue
		}
		msg := e.Error()
		if more := len(list) - 1; more > 0 {
			msg = fmt.Sprintf("%s (and %d more)", msg, more)
		}
		return &CompileError{Field: "cue", Message: msg, Pos: pos[0]}
	}
	return err
}

// errorAt builds a CompileError positioned at v.
func errorAt(v cue.Value, field, format string, args ...any) *CompileError {
	return &CompileError{Field: field, Message: fmt.Sprintf(format, args...), Pos: v.Pos()}
}
