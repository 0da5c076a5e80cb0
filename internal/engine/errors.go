package engine

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/tickflow/internal/ir"
)

// RuntimeError represents a recoverable condition detected during a tick.
//
// Runtime errors include:
//   - No quiescence: propagation did not settle within MaxRounds
//   - Unmatched: a non-partial pattern mux saw a value no arm accepts
//   - Unknown address: a stimulus targeted an address with no live node
//   - Marker regression: a stimulus marker was older than its predecessor
//   - Effect failed: an effect action returned an error
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Tick is the tick in which the error occurred (0 outside a tick).
	Tick uint64

	// Address identifies the node involved, if any.
	Address string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeNoQuiescence indicates propagation exceeded MaxRounds.
	ErrCodeNoQuiescence RuntimeErrorCode = "NO_QUIESCENCE"

	// ErrCodeUnmatched indicates a non-partial mux received an unmatched value.
	ErrCodeUnmatched RuntimeErrorCode = "UNMATCHED"

	// ErrCodeUnknownAddress indicates a stimulus targeted no live node.
	ErrCodeUnknownAddress RuntimeErrorCode = "UNKNOWN_ADDRESS"

	// ErrCodeMarkerRegression indicates a stimulus marker went backwards.
	ErrCodeMarkerRegression RuntimeErrorCode = "MARKER_REGRESSION"

	// ErrCodeEffectFailed indicates an effect action returned an error.
	ErrCodeEffectFailed RuntimeErrorCode = "EFFECT_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	switch {
	case e.Tick != 0 && e.Address != "":
		fmt.Fprintf(&b, " (tick=%d, address=%s)", e.Tick, e.Address)
	case e.Tick != 0:
		fmt.Fprintf(&b, " (tick=%d)", e.Tick)
	case e.Address != "":
		fmt.Fprintf(&b, " (address=%s)", e.Address)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNoQuiescence returns true if the error is a NO_QUIESCENCE error.
// Uses errors.As to handle wrapped errors.
func IsNoQuiescence(err error) bool {
	return hasCode(err, ErrCodeNoQuiescence)
}

// IsUnmatched returns true if the error is an UNMATCHED error.
func IsUnmatched(err error) bool {
	return hasCode(err, ErrCodeUnmatched)
}

// IsUnknownAddress returns true if the error is an UNKNOWN_ADDRESS error.
func IsUnknownAddress(err error) bool {
	return hasCode(err, ErrCodeUnknownAddress)
}

// IsMarkerRegression returns true if the error is a MARKER_REGRESSION error.
func IsMarkerRegression(err error) bool {
	return hasCode(err, ErrCodeMarkerRegression)
}

// IsEffectFailed returns true if the error is an EFFECT_FAILED error.
func IsEffectFailed(err error) bool {
	return hasCode(err, ErrCodeEffectFailed)
}

// NewNoQuiescenceError creates a RuntimeError for a tick that did not settle.
// hot lists the addresses evaluated most often, hottest first.
func NewNoQuiescenceError(tick uint64, rounds, maxRounds int, hot []string) *RuntimeError {
	details := map[string]string{
		"rounds":     fmt.Sprintf("%d", rounds),
		"max_rounds": fmt.Sprintf("%d", maxRounds),
	}
	if len(hot) > 0 {
		details["hot"] = strings.Join(hot, ",")
	}
	return &RuntimeError{
		Code:    ErrCodeNoQuiescence,
		Message: fmt.Sprintf("propagation did not settle (%d rounds > %d)", rounds, maxRounds),
		Tick:    tick,
		Details: details,
	}
}

// NewUnmatchedError creates a RuntimeError for an unmatched mux input.
func NewUnmatchedError(tick uint64, addr ir.NodeAddress, value ir.Payload) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnmatched,
		Message: fmt.Sprintf("no arm matches %s", ir.Format(value)),
		Tick:    tick,
		Address: addr.String(),
	}
}

// NewUnknownAddressError creates a RuntimeError for an unroutable stimulus.
func NewUnknownAddressError(tick uint64, addr ir.NodeAddress) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownAddress,
		Message: "no live node at stimulus target",
		Tick:    tick,
		Address: addr.String(),
	}
}

// NewMarkerRegressionError creates a RuntimeError for an out-of-order stimulus.
func NewMarkerRegressionError(addr ir.NodeAddress, got, last ir.RecencyMarker) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeMarkerRegression,
		Message: fmt.Sprintf("stimulus marker %s is older than %s", got, last),
		Address: addr.String(),
		Details: map[string]string{
			"marker": got.String(),
			"last":   last.String(),
		},
	}
}

// NewEffectError creates a RuntimeError wrapping an effect action failure.
func NewEffectError(tick uint64, addr ir.NodeAddress, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeEffectFailed,
		Message: "effect action failed",
		Tick:    tick,
		Address: addr.String(),
		Err:     err,
	}
}

// FaultCode categorizes engine invariant violations.
type FaultCode string

const (
	// FaultStaleSlot indicates a dereference of a freed slot where the
	// engine required a live one.
	FaultStaleSlot FaultCode = "STALE_SLOT"

	// FaultDanglingRoute indicates a route whose target was already freed.
	FaultDanglingRoute FaultCode = "DANGLING_ROUTE"

	// FaultDuplicateAddress indicates two live nodes claiming one address.
	FaultDuplicateAddress FaultCode = "DUPLICATE_ADDRESS"

	// FaultAmbiguousOrder indicates two updates with identical ordering keys.
	FaultAmbiguousOrder FaultCode = "AMBIGUOUS_ORDER"

	// FaultRestoreMismatch indicates a snapshot that does not fit the graph
	// being rebuilt.
	FaultRestoreMismatch FaultCode = "RESTORE_MISMATCH"
)

// Fault is an engine invariant violation. Faults are raised with panic and
// mean the engine is in an unrecoverable state; CatchFault converts them to
// errors at a process boundary.
type Fault struct {
	Code    FaultCode
	Message string
	Slot    ir.SlotID
	Address ir.NodeAddress
	Details map[string]string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "engine fault %s: %s", f.Code, f.Message)
	if !f.Slot.IsZero() {
		fmt.Fprintf(&b, " (slot=%s, address=%s)", f.Slot, f.Address)
	}
	for _, k := range slices.Sorted(maps.Keys(f.Details)) {
		fmt.Fprintf(&b, " %s=%s", k, f.Details[k])
	}
	return b.String()
}

// raise panics with a Fault.
func raise(code FaultCode, slot ir.SlotID, addr ir.NodeAddress, format string, args ...any) {
	panic(&Fault{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Slot:    slot,
		Address: addr,
	})
}

// CatchFault runs fn and converts a Fault panic into an error. Other panics
// propagate unchanged.
func CatchFault(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(*Fault); ok {
				err = f
				return
			}
			panic(r)
		}
	}()
	return fn()
}

// IsFault returns true if err is or wraps a Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}
