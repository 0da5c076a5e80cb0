package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

// cborEncMode is the canonical CBOR encoding (RFC 8949 core deterministic)
// used for snapshot slot state, so identical engine state stores identical
// bytes.
var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor enc mode: %v", err))
	}
}

// slotState is the BLOB stored per snapshot slot.
type slotState struct {
	Value  any              `cbor:"1,keyasint"`
	Marker ir.RecencyMarker `cbor:"2,keyasint"`
	State  map[string]any   `cbor:"3,keyasint,omitempty"`
}

// marshalPayload converts a payload to canonical JSON TEXT for storage.
func marshalPayload(p ir.Payload) (string, error) {
	if p == nil {
		p = ir.NoValue{}
	}
	data, err := ir.MarshalCanonical(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses canonical JSON TEXT back to a payload.
func unmarshalPayload(data string) (ir.Payload, error) {
	return ir.UnmarshalPayload([]byte(data))
}

func marshalSlotState(s engine.SlotSnapshot) ([]byte, error) {
	blob := slotState{
		Value:  ir.CanonicalForm(s.Value),
		Marker: s.Marker,
	}
	if len(s.State) > 0 {
		blob.State = make(map[string]any, len(s.State))
		for k, p := range s.State {
			blob.State[k] = ir.CanonicalForm(p)
		}
	}
	data, err := cborEncMode.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("marshal slot %s: %w", s.Slot, err)
	}
	return data, nil
}

func unmarshalSlotState(data []byte, s *engine.SlotSnapshot) error {
	var blob slotState
	if err := cbor.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("unmarshal slot %s: %w", s.Slot, err)
	}
	v, err := ir.FromCanonicalForm(blob.Value)
	if err != nil {
		return fmt.Errorf("unmarshal slot %s value: %w", s.Slot, err)
	}
	s.Value = v
	s.Marker = blob.Marker
	if len(blob.State) > 0 {
		s.State = make(map[string]ir.Payload, len(blob.State))
		for k, f := range blob.State {
			p, err := ir.FromCanonicalForm(f)
			if err != nil {
				return fmt.Errorf("unmarshal slot %s state %q: %w", s.Slot, k, err)
			}
			s.State[k] = p
		}
	}
	return nil
}
