package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseSlotID parses the index@generation form of a SlotID.
func ParseSlotID(s string) (SlotID, error) {
	idx, gen, ok := strings.Cut(s, "@")
	if !ok {
		return SlotID{}, fmt.Errorf("parse slot id %q: missing @", s)
	}
	i, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return SlotID{}, fmt.Errorf("parse slot id %q: %w", s, err)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil {
		return SlotID{}, fmt.Errorf("parse slot id %q: %w", s, err)
	}
	return SlotID{Index: uint32(i), Generation: uint32(g)}, nil
}

// FromCanonicalForm is the inverse of CanonicalForm. It accepts the values
// produced by decoding JSON (with UseNumber), YAML or CBOR into any.
//
// Keys beginning with "$" are reserved: a map whose only keys are "$tag"
// (and optionally "fields"), "$list", "$object", "$flushed", "$list_delta"
// or "$object_delta" decodes to the matching payload, every other map
// decodes to a Record.
func FromCanonicalForm(v any) (Payload, error) {
	switch val := v.(type) {
	case nil:
		return NoValue{}, nil
	case Payload:
		return val, nil
	case string:
		return Text(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Number(val), nil
	case int64:
		return Number(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("number %d overflows int64", val)
		}
		return Number(val), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("numbers must be integers: %w", err)
		}
		return Number(n), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in payloads: %v", val)
	case map[string]any:
		return fromMap(val)
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			m[ks] = e
		}
		return fromMap(m)
	default:
		return nil, fmt.Errorf("unsupported payload form: %T", v)
	}
}

func fromMap(m map[string]any) (Payload, error) {
	if tag, ok := m["$tag"]; ok {
		name, ok := tag.(string)
		if !ok {
			return nil, fmt.Errorf("$tag must be a string, got %T", tag)
		}
		fields, hasFields := m["fields"]
		if len(m) > 2 || (len(m) == 2 && !hasFields) {
			return nil, fmt.Errorf("tag %q: unexpected keys", name)
		}
		if !hasFields {
			return Tag(name), nil
		}
		fm, ok := asStringMap(fields)
		if !ok {
			return nil, fmt.Errorf("tag %q: fields must be an object", name)
		}
		rec, err := recordFromMap(fm)
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", name, err)
		}
		return TaggedObject{Tag: name, Fields: rec}, nil
	}
	if len(m) == 1 {
		for k, v := range m {
			switch k {
			case "$list", "$object":
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("%s must be a slot string", k)
				}
				slot, err := ParseSlotID(s)
				if err != nil {
					return nil, err
				}
				if k == "$list" {
					return ListHandle{Slot: slot}, nil
				}
				return ObjectHandle{Slot: slot}, nil
			case "$flushed":
				inner, err := FromCanonicalForm(v)
				if err != nil {
					return nil, fmt.Errorf("$flushed: %w", err)
				}
				return Flushed{Value: inner}, nil
			case "$list_delta":
				return listDeltaFromForm(v)
			case "$object_delta":
				return objectDeltaFromForm(v)
			}
		}
	}
	return recordFromMap(m)
}

func recordFromMap(m map[string]any) (Record, error) {
	rec := make(Record, len(m))
	for k, v := range m {
		p, err := FromCanonicalForm(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		rec[k] = p
	}
	return rec, nil
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, e := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = e
		}
		return out, true
	}
	return nil, false
}

func asInt(v any) (int64, error) {
	p, err := FromCanonicalForm(v)
	if err != nil {
		return 0, err
	}
	n, ok := p.(Number)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %s", KindName(p))
	}
	return int64(n), nil
}

func listDeltaFromForm(v any) (Payload, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("$list_delta must be an array")
	}
	delta := ListDelta{Ops: make([]ListOp, 0, len(raw))}
	for i, r := range raw {
		m, ok := asStringMap(r)
		if !ok {
			return nil, fmt.Errorf("$list_delta[%d]: expected object", i)
		}
		op, err := listOpFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("$list_delta[%d]: %w", i, err)
		}
		delta.Ops = append(delta.Ops, op)
	}
	return delta, nil
}

func listOpFromMap(m map[string]any) (ListOp, error) {
	var op ListOp
	name, _ := m["op"].(string)
	switch name {
	case "insert":
		op.Kind = ListInsert
		op.Index = -1
	case "update":
		op.Kind = ListUpdate
	case "remove":
		op.Kind = ListRemove
	case "move":
		op.Kind = ListMove
	case "replace":
		op.Kind = ListReplace
	default:
		return op, fmt.Errorf("unknown list op %q", name)
	}
	if k, ok := m["key"]; ok {
		n, err := asInt(k)
		if err != nil {
			return op, fmt.Errorf("key: %w", err)
		}
		op.Key = ItemKey(n)
	}
	if idx, ok := m["index"]; ok {
		n, err := asInt(idx)
		if err != nil {
			return op, fmt.Errorf("index: %w", err)
		}
		op.Index = int(n)
	}
	if val, ok := m["value"]; ok {
		p, err := FromCanonicalForm(val)
		if err != nil {
			return op, fmt.Errorf("value: %w", err)
		}
		op.Value = p
	}
	if items, ok := m["items"].([]any); ok {
		for i, it := range items {
			im, ok := asStringMap(it)
			if !ok {
				return op, fmt.Errorf("items[%d]: expected object", i)
			}
			var entry ListEntry
			if k, ok := im["key"]; ok {
				n, err := asInt(k)
				if err != nil {
					return op, fmt.Errorf("items[%d].key: %w", i, err)
				}
				entry.Key = ItemKey(n)
			}
			p, err := FromCanonicalForm(im["value"])
			if err != nil {
				return op, fmt.Errorf("items[%d].value: %w", i, err)
			}
			entry.Value = p
			op.Items = append(op.Items, entry)
		}
	}
	return op, nil
}

func objectDeltaFromForm(v any) (Payload, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("$object_delta must be an array")
	}
	delta := ObjectDelta{Ops: make([]FieldOp, 0, len(raw))}
	for i, r := range raw {
		m, ok := asStringMap(r)
		if !ok {
			return nil, fmt.Errorf("$object_delta[%d]: expected object", i)
		}
		field, _ := m["field"].(string)
		if field == "" {
			return nil, fmt.Errorf("$object_delta[%d]: missing field", i)
		}
		switch m["op"] {
		case "remove":
			delta.Ops = append(delta.Ops, FieldOp{Kind: FieldRemove, Field: field})
		case "update", nil:
			p, err := FromCanonicalForm(m["value"])
			if err != nil {
				return nil, fmt.Errorf("$object_delta[%d].value: %w", i, err)
			}
			delta.Ops = append(delta.Ops, FieldOp{Kind: FieldUpdate, Field: field, Value: p})
		default:
			return nil, fmt.Errorf("$object_delta[%d]: unknown op %v", i, m["op"])
		}
	}
	return delta, nil
}

// UnmarshalPayload decodes canonical JSON produced by MarshalCanonical.
func UnmarshalPayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return FromCanonicalForm(v)
}

// ParsePort parses the forms Port.String produces.
func ParsePort(s string) (Port, error) {
	switch {
	case s == "out":
		return OutputPort(), nil
	case strings.HasPrefix(s, "out[") && strings.HasSuffix(s, "]"):
		i, err := strconv.Atoi(s[4 : len(s)-1])
		if err != nil || i <= 0 {
			return Port{}, fmt.Errorf("parse port %q: bad index", s)
		}
		return Port{Kind: PortOutput, Index: i}, nil
	case strings.HasPrefix(s, "in[") && strings.HasSuffix(s, "]"):
		i, err := strconv.Atoi(s[3 : len(s)-1])
		if err != nil || i < 0 {
			return Port{}, fmt.Errorf("parse port %q: bad index", s)
		}
		return InputPort(i), nil
	case strings.HasPrefix(s, "field:"):
		return FieldPort(s[len("field:"):]), nil
	case strings.HasPrefix(s, "item#"):
		k, err := strconv.ParseUint(s[len("item#"):], 10, 64)
		if err != nil {
			return Port{}, fmt.Errorf("parse port %q: %w", s, err)
		}
		return ItemPort(ItemKey(k)), nil
	default:
		return Port{}, fmt.Errorf("parse port %q: unknown form", s)
	}
}

// ParseNodeAddress parses the domain:source@scope#port form of a NodeAddress.
func ParseNodeAddress(s string) (NodeAddress, error) {
	domain, rest, ok := strings.Cut(s, ":")
	if !ok || domain == "" {
		return NodeAddress{}, fmt.Errorf("parse address %q: missing domain", s)
	}
	src, rest, ok := strings.Cut(rest, "@")
	if !ok {
		return NodeAddress{}, fmt.Errorf("parse address %q: missing scope", s)
	}
	scope, port, ok := strings.Cut(rest, "#")
	if !ok {
		return NodeAddress{}, fmt.Errorf("parse address %q: missing port", s)
	}
	a := NodeAddress{Domain: Domain(domain)}
	var err error
	if a.Source, err = ParseSourceID(src); err != nil {
		return NodeAddress{}, err
	}
	if a.Scope, err = ParseScopeID(scope); err != nil {
		return NodeAddress{}, err
	}
	if a.Port, err = ParsePort(port); err != nil {
		return NodeAddress{}, err
	}
	return a, nil
}
