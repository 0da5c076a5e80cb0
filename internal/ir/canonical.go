package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON.
// CRITICAL: This is the ONLY serialization used for structural identity,
// output-tree renderings and tree hashes.
//
// Differences from standard json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. No floats (returns error)
//
// Accepted inputs: nil, string, bool, the integer kinds, []any, []string,
// map[string]any and every Payload (via CanonicalForm).
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return writeCanonicalString(buf, val)
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	case []any:
		return writeCanonicalArray(buf, val)
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return writeCanonicalArray(buf, arr)
	case map[string]any:
		return writeCanonicalObject(buf, val)
	case Payload:
		return writeCanonical(buf, CanonicalForm(val))
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

// CanonicalForm converts a payload into plain JSON-shaped values
// (map[string]any, []any, string, int64, bool, nil).
//
// Tags, handles, flushes and deltas use "$"-prefixed keys so they never
// collide with ordinary record fields in a rendering:
//
//	NoValue            -> null
//	Tag("A")           -> {"$tag":"A"}
//	TaggedObject       -> {"$tag":"A","fields":{...}}
//	ListHandle         -> {"$list":"3@1"}
//	Flushed(v)         -> {"$flushed":v}
//	ListDelta          -> {"$list_delta":[{"op":"insert","key":1,...}]}
func CanonicalForm(p Payload) any {
	switch v := p.(type) {
	case nil, NoValue:
		return nil
	case Number:
		return int64(v)
	case Text:
		return string(v)
	case Bool:
		return bool(v)
	case Tag:
		return map[string]any{"$tag": string(v)}
	case TaggedObject:
		return map[string]any{"$tag": v.Tag, "fields": recordForm(v.Fields)}
	case Record:
		return recordForm(v)
	case ListHandle:
		return map[string]any{"$list": v.Slot.String()}
	case ObjectHandle:
		return map[string]any{"$object": v.Slot.String()}
	case Flushed:
		return map[string]any{"$flushed": CanonicalForm(v.Value)}
	case ListDelta:
		ops := make([]any, len(v.Ops))
		for i, op := range v.Ops {
			ops[i] = listOpForm(op)
		}
		return map[string]any{"$list_delta": ops}
	case ObjectDelta:
		ops := make([]any, len(v.Ops))
		for i, op := range v.Ops {
			m := map[string]any{"field": op.Field}
			if op.Kind == FieldRemove {
				m["op"] = "remove"
			} else {
				m["op"] = "update"
				m["value"] = CanonicalForm(op.Value)
			}
			ops[i] = m
		}
		return map[string]any{"$object_delta": ops}
	default:
		panic(fmt.Sprintf("ir: unknown payload type %T", p))
	}
}

func recordForm(r Record) map[string]any {
	m := make(map[string]any, len(r))
	for k, v := range r {
		m[k] = CanonicalForm(v)
	}
	return m
}

func listOpForm(op ListOp) map[string]any {
	m := map[string]any{"op": op.Kind.String()}
	switch op.Kind {
	case ListInsert:
		m["key"] = uint64(op.Key)
		m["index"] = op.Index
		m["value"] = CanonicalForm(op.Value)
	case ListUpdate:
		m["key"] = uint64(op.Key)
		m["value"] = CanonicalForm(op.Value)
	case ListRemove:
		m["key"] = uint64(op.Key)
	case ListMove:
		m["key"] = uint64(op.Key)
		m["index"] = op.Index
	case ListReplace:
		items := make([]any, len(op.Items))
		for i, it := range op.Items {
			items[i] = map[string]any{"key": uint64(it.Key), "value": CanonicalForm(it.Value)}
		}
		m["items"] = items
	}
	return m
}

// writeCanonicalString writes a canonical JSON string with NFC normalization.
// CRITICAL: RFC 8785 compliance:
//   - No HTML escaping (<, >, & are NOT escaped)
//   - U+2028 and U+2029 are NOT escaped
//   - Only control characters, backslash and quote are escaped
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'})
	buf.Write(unescapeLineSeparators(out))
	return nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes that
// encoding/json emits for JavaScript safety back into literal characters.
// An escape preceded by an odd run of backslashes is literal text
// (e.g. \\u2028) and stays as is.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	backslashes := 0
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c == '\\' && backslashes%2 == 0 && i+5 < len(data) &&
			data[i+1] == 'u' && data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {
			if data[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			backslashes = 0
			continue
		}
		if c == '\\' {
			backslashes++
		} else {
			backslashes = 0
		}
		out = append(out, c)
	}
	return out
}

func writeCanonicalArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

// writeCanonicalObject writes an object with RFC 8785 key ordering.
func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}
