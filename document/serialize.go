package document

import (
	"encoding/json"
	"fmt"
	"time"
)

// dateKey tags a serialized timestamp. The key starts with "$$" so it can
// never collide with a user field, which CheckObject rejects.
const dateKey = "$$date"

// Serialize encodes doc as one line of canonical JSON. Timestamps become
// {"$$date": <unix ms>} so the type survives the text round-trip; Undefined
// mapping entries are elided and Undefined array elements become null.
//
// Deserialize(Serialize(d)) is structurally equal to d for every well-formed
// document.
func Serialize(doc M) (string, error) {
	raw, err := json.Marshal(encodeValue(doc))
	if err != nil {
		return "", fmt.Errorf("serialize document: %w", err)
	}

	return string(raw), nil
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return M{dateKey: float64(t.UnixMilli())}
	case undefined:
		return nil
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = encodeValue(el)
		}

		return out
	case M:
		out := make(M, len(t))

		for k, el := range t {
			if IsUndefined(el) {
				continue
			}

			out[k] = encodeValue(el)
		}

		return out
	default:
		return v
	}
}

// Deserialize parses one log line back into a document, restoring
// {"$$date": <ms>} values to timestamps.
func Deserialize(line string) (M, error) {
	var raw any

	err := json.Unmarshal([]byte(line), &raw)
	if err != nil {
		return nil, fmt.Errorf("deserialize document: %w", err)
	}

	doc, ok := decodeValue(raw).(M)
	if !ok {
		return nil, fmt.Errorf("deserialize document: not an object: %q", line)
	}

	return doc, nil
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case []any:
		for i, el := range t {
			t[i] = decodeValue(el)
		}

		return t
	case M:
		if ms, ok := t[dateKey].(float64); ok && len(t) == 1 {
			return time.UnixMilli(int64(ms)).UTC()
		}

		for k, el := range t {
			t[k] = decodeValue(el)
		}

		return t
	default:
		return v
	}
}
