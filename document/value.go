package document

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// M is a document or sub-document: a mapping from field names to values.
// It plays the same role bson.M plays for MongoDB drivers.
type M = map[string]any

// Undefined marks a value that is absent from a document. It is distinct
// from an explicit null (Go nil): a missing field compares below null,
// $exists tests against it, and sparse indexes skip documents whose key
// resolves to it.
var Undefined = undefined{}

type undefined struct{}

func (undefined) String() string { return "undefined" }

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)

	return ok
}

// IsPrimitive reports whether v is a leaf value the candidate planner can
// use for an exact index lookup: nil, bool, number, string, or timestamp.
func IsPrimitive(v any) bool {
	switch v.(type) {
	case nil, bool, float64, string, time.Time:
		return true
	default:
		return false
	}
}

// DeepCopy returns a structurally equal copy of v sharing no mutable
// substructure with the original. Numbers are normalized to float64 and
// timestamps truncated to millisecond precision, the granularity the log
// format preserves.
//
// With strictKeys set, mapping entries whose key starts with '$' or contains
// '.' are dropped instead of copied. That mode is used when a query is
// promoted into the base document of an upsert.
func DeepCopy(v any, strictKeys bool) any {
	switch t := v.(type) {
	case nil, bool, float64, string, undefined:
		return v
	case time.Time:
		return time.UnixMilli(t.UnixMilli()).UTC()
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = DeepCopy(el, strictKeys)
		}

		return out
	case M:
		out := make(M, len(t))

		for k, el := range t {
			if strictKeys && (strings.HasPrefix(k, "$") || strings.Contains(k, ".")) {
				continue
			}

			out[k] = DeepCopy(el, strictKeys)
		}

		return out
	default:
		return deepCopyReflect(v, strictKeys)
	}
}

// deepCopyReflect normalizes uncommon container kinds (typed slices, typed
// string-keyed maps) into []any / M. Anything else is passed through by value.
func deepCopyReflect(v any, strictKeys bool) any {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = DeepCopy(rv.Index(i).Interface(), strictKeys)
		}

		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}

		out := make(M, rv.Len())

		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if strictKeys && (strings.HasPrefix(k, "$") || strings.Contains(k, ".")) {
				continue
			}

			out[k] = DeepCopy(iter.Value().Interface(), strictKeys)
		}

		return out
	default:
		return v
	}
}

// CopyDocument is DeepCopy specialized to a whole document.
func CopyDocument(doc M) M {
	copied, _ := DeepCopy(doc, false).(M)

	return copied
}

// CheckObject fails with ErrInvalidKey if any mapping key in v starts with
// '$' or contains '.', anywhere in the tree. Keys of those shapes are
// reserved for operators and dotted paths respectively.
func CheckObject(v any) error {
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			err := CheckObject(el)
			if err != nil {
				return err
			}
		}
	case M:
		for k, el := range t {
			if k == "" {
				return fmt.Errorf("%w: empty field name", ErrInvalidKey)
			}

			if strings.HasPrefix(k, "$") {
				return fmt.Errorf("%w: field %q starts with '$'", ErrInvalidKey, k)
			}

			if strings.Contains(k, ".") {
				return fmt.Errorf("%w: field %q contains '.'", ErrInvalidKey, k)
			}

			err := CheckObject(el)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// GetDotValue resolves a dotted path against v.
//
// At each step, if the current node is an array and the next segment parses
// as an integer, it indexes into the array. If it is an array and the next
// segment is a field name, the path fans out: the result is the array of
// values obtained by mapping the remaining path over every element. Missing
// steps resolve to Undefined.
func GetDotValue(v any, path string) any {
	if path == "" {
		return v
	}

	return getDotParts(v, strings.Split(path, "."))
}

func getDotParts(v any, parts []string) any {
	if len(parts) == 0 {
		return v
	}

	switch t := v.(type) {
	case []any:
		idx, err := strconv.Atoi(parts[0])
		if err == nil {
			if idx < 0 || idx >= len(t) {
				return Undefined
			}

			return getDotParts(t[idx], parts[1:])
		}

		// Field name against an array: fan out over the elements.
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = getDotParts(el, parts)
		}

		return out
	case M:
		el, ok := t[parts[0]]
		if !ok {
			return Undefined
		}

		return getDotParts(el, parts[1:])
	default:
		return Undefined
	}
}

// SetDotValue sets the value at a dotted path, creating intermediate
// mappings as needed. Paths that dead-end on a non-mapping are a no-op.
func SetDotValue(doc M, path string, v any) {
	parts := strings.Split(path, ".")
	current := doc

	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			created := M{}
			current[part] = created
			current = created

			continue
		}

		m, ok := next.(M)
		if !ok {
			return
		}

		current = m
	}

	current[parts[len(parts)-1]] = v
}

// UnsetDotValue removes the value at a dotted path, silently ignoring
// paths that dead-end. Array elements addressed by an integer segment are
// nulled, not spliced.
func UnsetDotValue(doc M, path string) {
	unsetPath(doc, strings.Split(path, "."))
}

// Equal reports whether a and b are the same value under the default total
// order. Arrays and mappings compare structurally.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}
