package document

import (
	"fmt"
	"strconv"
	"strings"
)

// Modifier application order. Modifiers do not commute with each other;
// within one modifier, field order is irrelevant.
var modifierOrder = []string{
	"$set", "$unset", "$inc", "$min", "$max",
	"$push", "$addToSet", "$pop", "$pull", "$rename",
}

var knownModifier = func() map[string]bool {
	m := map[string]bool{}
	for _, op := range modifierOrder {
		m[op] = true
	}

	return m
}()

// Modify produces the document that results from applying update to doc.
// Neither input is mutated.
//
// An update with no '$'-prefixed top-level key wholly replaces the document
// (preserving _id). Otherwise every top-level key must be a modifier; the
// modifiers are applied in a fixed order ($set first, $rename last). Mixing
// modifiers with raw fields fails with ErrInvalidModifier, as does applying
// a modifier to an incompatible value.
func Modify(doc M, update M) (M, error) {
	dollar, plain := 0, 0

	for k := range update {
		if strings.HasPrefix(k, "$") {
			dollar++
		} else {
			plain++
		}
	}

	if dollar > 0 && plain > 0 {
		return nil, fmt.Errorf("%w: cannot mix modifiers and normal fields", ErrInvalidModifier)
	}

	var (
		newDoc M
		err    error
	)

	if dollar == 0 {
		newDoc = replaceDocument(doc, update)
	} else {
		newDoc, err = applyModifiers(doc, update)
		if err != nil {
			return nil, err
		}
	}

	if oldID, ok := doc["_id"]; ok && !Equal(newDoc["_id"], oldID) {
		return nil, fmt.Errorf("%w: cannot change a document's _id", ErrInvalidModifier)
	}

	err = CheckObject(newDoc)
	if err != nil {
		return nil, err
	}

	return newDoc, nil
}

func replaceDocument(doc M, update M) M {
	newDoc := CopyDocument(update)
	if id, ok := doc["_id"]; ok {
		newDoc["_id"] = id
	}

	return newDoc
}

func applyModifiers(doc M, update M) (M, error) {
	for op := range update {
		if !knownModifier[op] {
			return nil, fmt.Errorf("%w: modifier %s", ErrUnknownOperator, op)
		}
	}

	newDoc := CopyDocument(doc)

	for _, op := range modifierOrder {
		args, ok := update[op]
		if !ok {
			continue
		}

		fields, isMap := args.(M)
		if !isMap {
			return nil, fmt.Errorf("%w: %s needs an object argument", ErrInvalidModifier, op)
		}

		for _, field := range sortedKeys(fields) {
			err := applyModifier(newDoc, op, field, fields[field])
			if err != nil {
				return nil, err
			}
		}
	}

	return newDoc, nil
}

func applyModifier(doc M, op, field string, arg any) error {
	parts := strings.Split(field, ".")

	switch op {
	case "$unset":
		unsetPath(doc, parts)

		return nil
	case "$rename":
		return renamePath(doc, field, arg)
	default:
		container, key, err := walkToLeaf(doc, parts, op)
		if err != nil || container == nil {
			return err
		}

		return applyLeafModifier(container, key, op, arg)
	}
}

// walkToLeaf returns the mapping holding the final path segment, creating
// missing intermediate mappings along the way. Traversing through a
// non-mapping value is an error.
func walkToLeaf(doc M, parts []string, op string) (M, string, error) {
	current := any(doc)

	for _, part := range parts[:len(parts)-1] {
		m, ok := current.(M)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s cannot traverse non-object at %q", ErrInvalidModifier, op, part)
		}

		next, ok := m[part]
		if !ok {
			created := M{}
			m[part] = created
			current = any(created)

			continue
		}

		current = next
	}

	m, ok := current.(M)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s target parent is not an object", ErrInvalidModifier, op)
	}

	return m, parts[len(parts)-1], nil
}

func applyLeafModifier(container M, key, op string, arg any) error {
	existing, exists := container[key]
	if !exists {
		existing = Undefined
	}

	switch op {
	case "$set":
		container[key] = DeepCopy(arg, false)
	case "$inc":
		delta, ok := DeepCopy(arg, false).(float64)
		if !ok {
			return fmt.Errorf("%w: $inc needs a number", ErrInvalidModifier)
		}

		switch cur := existing.(type) {
		case undefined:
			container[key] = delta
		case float64:
			container[key] = cur + delta
		default:
			return fmt.Errorf("%w: $inc target %q is not a number", ErrInvalidModifier, key)
		}
	case "$min":
		norm := DeepCopy(arg, false)
		if IsUndefined(existing) || Compare(norm, existing) < 0 {
			container[key] = norm
		}
	case "$max":
		norm := DeepCopy(arg, false)
		if IsUndefined(existing) || Compare(norm, existing) > 0 {
			container[key] = norm
		}
	case "$push":
		return pushInto(container, key, arg)
	case "$addToSet":
		return addToSet(container, key, arg)
	case "$pop":
		return popFrom(container, key, arg)
	case "$pull":
		return pullFrom(container, key, arg)
	}

	return nil
}

func targetArray(container M, key, op string) ([]any, error) {
	existing, exists := container[key]
	if !exists || IsUndefined(existing) {
		return []any{}, nil
	}

	arr, ok := existing.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s target %q is not an array", ErrInvalidModifier, op, key)
	}

	return arr, nil
}

func pushInto(container M, key string, arg any) error {
	arr, err := targetArray(container, key, "$push")
	if err != nil {
		return err
	}

	each, slice, hasSlice, err := parseEach(arg, "$push", true)
	if err != nil {
		return err
	}

	arr = append(arr, each...)

	if hasSlice {
		arr = sliceArray(arr, slice)
	}

	container[key] = arr

	return nil
}

func addToSet(container M, key string, arg any) error {
	arr, err := targetArray(container, key, "$addToSet")
	if err != nil {
		return err
	}

	each, _, _, err := parseEach(arg, "$addToSet", false)
	if err != nil {
		return err
	}

	for _, candidate := range each {
		if !valueIn(candidate, arr) {
			arr = append(arr, candidate)
		}
	}

	container[key] = arr

	return nil
}

// parseEach normalizes a push/addToSet argument into the list of elements to
// append. A {$each: [...]} argument spreads; $slice is honored only for
// $push and only alongside $each.
func parseEach(arg any, op string, allowSlice bool) (each []any, slice int, hasSlice bool, err error) {
	m, ok := anyToM(arg)
	if !ok || !hasKey(m, "$each") {
		return []any{DeepCopy(arg, false)}, 0, false, nil
	}

	for k := range m {
		switch k {
		case "$each":
		case "$slice":
			if !allowSlice {
				return nil, 0, false, fmt.Errorf("%w: %s does not take $slice", ErrInvalidModifier, op)
			}
		default:
			return nil, 0, false, fmt.Errorf("%w: unexpected %s alongside $each", ErrInvalidModifier, k)
		}
	}

	list, ok := anyToSlice(m["$each"])
	if !ok {
		return nil, 0, false, fmt.Errorf("%w: $each needs an array", ErrInvalidModifier)
	}

	each, _ = DeepCopy(list, false).([]any)

	if raw, ok := m["$slice"]; ok {
		n, ok := DeepCopy(raw, false).(float64)
		if !ok || n != float64(int(n)) {
			return nil, 0, false, fmt.Errorf("%w: $slice needs an integer", ErrInvalidModifier)
		}

		return each, int(n), true, nil
	}

	return each, 0, false, nil
}

func sliceArray(arr []any, n int) []any {
	switch {
	case n == 0:
		return []any{}
	case n > 0:
		if n >= len(arr) {
			return arr
		}

		return arr[:n]
	default:
		if -n >= len(arr) {
			return arr
		}

		return arr[len(arr)+n:]
	}
}

func popFrom(container M, key string, arg any) error {
	n, ok := DeepCopy(arg, false).(float64)
	if !ok || n != float64(int(n)) {
		return fmt.Errorf("%w: $pop needs an integer", ErrInvalidModifier)
	}

	existing, exists := container[key]
	if !exists {
		return fmt.Errorf("%w: $pop target %q does not exist", ErrInvalidModifier, key)
	}

	arr, ok := existing.([]any)
	if !ok {
		return fmt.Errorf("%w: $pop target %q is not an array", ErrInvalidModifier, key)
	}

	switch {
	case n > 0 && len(arr) > 0:
		container[key] = arr[:len(arr)-1]
	case n < 0 && len(arr) > 0:
		container[key] = arr[1:]
	}

	return nil
}

func pullFrom(container M, key string, arg any) error {
	existing, exists := container[key]
	if !exists {
		return fmt.Errorf("%w: $pull target %q does not exist", ErrInvalidModifier, key)
	}

	arr, ok := existing.([]any)
	if !ok {
		return fmt.Errorf("%w: $pull target %q is not an array", ErrInvalidModifier, key)
	}

	// A $pull criterion is matched the way a query spec is: a bare value
	// pulls equal elements, an operator object pulls matching elements.
	criterion, err := ParseQuery(M{"k": arg})
	if err != nil {
		return fmt.Errorf("%w: $pull criterion: %w", ErrInvalidModifier, err)
	}

	kept := make([]any, 0, len(arr))

	for _, el := range arr {
		if !criterion.Match(M{"k": el}) {
			kept = append(kept, el)
		}
	}

	container[key] = kept

	return nil
}

func renamePath(doc M, field string, arg any) error {
	newField, ok := arg.(string)
	if !ok || newField == "" {
		return fmt.Errorf("%w: $rename needs a non-empty field name", ErrInvalidModifier)
	}

	value := GetDotValue(doc, field)
	if IsUndefined(value) {
		return nil
	}

	unsetPath(doc, strings.Split(field, "."))

	container, key, err := walkToLeaf(doc, strings.Split(newField, "."), "$rename")
	if err != nil || container == nil {
		return err
	}

	container[key] = value

	return nil
}

// unsetPath removes the value at the path, silently ignoring paths that
// dead-end. Array elements addressed by an integer segment are nulled, not
// spliced, so sibling indexes stay stable.
func unsetPath(doc M, parts []string) {
	current := any(doc)

	for _, part := range parts[:len(parts)-1] {
		switch t := current.(type) {
		case M:
			next, ok := t[part]
			if !ok {
				return
			}

			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(t) {
				return
			}

			current = t[idx]
		default:
			return
		}
	}

	last := parts[len(parts)-1]

	switch t := current.(type) {
	case M:
		delete(t, last)
	case []any:
		idx, err := strconv.Atoi(last)
		if err == nil && idx >= 0 && idx < len(t) {
			t[idx] = nil
		}
	}
}

func hasKey(m M, key string) bool {
	_, ok := m[key]

	return ok
}
