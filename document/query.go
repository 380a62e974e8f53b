package document

import (
	"fmt"
	"regexp"
	"strings"
)

// Query is a parsed, validated query. The raw mapping form is parsed once;
// matching and candidate planning both consult the parsed clauses.
type Query struct {
	clauses []clause
}

type clause interface {
	matches(doc M) bool
}

// fieldClause tests one dotted path, either against a bare value or against
// a conjunction of operator predicates.
type fieldClause struct {
	path  string
	value any    // bare form
	preds []pred // operator form
	isOp  bool
}

type pred struct {
	op   string
	arg  any
	re   *regexp.Regexp // $regex
	sub  *Query         // $elemMatch
	size int            // $size
}

// logicClause implements $and, $or, and $not.
type logicClause struct {
	op   string
	subs []*Query
}

// whereClause wraps a caller-supplied pure predicate.
type whereClause struct {
	fn func(doc M) bool
}

// Field operators understood by ParseQuery.
var fieldOperators = map[string]bool{
	"$eq": true, "$ne": true, "$lt": true, "$lte": true, "$gt": true,
	"$gte": true, "$in": true, "$nin": true, "$exists": true,
	"$regex": true, "$size": true, "$elemMatch": true,
}

// ParseQuery validates and compiles a raw query mapping.
//
// A bare value spec tests equality. An all-operator mapping tests the listed
// operators conjunctively. Top-level $and/$or/$not take sub-queries and
// $where takes a func(M) bool. Any other '$'-prefixed key fails with
// ErrUnknownOperator.
func ParseQuery(raw M) (*Query, error) {
	q := &Query{}

	for _, key := range sortedKeys(raw) {
		value := raw[key]

		if !strings.HasPrefix(key, "$") {
			fc, err := parseFieldClause(key, value)
			if err != nil {
				return nil, err
			}

			q.clauses = append(q.clauses, fc)

			continue
		}

		switch key {
		case "$and", "$or":
			subs, err := parseSubQueries(key, value)
			if err != nil {
				return nil, err
			}

			q.clauses = append(q.clauses, &logicClause{op: key, subs: subs})
		case "$not":
			subRaw, ok := anyToM(value)
			if !ok {
				return nil, fmt.Errorf("$not needs a query, got %T", value)
			}

			sub, err := ParseQuery(subRaw)
			if err != nil {
				return nil, err
			}

			q.clauses = append(q.clauses, &logicClause{op: key, subs: []*Query{sub}})
		case "$where":
			fn, ok := value.(func(doc M) bool)
			if !ok {
				return nil, fmt.Errorf("$where needs a func(document.M) bool, got %T", value)
			}

			q.clauses = append(q.clauses, &whereClause{fn: fn})
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, key)
		}
	}

	return q, nil
}

func parseSubQueries(op string, value any) ([]*Query, error) {
	list, ok := anyToSlice(value)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%s needs a non-empty array of queries", op)
	}

	subs := make([]*Query, 0, len(list))

	for _, el := range list {
		subRaw, ok := anyToM(el)
		if !ok {
			return nil, fmt.Errorf("%s element is not a query: %T", op, el)
		}

		sub, err := ParseQuery(subRaw)
		if err != nil {
			return nil, err
		}

		subs = append(subs, sub)
	}

	return subs, nil
}

func parseFieldClause(path string, value any) (*fieldClause, error) {
	if re, ok := value.(*regexp.Regexp); ok {
		return &fieldClause{path: path, isOp: true, preds: []pred{{op: "$regex", re: re}}}, nil
	}

	m, isMap := anyToM(value)
	if !isMap || len(m) == 0 {
		return &fieldClause{path: path, value: DeepCopy(value, false)}, nil
	}

	dollar, plain := 0, 0

	for k := range m {
		if strings.HasPrefix(k, "$") {
			dollar++
		} else {
			plain++
		}
	}

	if dollar == 0 {
		return &fieldClause{path: path, value: DeepCopy(value, false)}, nil
	}

	if plain > 0 {
		return nil, fmt.Errorf("%w: cannot mix operators and fields in spec for %q", ErrUnknownOperator, path)
	}

	preds := make([]pred, 0, len(m))

	for _, op := range sortedKeys(m) {
		p, err := parsePred(path, op, m[op])
		if err != nil {
			return nil, err
		}

		preds = append(preds, p)
	}

	return &fieldClause{path: path, isOp: true, preds: preds}, nil
}

func parsePred(path, op string, arg any) (pred, error) {
	if !fieldOperators[op] {
		return pred{}, fmt.Errorf("%w: %s in spec for %q", ErrUnknownOperator, op, path)
	}

	switch op {
	case "$in", "$nin":
		list, ok := anyToSlice(arg)
		if !ok {
			return pred{}, fmt.Errorf("%s needs an array in spec for %q", op, path)
		}

		norm, _ := DeepCopy(list, false).([]any)

		return pred{op: op, arg: norm}, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return pred{}, fmt.Errorf("$exists needs a boolean in spec for %q", path)
		}

		return pred{op: op, arg: want}, nil
	case "$regex":
		switch t := arg.(type) {
		case *regexp.Regexp:
			return pred{op: op, re: t}, nil
		case string:
			re, err := regexp.Compile(t)
			if err != nil {
				return pred{}, fmt.Errorf("$regex in spec for %q: %w", path, err)
			}

			return pred{op: op, re: re}, nil
		default:
			return pred{}, fmt.Errorf("$regex needs a pattern in spec for %q", path)
		}
	case "$size":
		n, ok := DeepCopy(arg, false).(float64)
		if !ok || n != float64(int(n)) || n < 0 {
			return pred{}, fmt.Errorf("$size needs a non-negative integer in spec for %q", path)
		}

		return pred{op: op, size: int(n)}, nil
	case "$elemMatch":
		subRaw, ok := anyToM(arg)
		if !ok {
			return pred{}, fmt.Errorf("$elemMatch needs a query in spec for %q", path)
		}

		sub, err := ParseQuery(subRaw)
		if err != nil {
			return pred{}, err
		}

		return pred{op: op, sub: sub}, nil
	default:
		return pred{op: op, arg: DeepCopy(arg, false)}, nil
	}
}

// Range is the sub-query shape GetBetweenBounds consumes: any combination
// of the four comparison operators over one indexed field.
type Range struct {
	Gt, Gte, Lt, Lte             any
	HasGt, HasGte, HasLt, HasLte bool
}

// Empty reports whether no bound is set.
func (r Range) Empty() bool {
	return !r.HasGt && !r.HasGte && !r.HasLt && !r.HasLte
}

// PrimitiveEqualities lists the fields this query constrains to a bare
// primitive value, for exact-lookup candidate planning.
func (q *Query) PrimitiveEqualities() map[string]any {
	out := map[string]any{}

	for _, c := range q.clauses {
		fc, ok := c.(*fieldClause)
		if ok && !fc.isOp && IsPrimitive(fc.value) {
			out[fc.path] = fc.value
		}
	}

	return out
}

// InClauses lists the fields this query constrains with $in.
func (q *Query) InClauses() map[string][]any {
	out := map[string][]any{}

	for _, c := range q.clauses {
		fc, ok := c.(*fieldClause)
		if !ok || !fc.isOp {
			continue
		}

		for _, p := range fc.preds {
			if p.op == "$in" {
				list, _ := p.arg.([]any)
				out[fc.path] = list
			}
		}
	}

	return out
}

// RangeClauses lists the fields this query bounds with $lt/$lte/$gt/$gte.
func (q *Query) RangeClauses() map[string]Range {
	out := map[string]Range{}

	for _, c := range q.clauses {
		fc, ok := c.(*fieldClause)
		if !ok || !fc.isOp {
			continue
		}

		var r Range

		for _, p := range fc.preds {
			switch p.op {
			case "$gt":
				r.Gt, r.HasGt = p.arg, true
			case "$gte":
				r.Gte, r.HasGte = p.arg, true
			case "$lt":
				r.Lt, r.HasLt = p.arg, true
			case "$lte":
				r.Lte, r.HasLte = p.arg, true
			}
		}

		if !r.Empty() {
			out[fc.path] = r
		}
	}

	return out
}

func anyToM(v any) (M, bool) {
	switch t := v.(type) {
	case M:
		return t, true
	default:
		return nil, false
	}
}

func anyToSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []M:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = el
		}

		return out, true
	default:
		return nil, false
	}
}
