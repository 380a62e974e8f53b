package document

import "time"

// Match reports whether doc satisfies the parsed query. A nil or empty
// query matches every document.
func (q *Query) Match(doc M) bool {
	if q == nil {
		return true
	}

	for _, c := range q.clauses {
		if !c.matches(doc) {
			return false
		}
	}

	return true
}

func (c *logicClause) matches(doc M) bool {
	switch c.op {
	case "$and":
		for _, sub := range c.subs {
			if !sub.Match(doc) {
				return false
			}
		}

		return true
	case "$or":
		for _, sub := range c.subs {
			if sub.Match(doc) {
				return true
			}
		}

		return false
	default: // $not
		return !c.subs[0].Match(doc)
	}
}

func (c *whereClause) matches(doc M) bool {
	return c.fn(doc)
}

func (c *fieldClause) matches(doc M) bool {
	return c.matchValue(GetDotValue(doc, c.path), false)
}

// matchValue applies the clause to one resolved value. Array values fan out
// to their elements unless the clause is array-specific ($size, $elemMatch)
// or an exact array-against-array comparison, in which case the array is
// treated as a single value.
func (c *fieldClause) matchValue(v any, treatAsValue bool) bool {
	arr, isArr := v.([]any)
	if isArr && !treatAsValue {
		if !c.isOp {
			if _, queryIsArr := c.value.([]any); queryIsArr {
				return c.matchValue(v, true)
			}
		}

		if c.isOp && c.hasArrayPred() {
			return c.matchValue(v, true)
		}

		for _, el := range arr {
			if c.matchValue(el, false) {
				return true
			}
		}

		return false
	}

	if !c.isOp {
		return Equal(v, c.value)
	}

	for i := range c.preds {
		if !matchPred(&c.preds[i], v) {
			return false
		}
	}

	return true
}

func (c *fieldClause) hasArrayPred() bool {
	for _, p := range c.preds {
		if p.op == "$size" || p.op == "$elemMatch" {
			return true
		}
	}

	return false
}

func matchPred(p *pred, v any) bool {
	switch p.op {
	case "$eq":
		return Equal(v, p.arg)
	case "$ne":
		if IsUndefined(v) {
			return true
		}

		return !Equal(v, p.arg)
	case "$lt":
		return sameOrderedType(v, p.arg) && Compare(v, p.arg) < 0
	case "$lte":
		return sameOrderedType(v, p.arg) && Compare(v, p.arg) <= 0
	case "$gt":
		return sameOrderedType(v, p.arg) && Compare(v, p.arg) > 0
	case "$gte":
		return sameOrderedType(v, p.arg) && Compare(v, p.arg) >= 0
	case "$in":
		return valueIn(v, p.arg.([]any))
	case "$nin":
		return !valueIn(v, p.arg.([]any))
	case "$exists":
		return !IsUndefined(v) == p.arg.(bool)
	case "$regex":
		s, ok := v.(string)

		return ok && p.re.MatchString(s)
	case "$size":
		arr, ok := v.([]any)

		return ok && len(arr) == p.size
	case "$elemMatch":
		arr, ok := v.([]any)
		if !ok {
			return false
		}

		for _, el := range arr {
			if doc, ok := el.(M); ok && p.sub.Match(doc) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// sameOrderedType restricts ordering operators to same-type comparisons between
// numbers, strings, or timestamps. Everything else is not ordered.
func sameOrderedType(a, b any) bool {
	switch a.(type) {
	case float64:
		_, ok := b.(float64)

		return ok
	case string:
		_, ok := b.(string)

		return ok
	case time.Time:
		_, ok := b.(time.Time)

		return ok
	default:
		return false
	}
}

func valueIn(v any, list []any) bool {
	for _, el := range list {
		if Equal(v, el) {
			return true
		}
	}

	return false
}
