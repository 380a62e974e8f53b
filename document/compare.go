package document

import (
	"sort"
	"strings"
	"time"
)

// Comparator is a total order over document values. Negative means a < b.
type Comparator func(a, b any) int

// Type ranks. Absent values sort first so sparse-index bookkeeping and
// $exists behave; the rest follows the documented cross-type order:
// null < number < string < boolean < timestamp < array < mapping.
const (
	rankUndefined = iota
	rankNull
	rankNumber
	rankString
	rankBool
	rankTime
	rankArray
	rankObject
)

func rank(v any) int {
	switch v.(type) {
	case undefined:
		return rankUndefined
	case nil:
		return rankNull
	case float64:
		return rankNumber
	case string:
		return rankString
	case bool:
		return rankBool
	case time.Time:
		return rankTime
	case []any:
		return rankArray
	default:
		return rankObject
	}
}

// Compare orders a and b with natural string order.
func Compare(a, b any) int {
	return compareWith(a, b, nil)
}

// ComparatorWith builds a Comparator whose string order is overridden by
// compareStrings. A nil override yields the default order.
func ComparatorWith(compareStrings func(a, b string) int) Comparator {
	if compareStrings == nil {
		return Compare
	}

	return func(a, b any) int {
		return compareWith(a, b, compareStrings)
	}
}

func compareWith(a, b any, compareStrings func(a, b string) int) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}

		return 1
	}

	switch ra {
	case rankUndefined, rankNull:
		return 0
	case rankNumber:
		av, bv := a.(float64), b.(float64)

		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case rankString:
		av, bv := a.(string), b.(string)
		if compareStrings != nil {
			return compareStrings(av, bv)
		}

		return strings.Compare(av, bv)
	case rankBool:
		av, bv := a.(bool), b.(bool)

		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case rankTime:
		av, bv := a.(time.Time), b.(time.Time)

		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		default:
			return 0
		}
	case rankArray:
		return compareArrays(a.([]any), b.([]any), compareStrings)
	default:
		return compareObjects(a, b, compareStrings)
	}
}

// compareArrays orders arrays lexicographically, shorter first on ties.
func compareArrays(a, b []any, compareStrings func(a, b string) int) int {
	n := min(len(a), len(b))

	for i := range n {
		c := compareWith(a[i], b[i], compareStrings)
		if c != 0 {
			return c
		}
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// compareObjects orders mappings by their keys in sorted order, then by the
// values under those keys, shorter mapping first on ties. Values that are
// not mappings (unrecognized Go types) compare equal to each other.
func compareObjects(a, b any, compareStrings func(a, b string) int) int {
	am, aok := a.(M)
	bm, bok := b.(M)

	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}

	ak := sortedKeys(am)
	bk := sortedKeys(bm)
	n := min(len(ak), len(bk))

	for i := range n {
		c := strings.Compare(ak[i], bk[i])
		if c != 0 {
			return c
		}

		c = compareWith(am[ak[i]], bm[bk[i]], compareStrings)
		if c != 0 {
			return c
		}
	}

	switch {
	case len(ak) < len(bk):
		return -1
	case len(ak) > len(bk):
		return 1
	default:
		return 0
	}
}

func sortedKeys(m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
