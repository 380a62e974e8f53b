package nedb

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cutterbl/nedb-revisited/document"
)

// Cursor is a lazy query plan over one DataStore: candidate selection,
// matching, optional multi-key sort, skip/limit, then projection. Nothing
// runs until a terminal method (All, One, Count) is called; terminal
// methods route through the executor so they never observe a mid-mutation
// index state.
//
// Results are deep copies: callers cannot reach the store's internal
// documents through a cursor.
type Cursor struct {
	ds    *DataStore
	query document.M

	projection document.M
	sortKeys   []sortKey
	skip       int
	limit      int
	hasLimit   bool

	totalCount int
}

type sortKey struct {
	field string
	dir   int
}

func newCursor(ds *DataStore, query document.M) *Cursor {
	return &Cursor{ds: ds, query: query}
}

// Sort orders the results by the given fields, in declaration order. A
// "-" prefix sorts that field descending:
//
//	store.Find(q).Sort("age", "-name")
func (c *Cursor) Sort(fields ...string) *Cursor {
	for _, field := range fields {
		key := sortKey{field: field, dir: 1}

		if rest, ok := strings.CutPrefix(field, "-"); ok {
			key = sortKey{field: rest, dir: -1}
		} else if rest, ok := strings.CutPrefix(field, "+"); ok {
			key = sortKey{field: rest, dir: 1}
		}

		c.sortKeys = append(c.sortKeys, key)
	}

	return c
}

// Skip drops the first n results.
func (c *Cursor) Skip(n int) *Cursor {
	c.skip = n

	return c
}

// Limit caps the number of results at n.
func (c *Cursor) Limit(n int) *Cursor {
	c.limit = n
	c.hasLimit = true

	return c
}

// Select projects each result. The projection maps fields to 1 (include)
// or 0 (exclude); the two forms cannot be mixed except for _id, which is
// included by default and can always be excluded.
func (c *Cursor) Select(projection document.M) *Cursor {
	c.projection = projection

	return c
}

// All runs the query and returns every matching document.
func (c *Cursor) All() ([]document.M, error) {
	var (
		docs  []document.M
		opErr error
	)

	err := c.ds.exec.push(func() {
		docs, opErr = c.exec()
	}, false)
	if err != nil {
		return nil, err
	}

	return docs, opErr
}

// One runs the query with a limit of one and returns the single result,
// or nil when nothing matches.
func (c *Cursor) One() (document.M, error) {
	c.limit = 1
	c.hasLimit = true

	docs, err := c.All()
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		return nil, nil
	}

	return docs[0], nil
}

// Count runs the query and returns the number of matches, honoring skip
// and limit but not sort or projection.
func (c *Cursor) Count() (int, error) {
	var (
		n     int
		opErr error
	)

	err := c.ds.exec.push(func() {
		var docs []document.M

		docs, opErr = c.execFiltered()
		n = len(docs)
	}, false)
	if err != nil {
		return 0, err
	}

	return n, opErr
}

// TotalCount reports, after a terminal method has run, how many documents
// matched. With a sort it is the full match count before skip and limit;
// without one the scan stops once the limit is reached, so it counts only
// the matches examined up to that point.
func (c *Cursor) TotalCount() int {
	return c.totalCount
}

// exec runs the full pipeline. It must be called from inside an executor
// task (terminal methods) or from code already serialized by one (the
// upsert probe).
func (c *Cursor) exec() ([]document.M, error) {
	docs, err := c.execFiltered()
	if err != nil {
		return nil, err
	}

	return c.project(docs)
}

// execFiltered produces the matched, sorted, and sliced documents without
// projection or copying.
func (c *Cursor) execFiltered() ([]document.M, error) {
	parsed, err := document.ParseQuery(c.query)
	if err != nil {
		return nil, err
	}

	candidates := c.ds.getCandidates(parsed, false)

	if len(c.sortKeys) == 0 {
		return c.filterInline(parsed, candidates), nil
	}

	var matched []document.M

	for _, candidate := range candidates {
		if parsed.Match(candidate) {
			matched = append(matched, candidate)
		}
	}

	c.totalCount = len(matched)
	c.sortDocs(matched)

	return sliceDocs(matched, c.skip, c.limit, c.hasLimit), nil
}

// filterInline applies skip and limit while scanning, breaking off as soon
// as the limit is reached.
func (c *Cursor) filterInline(parsed *document.Query, candidates []document.M) []document.M {
	var (
		out     []document.M
		skipped int
		matched int
	)

	for _, candidate := range candidates {
		if !parsed.Match(candidate) {
			continue
		}

		matched++

		if skipped < c.skip {
			skipped++

			continue
		}

		out = append(out, candidate)

		if c.hasLimit && len(out) >= c.limit {
			break
		}
	}

	c.totalCount = matched

	return out
}

func (c *Cursor) sortDocs(docs []document.M) {
	compare := c.ds.compare

	slices.SortStableFunc(docs, func(a, b document.M) int {
		for _, key := range c.sortKeys {
			cmp := compare(
				document.GetDotValue(a, key.field),
				document.GetDotValue(b, key.field),
			)
			if cmp != 0 {
				return cmp * key.dir
			}
		}

		return 0
	})
}

func sliceDocs(docs []document.M, skip, limit int, hasLimit bool) []document.M {
	if skip >= len(docs) {
		return nil
	}

	docs = docs[skip:]

	if hasLimit && limit < len(docs) {
		docs = docs[:limit]
	}

	return docs
}

// project applies the cursor's projection and deep-copies every result.
func (c *Cursor) project(docs []document.M) ([]document.M, error) {
	mode, err := projectionMode(c.projection)
	if err != nil {
		return nil, err
	}

	out := make([]document.M, 0, len(docs))

	for _, doc := range docs {
		out = append(out, projectDoc(doc, c.projection, mode))
	}

	return out, nil
}

const (
	projectNone = iota
	projectInclude
	projectExclude
)

// projectionMode validates the projection and reports whether it is the
// inclusion or the exclusion form. Mixing the two is illegal except for
// _id.
func projectionMode(projection document.M) (int, error) {
	if len(projection) == 0 {
		return projectNone, nil
	}

	mode := projectNone

	for field, raw := range projection {
		keep, err := projectionFlag(field, raw)
		if err != nil {
			return 0, err
		}

		if field == "_id" {
			continue
		}

		fieldMode := projectExclude
		if keep {
			fieldMode = projectInclude
		}

		if mode != projectNone && mode != fieldMode {
			return 0, ErrMixedProjection
		}

		mode = fieldMode
	}

	if mode == projectNone {
		// Only _id was specified; everything else is kept.
		mode = projectExclude
	}

	return mode, nil
}

func projectionFlag(field string, raw any) (bool, error) {
	switch t := raw.(type) {
	case bool:
		return t, nil
	case int:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
	case float64:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
	}

	return false, fmt.Errorf("%w: projection value for %q must be 0 or 1", ErrMixedProjection, field)
}

func projectDoc(doc document.M, projection document.M, mode int) document.M {
	if mode == projectNone {
		return document.CopyDocument(doc)
	}

	keepID := true
	if raw, ok := projection["_id"]; ok {
		keepID, _ = projectionFlag("_id", raw)
	}

	var res document.M

	if mode == projectInclude {
		res = document.M{}

		for field, raw := range projection {
			if field == "_id" {
				continue
			}

			keep, _ := projectionFlag(field, raw)
			if !keep {
				continue
			}

			v := document.GetDotValue(doc, field)
			if document.IsUndefined(v) {
				continue
			}

			document.SetDotValue(res, field, document.DeepCopy(v, false))
		}
	} else {
		res = document.CopyDocument(doc)

		for field, raw := range projection {
			if field == "_id" {
				continue
			}

			keep, _ := projectionFlag(field, raw)
			if !keep {
				document.UnsetDotValue(res, field)
			}
		}
	}

	if keepID {
		if id, ok := doc["_id"]; ok {
			res["_id"] = id
		}
	} else {
		delete(res, "_id")
	}

	return res
}

