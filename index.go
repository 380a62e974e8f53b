package nedb

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/btree"

	"github.com/cutterbl/nedb-revisited/document"
)

// IndexOptions declares a secondary index.
type IndexOptions struct {
	// FieldName is the dotted path the index projects each document over.
	FieldName string

	// Unique rejects two documents with the same key.
	Unique bool

	// Sparse omits documents that have no value at FieldName.
	Sparse bool

	// ExpireAfterSeconds, when positive, declares a TTL index over a
	// timestamp field: documents whose indexed time is older than this many
	// seconds are eligible for eviction.
	ExpireAfterSeconds float64
}

// Index projects documents over one dotted field into an ordered multimap,
// enforcing the unique and sparse rules of its declaration.
//
// An Index never owns its documents: it stores references shared with the
// other indexes of the same store. The _id index is the authoritative
// live set.
type Index struct {
	opts    IndexOptions
	compare document.Comparator
	tree    *btree.BTreeG[*treeEntry]
}

// treeEntry is one key of the multimap with its documents in insertion
// order.
type treeEntry struct {
	key  any
	docs []document.M
}

const btreeDegree = 16

// NewIndex creates an empty index from a declaration. Fails with
// ErrMissingFieldName if the declaration has no field name.
func NewIndex(opts IndexOptions, compare document.Comparator) (*Index, error) {
	if opts.FieldName == "" {
		return nil, ErrMissingFieldName
	}

	if compare == nil {
		compare = document.Compare
	}

	idx := &Index{opts: opts, compare: compare}
	idx.tree = btree.NewG(btreeDegree, func(a, b *treeEntry) bool {
		return compare(a.key, b.key) < 0
	})

	return idx, nil
}

// Options returns the index declaration.
func (idx *Index) Options() IndexOptions {
	return idx.opts
}

// FieldName returns the indexed dotted path.
func (idx *Index) FieldName() string {
	return idx.opts.FieldName
}

// keys returns the distinct keys doc occupies in this index. An array value
// yields one key per distinct element, de-duplicated by a type-tagged
// projection so that the number 1 and the string "1" do not collide. A
// missing value yields no key on a sparse index and the undefined key
// otherwise. An empty array yields no key.
func (idx *Index) keys(doc document.M) []any {
	v := document.GetDotValue(doc, idx.opts.FieldName)

	if document.IsUndefined(v) {
		if idx.opts.Sparse {
			return nil
		}

		return []any{document.Undefined}
	}

	arr, ok := v.([]any)
	if !ok {
		return []any{v}
	}

	var (
		out  []any
		seen = map[string]bool{}
	)

	for _, el := range arr {
		tag, primitive := typeTaggedKey(el)
		if primitive {
			if seen[tag] {
				continue
			}

			seen[tag] = true
		}

		out = append(out, el)
	}

	return out
}

// typeTaggedKey projects a primitive onto a tagged string for array-key
// de-duplication. Composite elements are not de-duplicated.
func typeTaggedKey(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "null", true
	case bool:
		return "bool:" + strconv.FormatBool(t), true
	case float64:
		return "num:" + strconv.FormatFloat(t, 'g', -1, 64), true
	case string:
		return "str:" + t, true
	case time.Time:
		return "date:" + strconv.FormatInt(t.UnixMilli(), 10), true
	default:
		return "", false
	}
}

// Insert adds doc under each of its keys. If any key violates the unique
// constraint, every key insertion already performed for doc is rolled back
// and the error carries the violating field and key.
func (idx *Index) Insert(doc document.M) error {
	keys := idx.keys(doc)

	for i, key := range keys {
		err := idx.insertOne(key, doc)
		if err != nil {
			for _, done := range keys[:i] {
				idx.removeOne(done, doc)
			}

			return err
		}
	}

	return nil
}

func (idx *Index) insertOne(key any, doc document.M) error {
	pivot := &treeEntry{key: key}

	entry, ok := idx.tree.Get(pivot)
	if !ok {
		pivot.docs = []document.M{doc}
		idx.tree.ReplaceOrInsert(pivot)

		return nil
	}

	if idx.opts.Unique {
		return &Error{Field: idx.opts.FieldName, Key: key, Err: ErrUniqueViolated}
	}

	entry.docs = append(entry.docs, doc)

	return nil
}

// Remove takes doc out of the index. Removal never fails on a constraint;
// a doc that is not present is a no-op.
func (idx *Index) Remove(doc document.M) {
	for _, key := range idx.keys(doc) {
		idx.removeOne(key, doc)
	}
}

func (idx *Index) removeOne(key any, doc document.M) {
	pivot := &treeEntry{key: key}

	entry, ok := idx.tree.Get(pivot)
	if !ok {
		return
	}

	entry.docs = removeDoc(entry.docs, doc)

	if len(entry.docs) == 0 {
		idx.tree.Delete(pivot)
	}
}

// removeDoc drops one occurrence of doc, matched by _id when both carry
// one and by structural equality otherwise.
func removeDoc(docs []document.M, doc document.M) []document.M {
	id, hasID := doc["_id"].(string)

	for i, d := range docs {
		if hasID {
			if otherID, ok := d["_id"].(string); ok && otherID == id {
				return append(docs[:i], docs[i+1:]...)
			}

			continue
		}

		if document.Equal(d, doc) {
			return append(docs[:i], docs[i+1:]...)
		}
	}

	return docs
}

// Update replaces oldDoc with newDoc. On failure the old document is
// reinserted, leaving the index in its pre-call state.
func (idx *Index) Update(oldDoc, newDoc document.M) error {
	idx.Remove(oldDoc)

	err := idx.Insert(newDoc)
	if err != nil {
		_ = idx.Insert(oldDoc)

		return err
	}

	return nil
}

// Replacement pairs the before and after state of one document for a batch
// update.
type Replacement struct {
	Old, New document.M
}

// InsertAll adds docs in order. On failure at position i, positions 0..i-1
// are removed again and the tree is back in its pre-call state.
func (idx *Index) InsertAll(docs []document.M) error {
	for i, doc := range docs {
		err := idx.Insert(doc)
		if err != nil {
			for _, done := range docs[:i] {
				idx.Remove(done)
			}

			return err
		}
	}

	return nil
}

// UpdateAll applies each replacement in order. On failure the already
// applied replacements are reverted, leaving the tree in its pre-call
// state.
func (idx *Index) UpdateAll(pairs []Replacement) error {
	for i, pair := range pairs {
		err := idx.Update(pair.Old, pair.New)
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				// Restoring a state that existed before cannot conflict.
				_ = idx.Update(pairs[j].New, pairs[j].Old)
			}

			return err
		}
	}

	return nil
}

// RevertAll undoes a previously applied UpdateAll.
func (idx *Index) RevertAll(pairs []Replacement) {
	for j := len(pairs) - 1; j >= 0; j-- {
		_ = idx.Update(pairs[j].New, pairs[j].Old)
	}
}

// GetMatching returns the documents stored under value. An array value
// unions the results of each element, de-duplicated by _id.
func (idx *Index) GetMatching(value any) []document.M {
	arr, ok := value.([]any)
	if !ok {
		entry, found := idx.tree.Get(&treeEntry{key: value})
		if !found {
			return nil
		}

		out := make([]document.M, len(entry.docs))
		copy(out, entry.docs)

		return out
	}

	var (
		out  []document.M
		seen = map[string]bool{}
	)

	for _, el := range arr {
		for _, doc := range idx.GetMatching(el) {
			id, _ := doc["_id"].(string)
			if seen[id] {
				continue
			}

			seen[id] = true
			out = append(out, doc)
		}
	}

	return out
}

// GetBetweenBounds returns the documents whose key falls inside r, in
// ascending key order.
func (idx *Index) GetBetweenBounds(r document.Range) []document.M {
	var out []document.M

	visit := func(entry *treeEntry) bool {
		if r.HasLt && idx.compare(entry.key, r.Lt) >= 0 {
			return false
		}

		if r.HasLte && idx.compare(entry.key, r.Lte) > 0 {
			return false
		}

		if r.HasGt && idx.compare(entry.key, r.Gt) <= 0 {
			return true
		}

		out = append(out, entry.docs...)

		return true
	}

	switch {
	case r.HasGte:
		idx.tree.AscendGreaterOrEqual(&treeEntry{key: r.Gte}, visit)
	case r.HasGt:
		idx.tree.AscendGreaterOrEqual(&treeEntry{key: r.Gt}, visit)
	default:
		idx.tree.Ascend(visit)
	}

	return out
}

// GetAll returns every document in ascending key order.
func (idx *Index) GetAll() []document.M {
	var out []document.M

	idx.tree.Ascend(func(entry *treeEntry) bool {
		out = append(out, entry.docs...)

		return true
	})

	return out
}

// Len returns the number of stored documents, counting a document once per
// key it occupies.
func (idx *Index) Len() int {
	n := 0

	idx.tree.Ascend(func(entry *treeEntry) bool {
		n += len(entry.docs)

		return true
	})

	return n
}

// Reset drops the tree. With newData it bulk-inserts the given documents;
// if any insert fails the index is left empty, never partially populated.
func (idx *Index) Reset(newData []document.M) error {
	idx.tree.Clear(false)

	if newData == nil {
		return nil
	}

	err := idx.InsertAll(newData)
	if err != nil {
		idx.tree.Clear(false)

		return fmt.Errorf("reset %q: %w", idx.opts.FieldName, err)
	}

	return nil
}
