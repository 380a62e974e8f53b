// Package nedb is an embeddable single-process document database. It
// stores JSON-like documents in an append-only log and serves
// MongoDB-flavoured queries against in-memory balanced-tree indexes.
//
// A store is opened on a datafile (or fully in memory), loaded by folding
// the log into its indexes, and then serves inserts, updates, removes and
// cursor-based queries. All operations are serialized through a single
// FIFO executor, so readers never observe a half-applied mutation.
package nedb

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cutterbl/nedb-revisited/document"
	"github.com/cutterbl/nedb-revisited/storage"
)

// DataStore owns the indexes, the persistence layer, and the executor of
// one collection of documents. Multiple stores must not share a datafile.
type DataStore struct {
	fs      storage.FS
	logger  *zap.Logger
	compare document.Comparator

	timestampData bool

	// indexes maps field name to index. The _id index always exists, is
	// unique, and is the authoritative live set.
	indexes map[string]*Index

	// ttl maps a TTL-indexed field to its expireAfterSeconds.
	ttl map[string]float64

	persistence *persistence
	exec        *executor
}

// Open creates a DataStore from opts. The _id index is created eagerly.
// With Options.Autoload the database is loaded before Open returns;
// otherwise operations are buffered until LoadDatabase runs. In-memory
// stores are ready immediately.
func Open(opts Options) (*DataStore, error) {
	ds := &DataStore{
		fs:            opts.FS,
		logger:        opts.Logger,
		compare:       document.ComparatorWith(opts.CompareStrings),
		timestampData: opts.TimestampData,
		indexes:       map[string]*Index{},
		ttl:           map[string]float64{},
	}

	if ds.fs == nil {
		ds.fs = storage.NewReal()
	}

	if ds.logger == nil {
		ds.logger = zap.NewNop()
	}

	err := ds.registerIndex(IndexOptions{FieldName: "_id", Unique: true})
	if err != nil {
		return nil, err
	}

	ds.exec = newExecutor()

	ds.persistence, err = newPersistence(ds, opts)
	if err != nil {
		ds.exec.shutdown()

		return nil, err
	}

	if ds.persistence.inMemory {
		ds.exec.processBuffer()

		return ds, nil
	}

	if opts.Autoload {
		err = ds.LoadDatabase()
		if err != nil {
			ds.exec.shutdown()

			return nil, err
		}
	}

	return ds, nil
}

// LoadDatabase replays the datafile into the indexes, rewrites it
// compacted, and flips the executor to ready, draining any buffered
// operations in submission order. On failure the store stays unready.
func (ds *DataStore) LoadDatabase() error {
	var loadErr error

	err := ds.exec.push(func() {
		loadErr = ds.persistence.loadDatabase()
		if loadErr == nil {
			ds.exec.processBuffer()
		}
	}, true)
	if err != nil {
		return err
	}

	return loadErr
}

// Close stops autocompaction, waits for the queue to drain, and stops the
// executor. Safe to call once; operations submitted after Close fail with
// ErrClosed.
func (ds *DataStore) Close() error {
	ds.persistence.stopAutocompaction()
	ds.exec.shutdown()

	return nil
}

// Drain blocks until the operation queue is empty. Useful to observe
// scheduled work, like TTL evictions, from tests and shutdown paths.
func (ds *DataStore) Drain() {
	<-ds.exec.onEmpty()
}

// --- Inserts ---

// Insert stores one document, assigning a fresh _id if absent, and appends
// it to the log. The returned document is the stored copy.
func (ds *DataStore) Insert(doc document.M) (document.M, error) {
	docs, err := ds.InsertAll([]document.M{doc})
	if err != nil {
		return nil, err
	}

	return docs[0], nil
}

// InsertAll stores several documents. Index mutation is rolled back across
// all documents and all indexes if any of them fails, so a failed batch
// leaves the store untouched.
func (ds *DataStore) InsertAll(docs []document.M) ([]document.M, error) {
	var (
		inserted []document.M
		opErr    error
	)

	err := ds.exec.push(func() {
		inserted, opErr = ds.insert(docs)
	}, false)
	if err != nil {
		return nil, err
	}

	return inserted, opErr
}

func (ds *DataStore) insert(docs []document.M) ([]document.M, error) {
	prepared := make([]document.M, 0, len(docs))

	for _, doc := range docs {
		p, err := ds.prepareForInsertion(doc)
		if err != nil {
			return nil, err
		}

		prepared = append(prepared, p)
	}

	for i, doc := range prepared {
		err := ds.addToIndexes(doc)
		if err != nil {
			for _, done := range prepared[:i] {
				ds.removeFromIndexes(done)
			}

			return nil, err
		}
	}

	err := ds.persistence.persistNewState(prepared)
	if err != nil {
		return nil, err
	}

	// Hand back copies so callers cannot mutate the indexed documents.
	out := make([]document.M, len(prepared))
	for i, doc := range prepared {
		out[i] = document.CopyDocument(doc)
	}

	return out, nil
}

// prepareForInsertion deep-copies, assigns missing _id and timestamps, and
// validates key shapes.
func (ds *DataStore) prepareForInsertion(doc document.M) (document.M, error) {
	prepared := document.CopyDocument(doc)
	if prepared == nil {
		return nil, fmt.Errorf("%w: document is not an object", document.ErrInvalidKey)
	}

	if _, ok := prepared["_id"]; !ok {
		prepared["_id"] = ds.createNewID()
	}

	if ds.timestampData {
		now := time.UnixMilli(time.Now().UnixMilli()).UTC()

		if _, ok := prepared["createdAt"]; !ok {
			prepared["createdAt"] = now
		}

		if _, ok := prepared["updatedAt"]; !ok {
			prepared["updatedAt"] = now
		}
	}

	err := document.CheckObject(prepared)
	if err != nil {
		return nil, err
	}

	return prepared, nil
}

const (
	idLength      = 16
	crockfordBase = "0123456789abcdefghjkmnpqrstvwxyz"
)

// createNewID generates a random 16-character id and retries until the
// _id index reports it free. The id is the first 80 bits of a version 4
// UUID, 74 of them random (the version and variant bits are fixed), so the
// expected number of attempts is one.
func (ds *DataStore) createNewID() string {
	for {
		id := encodeCrockford(uuid.New(), idLength)
		if len(ds.indexes["_id"].GetMatching(id)) == 0 {
			return id
		}
	}
}

// encodeCrockford packs the UUID's random bits into n base32 characters.
func encodeCrockford(id uuid.UUID, n int) string {
	out := make([]byte, 0, n)

	var (
		acc     uint64
		accBits uint
	)

	for _, b := range id {
		acc = acc<<8 | uint64(b)
		accBits += 8

		for accBits >= 5 && len(out) < n {
			accBits -= 5
			out = append(out, crockfordBase[(acc>>accBits)&0x1f])
		}

		if len(out) == n {
			break
		}
	}

	return string(out)
}

// --- Index bookkeeping ---

// registerIndex creates and registers an index and its TTL metadata.
func (ds *DataStore) registerIndex(opts IndexOptions) error {
	idx, err := NewIndex(opts, ds.compare)
	if err != nil {
		return err
	}

	ds.indexes[opts.FieldName] = idx

	if opts.ExpireAfterSeconds > 0 {
		ds.ttl[opts.FieldName] = opts.ExpireAfterSeconds
	}

	return nil
}

// sortedIndexes returns the indexes in deterministic field order, _id
// first. Deterministic order keeps rollback and compaction output stable.
func (ds *DataStore) sortedIndexes() []*Index {
	fields := make([]string, 0, len(ds.indexes))

	for field := range ds.indexes {
		if field != "_id" {
			fields = append(fields, field)
		}
	}

	sort.Strings(fields)

	out := []*Index{ds.indexes["_id"]}
	for _, field := range fields {
		out = append(out, ds.indexes[field])
	}

	return out
}

// addToIndexes inserts doc into every index. On failure at index k, the
// insertion is rolled back from indexes 0..k-1 before the error surfaces.
func (ds *DataStore) addToIndexes(doc document.M) error {
	indexes := ds.sortedIndexes()

	for i, idx := range indexes {
		err := idx.Insert(doc)
		if err != nil {
			for _, done := range indexes[:i] {
				done.Remove(doc)
			}

			return err
		}
	}

	return nil
}

// removeFromIndexes removes doc from every index. Never fails.
func (ds *DataStore) removeFromIndexes(doc document.M) {
	for _, idx := range ds.indexes {
		idx.Remove(doc)
	}
}

// updateIndexes applies the replacements to every index, atomically across
// all of them: on failure at index k, indexes 0..k-1 are reverted.
func (ds *DataStore) updateIndexes(pairs []Replacement) error {
	indexes := ds.sortedIndexes()

	for i, idx := range indexes {
		err := idx.UpdateAll(pairs)
		if err != nil {
			for _, done := range indexes[:i] {
				done.RevertAll(pairs)
			}

			return err
		}
	}

	return nil
}

// resetIndexes rebuilds every index from docs (or empties them when docs
// is nil). A unique violation anywhere rolls every index back to empty.
func (ds *DataStore) resetIndexes(docs []document.M) error {
	indexes := ds.sortedIndexes()

	for _, idx := range indexes {
		err := idx.Reset(docs)
		if err != nil {
			for _, other := range indexes {
				_ = other.Reset(nil)
			}

			return err
		}
	}

	return nil
}

// --- Index management API ---

// EnsureIndex registers an index over opts.FieldName, bulk-loading the
// current live documents, and appends the declaration to the log. An index
// that already exists on the field is a no-op.
func (ds *DataStore) EnsureIndex(opts IndexOptions) error {
	var opErr error

	err := ds.exec.push(func() {
		opErr = ds.ensureIndex(opts)
	}, false)
	if err != nil {
		return err
	}

	return opErr
}

func (ds *DataStore) ensureIndex(opts IndexOptions) error {
	if opts.FieldName == "" {
		return ErrMissingFieldName
	}

	if _, ok := ds.indexes[opts.FieldName]; ok {
		return nil
	}

	err := ds.registerIndex(opts)
	if err != nil {
		return err
	}

	err = ds.indexes[opts.FieldName].InsertAll(ds.indexes["_id"].GetAll())
	if err != nil {
		delete(ds.indexes, opts.FieldName)
		delete(ds.ttl, opts.FieldName)

		return err
	}

	return ds.persistence.persistNewState([]document.M{indexCreatedRecord(opts)})
}

// RemoveIndex unregisters the index on fieldName and appends the removal
// to the log. The _id index cannot be removed.
func (ds *DataStore) RemoveIndex(fieldName string) error {
	var opErr error

	err := ds.exec.push(func() {
		opErr = ds.removeIndex(fieldName)
	}, false)
	if err != nil {
		return err
	}

	return opErr
}

func (ds *DataStore) removeIndex(fieldName string) error {
	if fieldName == "_id" {
		return fmt.Errorf("the _id index cannot be removed")
	}

	delete(ds.indexes, fieldName)
	delete(ds.ttl, fieldName)

	return ds.persistence.persistNewState([]document.M{{recIndexRemoved: fieldName}})
}

// Indexes lists the registered index declarations, _id first.
func (ds *DataStore) Indexes() []IndexOptions {
	var out []IndexOptions

	_ = ds.exec.push(func() {
		for _, idx := range ds.sortedIndexes() {
			out = append(out, idx.Options())
		}
	}, false)

	return out
}

// --- Candidate planning ---

// getCandidates selects the cheapest superset of documents for the parsed
// query, stopping at the first applicable strategy: exact index lookup on
// a bare primitive, $in lookup, index range scan, then full scan of the
// live set.
//
// Unless dontExpireStaleDocs is set, candidates carrying an expired TTL
// field are excluded from the result and their removal is scheduled on the
// executor as a sequential chain.
func (ds *DataStore) getCandidates(q *document.Query, dontExpireStaleDocs bool) []document.M {
	candidates := ds.planCandidates(q)

	if dontExpireStaleDocs || len(ds.ttl) == 0 {
		return candidates
	}

	now := time.Now()
	valid := candidates[:0:0]

	for _, doc := range candidates {
		if ds.expired(doc, now) {
			id, _ := doc["_id"].(string)

			ds.logger.Debug("scheduling ttl eviction", zap.String("id", id))
			ds.exec.pushAsync(func() {
				_, err := ds.remove(document.M{"_id": id}, RemoveOptions{})
				if err != nil {
					ds.logger.Warn("ttl eviction failed", zap.String("id", id), zap.Error(err))
				}
			}, false)

			continue
		}

		valid = append(valid, doc)
	}

	return valid
}

func (ds *DataStore) planCandidates(q *document.Query) []document.M {
	if q != nil {
		equalities := q.PrimitiveEqualities()
		for _, field := range sortedFields(equalities) {
			if idx, ok := ds.indexes[field]; ok {
				return idx.GetMatching(equalities[field])
			}
		}

		ins := q.InClauses()
		for _, field := range sortedFields(ins) {
			if idx, ok := ds.indexes[field]; ok {
				return idx.GetMatching(ins[field])
			}
		}

		ranges := q.RangeClauses()
		for _, field := range sortedFields(ranges) {
			if idx, ok := ds.indexes[field]; ok {
				return idx.GetBetweenBounds(ranges[field])
			}
		}
	}

	return ds.indexes["_id"].GetAll()
}

// expired reports whether any TTL field of doc is older than its horizon.
// Expiry is monotone in now: once expired, always expired.
func (ds *DataStore) expired(doc document.M, now time.Time) bool {
	for field, seconds := range ds.ttl {
		t, ok := document.GetDotValue(doc, field).(time.Time)
		if !ok {
			continue
		}

		if now.After(t.Add(time.Duration(seconds * float64(time.Second)))) {
			return true
		}
	}

	return false
}

func sortedFields[V any](m map[string]V) []string {
	fields := make([]string, 0, len(m))
	for field := range m {
		fields = append(fields, field)
	}

	sort.Strings(fields)

	return fields
}

// --- Queries ---

// Find returns a cursor over the documents matching query. The query runs
// when a terminal cursor method (All, One, Count) is called.
func (ds *DataStore) Find(query document.M) *Cursor {
	return newCursor(ds, query)
}

// FindOne returns the first matching document, or nil if none matches.
func (ds *DataStore) FindOne(query document.M) (document.M, error) {
	return ds.Find(query).One()
}

// FindID returns the document with the given _id, or nil.
func (ds *DataStore) FindID(id string) (document.M, error) {
	return ds.FindOne(document.M{"_id": id})
}

// Count returns the number of documents matching query.
func (ds *DataStore) Count(query document.M) (int, error) {
	return ds.Find(query).Count()
}

// --- Updates ---

// UpdateOptions controls Update.
type UpdateOptions struct {
	// Multi updates every matching document instead of the first.
	Multi bool

	// Upsert inserts a synthesized document when nothing matches.
	Upsert bool

	// ReturnUpdatedDocs includes the post-update documents in the result.
	ReturnUpdatedDocs bool
}

// UpdateResult reports what an Update did.
type UpdateResult struct {
	// Modified is the number of replaced documents (1 for an upsert).
	Modified int

	// Upserted is the inserted document when the update upserted.
	Upserted document.M

	// Docs carries the updated documents when ReturnUpdatedDocs was set.
	Docs []document.M
}

// Update modifies the documents matching query with update, which is
// either a replacement document or a set of modifiers. Index mutation is
// atomic across all indexes; one log record is appended per new document.
func (ds *DataStore) Update(query, update document.M, opts UpdateOptions) (*UpdateResult, error) {
	var (
		result *UpdateResult
		opErr  error
	)

	err := ds.exec.push(func() {
		result, opErr = ds.update(query, update, opts)
	}, false)
	if err != nil {
		return nil, err
	}

	return result, opErr
}

func (ds *DataStore) update(query, update document.M, opts UpdateOptions) (*UpdateResult, error) {
	parsed, err := document.ParseQuery(query)
	if err != nil {
		return nil, err
	}

	if opts.Upsert {
		// Probe with an internal cursor; we are already inside the
		// executor task, so the cursor must not route through it again.
		probe := newCursor(ds, query).Limit(1)

		existing, err := probe.execFiltered()
		if err != nil {
			return nil, err
		}

		if len(existing) == 0 {
			return ds.upsert(query, update)
		}
	}

	candidates := ds.getCandidates(parsed, false)

	var (
		modifications []Replacement
		newDocs       []document.M
	)

	now := time.UnixMilli(time.Now().UnixMilli()).UTC()

	for _, candidate := range candidates {
		if !parsed.Match(candidate) {
			continue
		}

		if !opts.Multi && len(modifications) > 0 {
			break
		}

		newDoc, err := document.Modify(candidate, update)
		if err != nil {
			return nil, err
		}

		if ds.timestampData {
			newDoc["createdAt"] = candidate["createdAt"]
			newDoc["updatedAt"] = now
		}

		modifications = append(modifications, Replacement{Old: candidate, New: newDoc})
		newDocs = append(newDocs, newDoc)
	}

	err = ds.updateIndexes(modifications)
	if err != nil {
		return nil, err
	}

	err = ds.persistence.persistNewState(newDocs)
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{Modified: len(modifications)}
	if opts.ReturnUpdatedDocs {
		for _, doc := range newDocs {
			result.Docs = append(result.Docs, document.CopyDocument(doc))
		}
	}

	return result, nil
}

// upsert synthesizes the document to insert when an upserting update
// matched nothing: the update itself if it is a plain document, otherwise
// the query (stripped of operator keys) with the modifiers applied.
func (ds *DataStore) upsert(query, update document.M) (*UpdateResult, error) {
	toInsert := update

	if hasModifiers(update) {
		base, _ := document.DeepCopy(query, true).(document.M)
		if base == nil {
			base = document.M{}
		}

		modified, err := document.Modify(base, update)
		if err != nil {
			return nil, err
		}

		toInsert = modified
	}

	inserted, err := ds.insert([]document.M{toInsert})
	if err != nil {
		return nil, err
	}

	return &UpdateResult{Modified: 1, Upserted: document.CopyDocument(inserted[0])}, nil
}

func hasModifiers(update document.M) bool {
	for k := range update {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}

	return false
}

// --- Removes ---

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// Multi removes every matching document instead of the first.
	Multi bool
}

// Remove deletes the documents matching query and appends one tombstone
// per deleted document. Returns the number removed.
func (ds *DataStore) Remove(query document.M, opts RemoveOptions) (int, error) {
	var (
		removed int
		opErr   error
	)

	err := ds.exec.push(func() {
		removed, opErr = ds.remove(query, opts)
	}, false)
	if err != nil {
		return 0, err
	}

	return removed, opErr
}

// RemoveID deletes the document with the given _id.
func (ds *DataStore) RemoveID(id string) (int, error) {
	return ds.Remove(document.M{"_id": id}, RemoveOptions{})
}

func (ds *DataStore) remove(query document.M, opts RemoveOptions) (int, error) {
	parsed, err := document.ParseQuery(query)
	if err != nil {
		return 0, err
	}

	candidates := ds.getCandidates(parsed, true)

	var tombstones []document.M

	for _, candidate := range candidates {
		if !parsed.Match(candidate) {
			continue
		}

		if !opts.Multi && len(tombstones) > 0 {
			break
		}

		ds.removeFromIndexes(candidate)

		id, _ := candidate["_id"].(string)
		tombstones = append(tombstones, tombstoneRecord(id))
	}

	err = ds.persistence.persistNewState(tombstones)
	if err != nil {
		return 0, err
	}

	return len(tombstones), nil
}

// --- Maintenance ---

// Compact rewrites the log to one record per live document plus one per
// secondary index, crash-safely, and emits the compaction.done event.
func (ds *DataStore) Compact() error {
	var opErr error

	err := ds.exec.push(func() {
		opErr = ds.persistence.persistCachedDatabase()
	}, false)
	if err != nil {
		return err
	}

	return opErr
}

// SetAutocompactionInterval schedules Compact every interval, floored at
// 5 seconds. A new call replaces the previous schedule.
func (ds *DataStore) SetAutocompactionInterval(interval time.Duration) {
	ds.persistence.setAutocompactionInterval(interval)
}

// StopAutocompaction cancels a scheduled compaction, if any.
func (ds *DataStore) StopAutocompaction() {
	ds.persistence.stopAutocompaction()
}
