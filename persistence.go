package nedb

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cutterbl/nedb-revisited/document"
	"github.com/cutterbl/nedb-revisited/storage"
)

// Log record markers. They start with "$$" so they can never collide with
// a user field, which CheckObject rejects.
const (
	recDeleted      = "$$deleted"
	recIndexCreated = "$$indexCreated"
	recIndexRemoved = "$$indexRemoved"
)

const defaultCorruptAlertThreshold = 0.1

// minAutocompactionInterval is the floor enforced on scheduled compaction.
const minAutocompactionInterval = 5 * time.Second

// persistence encodes the in-memory state as a sequence of log records,
// replays the log into the indexes on load, and drives compaction.
//
// Every method that touches the datafile is reached from inside an executor
// task, so persistence itself needs no locking beyond the autocompaction
// bookkeeping.
type persistence struct {
	db        *DataStore
	storage   *storage.Storage
	filename  string
	inMemory  bool
	threshold float64

	// beforeWrite transforms each serialized line before it is appended;
	// afterRead is its inverse, applied to each line at load. The pair is
	// verified invertible at construction.
	beforeWrite func(string) string
	afterRead   func(string) string

	logger       *zap.Logger
	onCompaction func()

	mu         sync.Mutex
	stopTicker chan struct{}
}

func newPersistence(db *DataStore, opts Options) (*persistence, error) {
	if strings.HasSuffix(opts.Filename, storage.TempSuffix) {
		return nil, fmt.Errorf("filename %q ends in %q, which is reserved for the crash-safe temp file", opts.Filename, storage.TempSuffix)
	}

	p := &persistence{
		db:           db,
		storage:      storage.New(db.fs),
		filename:     opts.Filename,
		inMemory:     opts.InMemoryOnly || opts.Filename == "",
		threshold:    normalizeThreshold(opts.CorruptAlertThreshold),
		beforeWrite:  opts.BeforeWrite,
		afterRead:    opts.AfterRead,
		logger:       db.logger,
		onCompaction: opts.OnCompaction,
	}

	if p.beforeWrite == nil {
		p.beforeWrite = func(s string) string { return s }
	}

	if p.afterRead == nil {
		p.afterRead = func(s string) string { return s }
	}

	err := p.checkHooksInvertible()
	if err != nil {
		return nil, err
	}

	return p, nil
}

func normalizeThreshold(t float64) float64 {
	switch {
	case t == 0:
		return defaultCorruptAlertThreshold
	case t < 0:
		return 0
	default:
		return t
	}
}

// checkHooksInvertible verifies afterRead ∘ beforeWrite is the identity on
// a battery of random strings (lengths 1..29, ten samples each). A
// mismatch means a lone or inconsistent hook pair would silently corrupt
// the datafile, so construction fails instead.
func (p *persistence) checkHooksInvertible() error {
	for length := 1; length < 30; length++ {
		for range 10 {
			sample := randomString(length)
			if p.afterRead(p.beforeWrite(sample)) != sample {
				return fmt.Errorf("%w: round-trip altered a sample of length %d", ErrHookNotInvertible, length)
			}
		}
	}

	return nil
}

func randomString(n int) string {
	buf := make([]byte, (n+3)/4*3)
	_, _ = rand.Read(buf)

	return base64.RawStdEncoding.EncodeToString(buf)[:n]
}

// persistNewState appends one serialized record per entry. In-memory
// stores skip persistence entirely.
func (p *persistence) persistNewState(records []document.M) error {
	if p.inMemory || len(records) == 0 {
		return nil
	}

	var builder strings.Builder

	for _, rec := range records {
		line, err := document.Serialize(rec)
		if err != nil {
			return err
		}

		builder.WriteString(p.beforeWrite(line))
		builder.WriteString("\n")
	}

	return p.storage.AppendFile(p.filename, []byte(builder.String()))
}

// persistCachedDatabase rewrites the log to exactly one record per live
// document plus one $$indexCreated record per non-_id index, via the
// crash-safe write sequence, then emits the compaction.done event.
func (p *persistence) persistCachedDatabase() error {
	if p.inMemory {
		return nil
	}

	var builder strings.Builder

	for _, doc := range p.db.indexes["_id"].GetAll() {
		line, err := document.Serialize(doc)
		if err != nil {
			return err
		}

		builder.WriteString(p.beforeWrite(line))
		builder.WriteString("\n")
	}

	for _, idx := range p.db.sortedIndexes() {
		if idx.FieldName() == "_id" {
			continue
		}

		line, err := document.Serialize(indexCreatedRecord(idx.Options()))
		if err != nil {
			return err
		}

		builder.WriteString(p.beforeWrite(line))
		builder.WriteString("\n")
	}

	err := p.storage.CrashSafeWriteFile(p.filename, []byte(builder.String()))
	if err != nil {
		return err
	}

	p.logger.Info("compaction done", zap.String("filename", p.filename))

	if p.onCompaction != nil {
		p.onCompaction()
	}

	return nil
}

func indexCreatedRecord(opts IndexOptions) document.M {
	decl := document.M{
		"fieldName": opts.FieldName,
		"unique":    opts.Unique,
		"sparse":    opts.Sparse,
	}

	if opts.ExpireAfterSeconds > 0 {
		decl["expireAfterSeconds"] = opts.ExpireAfterSeconds
	}

	return document.M{recIndexCreated: decl}
}

func tombstoneRecord(id string) document.M {
	return document.M{recDeleted: true, "_id": id}
}

// rawFold is the result of folding the log: the live documents by id and
// the surviving index declarations by field name.
type rawFold struct {
	byID    map[string]document.M
	indexes map[string]IndexOptions
}

// treatRawData folds the datafile's lines into live state, applying
// tombstones by deletion. Unparsable lines are counted, minus one for the
// expected final newline; if the corrupt fraction exceeds the threshold the
// whole load fails rather than silently accepting garbage (which is what a
// misconfigured hook pair would otherwise produce).
func (p *persistence) treatRawData(raw []byte) (rawFold, error) {
	fold := rawFold{byID: map[string]document.M{}, indexes: map[string]IndexOptions{}}

	lines := strings.Split(string(raw), "\n")
	corrupt := -1

	for _, line := range lines {
		doc, err := document.Deserialize(p.afterRead(line))
		if err != nil {
			corrupt++

			continue
		}

		p.foldRecord(&fold, doc)
	}

	if len(lines) > 0 && float64(corrupt)/float64(len(lines)) > p.threshold {
		ratio := float64(corrupt) / float64(len(lines))

		p.logger.Error("datafile corruption above threshold",
			zap.String("filename", p.filename),
			zap.Float64("ratio", ratio),
			zap.Float64("threshold", p.threshold))

		return rawFold{}, fmt.Errorf("%w: %d%% of the lines are unreadable", ErrCorruptLog, int(ratio*100))
	}

	return fold, nil
}

func (p *persistence) foldRecord(fold *rawFold, rec document.M) {
	if id, ok := rec["_id"].(string); ok {
		if deleted, _ := rec[recDeleted].(bool); deleted {
			delete(fold.byID, id)

			return
		}

		fold.byID[id] = rec

		return
	}

	if decl, ok := rec[recIndexCreated].(document.M); ok {
		field, _ := decl["fieldName"].(string)
		if field == "" {
			return
		}

		opts := IndexOptions{FieldName: field}
		opts.Unique, _ = decl["unique"].(bool)
		opts.Sparse, _ = decl["sparse"].(bool)
		opts.ExpireAfterSeconds, _ = decl["expireAfterSeconds"].(float64)

		fold.indexes[field] = opts

		return
	}

	if field, ok := rec[recIndexRemoved].(string); ok {
		delete(fold.indexes, field)
	}
}

// loadDatabase rebuilds the in-memory state from the datafile and rewrites
// it compacted. Runs as a force-queued executor task; the caller flips the
// executor to ready afterwards.
func (p *persistence) loadDatabase() error {
	p.db.resetIndexes(nil)

	if p.inMemory {
		return nil
	}

	err := p.storage.EnsureDatafileIntegrity(p.filename)
	if err != nil {
		return err
	}

	raw, err := p.db.fs.ReadFile(p.filename)
	if err != nil {
		return &storage.Error{Op: "read", Path: p.filename, Err: err}
	}

	fold, err := p.treatRawData(raw)
	if err != nil {
		return err
	}

	for field, opts := range fold.indexes {
		err = p.db.registerIndex(opts)
		if err != nil {
			return fmt.Errorf("recreate index %q: %w", field, err)
		}
	}

	docs := make([]document.M, 0, len(fold.byID))
	for _, doc := range fold.byID {
		docs = append(docs, doc)
	}

	err = p.db.resetIndexes(docs)
	if err != nil {
		return err
	}

	err = p.persistCachedDatabase()
	if err != nil {
		return err
	}

	p.logger.Info("database loaded",
		zap.String("filename", p.filename),
		zap.Int("documents", len(docs)),
		zap.Int("indexes", len(fold.indexes)))

	return nil
}

// setAutocompactionInterval schedules a compaction every interval
// (floored at 5 seconds), replacing any prior schedule.
func (p *persistence) setAutocompactionInterval(interval time.Duration) {
	if interval < minAutocompactionInterval {
		interval = minAutocompactionInterval
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	stop := make(chan struct{})
	p.stopTicker = stop

	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.db.exec.pushAsync(func() {
					err := p.persistCachedDatabase()
					if err != nil {
						p.logger.Warn("autocompaction failed", zap.Error(err))
					}
				}, false)
			case <-stop:
				return
			}
		}
	}()
}

func (p *persistence) stopAutocompaction() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
}

func (p *persistence) stopLocked() {
	if p.stopTicker != nil {
		close(p.stopTicker)
		p.stopTicker = nil
	}
}
