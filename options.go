package nedb

import (
	"go.uber.org/zap"

	"github.com/cutterbl/nedb-revisited/storage"
)

// Options configures a DataStore. The zero value is a valid in-memory
// store.
type Options struct {
	// Filename is the datafile path. Absent or empty means in-memory only.
	Filename string

	// InMemoryOnly forces an in-memory store regardless of Filename.
	InMemoryOnly bool

	// Autoload loads the database as part of Open. Without it, operations
	// submitted before LoadDatabase are buffered and run after the load.
	Autoload bool

	// TimestampData maintains createdAt/updatedAt on every document.
	TimestampData bool

	// CorruptAlertThreshold is the fraction of unparsable datafile lines
	// above which a load aborts. Zero selects the default of 0.1; a
	// negative value tolerates no corruption at all.
	CorruptAlertThreshold float64

	// CompareStrings overrides the natural string order used by indexes
	// and sorting.
	CompareStrings func(a, b string) int

	// BeforeWrite transforms each serialized log line before it is written;
	// AfterRead is its inverse, applied to each line at load. The pair must
	// invert each other: Open verifies this on random samples and fails
	// with ErrHookNotInvertible otherwise.
	BeforeWrite func(string) string
	AfterRead   func(string) string

	// OnCompaction is called after every log rewrite, manual or scheduled.
	OnCompaction func()

	// Logger receives structured load/compaction/eviction events.
	// Defaults to a no-op logger.
	Logger *zap.Logger

	// FS overrides the filesystem the store runs against. Defaults to the
	// real filesystem; tests inject failpoints here.
	FS storage.FS
}
