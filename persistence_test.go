package nedb_test

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	nedb "github.com/cutterbl/nedb-revisited"
	"github.com/cutterbl/nedb-revisited/document"
	"github.com/cutterbl/nedb-revisited/storage"
)

// readLogLines returns the datafile's non-blank lines.
func readLogLines(t *testing.T, path string) []string {
	t.Helper()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var lines []string

	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	return lines
}

func allDocsSorted(t *testing.T, store *nedb.DataStore) []document.M {
	t.Helper()

	docs, err := store.Find(document.M{}).All()
	require.NoError(t, err)

	sort.Slice(docs, func(i, j int) bool {
		a, _ := docs[i]["_id"].(string)
		b, _ := docs[j]["_id"].(string)

		return a < b
	})

	return docs
}

func Test_Load_Replays_The_Log_Into_The_Same_Live_Set(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "replay.db")

	store, _ := openFileStore(t, nedb.Options{Filename: path})

	_, err := store.InsertAll([]document.M{
		{"name": "keep"},
		{"name": "mutate"},
		{"name": "drop"},
	})
	require.NoError(t, err)

	_, err = store.Update(
		document.M{"name": "mutate"},
		document.M{"$set": document.M{"mutated": true}},
		nedb.UpdateOptions{},
	)
	require.NoError(t, err)

	_, err = store.Remove(document.M{"name": "drop"}, nedb.RemoveOptions{})
	require.NoError(t, err)

	require.NoError(t, store.EnsureIndex(nedb.IndexOptions{FieldName: "name"}))

	before := allDocsSorted(t, store)
	require.NoError(t, store.Close())

	reopened, _ := openFileStore(t, nedb.Options{Filename: path})

	after := allDocsSorted(t, reopened)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("live set changed across reload (-before +after):\n%s", diff)
	}

	decls := reopened.Indexes()
	if len(decls) != 2 || decls[1].FieldName != "name" {
		t.Fatalf("indexes not recreated: %v", decls)
	}
}

func Test_Remove_Appends_A_Tombstone(t *testing.T) {
	t.Parallel()

	store, path := openFileStore(t, nedb.Options{})

	inserted, err := store.Insert(document.M{"name": "short lived"})
	require.NoError(t, err)

	n, err := store.Remove(document.M{"name": "short lived"}, nedb.RemoveOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	lines := readLogLines(t, path)

	last := lines[len(lines)-1]
	if !strings.Contains(last, `"$$deleted":true`) {
		t.Fatalf("last line = %s, want a tombstone", last)
	}

	id := inserted["_id"].(string)
	if !strings.Contains(last, id) {
		t.Fatalf("tombstone does not name the _id %s: %s", id, last)
	}
}

func Test_Compaction_Writes_One_Line_Per_Live_Doc_And_Index(t *testing.T) {
	t.Parallel()

	store, path := openFileStore(t, nedb.Options{})

	_, err := store.InsertAll([]document.M{{"n": 1}, {"n": 2}, {"n": 3}})
	require.NoError(t, err)

	_, err = store.Remove(document.M{"n": 1}, nedb.RemoveOptions{})
	require.NoError(t, err)

	require.NoError(t, store.EnsureIndex(nedb.IndexOptions{FieldName: "n", Unique: true}))

	require.NoError(t, store.Compact())

	lines := readLogLines(t, path)
	if len(lines) != 3 { // 2 live docs + 1 index declaration
		t.Fatalf("log has %d lines after compaction, want 3:\n%s", len(lines), strings.Join(lines, "\n"))
	}

	indexLines := 0

	for _, line := range lines {
		if strings.Contains(line, "$$indexCreated") {
			indexLines++

			for _, want := range []string{`"fieldName":"n"`, `"unique":true`} {
				if !strings.Contains(line, want) {
					t.Fatalf("index line %s missing %s", line, want)
				}
			}
		}
	}

	if indexLines != 1 {
		t.Fatalf("index lines = %d, want 1", indexLines)
	}
}

func Test_Compact_Fires_The_Compaction_Event(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 8)

	store, _ := openFileStore(t, nedb.Options{
		OnCompaction: func() { fired <- struct{}{} },
	})

	// Loading compacts once already; drain whatever has fired so far.
	for len(fired) > 0 {
		<-fired
	}

	require.NoError(t, store.Compact())

	select {
	case <-fired:
	default:
		t.Fatal("compaction.done did not fire")
	}
}

func Test_Load_Rejects_A_Log_Above_The_Corruption_Threshold(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "corrupt.db")

	content := `{"_id":"valid0000000001","v":1}` + "\n" +
		"garbage one\n" +
		"garbage two\n" +
		"garbage three\n"

	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := nedb.Open(nedb.Options{Filename: path, Autoload: true})
	if !errors.Is(err, nedb.ErrCorruptLog) {
		t.Fatalf("err = %v, want ErrCorruptLog", err)
	}

	// A permissive threshold accepts the same file and recovers the
	// parsable document.
	store, err := nedb.Open(nedb.Options{
		Filename:              path,
		Autoload:              true,
		CorruptAlertThreshold: 0.9,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	n, err := store.Count(document.M{})
	require.NoError(t, err)

	if n != 1 {
		t.Fatalf("count = %d, want the one valid document", n)
	}
}

func Test_Load_Tolerates_The_Final_Newline(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "newline.db")

	// A single record plus trailing newline parses with zero corruption,
	// even under a zero-tolerance threshold.
	content := `{"_id":"valid0000000001","v":1}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store, err := nedb.Open(nedb.Options{
		Filename:              path,
		Autoload:              true,
		CorruptAlertThreshold: -1,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	n, err := store.Count(document.M{})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func Test_Serialization_Hooks_Round_Trip_The_Datafile(t *testing.T) {
	t.Parallel()

	const prefix = "OBFUSCATED:"

	opts := nedb.Options{
		Filename:    filepath.Join(t.TempDir(), "hooks.db"),
		BeforeWrite: func(s string) string { return prefix + s },
		AfterRead:   func(s string) string { return strings.TrimPrefix(s, prefix) },
	}

	store, path := openFileStore(t, opts)

	_, err := store.Insert(document.M{"secret": "value"})
	require.NoError(t, err)

	for _, line := range readLogLines(t, path) {
		if !strings.HasPrefix(line, prefix) {
			t.Fatalf("line %q is not hooked", line)
		}
	}

	require.NoError(t, store.Close())

	reopened, _ := openFileStore(t, opts)

	doc, err := reopened.FindOne(document.M{"secret": "value"})
	require.NoError(t, err)

	if doc == nil {
		t.Fatal("hooked datafile did not reload")
	}
}

func Test_Open_Rejects_Non_Invertible_Hooks(t *testing.T) {
	t.Parallel()

	_, err := nedb.Open(nedb.Options{
		Filename:    filepath.Join(t.TempDir(), "bad.db"),
		BeforeWrite: func(s string) string { return "X" + s },
		// AfterRead missing: the pair cannot invert.
	})
	if !errors.Is(err, nedb.ErrHookNotInvertible) {
		t.Fatalf("err = %v, want ErrHookNotInvertible", err)
	}
}

func Test_Open_Rejects_A_Filename_Ending_In_Tilde(t *testing.T) {
	t.Parallel()

	_, err := nedb.Open(nedb.Options{
		Filename: filepath.Join(t.TempDir(), "data.db~"),
	})
	if err == nil {
		t.Fatal("a filename ending in ~ collides with the crash-safe temp file")
	}
}

// crashCompaction seeds a store, cuts the compaction rewrite between the
// temp-file fsync and the rename, and returns the inserted ids.
func crashCompaction(t *testing.T, path string) []string {
	t.Helper()

	fp := storage.NewFailpoint(storage.NewReal())

	store, err := nedb.Open(nedb.Options{Filename: path, Autoload: true, FS: fp})
	require.NoError(t, err)

	var ids []string

	for range 5 {
		inserted, err := store.Insert(document.M{"payload": "survives"})
		require.NoError(t, err)

		ids = append(ids, inserted["_id"].(string))
	}

	// Crash after the temp file fsync, before the rename.
	fp.Arm(storage.FailOpRename, storage.TempSuffix, 1)

	err = store.Compact()
	if !errors.Is(err, storage.ErrInjected) {
		t.Fatalf("err = %v, want the injected crash", err)
	}

	require.NoError(t, store.Close())

	return ids
}

func Test_Crash_During_Compaction_Keeps_The_Old_Datafile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crash.db")
	ids := crashCompaction(t, path)

	// The rename never happened, so the pre-compaction log is intact.
	reopened, _ := openFileStore(t, nedb.Options{Filename: path})
	requireAllIDs(t, reopened, ids)
}

func Test_Crash_During_Compaction_Recovers_From_The_Temp_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crash.db")
	ids := crashCompaction(t, path)

	// If the crash also lost the datafile, integrity recovery promotes the
	// fsynced temp, which carries the full compacted state.
	require.NoError(t, os.Remove(path))

	recovered, _ := openFileStore(t, nedb.Options{Filename: path})
	requireAllIDs(t, recovered, ids)
}

func requireAllIDs(t *testing.T, store *nedb.DataStore, ids []string) {
	t.Helper()

	for _, id := range ids {
		doc, err := store.FindID(id)
		require.NoError(t, err)

		if doc == nil {
			t.Fatalf("document %s was lost", id)
		}
	}
}

func Test_TTL_Index_Evicts_Expired_Documents(t *testing.T) {
	t.Parallel()

	store, path := openFileStore(t, nedb.Options{})

	require.NoError(t, store.EnsureIndex(nedb.IndexOptions{
		FieldName:          "exp",
		ExpireAfterSeconds: 1,
	}))

	inserted, err := store.Insert(document.M{"exp": time.Now().Add(-2 * time.Second)})
	require.NoError(t, err)

	fresh, err := store.Insert(document.M{"exp": time.Now().Add(time.Hour)})
	require.NoError(t, err)

	docs, err := store.Find(document.M{}).All()
	require.NoError(t, err)

	if len(docs) != 1 || docs[0]["_id"] != fresh["_id"] {
		t.Fatalf("find returned %v, want only the fresh document", docs)
	}

	// The eviction is scheduled behind the find; wait for it, then the
	// log must carry a tombstone for the expired document.
	store.Drain()

	id := inserted["_id"].(string)
	found := false

	for _, line := range readLogLines(t, path) {
		if strings.Contains(line, `"$$deleted":true`) && strings.Contains(line, id) {
			found = true
		}
	}

	if !found {
		t.Fatalf("no tombstone for the evicted document %s", id)
	}

	n, err := store.Count(document.M{})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func Test_RemoveIndex_Survives_Reload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ri.db")

	store, _ := openFileStore(t, nedb.Options{Filename: path})

	require.NoError(t, store.EnsureIndex(nedb.IndexOptions{FieldName: "gone"}))
	require.NoError(t, store.RemoveIndex("gone"))
	require.NoError(t, store.Close())

	reopened, _ := openFileStore(t, nedb.Options{Filename: path})

	for _, decl := range reopened.Indexes() {
		if decl.FieldName == "gone" {
			t.Fatal("removed index came back after reload")
		}
	}
}

func Test_InMemory_Store_Touches_No_Files(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "never.db")

	store, err := nedb.Open(nedb.Options{Filename: path, InMemoryOnly: true})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Insert(document.M{"v": 1})
	require.NoError(t, err)

	_, err = os.Stat(path)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("in-memory store created %s", path)
	}
}
