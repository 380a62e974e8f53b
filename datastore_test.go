package nedb_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	nedb "github.com/cutterbl/nedb-revisited"
	"github.com/cutterbl/nedb-revisited/document"
)

func openMemStore(t *testing.T) *nedb.DataStore {
	t.Helper()

	store, err := nedb.Open(nedb.Options{InMemoryOnly: true})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func openFileStore(t *testing.T, opts nedb.Options) (*nedb.DataStore, string) {
	t.Helper()

	if opts.Filename == "" {
		opts.Filename = filepath.Join(t.TempDir(), "test.db")
	}

	opts.Autoload = true

	store, err := nedb.Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store, opts.Filename
}

func Test_Insert_Assigns_A_16_Char_Id(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	inserted, err := store.Insert(document.M{"artist": "hendrix"})
	require.NoError(t, err)

	id, ok := inserted["_id"].(string)
	if !ok || len(id) != 16 {
		t.Fatalf("_id = %v, want a 16-char string", inserted["_id"])
	}

	got, err := store.FindID(id)
	require.NoError(t, err)

	if got == nil || got["artist"] != "hendrix" {
		t.Fatalf("find by id = %v", got)
	}
}

func Test_Insert_Then_Find_With_Regex(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	_, err := store.InsertAll([]document.M{
		{"artist": "Hendrix", "title": "Hey Joe"},
		{"artist": "Zeppelin", "title": "Kashmir"},
	})
	require.NoError(t, err)

	docs, err := store.Find(document.M{"artist": document.M{"$regex": "Hen"}}).All()
	require.NoError(t, err)

	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}

	if docs[0]["title"] != "Hey Joe" {
		t.Fatalf("doc = %v", docs[0])
	}

	if _, ok := docs[0]["_id"].(string); !ok {
		t.Fatal("result should carry its _id")
	}
}

func Test_Insert_Rejects_Reserved_Keys(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	_, err := store.Insert(document.M{"$bad": 1})
	if !errors.Is(err, document.ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}

	_, err = store.Insert(document.M{"a.b": 1})
	if !errors.Is(err, document.ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func Test_Results_Are_Copies_Of_Stored_Documents(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	inserted, err := store.Insert(document.M{"nested": document.M{"v": 1}})
	require.NoError(t, err)

	// Mutating what Insert returned must not reach the stored document.
	inserted["nested"].(document.M)["v"] = float64(999)

	got, err := store.FindOne(document.M{})
	require.NoError(t, err)

	if got["nested"].(document.M)["v"] != float64(1) {
		t.Fatalf("insert result mutation reached the store: %v", got)
	}

	// Same for query results.
	got["nested"].(document.M)["v"] = float64(123)

	again, err := store.FindOne(document.M{})
	require.NoError(t, err)

	if again["nested"].(document.M)["v"] != float64(1) {
		t.Fatalf("query result mutation reached the store: %v", again)
	}
}

func Test_Upsert_Inserts_Then_Updates(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	result, err := store.Update(
		document.M{"name": "x"},
		document.M{"$set": document.M{"v": 1}},
		nedb.UpdateOptions{Upsert: true},
	)
	require.NoError(t, err)

	if result.Modified != 1 || result.Upserted == nil {
		t.Fatalf("first upsert = %+v", result)
	}

	if result.Upserted["name"] != "x" || result.Upserted["v"] != float64(1) {
		t.Fatalf("upserted doc = %v", result.Upserted)
	}

	if _, ok := result.Upserted["_id"].(string); !ok {
		t.Fatal("upserted doc should have an _id")
	}

	// Same call again updates in place instead of inserting.
	result, err = store.Update(
		document.M{"name": "x"},
		document.M{"$set": document.M{"v": 2}},
		nedb.UpdateOptions{Upsert: true},
	)
	require.NoError(t, err)

	if result.Modified != 1 || result.Upserted != nil {
		t.Fatalf("second upsert = %+v", result)
	}

	n, err := store.Count(document.M{})
	require.NoError(t, err)

	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	doc, err := store.FindOne(document.M{"name": "x"})
	require.NoError(t, err)

	if doc["v"] != float64(2) {
		t.Fatalf("v = %v, want 2", doc["v"])
	}
}

func Test_Unique_Violation_Rolls_Back_The_Whole_Batch(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	err := store.EnsureIndex(nedb.IndexOptions{FieldName: "k", Unique: true})
	require.NoError(t, err)

	_, err = store.InsertAll([]document.M{{"k": 1}, {"k": 2}, {"k": 1}})
	if !errors.Is(err, nedb.ErrUniqueViolated) {
		t.Fatalf("err = %v, want ErrUniqueViolated", err)
	}

	docs, err := store.Find(document.M{}).All()
	require.NoError(t, err)

	if len(docs) != 0 {
		t.Fatalf("store should be empty after rollback, got %v", docs)
	}
}

func Test_Update_Respects_Multi(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	_, err := store.InsertAll([]document.M{
		{"group": "a", "n": 1},
		{"group": "a", "n": 2},
		{"group": "b", "n": 3},
	})
	require.NoError(t, err)

	result, err := store.Update(
		document.M{"group": "a"},
		document.M{"$inc": document.M{"n": 10}},
		nedb.UpdateOptions{},
	)
	require.NoError(t, err)

	if result.Modified != 1 {
		t.Fatalf("single update modified %d", result.Modified)
	}

	result, err = store.Update(
		document.M{"group": "a"},
		document.M{"$set": document.M{"seen": true}},
		nedb.UpdateOptions{Multi: true, ReturnUpdatedDocs: true},
	)
	require.NoError(t, err)

	if result.Modified != 2 || len(result.Docs) != 2 {
		t.Fatalf("multi update = %+v", result)
	}

	for _, doc := range result.Docs {
		if doc["seen"] != true {
			t.Fatalf("updated doc missing $set result: %v", doc)
		}
	}
}

func Test_Update_Preserves_CreatedAt_And_Refreshes_UpdatedAt(t *testing.T) {
	t.Parallel()

	timestamped, err := nedb.Open(nedb.Options{InMemoryOnly: true, TimestampData: true})
	require.NoError(t, err)

	t.Cleanup(func() { _ = timestamped.Close() })

	inserted, err := timestamped.Insert(document.M{"v": 1})
	require.NoError(t, err)

	createdAt := inserted["createdAt"].(time.Time)

	time.Sleep(5 * time.Millisecond)

	result, err := timestamped.Update(
		document.M{"v": 1},
		document.M{"$set": document.M{"v": 2}},
		nedb.UpdateOptions{ReturnUpdatedDocs: true},
	)
	require.NoError(t, err)
	require.Len(t, result.Docs, 1)

	updated := result.Docs[0]

	if !updated["createdAt"].(time.Time).Equal(createdAt) {
		t.Fatalf("createdAt changed: %v -> %v", createdAt, updated["createdAt"])
	}

	if !updated["updatedAt"].(time.Time).After(createdAt) {
		t.Fatalf("updatedAt was not refreshed: %v", updated["updatedAt"])
	}

	if updated["_id"] != inserted["_id"] {
		t.Fatal("update changed the _id")
	}
}

func Test_Remove_Respects_Multi(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	_, err := store.InsertAll([]document.M{
		{"group": "a"}, {"group": "a"}, {"group": "b"},
	})
	require.NoError(t, err)

	n, err := store.Remove(document.M{"group": "a"}, nedb.RemoveOptions{})
	require.NoError(t, err)

	if n != 1 {
		t.Fatalf("single remove removed %d", n)
	}

	n, err = store.Remove(document.M{"group": "a"}, nedb.RemoveOptions{Multi: true})
	require.NoError(t, err)

	if n != 1 {
		t.Fatalf("multi remove removed %d, want the 1 remaining", n)
	}

	total, err := store.Count(document.M{})
	require.NoError(t, err)

	if total != 1 {
		t.Fatalf("count = %d, want 1", total)
	}
}

func Test_FindOne_Returns_Nil_When_Nothing_Matches(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	doc, err := store.FindOne(document.M{"ghost": true})
	require.NoError(t, err)

	if doc != nil {
		t.Fatalf("doc = %v, want nil", doc)
	}
}

func Test_Find_Uses_Indexes_For_Candidates(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	err := store.EnsureIndex(nedb.IndexOptions{FieldName: "n"})
	require.NoError(t, err)

	for i := range 10 {
		_, err = store.Insert(document.M{"n": i})
		require.NoError(t, err)
	}

	docs, err := store.Find(document.M{"n": 4}).All()
	require.NoError(t, err)

	if len(docs) != 1 || docs[0]["n"] != float64(4) {
		t.Fatalf("exact = %v", docs)
	}

	docs, err = store.Find(document.M{"n": document.M{"$in": []any{1, 3}}}).All()
	require.NoError(t, err)

	if len(docs) != 2 {
		t.Fatalf("$in = %v", docs)
	}

	docs, err = store.Find(document.M{"n": document.M{"$gte": 7}}).All()
	require.NoError(t, err)

	if len(docs) != 3 {
		t.Fatalf("range = %v", docs)
	}
}

func Test_EnsureIndex_Requires_A_Field_And_Tolerates_Duplicates(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	err := store.EnsureIndex(nedb.IndexOptions{})
	if !errors.Is(err, nedb.ErrMissingFieldName) {
		t.Fatalf("err = %v, want ErrMissingFieldName", err)
	}

	require.NoError(t, store.EnsureIndex(nedb.IndexOptions{FieldName: "k"}))
	require.NoError(t, store.EnsureIndex(nedb.IndexOptions{FieldName: "k"}))

	decls := store.Indexes()
	if len(decls) != 2 || decls[0].FieldName != "_id" || decls[1].FieldName != "k" {
		t.Fatalf("indexes = %v", decls)
	}
}

func Test_EnsureIndex_On_Existing_Docs_Fails_On_Duplicates(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	_, err := store.InsertAll([]document.M{{"k": 1}, {"k": 1}})
	require.NoError(t, err)

	err = store.EnsureIndex(nedb.IndexOptions{FieldName: "k", Unique: true})
	if !errors.Is(err, nedb.ErrUniqueViolated) {
		t.Fatalf("err = %v, want ErrUniqueViolated", err)
	}

	// The failed index must not have been registered.
	decls := store.Indexes()
	if len(decls) != 1 {
		t.Fatalf("indexes = %v", decls)
	}
}

func Test_RemoveIndex_Refuses_The_Id_Index(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	err := store.RemoveIndex("_id")
	if err == nil {
		t.Fatal("removing the _id index should fail")
	}
}

func Test_Operations_Buffer_Until_LoadDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")

	store, err := nedb.Open(nedb.Options{Filename: path})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	inserted := make(chan error, 1)

	go func() {
		_, err := store.Insert(document.M{"buffered": true})
		inserted <- err
	}()

	select {
	case <-inserted:
		t.Fatal("insert ran before the database was loaded")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, store.LoadDatabase())
	require.NoError(t, <-inserted)

	doc, err := store.FindOne(document.M{"buffered": true})
	require.NoError(t, err)

	if doc == nil {
		t.Fatal("buffered insert did not land")
	}
}

func Test_Sort_Skip_Limit_And_TotalCount(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	_, err := store.InsertAll([]document.M{
		{"name": "c", "rank": 1},
		{"name": "a", "rank": 2},
		{"name": "b", "rank": 2},
	})
	require.NoError(t, err)

	cursor := store.Find(document.M{}).Sort("-rank", "name").Skip(0).Limit(2)

	docs, err := cursor.All()
	require.NoError(t, err)

	if len(docs) != 2 || docs[0]["name"] != "a" || docs[1]["name"] != "b" {
		t.Fatalf("sorted = %v", docs)
	}

	if cursor.TotalCount() != 3 {
		t.Fatalf("total = %d, want 3", cursor.TotalCount())
	}

	docs, err = store.Find(document.M{}).Sort("rank").Skip(2).All()
	require.NoError(t, err)

	if len(docs) != 1 {
		t.Fatalf("skip = %v", docs)
	}
}

func Test_Projection_Forms(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	_, err := store.Insert(document.M{"_id": "X", "a": 1, "b": 2})
	require.NoError(t, err)

	docs, err := store.Find(document.M{}).Select(document.M{"a": 1}).All()
	require.NoError(t, err)

	want := document.M{"a": float64(1), "_id": "X"}
	if diff := cmp.Diff(want, docs[0]); diff != "" {
		t.Fatalf("inclusion (-want +got):\n%s", diff)
	}

	docs, err = store.Find(document.M{}).Select(document.M{"a": 0}).All()
	require.NoError(t, err)

	want = document.M{"b": float64(2), "_id": "X"}
	if diff := cmp.Diff(want, docs[0]); diff != "" {
		t.Fatalf("exclusion (-want +got):\n%s", diff)
	}

	docs, err = store.Find(document.M{}).Select(document.M{"a": 1, "_id": 0}).All()
	require.NoError(t, err)

	want = document.M{"a": float64(1)}
	if diff := cmp.Diff(want, docs[0]); diff != "" {
		t.Fatalf("id exclusion (-want +got):\n%s", diff)
	}

	_, err = store.Find(document.M{}).Select(document.M{"a": 1, "b": 0}).All()
	if !errors.Is(err, nedb.ErrMixedProjection) {
		t.Fatalf("err = %v, want ErrMixedProjection", err)
	}
}

func Test_Find_With_Limit_Returns_At_Most_Limit(t *testing.T) {
	t.Parallel()

	store := openMemStore(t)

	for range 10 {
		_, err := store.Insert(document.M{"x": 1})
		require.NoError(t, err)
	}

	docs, err := store.Find(document.M{"x": 1}).Limit(4).All()
	require.NoError(t, err)

	if len(docs) != 4 {
		t.Fatalf("got %d docs, want 4", len(docs))
	}

	docs, err = store.Find(document.M{"none": true}).All()
	require.NoError(t, err)

	if len(docs) != 0 {
		t.Fatalf("no-match find = %v", docs)
	}
}
