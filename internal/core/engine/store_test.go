package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func storeSchema() Schema {
	return NewSchema(1).WithCollection(NewCollection("users",
		RequiredField("name", FieldString),
		OptionalField("age", FieldInt),
	))
}

func testStore() *Store {
	return NewStore(storeSchema(), "test-node")
}

func TestStore_New(t *testing.T) {
	s := testStore()
	require.Equal(t, "test-node", s.NodeID())
	require.Equal(t, uint64(0), s.Clock().Counter)
	require.Zero(t, s.RecordCount())
}

func TestStore_ApplyCreate(t *testing.T) {
	s := testStore()
	clock := s.Tick()

	result, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "Alice"), 1000, clock), 1000)
	require.NoError(t, err)
	require.Equal(t, "user-1", result.RecordID)
	require.Equal(t, uint64(1), result.Version)

	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.Equal(t, payload("name", "Alice"), rec.Payload)
	require.Equal(t, OriginLocal, rec.Metadata.Origin)
	require.Equal(t, int64(1000), rec.Metadata.CreatedAt)
	require.Equal(t, clock, rec.Metadata.Clock)
}

func TestStore_ApplyCreateDuplicate(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "Alice"), 1000, s.Tick()), 1000)
	require.NoError(t, err)

	_, err = s.Apply(NewCreate("op-2", "user-1", "users", payload("name", "Bob"), 2000, s.Tick()), 2000)
	require.Equal(t, KindAlreadyExists, KindOf(err))
}

func TestStore_ApplyCreateResurrectsTombstone(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "Alice"), 1000, s.Tick()), 1000)
	require.NoError(t, err)
	_, err = s.Apply(NewDelete("op-2", "user-1", "users", 1, 2000, s.Tick()), 2000)
	require.NoError(t, err)

	result, err := s.Apply(NewCreate("op-3", "user-1", "users", payload("name", "Alice II"), 3000, s.Tick()), 3000)
	require.NoError(t, err)
	require.Equal(t, uint64(3), result.Version)

	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.False(t, rec.Deleted)
	require.Equal(t, payload("name", "Alice II"), rec.Payload)
}

func TestStore_ApplyUpdate(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "Alice"), 1000, s.Tick()), 1000)
	require.NoError(t, err)

	result, err := s.Apply(NewUpdate("op-2", "user-1", "users", payload("name", "Alice Smith", "age", 30), 1, 2000, s.Tick()), 2000)
	require.NoError(t, err)
	require.Equal(t, uint64(2), result.Version)

	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.Equal(t, payload("name", "Alice Smith", "age", 30), rec.Payload)
	require.Equal(t, int64(1000), rec.Metadata.CreatedAt)
	require.Equal(t, int64(2000), rec.Metadata.UpdatedAt)
}

func TestStore_ApplyUpdateVersionMismatch(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "Alice"), 1000, s.Tick()), 1000)
	require.NoError(t, err)

	_, err = s.Apply(NewUpdate("op-2", "user-1", "users", payload("name", "X"), 5, 2000, s.Tick()), 2000)
	require.Equal(t, KindVersionMismatch, KindOf(err))

	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, uint64(5), e.Expected)
	require.Equal(t, uint64(1), e.Actual)
}

func TestStore_ApplyDelete(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "Alice"), 1000, s.Tick()), 1000)
	require.NoError(t, err)

	result, err := s.Apply(NewDelete("op-2", "user-1", "users", 1, 2000, s.Tick()), 2000)
	require.NoError(t, err)
	require.Equal(t, uint64(2), result.Version)

	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	// Tombstones keep their last payload.
	require.Equal(t, payload("name", "Alice"), rec.Payload)
}

func TestStore_ApplyOnDeleted(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "Alice"), 1000, s.Tick()), 1000)
	require.NoError(t, err)
	_, err = s.Apply(NewDelete("op-2", "user-1", "users", 1, 2000, s.Tick()), 2000)
	require.NoError(t, err)

	_, err = s.Apply(NewUpdate("op-3", "user-1", "users", payload("name", "X"), 2, 3000, s.Tick()), 3000)
	require.Equal(t, KindNotFound, KindOf(err))

	_, err = s.Apply(NewDelete("op-4", "user-1", "users", 2, 3000, s.Tick()), 3000)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestStore_ApplyUnknownCollection(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "post-1", "posts", payload("title", "Hello"), 1000, s.Tick()), 1000)
	require.Equal(t, KindUnknownCollection, KindOf(err))
}

func TestStore_ApplyMissingTarget(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewUpdate("op-1", "ghost", "users", payload("name", "X"), 1, 1000, s.Tick()), 1000)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestStore_FailedApplyHasNoSideEffects(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewUpdate("op-1", "ghost", "users", payload("name", "X"), 1, 1000, s.Tick()), 1000)
	require.Error(t, err)
	require.Zero(t, s.PendingCount())
	require.Zero(t, s.RecordCount())
}

func TestStore_PendingTracking(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "Alice"), 1000, s.Tick()), 1000)
	require.NoError(t, err)
	_, err = s.Apply(NewCreate("op-2", "user-2", "users", payload("name", "Bob"), 2000, s.Tick()), 2000)
	require.NoError(t, err)

	require.Equal(t, 2, s.PendingCount())
	pending := s.PendingOps()
	require.Equal(t, "op-1", pending[0].Operation.OpID)
	require.Equal(t, "op-2", pending[1].Operation.OpID)
	require.Equal(t, int64(1000), pending[0].AppliedAt)

	s.Acknowledge([]string{"op-1", "never-seen"})
	require.Equal(t, 1, s.PendingCount())
	require.Equal(t, "op-2", s.PendingOps()[0].Operation.OpID)

	// Acknowledged ops never reappear.
	s.Acknowledge([]string{"op-2"})
	require.Zero(t, s.PendingCount())
}

func TestStore_Query(t *testing.T) {
	s := testStore()
	for _, id := range []string{"user-3", "user-1", "user-2"} {
		_, err := s.Apply(NewCreate("op-"+id, id, "users", payload("name", id), 1000, s.Tick()), 1000)
		require.NoError(t, err)
	}
	_, err := s.Apply(NewDelete("op-del", "user-2", "users", 1, 2000, s.Tick()), 2000)
	require.NoError(t, err)

	t.Run("sorted by id without tombstones", func(t *testing.T) {
		records, err := s.Query("users", false)
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, "user-1", records[0].ID)
		require.Equal(t, "user-3", records[1].ID)
	})

	t.Run("include deleted", func(t *testing.T) {
		records, err := s.Query("users", true)
		require.NoError(t, err)
		require.Len(t, records, 3)
		require.Equal(t, "user-2", records[1].ID)
		require.True(t, records[1].Deleted)
	})

	t.Run("unknown collection", func(t *testing.T) {
		_, err := s.Query("posts", false)
		require.Equal(t, KindUnknownCollection, KindOf(err))
	})
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "Alice"), 1000, s.Tick()), 1000)
	require.NoError(t, err)

	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	rec.Payload["name"] = "mutated"

	fresh, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.Equal(t, "Alice", fresh.Payload["name"])
}

func TestStore_GetMissing(t *testing.T) {
	s := testStore()
	rec, err := s.Get("users", "nope")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestStore_VersionMonotone(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "user-1", "users", payload("name", "a"), 1000, s.Tick()), 1000)
	require.NoError(t, err)

	last := uint64(1)
	for i := 0; i < 5; i++ {
		result, err := s.Apply(NewUpdate(
			"op-u"+string(rune('a'+i)), "user-1", "users",
			payload("name", "a"), last, int64(2000+i), s.Tick()), int64(2000+i))
		require.NoError(t, err)
		require.Equal(t, last+1, result.Version)
		last = result.Version
	}
}
