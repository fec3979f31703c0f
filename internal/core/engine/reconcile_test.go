package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconcile_NoConflicts(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-local", "user-1", "users", payload("name", "Alice"), 1000, s.Tick()), 1000)
	require.NoError(t, err)

	result, err := s.Reconcile([]Operation{
		NewCreate("op-remote", "user-2", "users", payload("name", "Bob"), 1000, ClockAt("remote", 1)),
	}, StrategyClockWins)
	require.NoError(t, err)

	require.Equal(t, []string{"op-local"}, result.AcceptedLocal)
	require.Empty(t, result.RejectedLocal)
	require.Equal(t, []string{"op-remote"}, result.AppliedRemote)
	require.Empty(t, result.RejectedRemote)
	require.Empty(t, result.Conflicts)

	rec, err := s.Get("users", "user-2")
	require.NoError(t, err)
	require.Equal(t, OriginRemote, rec.Metadata.Origin)

	// The pending log is untouched by unrelated remote ops.
	require.Equal(t, 1, s.PendingCount())
}

func TestReconcile_RemoteWins(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-local", "user-1", "users", payload("name", "Alice"), 1000, ClockAt("test-node", 2)), 1000)
	require.NoError(t, err)

	result, err := s.Reconcile([]Operation{
		NewCreate("op-remote", "user-1", "users", payload("name", "Bob"), 1000, ClockAt("remote", 10)),
	}, StrategyClockWins)
	require.NoError(t, err)

	require.Equal(t, []string{"op-remote"}, result.AppliedRemote)
	require.Equal(t, []string{"op-local"}, result.RejectedLocal)
	require.Empty(t, result.AcceptedLocal)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, ResolutionRemoteWins, result.Conflicts[0].Resolution)
	require.Equal(t, "op-remote", result.Conflicts[0].WinnerOpID)
	require.Equal(t, "op-local", result.Conflicts[0].LocalOp.OpID)

	// The losing local op left the pending log.
	require.Zero(t, s.PendingCount())

	// Sibling creates replace each other, so the version converges on 1.
	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.Equal(t, payload("name", "Bob"), rec.Payload)
	require.Equal(t, uint64(1), rec.Version)
	require.Equal(t, ClockAt("remote", 10), rec.Metadata.Clock)
}

func TestReconcile_LocalWins(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-local", "user-1", "users", payload("name", "Alice"), 1000, ClockAt("test-node", 20)), 1000)
	require.NoError(t, err)

	result, err := s.Reconcile([]Operation{
		NewCreate("op-remote", "user-1", "users", payload("name", "Bob"), 1000, ClockAt("remote", 5)),
	}, StrategyClockWins)
	require.NoError(t, err)

	require.Empty(t, result.AppliedRemote)
	require.Empty(t, result.RejectedLocal)
	require.Equal(t, []string{"op-local"}, result.AcceptedLocal)
	require.Equal(t, []RejectedOp{{OpID: "op-remote", Reason: ReasonStale}}, result.RejectedRemote)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, ResolutionLocalWins, result.Conflicts[0].Resolution)
	require.Equal(t, "op-local", result.Conflicts[0].WinnerOpID)

	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.Equal(t, payload("name", "Alice"), rec.Payload)
	require.Equal(t, 1, s.PendingCount())
}

func TestReconcile_NodeIDTieBreak(t *testing.T) {
	// Same counter: "remote" > "local-a" lexicographically, remote wins.
	s := NewStore(storeSchema(), "local-a")
	_, err := s.Apply(NewCreate("op-local", "user-1", "users", payload("name", "Alice"), 1000, ClockAt("local-a", 5)), 1000)
	require.NoError(t, err)

	result, err := s.Reconcile([]Operation{
		NewCreate("op-remote", "user-1", "users", payload("name", "Bob"), 1000, ClockAt("remote", 5)),
	}, StrategyClockWins)
	require.NoError(t, err)

	require.Equal(t, []string{"op-remote"}, result.AppliedRemote)
	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.Equal(t, payload("name", "Bob"), rec.Payload)
}

func TestReconcile_TimestampWins(t *testing.T) {
	s := testStore()
	// Local has the higher clock but the earlier wall clock.
	_, err := s.Apply(NewCreate("op-local", "user-1", "users", payload("name", "Alice"), 1000, ClockAt("test-node", 10)), 1000)
	require.NoError(t, err)

	result, err := s.Reconcile([]Operation{
		NewCreate("op-remote", "user-1", "users", payload("name", "Bob"), 2000, ClockAt("remote", 1)),
	}, StrategyTimestampWins)
	require.NoError(t, err)

	require.Equal(t, []string{"op-remote"}, result.AppliedRemote)
	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.Equal(t, payload("name", "Bob"), rec.Payload)
}

func TestReconcile_DuplicateBatch(t *testing.T) {
	s := testStore()
	batch := []Operation{
		NewCreate("c1", "user-1", "users", payload("name", "Alice"), 1000, ClockAt("remote", 1)),
	}

	first, err := s.Reconcile(batch, StrategyClockWins)
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, first.AppliedRemote)

	before := s.Export()

	second, err := s.Reconcile(batch, StrategyClockWins)
	require.NoError(t, err)
	require.Empty(t, second.AppliedRemote)
	require.Empty(t, second.Conflicts)
	require.Equal(t, []RejectedOp{{OpID: "c1", Reason: ReasonDuplicate}}, second.RejectedRemote)

	// No state change besides the clock tracking the peer.
	after := s.Export()
	after.Clock = before.Clock
	a, err := before.CanonicalJSON()
	require.NoError(t, err)
	b, err := after.CanonicalJSON()
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestReconcile_Orphan(t *testing.T) {
	s := testStore()
	result, err := s.Reconcile([]Operation{
		NewUpdate("u1", "ghost", "users", payload("name", "X"), 1, 1000, ClockAt("remote", 1)),
		NewDelete("d1", "ghost-2", "users", 1, 1000, ClockAt("remote", 2)),
	}, StrategyClockWins)
	require.NoError(t, err)

	require.Equal(t, []RejectedOp{
		{OpID: "d1", Reason: ReasonOrphan},
		{OpID: "u1", Reason: ReasonOrphan},
	}, result.RejectedRemote)
	require.Zero(t, s.RecordCount())
}

func TestReconcile_OrphanRetriesAfterCreateArrives(t *testing.T) {
	s := testStore()
	update := NewUpdate("u1", "user-1", "users", payload("name", "v2"), 1, 2000, ClockAt("remote", 2))

	result, err := s.Reconcile([]Operation{update}, StrategyClockWins)
	require.NoError(t, err)
	require.Equal(t, ReasonOrphan, result.RejectedRemote[0].Reason)

	// Once the create shows up, the same update applies.
	result, err = s.Reconcile([]Operation{
		NewCreate("c1", "user-1", "users", payload("name", "v1"), 1000, ClockAt("remote", 1)),
		update,
	}, StrategyClockWins)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "u1"}, result.AppliedRemote)

	rec, err := s.Get("users", "user-1")
	require.NoError(t, err)
	require.Equal(t, payload("name", "v2"), rec.Payload)
	require.Equal(t, uint64(2), rec.Version)
}

func TestReconcile_Malformed(t *testing.T) {
	s := testStore()
	result, err := s.Reconcile([]Operation{
		// Unknown collection.
		NewCreate("m1", "p1", "posts", payload("title", "x"), 1000, ClockAt("remote", 1)),
		// Schema violation.
		NewCreate("m2", "user-1", "users", payload("age", 3), 1000, ClockAt("remote", 2)),
		// Structurally broken.
		{Type: OpCreate, OpID: "m3", Collection: "users", Timestamp: 1000, Clock: ClockAt("remote", 3)},
	}, StrategyClockWins)
	require.NoError(t, err)

	require.Len(t, result.RejectedRemote, 3)
	for _, rej := range result.RejectedRemote {
		require.Equal(t, ReasonMalformed, rej.Reason)
	}
	require.Zero(t, s.RecordCount())
}

func TestReconcile_BatchOrderIrrelevant(t *testing.T) {
	ops := []Operation{
		NewCreate("c1", "user-1", "users", payload("name", "v1"), 1000, ClockAt("remote", 1)),
		NewUpdate("u1", "user-1", "users", payload("name", "v2"), 1, 2000, ClockAt("remote", 2)),
		NewUpdate("u2", "user-1", "users", payload("name", "v3"), 2, 3000, ClockAt("remote", 3)),
	}
	reversed := []Operation{ops[2], ops[1], ops[0]}

	s1 := testStore()
	_, err := s1.Reconcile(ops, StrategyClockWins)
	require.NoError(t, err)

	s2 := testStore()
	_, err = s2.Reconcile(reversed, StrategyClockWins)
	require.NoError(t, err)

	a, err := s1.Export().CanonicalJSON()
	require.NoError(t, err)
	b, err := s2.Export().CanonicalJSON()
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))

	rec, err := s1.Get("users", "user-1")
	require.NoError(t, err)
	require.Equal(t, payload("name", "v3"), rec.Payload)
	require.Equal(t, uint64(3), rec.Version)
}

func TestReconcile_RemoteCreateResurrectsTombstone(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "r1", "users", payload("name", "old"), 1000, s.Tick()), 1000)
	require.NoError(t, err)
	_, err = s.Apply(NewDelete("d1", "r1", "users", 1, 2000, s.Tick()), 2000)
	require.NoError(t, err)

	result, err := s.Reconcile([]Operation{
		NewCreate("c2", "r1", "users", payload("name", "new"), 3000, ClockAt("remote", 5)),
	}, StrategyClockWins)
	require.NoError(t, err)
	require.Equal(t, []string{"c2"}, result.AppliedRemote)

	rec, err := s.Get("users", "r1")
	require.NoError(t, err)
	require.False(t, rec.Deleted)
	require.Equal(t, payload("name", "new"), rec.Payload)
	require.Equal(t, uint64(3), rec.Version)
}

func TestReconcile_StaleUpdateLeavesTombstone(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "r1", "users", payload("name", "old"), 1000, ClockAt("test-node", 1)), 1000)
	require.NoError(t, err)
	_, err = s.Apply(NewDelete("d1", "r1", "users", 1, 2000, ClockAt("test-node", 8)), 2000)
	require.NoError(t, err)

	result, err := s.Reconcile([]Operation{
		NewUpdate("u1", "r1", "users", payload("name", "late"), 1, 1500, ClockAt("remote", 3)),
	}, StrategyClockWins)
	require.NoError(t, err)
	require.Equal(t, ReasonStale, result.RejectedRemote[0].Reason)

	rec, err := s.Get("users", "r1")
	require.NoError(t, err)
	require.True(t, rec.Deleted)
}

func TestReconcile_DominatingUpdateResurrectsTombstone(t *testing.T) {
	s := testStore()
	_, err := s.Apply(NewCreate("op-1", "r1", "users", payload("name", "old"), 1000, ClockAt("test-node", 1)), 1000)
	require.NoError(t, err)
	_, err = s.Apply(NewDelete("d1", "r1", "users", 1, 2000, ClockAt("test-node", 2)), 2000)
	require.NoError(t, err)
	s.Acknowledge([]string{"op-1", "d1"})

	result, err := s.Reconcile([]Operation{
		NewUpdate("u1", "r1", "users", payload("name", "revived"), 2, 3000, ClockAt("remote", 9)),
	}, StrategyClockWins)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, result.AppliedRemote)

	rec, err := s.Get("users", "r1")
	require.NoError(t, err)
	require.False(t, rec.Deleted)
	require.Equal(t, uint64(3), rec.Version)
}

func TestReconcile_ClockObservesPeers(t *testing.T) {
	s := testStore()
	_, err := s.Reconcile([]Operation{
		NewCreate("c1", "user-1", "users", payload("name", "x"), 1000, ClockAt("remote", 41)),
	}, StrategyClockWins)
	require.NoError(t, err)
	require.Greater(t, s.Clock().Counter, uint64(41))
}

func TestReconcile_UnknownStrategy(t *testing.T) {
	s := testStore()
	_, err := s.Reconcile(nil, MergeStrategy("latest"))
	require.Error(t, err)
	require.Equal(t, KindMalformed, KindOf(err))
}

func TestReconcile_OutputOrdering(t *testing.T) {
	s := testStore()
	result, err := s.Reconcile([]Operation{
		NewCreate("z9", "r2", "users", payload("name", "b"), 1000, ClockAt("remote", 2)),
		NewCreate("a1", "r1", "users", payload("name", "a"), 1000, ClockAt("remote", 1)),
		NewUpdate("m5", "ghost", "users", payload("name", "x"), 1, 1000, ClockAt("remote", 3)),
	}, StrategyClockWins)
	require.NoError(t, err)

	require.Equal(t, []string{"a1", "z9"}, result.AppliedRemote)
	require.Equal(t, []RejectedOp{{OpID: "m5", Reason: ReasonOrphan}}, result.RejectedRemote)
}

func TestReconcile_ConvergenceAcrossReplicas(t *testing.T) {
	// Two replicas each create the same record id concurrently, then see
	// each other's op. Both must settle on the same winner.
	a := NewStore(storeSchema(), "node-a")
	b := NewStore(storeSchema(), "node-b")

	opA := NewCreate("op-a", "r1", "users", payload("name", "from-a"), 1000, a.Tick())
	opB := NewCreate("op-b", "r1", "users", payload("name", "from-b"), 1000, b.Tick())

	_, err := a.Apply(opA, 1000)
	require.NoError(t, err)
	_, err = b.Apply(opB, 1000)
	require.NoError(t, err)

	_, err = a.Reconcile([]Operation{opB}, StrategyClockWins)
	require.NoError(t, err)
	_, err = b.Reconcile([]Operation{opA}, StrategyClockWins)
	require.NoError(t, err)

	recA, err := a.Get("users", "r1")
	require.NoError(t, err)
	recB, err := b.Get("users", "r1")
	require.NoError(t, err)

	// Same counter, so node-b wins the lexicographic tie on both sides.
	require.Equal(t, payload("name", "from-b"), recA.Payload)
	require.Equal(t, recB.Payload, recA.Payload)
	require.Equal(t, recB.Version, recA.Version)
	require.Equal(t, recB.Metadata.Clock, recA.Metadata.Clock)
	require.Equal(t, recB.Deleted, recA.Deleted)
}

func TestReconcile_Deterministic(t *testing.T) {
	batch := []Operation{
		NewCreate("op-r1", "user-1", "users", payload("name", "Bob"), 1000, ClockAt("remote", 5)),
		NewCreate("op-r2", "user-3", "users", payload("name", "Dave"), 1000, ClockAt("remote", 1)),
	}

	run := func() (ReconcileResult, string) {
		s := testStore()
		_, err := s.Apply(NewCreate("op-l1", "user-1", "users", payload("name", "Alice"), 1000, ClockAt("test-node", 1)), 1000)
		require.NoError(t, err)
		result, err := s.Reconcile(batch, StrategyClockWins)
		require.NoError(t, err)
		data, err := s.Export().CanonicalJSON()
		require.NoError(t, err)
		return result, string(data)
	}

	firstResult, firstExport := run()
	for i := 0; i < 10; i++ {
		result, export := run()
		require.Equal(t, firstResult, result)
		require.Equal(t, firstExport, export)
	}
}
