// Package engine implements the deterministic sync engine: a schema-
// validated record store with per-record versioning and tombstones, an
// append-only pending log, a hybrid logical clock, a last-writer-wins
// reconciler and a snapshot codec. Both clients and the server embed the
// same engine; the server is just another replica with durable storage
// and a fan-out role.
package engine

import (
	"sync"

	"github.com/driftsync/driftsync/internal/core/events/bus"
)

// Version is the engine version string reported across the host boundary.
const Version = "1.0.0"

// EventRecordChanged is published on the engine's event bus by Apply and
// Reconcile, once per applied operation; Acknowledge, Tick and Import
// publish nothing. Hosts build reactive watchers on top of it together
// with Query.
const EventRecordChanged = "record.changed"

// Change is the payload of an EventRecordChanged event.
type Change struct {
	Collection string `json:"collection"`
	RecordID   string `json:"recordId"`
	OpID       string `json:"opId"`
}

// EngineMetadata is a cheap summary of an engine's state.
type EngineMetadata struct {
	NodeID       string       `json:"nodeId"`
	Clock        LogicalClock `json:"clock"`
	PendingCount int          `json:"pendingCount"`
	RecordCount  int          `json:"recordCount"`
}

// Engine is the host boundary around a Store. Every call either succeeds
// fully or has no observable effect. Writes take an exclusive guard for
// their full duration; reads may run concurrently with each other but
// never alongside a write. Returned values are deep copies, so hosts can
// hold them across later calls.
type Engine struct {
	mu     sync.RWMutex
	store  *Store
	events bus.EventBus
}

// New creates an engine for the schema and a non-empty node id. Repeated
// calls with the same node id produce independent replicas.
func New(schema Schema, nodeID string) (*Engine, error) {
	if nodeID == "" {
		return nil, errMalformed("empty node id")
	}
	return &Engine{
		store:  NewStore(schema, nodeID),
		events: bus.New(),
	}, nil
}

// Events exposes the engine's change-notification bus.
func (e *Engine) Events() bus.EventBus {
	return e.events
}

// Apply validates and applies a locally issued operation and appends it to
// the pending log. nowMs is the host's wall clock, stamped onto the
// pending entry.
func (e *Engine) Apply(op Operation, nowMs int64) (ApplyResult, error) {
	e.mu.Lock()
	result, err := e.store.Apply(op, nowMs)
	e.mu.Unlock()
	if err != nil {
		return ApplyResult{}, err
	}
	e.publishChange(op.Collection, op.ID, op.OpID)
	return result, nil
}

// Get returns a copy of the record, tombstones included, or nil when the
// record has never been seen.
func (e *Engine) Get(collection, id string) (*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Get(collection, id)
}

// Query returns the collection's records ordered by record id ascending.
func (e *Engine) Query(collection string, includeDeleted bool) ([]*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Query(collection, includeDeleted)
}

// PendingCount returns the number of unacknowledged local operations.
func (e *Engine) PendingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.PendingCount()
}

// PendingOps returns the pending log in FIFO order.
func (e *Engine) PendingOps() []PendingOp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.PendingOps()
}

// Acknowledge removes the given op ids from the pending log; acknowledged
// ops never reappear. Unknown ids are ignored.
func (e *Engine) Acknowledge(opIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Acknowledge(opIDs)
}

// Tick advances the clock for a local operation the host is about to
// emit.
func (e *Engine) Tick() LogicalClock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Tick()
}

// Reconcile merges a batch of remote operations under the given strategy.
// The call is observationally atomic and deterministic.
func (e *Engine) Reconcile(remote []Operation, strategy MergeStrategy) (ReconcileResult, error) {
	e.mu.Lock()
	result, err := e.store.Reconcile(remote, strategy)
	e.mu.Unlock()
	if err != nil {
		return ReconcileResult{}, err
	}
	for _, opID := range result.AppliedRemote {
		if key, ok := e.lookupSeen(opID); ok {
			e.publishChange(key.collection, key.id, opID)
		}
	}
	return result, nil
}

// Export captures the engine's entire state as a self-contained snapshot.
func (e *Engine) Export() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Export()
}

// Import replaces the engine's state with the snapshot's, atomically.
// Snapshots with an unknown format version are rejected.
func (e *Engine) Import(snap *Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Import(snap)
}

// Metadata summarizes the engine state.
func (e *Engine) Metadata() EngineMetadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EngineMetadata{
		NodeID:       e.store.NodeID(),
		Clock:        e.store.Clock(),
		PendingCount: e.store.PendingCount(),
		RecordCount:  e.store.RecordCount(),
	}
}

// NodeID returns the replica identifier.
func (e *Engine) NodeID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.NodeID()
}

// Schema returns a copy of the active schema.
func (e *Engine) Schema() Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Schema()
}

// Version reports the engine version string.
func (e *Engine) Version() string {
	return Version
}

// SnapshotVersion reports the snapshot wire format this engine writes.
func (e *Engine) SnapshotVersion() uint32 {
	return SnapshotFormatVersion
}

func (e *Engine) lookupSeen(opID string) (recordKey, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	key, ok := e.store.seen[opID]
	return key, ok
}

// publishChange notifies watchers outside the engine lock so handlers may
// call back into the engine.
func (e *Engine) publishChange(collection, id, opID string) {
	_ = e.events.Publish(bus.NewEvent(EventRecordChanged, e.NodeID(), Change{
		Collection: collection,
		RecordID:   id,
		OpID:       opID,
	}))
}
