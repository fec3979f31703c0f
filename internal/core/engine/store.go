package engine

import "sort"

// ApplyResult reports a successfully applied operation.
type ApplyResult struct {
	OpID     string `json:"opId"`
	RecordID string `json:"recordId"`
	Version  uint64 `json:"version"`
}

// recordKey addresses one record across collections.
type recordKey struct {
	collection string
	id         string
}

// Store holds the materialized records, the pending log and the clock for
// one replica. It is not goroutine safe; Engine provides the exclusive
// guard around it.
type Store struct {
	schema Schema
	nodeID string
	clock  LogicalClock

	// collections maps collection name → record id → record.
	collections map[string]map[string]*Record
	pending     pendingLog

	// seen indexes every op id this replica has processed, so replayed
	// remote batches degrade to duplicates instead of spurious conflicts.
	seen map[string]recordKey
}

// NewStore builds an empty store for the schema and node id. Collections
// declared by the schema start out empty.
func NewStore(schema Schema, nodeID string) *Store {
	collections := make(map[string]map[string]*Record, len(schema.Collections))
	for name := range schema.Collections {
		collections[name] = make(map[string]*Record)
	}
	return &Store{
		schema:      schema.clone(),
		nodeID:      nodeID,
		clock:       NewClock(nodeID),
		collections: collections,
		seen:        make(map[string]recordKey),
	}
}

// NodeID returns the replica identifier.
func (s *Store) NodeID() string {
	return s.nodeID
}

// Clock returns the current clock value.
func (s *Store) Clock() LogicalClock {
	return s.clock
}

// Schema returns a copy of the active schema.
func (s *Store) Schema() Schema {
	return s.schema.clone()
}

// Tick advances the clock for a local operation about to be emitted.
func (s *Store) Tick() LogicalClock {
	return s.clock.Tick()
}

// Apply validates and applies a locally issued operation, then records it
// in the pending log. On any error the store is unchanged.
func (s *Store) Apply(op Operation, nowMs int64) (ApplyResult, error) {
	if err := op.CheckWellFormed(); err != nil {
		return ApplyResult{}, err
	}
	if err := s.schema.ValidateOperation(op); err != nil {
		return ApplyResult{}, err
	}

	var version uint64
	var err error
	switch op.Type {
	case OpCreate:
		version, err = s.applyCreate(op)
	case OpUpdate:
		version, err = s.applyUpdate(op)
	case OpDelete:
		version, err = s.applyDelete(op)
	}
	if err != nil {
		return ApplyResult{}, err
	}

	s.pending.append(op.clone(), nowMs)
	s.seen[op.OpID] = recordKey{op.Collection, op.ID}

	return ApplyResult{OpID: op.OpID, RecordID: op.ID, Version: version}, nil
}

func (s *Store) applyCreate(op Operation) (uint64, error) {
	records := s.collections[op.Collection]
	if existing, ok := records[op.ID]; ok {
		if existing.Active() {
			return 0, errAlreadyExists(op.Collection, op.ID)
		}
		// Tombstone: the create resurrects the record under a new version.
		existing.updatePayload(clonePayload(op.Payload), op.Timestamp, op.Clock, OriginLocal)
		return existing.Version, nil
	}
	rec := newRecord(op.ID, op.Collection, clonePayload(op.Payload), op.Timestamp, op.Clock, OriginLocal)
	records[op.ID] = rec
	return rec.Version, nil
}

func (s *Store) applyUpdate(op Operation) (uint64, error) {
	rec, err := s.liveRecord(op)
	if err != nil {
		return 0, err
	}
	if rec.Version != op.BaseVersion {
		return 0, errVersionMismatch(op.BaseVersion, rec.Version)
	}
	rec.updatePayload(clonePayload(op.Payload), op.Timestamp, op.Clock, OriginLocal)
	return rec.Version, nil
}

func (s *Store) applyDelete(op Operation) (uint64, error) {
	rec, err := s.liveRecord(op)
	if err != nil {
		return 0, err
	}
	if rec.Version != op.BaseVersion {
		return 0, errVersionMismatch(op.BaseVersion, rec.Version)
	}
	rec.markDeleted(op.Timestamp, op.Clock, OriginLocal)
	return rec.Version, nil
}

// liveRecord resolves the target of a local update or delete: it must
// exist and must not be a tombstone.
func (s *Store) liveRecord(op Operation) (*Record, error) {
	rec, ok := s.collections[op.Collection][op.ID]
	if !ok || rec.Deleted {
		return nil, errNotFound(op.Collection, op.ID)
	}
	return rec, nil
}

// Get returns a copy of the record, tombstones included, or nil when the
// record has never been seen. Unknown collections are an error.
func (s *Store) Get(collection, id string) (*Record, error) {
	records, ok := s.collections[collection]
	if !ok {
		return nil, errUnknownCollection(collection)
	}
	rec, ok := records[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Query returns copies of the collection's records ordered by record id
// ascending. Tombstones are filtered out unless includeDeleted is set.
func (s *Store) Query(collection string, includeDeleted bool) ([]*Record, error) {
	records, ok := s.collections[collection]
	if !ok {
		return nil, errUnknownCollection(collection)
	}
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		if !includeDeleted && rec.Deleted {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PendingCount returns how many local operations await acknowledgement.
func (s *Store) PendingCount() int {
	return s.pending.count()
}

// PendingOps returns the pending log in FIFO order.
func (s *Store) PendingOps() []PendingOp {
	return s.pending.list()
}

// Acknowledge removes the given op ids from the pending log. Ids that are
// not pending are ignored.
func (s *Store) Acknowledge(opIDs []string) {
	if len(opIDs) == 0 {
		return
	}
	ids := make(map[string]struct{}, len(opIDs))
	for _, id := range opIDs {
		ids[id] = struct{}{}
	}
	s.pending.acknowledge(ids)
}

// RecordCount returns the number of records in the store, tombstones
// included.
func (s *Store) RecordCount() int {
	n := 0
	for _, records := range s.collections {
		n += len(records)
	}
	return n
}
