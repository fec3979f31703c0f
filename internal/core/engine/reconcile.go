package engine

import (
	"fmt"
	"sort"
)

// MergeStrategy selects the deterministic rule used to pick a winner
// between two operations targeting the same record.
type MergeStrategy string

const (
	// StrategyClockWins orders by (clock counter, node id). Default.
	StrategyClockWins MergeStrategy = "clockWins"
	// StrategyTimestampWins orders by wall-clock timestamp first, falling
	// back to the clock tuple. Sensitive to clock skew between hosts.
	StrategyTimestampWins MergeStrategy = "timestampWins"
)

// ParseStrategy maps a wire string onto a merge strategy.
func ParseStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case StrategyClockWins:
		return StrategyClockWins, nil
	case StrategyTimestampWins:
		return StrategyTimestampWins, nil
	default:
		return "", errMalformed(fmt.Sprintf("unknown merge strategy %q", s))
	}
}

// ConflictResolution states which side of a conflict won.
type ConflictResolution string

const (
	ResolutionLocalWins  ConflictResolution = "localWins"
	ResolutionRemoteWins ConflictResolution = "remoteWins"
)

// Conflict records a resolved disagreement between a local and a remote
// operation on the same record. Conflicts are informational, not failures.
type Conflict struct {
	LocalOp    Operation          `json:"localOp"`
	RemoteOp   Operation          `json:"remoteOp"`
	Resolution ConflictResolution `json:"resolution"`
	WinnerOpID string             `json:"winnerOpId"`
}

// RejectReason classifies why a remote operation was not applied.
type RejectReason string

const (
	// ReasonMalformed marks an operation that failed structural or schema
	// validation. It was skipped without side effects.
	ReasonMalformed RejectReason = "Malformed"
	// ReasonStale marks an operation that lost to the record's current
	// state under the merge strategy.
	ReasonStale RejectReason = "Stale"
	// ReasonDuplicate marks an operation this replica has already
	// processed.
	ReasonDuplicate RejectReason = "Duplicate"
	// ReasonOrphan marks an update or delete whose record has never been
	// seen here.
	ReasonOrphan RejectReason = "OrphanOp"
)

// RejectedOp pairs a rejected remote op id with its reason.
type RejectedOp struct {
	OpID   string       `json:"opId"`
	Reason RejectReason `json:"reason"`
}

// ReconcileResult reports the outcome of merging one remote batch. All
// lists are stably ordered: op id ascending, conflicts by (collection,
// record id, winner op id).
type ReconcileResult struct {
	AcceptedLocal  []string     `json:"acceptedLocal"`
	RejectedLocal  []string     `json:"rejectedLocal"`
	AppliedRemote  []string     `json:"appliedRemote"`
	RejectedRemote []RejectedOp `json:"rejectedRemote"`
	Conflicts      []Conflict   `json:"conflicts"`
}

// compareByStrategy orders two operations under the strategy's key, with
// the full (clock, timestamp, opId) chain as the final tie-break so the
// order is total.
func compareByStrategy(a, b Operation, strategy MergeStrategy) int {
	if strategy == StrategyTimestampWins {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
	}
	return a.Compare(b)
}

// compareOpToState orders an incoming operation against a record's current
// state key.
func compareOpToState(op Operation, rec *Record, strategy MergeStrategy) int {
	if strategy == StrategyTimestampWins {
		switch {
		case op.Timestamp < rec.Metadata.UpdatedAt:
			return -1
		case op.Timestamp > rec.Metadata.UpdatedAt:
			return 1
		}
	}
	return op.Clock.Compare(rec.Metadata.Clock)
}

// siblings reports whether two operations are concurrent alternatives for
// the same mutation slot: either both create the record, or both mutate it
// from the same observed base version. When a remote sibling beats a local
// pending one it replaces the loser's effect instead of stacking on top of
// it, so the record version converges across replicas.
func siblings(remote, local Operation) bool {
	if remote.Type == OpCreate || local.Type == OpCreate {
		return remote.Type == OpCreate && local.Type == OpCreate
	}
	return remote.BaseVersion == local.BaseVersion
}

// syntheticOp reconstructs a representative operation for a record whose
// originating op is no longer available (it was acknowledged or arrived in
// an earlier batch). Used only to populate conflict reports.
func syntheticOp(rec *Record) Operation {
	typ := OpUpdate
	if rec.Version == 1 {
		typ = OpCreate
	}
	if rec.Deleted {
		typ = OpDelete
	}
	op := Operation{
		Type:       typ,
		OpID:       fmt.Sprintf("%s@%d", rec.ID, rec.Version),
		ID:         rec.ID,
		Collection: rec.Collection,
		Timestamp:  rec.Metadata.UpdatedAt,
		Clock:      rec.Metadata.Clock,
	}
	if typ != OpDelete {
		op.Payload = clonePayload(rec.Payload)
	}
	if typ != OpCreate && rec.Version > 0 {
		op.BaseVersion = rec.Version - 1
	}
	return op
}

// Reconcile merges a batch of remote operations into the store. The store
// and pending log are updated atomically: all changes are staged on copies
// and committed together, so a failed call leaves no partial state.
//
// Per-operation problems never fail the call; the offending op lands in
// RejectedRemote with its reason. Only an unusable batch (for example an
// unknown strategy) returns an error.
func (s *Store) Reconcile(remote []Operation, strategy MergeStrategy) (ReconcileResult, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return ReconcileResult{}, err
	}

	res := ReconcileResult{
		AcceptedLocal:  []string{},
		RejectedLocal:  []string{},
		AppliedRemote:  []string{},
		RejectedRemote: []RejectedOp{},
		Conflicts:      []Conflict{},
	}

	stagedClock := s.clock
	staged := make(map[recordKey]*Record)
	removedPending := make(map[string]struct{})
	seenAdd := make(map[string]recordKey)

	// Pass 1: screen the batch and group survivors per record. The clock
	// observes every structurally valid remote op, even ones that later
	// lose, so this replica keeps dominating its peers.
	groups := make(map[recordKey][]Operation)
	batchIDs := make(map[string]struct{}, len(remote))
	observed := make([]LogicalClock, 0, len(remote))
	for _, op := range remote {
		if err := op.CheckWellFormed(); err != nil {
			res.RejectedRemote = append(res.RejectedRemote, RejectedOp{OpID: op.OpID, Reason: ReasonMalformed})
			continue
		}
		if err := s.schema.ValidateOperation(op); err != nil {
			res.RejectedRemote = append(res.RejectedRemote, RejectedOp{OpID: op.OpID, Reason: ReasonMalformed})
			continue
		}
		observed = append(observed, op.Clock)
		if _, dup := s.seen[op.OpID]; dup {
			res.RejectedRemote = append(res.RejectedRemote, RejectedOp{OpID: op.OpID, Reason: ReasonDuplicate})
			continue
		}
		if _, dup := batchIDs[op.OpID]; dup {
			res.RejectedRemote = append(res.RejectedRemote, RejectedOp{OpID: op.OpID, Reason: ReasonDuplicate})
			continue
		}
		batchIDs[op.OpID] = struct{}{}
		key := recordKey{op.Collection, op.ID}
		groups[key] = append(groups[key], op)
	}
	// Observe in ascending counter order, so the resulting clock depends
	// on which ops the batch holds, not on the order they arrived in.
	sort.Slice(observed, func(i, j int) bool { return observed[i].Counter < observed[j].Counter })
	for _, c := range observed {
		stagedClock.Observe(c)
	}

	// Pass 2: per record, apply in ascending strategy order so the
	// strongest op lands last.
	keys := make([]recordKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].collection != keys[j].collection {
			return keys[i].collection < keys[j].collection
		}
		return keys[i].id < keys[j].id
	})

	for _, key := range keys {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool {
			return compareByStrategy(group[i], group[j], strategy) < 0
		})

		cur := staged[key]
		if cur == nil {
			if existing, ok := s.collections[key.collection][key.id]; ok {
				cur = existing.Clone()
			}
		}

		for _, op := range group {
			switch {
			case cur == nil:
				if op.Type != OpCreate {
					res.RejectedRemote = append(res.RejectedRemote, RejectedOp{OpID: op.OpID, Reason: ReasonOrphan})
					continue
				}
				cur = newRecord(op.ID, op.Collection, clonePayload(op.Payload), op.Timestamp, op.Clock, OriginRemote)
				res.AppliedRemote = append(res.AppliedRemote, op.OpID)
				seenAdd[op.OpID] = key

			default:
				cmp := compareOpToState(op, cur, strategy)
				switch {
				case cmp == 0:
					res.RejectedRemote = append(res.RejectedRemote, RejectedOp{OpID: op.OpID, Reason: ReasonDuplicate})
					seenAdd[op.OpID] = key

				case cmp < 0:
					res.RejectedRemote = append(res.RejectedRemote, RejectedOp{OpID: op.OpID, Reason: ReasonStale})
					seenAdd[op.OpID] = key
					// A stale op from another replica means both sides
					// mutated concurrently and the current state won.
					if cur.Metadata.Clock.NodeID != op.Clock.NodeID {
						localOp := syntheticOp(cur)
						if pending := s.pending.lastFor(key.collection, key.id, cur.Metadata.Clock); pending != nil {
							localOp = pending.Operation.clone()
						}
						res.Conflicts = append(res.Conflicts, Conflict{
							LocalOp:    localOp,
							RemoteOp:   op.clone(),
							Resolution: ResolutionLocalWins,
							WinnerOpID: localOp.OpID,
						})
					}

				default:
					// Remote wins over the current state. If that state was
					// produced by an unacknowledged local op, the local op
					// loses the conflict and leaves the pending log.
					var loser *PendingOp
					if pending := s.pending.lastFor(key.collection, key.id, cur.Metadata.Clock); pending != nil {
						if _, gone := removedPending[pending.Operation.OpID]; !gone {
							loser = pending
						}
					}
					applyRemoteWin(cur, op, loser)
					res.AppliedRemote = append(res.AppliedRemote, op.OpID)
					seenAdd[op.OpID] = key
					if loser != nil {
						removedPending[loser.Operation.OpID] = struct{}{}
						res.Conflicts = append(res.Conflicts, Conflict{
							LocalOp:    loser.Operation.clone(),
							RemoteOp:   op.clone(),
							Resolution: ResolutionRemoteWins,
							WinnerOpID: op.OpID,
						})
					}
				}
			}
		}

		if cur != nil {
			staged[key] = cur
		}
	}

	// Partition the pending log: everything that lost a conflict is
	// rejected, everything else survives untouched.
	for _, id := range s.pending.opIDs() {
		if _, gone := removedPending[id]; gone {
			res.RejectedLocal = append(res.RejectedLocal, id)
		} else {
			res.AcceptedLocal = append(res.AcceptedLocal, id)
		}
	}

	sort.Strings(res.AcceptedLocal)
	sort.Strings(res.RejectedLocal)
	sort.Strings(res.AppliedRemote)
	sort.Slice(res.RejectedRemote, func(i, j int) bool {
		return res.RejectedRemote[i].OpID < res.RejectedRemote[j].OpID
	})
	sort.Slice(res.Conflicts, func(i, j int) bool {
		a, b := res.Conflicts[i], res.Conflicts[j]
		if a.RemoteOp.Collection != b.RemoteOp.Collection {
			return a.RemoteOp.Collection < b.RemoteOp.Collection
		}
		if a.RemoteOp.ID != b.RemoteOp.ID {
			return a.RemoteOp.ID < b.RemoteOp.ID
		}
		return a.WinnerOpID < b.WinnerOpID
	})

	// Commit. Nothing before this point touched live state.
	s.clock = stagedClock
	for key, rec := range staged {
		records := s.collections[key.collection]
		if records == nil {
			records = make(map[string]*Record)
			s.collections[key.collection] = records
		}
		records[key.id] = rec
	}
	s.pending.remove(removedPending)
	for id, key := range seenAdd {
		s.seen[id] = key
	}

	return res, nil
}

// applyRemoteWin folds a winning remote op into the record. When the op
// replaces a losing local sibling the version stays put (the loser's bump
// is undone by the replacement); otherwise the version advances.
func applyRemoteWin(rec *Record, op Operation, loser *PendingOp) {
	replacement := loser != nil && siblings(op, loser.Operation)
	switch op.Type {
	case OpCreate, OpUpdate:
		rec.Payload = clonePayload(op.Payload)
		rec.Deleted = false
	case OpDelete:
		rec.Deleted = true
	}
	if !replacement {
		rec.Version++
	}
	rec.touch(op.Timestamp, op.Clock, OriginRemote)
}
