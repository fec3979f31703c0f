package engine

// PendingOp is a locally applied operation that no peer has acknowledged
// yet, together with the wall-clock time it was applied.
type PendingOp struct {
	Operation Operation `json:"operation"`
	AppliedAt int64     `json:"appliedAt"`
}

// pendingLog is the FIFO of unacknowledged local operations. Insertion
// order is preserved; entries leave either through acknowledgement or by
// losing a conflict during reconciliation.
type pendingLog struct {
	entries []PendingOp
}

func (p *pendingLog) append(op Operation, appliedAt int64) {
	p.entries = append(p.entries, PendingOp{Operation: op, AppliedAt: appliedAt})
}

func (p *pendingLog) count() int {
	return len(p.entries)
}

// list returns a deep copy of the entries in FIFO order.
func (p *pendingLog) list() []PendingOp {
	out := make([]PendingOp, len(p.entries))
	for i, e := range p.entries {
		out[i] = PendingOp{Operation: e.Operation.clone(), AppliedAt: e.AppliedAt}
	}
	return out
}

// opIDs returns the pending operation ids in FIFO order.
func (p *pendingLog) opIDs() []string {
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Operation.OpID
	}
	return out
}

// acknowledge removes entries whose op id is in ids. Unknown ids are
// ignored.
func (p *pendingLog) acknowledge(ids map[string]struct{}) {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if _, ok := ids[e.Operation.OpID]; !ok {
			kept = append(kept, e)
		}
	}
	p.entries = kept
}

// remove drops entries by op id and returns how many were removed.
func (p *pendingLog) remove(ids map[string]struct{}) int {
	before := len(p.entries)
	p.acknowledge(ids)
	return before - len(p.entries)
}

// lastFor returns the newest pending entry targeting the record whose
// operation clock equals clock, or nil. This identifies the local op that
// produced the record's current state.
func (p *pendingLog) lastFor(collection, id string, clock LogicalClock) *PendingOp {
	for i := len(p.entries) - 1; i >= 0; i-- {
		e := &p.entries[i]
		if e.Operation.Collection == collection && e.Operation.ID == id &&
			e.Operation.Clock.Compare(clock) == 0 {
			return e
		}
	}
	return nil
}
