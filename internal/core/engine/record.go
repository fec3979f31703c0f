package engine

// Origin marks whether a record's latest mutation was issued on this
// replica or received from a peer.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Metadata carries a record's bookkeeping: creation and update times in
// epoch milliseconds, the origin of the last mutation, and the clock of the
// operation that produced the current state.
type Metadata struct {
	CreatedAt int64        `json:"createdAt"`
	UpdatedAt int64        `json:"updatedAt"`
	Origin    Origin       `json:"origin"`
	Clock     LogicalClock `json:"clock"`
}

// Record is the materialized state of one (collection, id) pair. Deleted
// records stay in the store as tombstones so they keep participating in
// conflict resolution.
type Record struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Version    uint64         `json:"version"`
	Payload    map[string]any `json:"payload"`
	Metadata   Metadata       `json:"metadata"`
	Deleted    bool           `json:"deleted"`
}

func newRecord(id, collection string, payload map[string]any, timestamp int64, clock LogicalClock, origin Origin) *Record {
	return &Record{
		ID:         id,
		Collection: collection,
		Version:    1,
		Payload:    payload,
		Metadata: Metadata{
			CreatedAt: timestamp,
			UpdatedAt: timestamp,
			Origin:    origin,
			Clock:     clock,
		},
	}
}

// Active reports whether the record is live (not a tombstone).
func (r *Record) Active() bool {
	return !r.Deleted
}

// updatePayload replaces the payload, bumps the version and refreshes the
// metadata. Resurrects a tombstone when called on one.
func (r *Record) updatePayload(payload map[string]any, timestamp int64, clock LogicalClock, origin Origin) {
	r.Payload = payload
	r.Version++
	r.Deleted = false
	r.touch(timestamp, clock, origin)
}

// markDeleted tombstones the record, keeping the last known payload.
func (r *Record) markDeleted(timestamp int64, clock LogicalClock, origin Origin) {
	r.Deleted = true
	r.Version++
	r.touch(timestamp, clock, origin)
}

func (r *Record) touch(timestamp int64, clock LogicalClock, origin Origin) {
	r.Metadata.UpdatedAt = timestamp
	r.Metadata.Clock = clock
	r.Metadata.Origin = origin
}

// Clone deep-copies the record so callers can hold it across later writes.
func (r *Record) Clone() *Record {
	out := *r
	out.Payload = clonePayload(r.Payload)
	return &out
}
