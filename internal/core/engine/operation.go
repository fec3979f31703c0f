package engine

import (
	"encoding/json"

	"github.com/driftsync/driftsync/pkg/canonjson"
)

// OpType tags the three operation variants.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Operation is an immutable description of an intended mutation. Changes are
// expressed as operations rather than direct writes so they can be logged,
// shipped to peers and reconciled deterministically.
//
// The Type field selects the variant: Payload is set for create and update,
// BaseVersion for update and delete.
type Operation struct {
	Type        OpType         `json:"type"`
	OpID        string         `json:"opId"`
	ID          string         `json:"id"`
	Collection  string         `json:"collection"`
	Payload     map[string]any `json:"payload,omitempty"`
	BaseVersion uint64         `json:"baseVersion,omitempty"`
	Timestamp   int64          `json:"timestamp"`
	Clock       LogicalClock   `json:"clock"`
}

// NewCreate builds a create operation.
func NewCreate(opID, id, collection string, payload map[string]any, timestamp int64, clock LogicalClock) Operation {
	return Operation{
		Type:       OpCreate,
		OpID:       opID,
		ID:         id,
		Collection: collection,
		Payload:    payload,
		Timestamp:  timestamp,
		Clock:      clock,
	}
}

// NewUpdate builds an update operation based on the issuer's observed
// record version.
func NewUpdate(opID, id, collection string, payload map[string]any, baseVersion uint64, timestamp int64, clock LogicalClock) Operation {
	return Operation{
		Type:        OpUpdate,
		OpID:        opID,
		ID:          id,
		Collection:  collection,
		Payload:     payload,
		BaseVersion: baseVersion,
		Timestamp:   timestamp,
		Clock:       clock,
	}
}

// NewDelete builds a delete operation.
func NewDelete(opID, id, collection string, baseVersion uint64, timestamp int64, clock LogicalClock) Operation {
	return Operation{
		Type:        OpDelete,
		OpID:        opID,
		ID:          id,
		Collection:  collection,
		BaseVersion: baseVersion,
		Timestamp:   timestamp,
		Clock:       clock,
	}
}

// CheckWellFormed verifies the structural invariants an operation must hold
// before it can be considered at all: a known type, non-empty identifiers,
// a clock owner, and a payload on create/update.
func (op Operation) CheckWellFormed() error {
	switch op.Type {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return errMalformed("unknown operation type " + string(op.Type))
	}
	if op.OpID == "" {
		return errMalformed("empty opId")
	}
	if op.ID == "" {
		return errMalformed("empty record id")
	}
	if op.Collection == "" {
		return errMalformed("empty collection")
	}
	if op.Clock.NodeID == "" {
		return errMalformed("clock missing node id")
	}
	if op.Type != OpDelete && op.Payload == nil {
		return errMalformed("missing payload")
	}
	return nil
}

// Compare totally orders operations by (clock, timestamp, opId). This is
// the tie-break chain used wherever a deterministic order is needed.
func (op Operation) Compare(other Operation) int {
	if c := op.Clock.Compare(other.Clock); c != 0 {
		return c
	}
	switch {
	case op.Timestamp < other.Timestamp:
		return -1
	case op.Timestamp > other.Timestamp:
		return 1
	case op.OpID < other.OpID:
		return -1
	case op.OpID > other.OpID:
		return 1
	default:
		return 0
	}
}

// clone deep-copies the operation, including its payload.
func (op Operation) clone() Operation {
	out := op
	out.Payload = clonePayload(op.Payload)
	return out
}

// DecodeOperation parses a wire-encoded operation, keeping payload numbers
// exact, and checks it is well formed.
func DecodeOperation(data []byte) (Operation, error) {
	obj, err := canonjson.DecodeObject(data)
	if err != nil {
		return Operation{}, errMalformed(err.Error())
	}
	// Re-encode the generic object into the typed struct; the payload keeps
	// the json.Number values from the first decode.
	raw, err := json.Marshal(obj)
	if err != nil {
		return Operation{}, errMalformed(err.Error())
	}
	var op Operation
	if err = json.Unmarshal(raw, &op); err != nil {
		return Operation{}, errMalformed(err.Error())
	}
	if payload, ok := obj["payload"].(map[string]any); ok {
		op.Payload = payload
	}
	if err = op.CheckWellFormed(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// clonePayload deep-copies a JSON-shaped value tree.
func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
