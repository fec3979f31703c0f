package client

import (
	"context"
	"encoding/json"

	"github.com/driftsync/driftsync/internal/core/engine"
	"github.com/driftsync/driftsync/pkg/canonjson"
)

// PullResult is one page of operations from the server.
type PullResult struct {
	Operations []engine.Operation `json:"operations"`
	SyncToken  string             `json:"syncToken"`
	HasMore    bool               `json:"hasMore"`
}

// PushResult reports the fate of pushed operations.
type PushResult struct {
	Accepted    []string            `json:"accepted"`
	Rejected    []engine.RejectedOp `json:"rejected"`
	ServerClock uint64              `json:"serverClock"`
}

// Transport moves operations between this replica and the server. The
// engine itself never touches the network; everything network-shaped
// lives behind this interface.
type Transport interface {
	// Pull fetches operations after the opaque sync token. A zero limit
	// lets the server choose.
	Pull(ctx context.Context, since string, limit int) (PullResult, error)
	// Push ships local operations to the server.
	Push(ctx context.Context, nodeID string, ops []engine.Operation) (PushResult, error)
	Close() error
}

// decodeWire parses wire JSON into out while re-attaching the exact
// payload objects of any embedded operations, so integers survive.
func decodeWire(data []byte, out any, ops *[]engine.Operation) error {
	obj, err := canonjson.DecodeObject(data)
	if err != nil {
		return ErrInvalidMessage
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return ErrInvalidMessage
	}
	if err = json.Unmarshal(raw, out); err != nil {
		return ErrInvalidMessage
	}
	if ops == nil {
		return nil
	}
	if rawOps, ok := obj["operations"].([]any); ok {
		for i := range *ops {
			if i >= len(rawOps) {
				break
			}
			if opObj, ok := rawOps[i].(map[string]any); ok {
				if payload, ok := opObj["payload"].(map[string]any); ok {
					(*ops)[i].Payload = payload
				}
			}
		}
	}
	return nil
}
