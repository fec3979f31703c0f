// Package client is the Go SDK for embedding a driftsync replica in an
// application: a local engine plus a transport to the coordinating
// server.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/internal/core/engine"
	"github.com/driftsync/driftsync/internal/core/observability/log"
)

// Options configures a Client.
type Options struct {
	// NodeID identifies this replica. Generated when empty.
	NodeID string
	// Schema declares the collections this replica stores.
	Schema engine.Schema
	// Transport connects to the server. Optional: a nil transport gives a
	// purely local, offline replica; Sync then fails with ErrInvalidConfig.
	Transport Transport
	// Strategy picks the conflict rule used when reconciling pulls.
	// Defaults to clock-wins.
	Strategy engine.MergeStrategy
	// Now supplies wall-clock milliseconds; defaults to time.Now.
	Now func() int64
	// Logger defaults to the process logger.
	Logger log.Log
}

// SyncStats summarizes one Sync round.
type SyncStats struct {
	Pushed       int
	Acknowledged int
	Pulled       int
	Applied      int
	Conflicts    int
}

// Client owns a local engine and keeps it converged with the server.
type Client struct {
	engine    *engine.Engine
	transport Transport
	strategy  engine.MergeStrategy
	now       func() int64
	logger    log.Log

	nodeID string
	opSeq  atomic.Uint64

	mu        sync.Mutex
	syncToken string
	closed    bool
}

// New builds a client replica.
func New(opts Options) (*Client, error) {
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	eng, err := engine.New(opts.Schema, nodeID)
	if err != nil {
		return nil, err
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = engine.StrategyClockWins
	}
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Provide()
	}
	return &Client{
		engine:    eng,
		transport: opts.Transport,
		strategy:  strategy,
		now:       now,
		logger:    logger.With(log.String("component", "sync-client"), log.String("node", nodeID)),
		nodeID:    nodeID,
	}, nil
}

// Engine exposes the underlying engine for queries and watchers.
func (c *Client) Engine() *engine.Engine {
	return c.engine
}

// NodeID returns this replica's identifier.
func (c *Client) NodeID() string {
	return c.nodeID
}

// nextOpID mints a unique operation id: <nodeId>_<ms>_<seq>.
func (c *Client) nextOpID(ms int64) string {
	return fmt.Sprintf("%s_%d_%d", c.nodeID, ms, c.opSeq.Add(1))
}

// Create applies a local create and queues it for sync.
func (c *Client) Create(collection, id string, payload map[string]any) (engine.ApplyResult, error) {
	ms := c.now()
	clock := c.engine.Tick()
	op := engine.NewCreate(c.nextOpID(ms), id, collection, payload, ms, clock)
	return c.engine.Apply(op, ms)
}

// Update applies a local update based on the version the caller observed.
func (c *Client) Update(collection, id string, payload map[string]any, baseVersion uint64) (engine.ApplyResult, error) {
	ms := c.now()
	clock := c.engine.Tick()
	op := engine.NewUpdate(c.nextOpID(ms), id, collection, payload, baseVersion, ms, clock)
	return c.engine.Apply(op, ms)
}

// Delete applies a local delete based on the version the caller observed.
func (c *Client) Delete(collection, id string, baseVersion uint64) (engine.ApplyResult, error) {
	ms := c.now()
	clock := c.engine.Tick()
	op := engine.NewDelete(c.nextOpID(ms), id, collection, baseVersion, ms, clock)
	return c.engine.Apply(op, ms)
}

// Get returns one record, tombstones included.
func (c *Client) Get(collection, id string) (*engine.Record, error) {
	return c.engine.Get(collection, id)
}

// Query returns a collection's records ordered by id.
func (c *Client) Query(collection string, includeDeleted bool) ([]*engine.Record, error) {
	return c.engine.Query(collection, includeDeleted)
}

// SyncToken returns the opaque pull cursor for the host to persist.
func (c *Client) SyncToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncToken
}

// SetSyncToken restores a persisted pull cursor, typically right after
// importing a snapshot.
func (c *Client) SetSyncToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncToken = token
}

// Sync runs one full round: push the pending log, acknowledge what the
// server accepted, then pull and reconcile until the server has nothing
// newer.
func (c *Client) Sync(ctx context.Context) (SyncStats, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return SyncStats{}, ErrClientClosed
	}
	c.mu.Unlock()
	if c.transport == nil {
		return SyncStats{}, ErrInvalidConfig
	}

	var stats SyncStats

	pending := c.engine.PendingOps()
	if len(pending) > 0 {
		ops := make([]engine.Operation, len(pending))
		for i, p := range pending {
			ops[i] = p.Operation
		}
		stats.Pushed = len(ops)

		res, err := c.transport.Push(ctx, c.nodeID, ops)
		if err != nil {
			return stats, err
		}
		c.engine.Acknowledge(res.Accepted)
		stats.Acknowledged = len(res.Accepted)
		for _, rej := range res.Rejected {
			c.logger.Warn("push rejected",
				log.String("op", rej.OpID), log.String("reason", string(rej.Reason)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		c.mu.Lock()
		since := c.syncToken
		c.mu.Unlock()

		page, err := c.transport.Pull(ctx, since, 0)
		if err != nil {
			return stats, err
		}
		stats.Pulled += len(page.Operations)

		if len(page.Operations) > 0 {
			result, err := c.engine.Reconcile(page.Operations, c.strategy)
			if err != nil {
				return stats, err
			}
			stats.Applied += len(result.AppliedRemote)
			stats.Conflicts += len(result.Conflicts)
		}

		if page.SyncToken != "" {
			c.mu.Lock()
			c.syncToken = page.SyncToken
			c.mu.Unlock()
		}
		if !page.HasMore {
			break
		}
	}

	return stats, nil
}

// Close releases the transport. The local engine stays usable.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}
