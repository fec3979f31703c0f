package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftsync/driftsync/internal/core/engine"
)

// wire message shape shared with the server's websocket protocol.
type wsClientMessage struct {
	Type       string             `json:"type"`
	Since      string             `json:"since,omitempty"`
	Limit      int                `json:"limit,omitempty"`
	NodeID     string             `json:"nodeId,omitempty"`
	Operations []engine.Operation `json:"operations,omitempty"`
	RequestID  string             `json:"requestId,omitempty"`
}

type wsServerMessage struct {
	Type        string              `json:"type"`
	Operations  []engine.Operation  `json:"operations,omitempty"`
	SyncToken   string              `json:"syncToken,omitempty"`
	HasMore     bool                `json:"hasMore,omitempty"`
	Accepted    []string            `json:"accepted,omitempty"`
	Rejected    []engine.RejectedOp `json:"rejected,omitempty"`
	ServerClock uint64              `json:"serverClock,omitempty"`
	Message     string              `json:"message,omitempty"`
	RequestID   string              `json:"requestId,omitempty"`
}

var _ Transport = (*WSTransport)(nil)

// WSTransport keeps one websocket connection open and correlates
// request/response pairs by request id. Unsolicited opsAvailable frames
// trigger the OnOpsAvailable callback so hosts can schedule a Sync.
type WSTransport struct {
	conn   *websocket.Conn
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan wsServerMessage
	closed  bool

	// OnOpsAvailable, when set before the first request, is invoked with
	// the server's latest sync token each time other replicas push.
	OnOpsAvailable func(syncToken string)
}

// DialWS connects to the server's websocket endpoint, e.g.
// "ws://localhost:8080/v1/sync/ws".
func DialWS(ctx context.Context, endpoint string) (*WSTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	t := &WSTransport{
		conn:    conn,
		waiters: make(map[string]chan wsServerMessage),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.failAll()
			return
		}
		var msg wsServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		// Exact payload values for embedded operations.
		if len(msg.Operations) > 0 {
			var redecoded wsServerMessage
			if err := decodeWire(data, &redecoded, &redecoded.Operations); err == nil {
				msg.Operations = redecoded.Operations
			}
		}

		if msg.Type == MsgOpsAvailable {
			if cb := t.OnOpsAvailable; cb != nil {
				cb(msg.SyncToken)
			}
			continue
		}

		t.mu.Lock()
		ch := t.waiters[msg.RequestID]
		delete(t.waiters, msg.RequestID)
		t.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	}
}

func (t *WSTransport) failAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.waiters {
		close(ch)
		delete(t.waiters, id)
	}
}

func (t *WSTransport) request(ctx context.Context, msg wsClientMessage) (wsServerMessage, error) {
	id := fmt.Sprintf("req-%d", t.nextID.Add(1))
	msg.RequestID = id
	ch := make(chan wsServerMessage, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return wsServerMessage{}, ErrClientClosed
	}
	t.waiters[id] = ch
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := t.conn.WriteJSON(msg)
	t.writeMu.Unlock()
	if err != nil {
		t.mu.Lock()
		delete(t.waiters, id)
		t.mu.Unlock()
		return wsServerMessage{}, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiters, id)
		t.mu.Unlock()
		return wsServerMessage{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return wsServerMessage{}, ErrTransportFailed
		}
		if resp.Type == MsgError {
			return wsServerMessage{}, fmt.Errorf("%w: %s", ErrServerError, resp.Message)
		}
		return resp, nil
	}
}

func (t *WSTransport) Pull(ctx context.Context, since string, limit int) (PullResult, error) {
	resp, err := t.request(ctx, wsClientMessage{Type: MsgPull, Since: since, Limit: limit})
	if err != nil {
		return PullResult{}, err
	}
	return PullResult{
		Operations: resp.Operations,
		SyncToken:  resp.SyncToken,
		HasMore:    resp.HasMore,
	}, nil
}

func (t *WSTransport) Push(ctx context.Context, nodeID string, ops []engine.Operation) (PushResult, error) {
	resp, err := t.request(ctx, wsClientMessage{Type: MsgPush, NodeID: nodeID, Operations: ops})
	if err != nil {
		return PushResult{}, err
	}
	return PushResult{
		Accepted:    resp.Accepted,
		Rejected:    resp.Rejected,
		ServerClock: resp.ServerClock,
	}, nil
}

func (t *WSTransport) Close() error {
	t.failAll()
	return t.conn.Close()
}

// Message type strings shared with the server protocol.
const (
	MsgPull         = "pull"
	MsgPush         = "push"
	MsgPullResponse = "pullResponse"
	MsgPushResponse = "pushResponse"
	MsgOpsAvailable = "opsAvailable"
	MsgError        = "error"
)
