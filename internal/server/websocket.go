package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/driftsync/driftsync/internal/core/engine"
	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/server/oplog"
	"github.com/driftsync/driftsync/pkg/canonjson"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The sync protocol carries no browser credentials; origin checks are
	// the deployment's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 32
)

// wsClient is one connected websocket peer.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// wsHub tracks connected clients and broadcasts new operations to
// everyone except the replica that pushed them.
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  log.Log
	metrics *Metrics
}

func newWSHub(logger log.Log, metrics *Metrics) *wsHub {
	return &wsHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger.With(log.String("component", "ws-hub")),
		metrics: metrics,
	}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.ConnectedWS.Set(float64(n))
	h.logger.Debug("client connected", log.String("client", c.id), log.Int("clients", n))
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.ConnectedWS.Set(float64(n))
	h.logger.Debug("client disconnected", log.String("client", c.id), log.Int("clients", n))
}

// broadcast sends msg to every client except the one given. Clients whose
// send buffer is full are dropped rather than blocking the hub.
func (h *wsHub) broadcast(msg ServerMessage, except *wsClient) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode broadcast", log.Error(err))
		return
	}

	h.mu.Lock()
	var stale []*wsClient
	for c := range h.clients {
		if c == except {
			continue
		}
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Warn("dropping slow client", log.String("client", c.id))
		h.remove(c)
		_ = c.conn.Close()
	}
}

// send queues data for one client. Sends and channel closes both happen
// under the hub lock, so a send never races a remove. Reports false when
// the client is gone or its buffer is full.
func (h *wsHub) send(c *wsClient, data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
		_ = c.conn.Close()
	}
}

// broadcastOps tells every other client that new operations are available.
func (s *Server) broadcastOps(ops []engine.Operation, except *wsClient) {
	seq, err := s.oplog.LatestSeq()
	if err != nil {
		s.logger.Error("latest seq for broadcast", log.Error(err))
		return
	}
	s.hub.broadcast(opsAvailableMessage(ops, oplog.Token(seq)), except)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", log.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
	s.hub.add(client)

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsReadPump(c *wsClient) {
	defer func() {
		s.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxPushBody)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read", log.String("client", c.id), log.Error(err))
			}
			return
		}
		s.dispatchClientMessage(c, data)
	}
}

func (s *Server) wsWritePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatchClientMessage handles one decoded frame from a websocket client
// and replies on the client's send path. QUIC streams are handled by
// serveQUICStream.
func (s *Server) dispatchClientMessage(c *wsClient, data []byte) {
	msg, err := decodeClientMessage(data)
	if err != nil {
		s.sendTo(c, errorMessage(err.Error(), ""))
		return
	}

	switch msg.Type {
	case MsgPing:
		s.sendTo(c, ServerMessage{Type: MsgPong, RequestID: msg.RequestID})

	case MsgPull:
		resp, err := s.pull(msg.Since, msg.Limit)
		if err != nil {
			s.sendTo(c, errorMessage("pull failed", msg.RequestID))
			return
		}
		s.sendTo(c, ServerMessage{
			Type:       MsgPullResponse,
			Operations: resp.Operations,
			SyncToken:  resp.SyncToken,
			HasMore:    resp.HasMore,
			RequestID:  msg.RequestID,
		})

	case MsgPush:
		resp, fanout, err := s.push(PushRequest{NodeID: msg.NodeID, Operations: msg.Operations})
		if err != nil {
			s.sendTo(c, errorMessage("push failed", msg.RequestID))
			return
		}
		s.sendTo(c, ServerMessage{
			Type:        MsgPushResponse,
			Accepted:    resp.Accepted,
			Rejected:    resp.Rejected,
			ServerClock: resp.ServerClock,
			RequestID:   msg.RequestID,
		})
		if len(fanout) > 0 {
			s.broadcastOps(fanout, c)
		}

	default:
		s.sendTo(c, errorMessage("unknown message type", msg.RequestID))
	}
}

func (s *Server) sendTo(c *wsClient, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode message", log.Error(err))
		return
	}
	if !s.hub.send(c, data) {
		s.logger.Warn("dropping slow client", log.String("client", c.id))
		s.hub.remove(c)
		_ = c.conn.Close()
	}
}

// decodeClientMessage parses a frame keeping payload numbers exact.
func decodeClientMessage(data []byte) (ClientMessage, error) {
	obj, err := canonjson.DecodeObject(data)
	if err != nil {
		return ClientMessage{}, ErrInvalidMessage
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return ClientMessage{}, ErrInvalidMessage
	}
	var msg ClientMessage
	if err = json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, ErrInvalidMessage
	}
	if ops, ok := obj["operations"].([]any); ok {
		for i := range msg.Operations {
			if i >= len(ops) {
				break
			}
			if opObj, ok := ops[i].(map[string]any); ok {
				if payload, ok := opObj["payload"].(map[string]any); ok {
					msg.Operations[i].Payload = payload
				}
			}
		}
	}
	return msg, nil
}
