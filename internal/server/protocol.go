package server

import (
	"github.com/driftsync/driftsync/internal/core/engine"
)

// Message types exchanged over the websocket and QUIC framed protocols.
// All messages are JSON objects with a "type" discriminator.
const (
	MsgPull         = "pull"
	MsgPush         = "push"
	MsgPing         = "ping"
	MsgPullResponse = "pullResponse"
	MsgPushResponse = "pushResponse"
	MsgOpsAvailable = "opsAvailable"
	MsgPong         = "pong"
	MsgError        = "error"
)

// ClientMessage is a message sent from a client to the server.
type ClientMessage struct {
	Type string `json:"type"`

	// Pull fields.
	Since string `json:"since,omitempty"`
	Limit int    `json:"limit,omitempty"`

	// Push fields.
	NodeID     string             `json:"nodeId,omitempty"`
	Operations []engine.Operation `json:"operations,omitempty"`

	// RequestID correlates responses with requests.
	RequestID string `json:"requestId,omitempty"`
}

// ServerMessage is a message sent from the server to a client.
type ServerMessage struct {
	Type string `json:"type"`

	// PullResponse / OpsAvailable fields.
	Operations []engine.Operation `json:"operations,omitempty"`
	SyncToken  string             `json:"syncToken,omitempty"`
	HasMore    bool               `json:"hasMore,omitempty"`

	// PushResponse fields.
	Accepted    []string            `json:"accepted,omitempty"`
	Rejected    []engine.RejectedOp `json:"rejected,omitempty"`
	ServerClock uint64              `json:"serverClock,omitempty"`

	// Error fields.
	Message string `json:"message,omitempty"`

	RequestID string `json:"requestId,omitempty"`
}

func errorMessage(msg, requestID string) ServerMessage {
	return ServerMessage{Type: MsgError, Message: msg, RequestID: requestID}
}

func opsAvailableMessage(ops []engine.Operation, syncToken string) ServerMessage {
	return ServerMessage{Type: MsgOpsAvailable, Operations: ops, SyncToken: syncToken}
}
