package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed    = errors.New("client is closed")
	ErrInvalidConfig   = errors.New("invalid client configuration")
	ErrTransportFailed = errors.New("transport operation failed")
	ErrServerError     = errors.New("server returned an error")
	ErrInvalidMessage  = errors.New("invalid message")
)
