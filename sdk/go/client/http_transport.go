package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/driftsync/driftsync/internal/core/engine"
)

var _ Transport = (*HTTPTransport)(nil)

// HTTPTransport talks to the server's request/response sync endpoints.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport builds a transport for a server base URL such as
// "http://localhost:8080".
func NewHTTPTransport(baseURL string, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{baseURL: baseURL, client: httpClient}
}

func (t *HTTPTransport) Pull(ctx context.Context, since string, limit int) (PullResult, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := t.baseURL + "/v1/sync/pull"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PullResult{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return PullResult{}, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return PullResult{}, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return PullResult{}, fmt.Errorf("%w: pull status %d", ErrServerError, resp.StatusCode)
	}

	var out PullResult
	if err = decodeWire(data, &out, &out.Operations); err != nil {
		return PullResult{}, err
	}
	return out, nil
}

func (t *HTTPTransport) Push(ctx context.Context, nodeID string, ops []engine.Operation) (PushResult, error) {
	body, err := json.Marshal(map[string]any{
		"nodeId":     nodeID,
		"operations": ops,
	})
	if err != nil {
		return PushResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return PushResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return PushResult{}, fmt.Errorf("%w: push status %d", ErrServerError, resp.StatusCode)
	}

	var out PushResult
	if err = decodeWire(data, &out, nil); err != nil {
		return PushResult{}, err
	}
	return out, nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
