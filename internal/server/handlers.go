package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/driftsync/driftsync/internal/core/engine"
	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/server/oplog"
	"github.com/driftsync/driftsync/pkg/canonjson"
)

// PushRequest is the body of POST /v1/sync/push.
type PushRequest struct {
	NodeID     string             `json:"nodeId"`
	Operations []engine.Operation `json:"operations"`
}

// PushResponse reports the fate of each pushed operation. Duplicates count
// as accepted so retries are idempotent.
type PushResponse struct {
	Accepted    []string            `json:"accepted"`
	Rejected    []engine.RejectedOp `json:"rejected"`
	ServerClock uint64              `json:"serverClock"`
}

// PullResponse carries operations after the client's sync token.
type PullResponse struct {
	Operations []engine.Operation `json:"operations"`
	SyncToken  string             `json:"syncToken"`
	HasMore    bool               `json:"hasMore"`
}

// push reconciles a client's batch into the server replica, persists what
// was applied, and returns the accepted/rejected partition. The applied
// ops are also returned for fan-out to other clients.
func (s *Server) push(req PushRequest) (PushResponse, []engine.Operation, error) {
	resp := PushResponse{Accepted: []string{}, Rejected: []engine.RejectedOp{}}
	if len(req.Operations) == 0 {
		resp.ServerClock = s.engine.Metadata().Clock.Counter
		return resp, nil, nil
	}

	result, err := s.engine.Reconcile(req.Operations, s.strategy)
	if err != nil {
		return PushResponse{}, nil, err
	}

	applied := make(map[string]struct{}, len(result.AppliedRemote))
	for _, id := range result.AppliedRemote {
		applied[id] = struct{}{}
	}

	var fanout []engine.Operation
	for _, op := range req.Operations {
		if _, ok := applied[op.OpID]; !ok {
			continue
		}
		if _, err = s.oplog.Append(op); err != nil && !errors.Is(err, oplog.ErrDuplicate) {
			s.metrics.OplogAppendErr.Inc()
			return PushResponse{}, nil, err
		}
		fanout = append(fanout, op)
	}

	resp.Accepted = append(resp.Accepted, result.AppliedRemote...)
	for _, rej := range result.RejectedRemote {
		// A duplicate was already accepted by an earlier push.
		if rej.Reason == engine.ReasonDuplicate {
			resp.Accepted = append(resp.Accepted, rej.OpID)
			continue
		}
		resp.Rejected = append(resp.Rejected, rej)
	}

	s.metrics.OpsPushed.Add(float64(len(result.AppliedRemote)))
	s.metrics.OpsRejected.Add(float64(len(resp.Rejected)))
	s.metrics.Conflicts.Add(float64(len(result.Conflicts)))

	resp.ServerClock = s.engine.Metadata().Clock.Counter
	return resp, fanout, nil
}

// pull reads operations after the sync token from the durable log.
func (s *Server) pull(since string, limit int) (PullResponse, error) {
	if limit <= 0 {
		limit = s.cfg.PullDefaultLimit
	}
	if limit > s.cfg.PullMaxLimit {
		limit = s.cfg.PullMaxLimit
	}

	entries, token, hasMore, err := s.oplog.Since(since, limit)
	if err != nil {
		return PullResponse{}, err
	}
	ops := make([]engine.Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.Op
	}
	s.metrics.OpsPulled.Add(float64(len(ops)))
	return PullResponse{Operations: ops, SyncToken: token, HasMore: hasMore}, nil
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	s.metrics.PushRequests.Inc()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := decodePushRequest(r)
	if err != nil {
		s.logger.Warn("bad push request", log.Error(err))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, fanout, err := s.push(body)
	if err != nil {
		s.logger.Error("push failed", log.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "push failed")
		return
	}

	if len(fanout) > 0 {
		s.broadcastOps(fanout, nil)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	s.metrics.PullRequests.Inc()
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	resp, err := s.pull(r.URL.Query().Get("since"), limit)
	if err != nil {
		s.logger.Error("pull failed", log.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "pull failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	meta := s.engine.Metadata()
	seq, err := s.oplog.LatestSeq()
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"nodeId":       meta.NodeID,
		"clock":        meta.Clock,
		"recordCount":  meta.RecordCount,
		"pendingCount": meta.PendingCount,
		"oplogSeq":     seq,
		"version":      s.engine.Version(),
	})
}

// maxPushBody bounds a push request body.
const maxPushBody = 8 << 20

// decodePushRequest parses the body keeping payload numbers exact.
func decodePushRequest(r *http.Request) (PushRequest, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		return PushRequest{}, err
	}
	obj, err := canonjson.DecodeObject(data)
	if err != nil {
		return PushRequest{}, ErrInvalidMessage
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return PushRequest{}, ErrInvalidMessage
	}
	var req PushRequest
	if err = json.Unmarshal(raw, &req); err != nil {
		return PushRequest{}, ErrInvalidMessage
	}
	// Re-attach the exact payload objects from the generic decode.
	if ops, ok := obj["operations"].([]any); ok {
		for i := range req.Operations {
			if i >= len(ops) {
				break
			}
			if opObj, ok := ops[i].(map[string]any); ok {
				if payload, ok := opObj["payload"].(map[string]any); ok {
					req.Operations[i].Payload = payload
				}
			}
		}
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
