package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	syncengine "github.com/fieldline/fieldline/internal/sync"
)

// Allowed tables for push operations.
var allowedTables = map[string]bool{
	"jobs":       true,
	"job_photos": true,
	"payments":   true,
	"customers":  true,
}

// PushRequest is the JSON body for POST /v1/sync/push.
type PushRequest struct {
	LastSyncAt string           `json:"lastSyncAt,omitempty"`
	DeviceID   string           `json:"deviceId"`
	Operations []OperationInput `json:"operations"`
}

// OperationInput is a single client-authored operation in a push body.
type OperationInput struct {
	ID        string          `json:"id"`
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	ClientID  string          `json:"clientId"`
}

// SyncResponse is the envelope around one completed sync cycle.
// Conflicts are data, not HTTP errors: a batch full of conflicts is
// still a 200.
type SyncResponse struct {
	Success bool     `json:"success"`
	Data    SyncData `json:"data"`
}

// SyncData carries the push outcomes plus the pull-phase delta.
type SyncData struct {
	ServerChanges       *syncengine.ServerChanges `json:"serverChanges"`
	Conflicts           []syncengine.Conflict     `json:"conflicts"`
	SyncedAt            string                    `json:"syncedAt"`
	ProcessedOperations []string                  `json:"processedOperations"`
}

// SyncStatusResponse is the JSON response for GET /v1/sync/status.
type SyncStatusResponse struct {
	LastChangeAt string `json:"lastChangeAt,omitempty"`
	ServerTime   string `json:"serverTime"`
}

// handleSyncPush handles POST /v1/sync/push: the push phase followed by
// the pull phase, returned together so the client can re-base in one
// round trip.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	m := membershipFrom(r.Context())

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "deviceId is required")
		return
	}
	if len(req.Operations) > s.config.MaxBatch {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest,
			fmt.Sprintf("batch size %d exceeds max %d", len(req.Operations), s.config.MaxBatch))
		return
	}

	since := time.Time{}
	if req.LastSyncAt != "" {
		t, err := parseRFC3339(req.LastSyncAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid lastSyncAt")
			return
		}
		since = t
	}

	ops := make([]syncengine.Operation, len(req.Operations))
	for i, in := range req.Operations {
		if in.ID == "" {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "operation id is required")
			return
		}
		if !allowedTables[in.Table] {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid table: %s", in.Table))
			return
		}
		ts, err := parseRFC3339(in.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid timestamp for operation %s", in.ID))
			return
		}
		clientID := in.ClientID
		if clientID == "" {
			clientID = req.DeviceID
		}
		ops[i] = syncengine.Operation{
			ID:        in.ID,
			Table:     syncengine.Table(in.Table),
			Action:    syncengine.Action(in.Action),
			Data:      in.Data,
			Timestamp: ts,
			ClientID:  clientID,
		}
	}

	sess := syncengine.Session{
		OrgID:    m.OrgID,
		UserID:   m.UserID,
		DeviceID: req.DeviceID,
		Role:     m.Role,
	}

	result := s.orch.Push(r.Context(), sess, ops)
	s.metrics.pushOperations.Add(float64(len(ops)))
	for _, c := range result.Conflicts {
		s.metrics.conflicts.WithLabelValues(string(c.Resolution)).Inc()
		if c.Warning == syncengine.WarningPaymentVariance {
			s.metrics.paymentVariances.Inc()
		}
	}

	changes, err := s.orch.Pull(r.Context(), sess, since)
	if err != nil {
		logFor(r.Context()).Error("pull phase", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to compute server changes")
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{
		Success: true,
		Data: SyncData{
			ServerChanges:       changes,
			Conflicts:           result.Conflicts,
			SyncedAt:            s.clock.Now().UTC().Format(time.RFC3339Nano),
			ProcessedOperations: result.Processed,
		},
	})
}

// handleSyncPull handles GET /v1/sync/pull?since=<ISO-8601>: the pull
// phase on its own, for clients that only need to refresh.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	m := membershipFrom(r.Context())
	s.metrics.pullRequests.Inc()

	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := parseRFC3339(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid since")
			return
		}
		since = t
	}

	sess := syncengine.Session{OrgID: m.OrgID, UserID: m.UserID, Role: m.Role}
	changes, err := s.orch.Pull(r.Context(), sess, since)
	if err != nil {
		logFor(r.Context()).Error("pull phase", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to compute server changes")
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{
		Success: true,
		Data: SyncData{
			ServerChanges:       changes,
			Conflicts:           []syncengine.Conflict{},
			SyncedAt:            s.clock.Now().UTC().Format(time.RFC3339Nano),
			ProcessedOperations: []string{},
		},
	})
}

// handleSyncStatus handles GET /v1/sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	m := membershipFrom(r.Context())

	var last string
	err := s.store.DB().QueryRowContext(r.Context(),
		`SELECT COALESCE(MAX(updated_at), '') FROM jobs WHERE org_id = ?`, m.OrgID,
	).Scan(&last)
	if err != nil {
		logFor(r.Context()).Error("query sync status", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "database error")
		return
	}

	writeJSON(w, http.StatusOK, SyncStatusResponse{
		LastChangeAt: last,
		ServerTime:   s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleAuditTail handles GET /v1/audit?limit=N for dispatcher review
// of the compliance trail.
func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	m := membershipFrom(r.Context())

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid limit")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	recs, err := s.audit.Tail(r.Context(), m.OrgID, limit)
	if err != nil {
		logFor(r.Context()).Error("query audit log", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "database error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"records": recs},
	})
}

// parseRFC3339 accepts both second and nanosecond precision, matching
// mobile clients that truncate.
func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}
