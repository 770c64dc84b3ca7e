package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/extmgr/core/configsvc"
	"github.com/cordum/extmgr/core/controlplane/reconciler"
	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/infra/buildinfo"
	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/policy"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the domain sentinels onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, extensions.ErrMissingRecord):
		status = http.StatusNotFound
	case errors.Is(err, extensions.ErrDisableRejected), errors.Is(err, configsvc.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, configsvc.ErrInvalidOptions):
		status = http.StatusBadRequest
	case errors.Is(err, extensions.ErrHostQuery):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextTimeout(r)
	defer cancel()
	now := time.Now().UTC()

	natsConnected := false
	natsStatus := "UNKNOWN"
	natsURL := ""
	if nb, ok := s.bus.(*bus.NatsBus); ok {
		natsConnected = nb.IsConnected()
		natsStatus = nb.Status()
		natsURL = nb.ConnectedURL()
	}

	redisOK := false
	redisErr := ""
	installed, historyLen := 0, int64(0)
	if s.store == nil {
		redisErr = "store unavailable"
	} else if err := s.store.Client().Ping(ctx).Err(); err != nil {
		redisErr = err.Error()
	} else {
		redisOK = true
		if recs, err := s.store.Installed.List(ctx); err == nil {
			installed = len(recs)
		}
		historyLen, _ = s.store.History.Len(ctx)
	}

	out := map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": int64(now.Sub(s.started).Seconds()),
		"version":        buildinfo.Version,
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
			"url":       natsURL,
		},
		"redis": map[string]any{
			"ok":    redisOK,
			"error": redisErr,
		},
		"installed_count": installed,
		"history_length":  historyLen,
	}
	if s.configSvc != nil {
		if doc, err := s.configSvc.Get(ctx); err == nil {
			out["config_revision"] = doc.Revision
		}
	}
	if s.lockStore != nil {
		if lock, err := s.lockStore.Get(ctx, reconciler.LockResource); err == nil && lock != nil {
			out["reconcile_lock"] = lock
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.dir.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	slices.SortFunc(recs, func(a, b extensions.Record) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (s *server) handleGetExtension(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dir.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleSetEnabled forwards to the host. The resulting lifecycle event
// reaches the worker through the agent, so nothing is persisted here.
func (s *server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("id"))
		if id == "" {
			http.Error(w, "id required", http.StatusBadRequest)
			return
		}
		if err := s.host.SetEnabled(r.Context(), id, enabled); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
	}
}

func (s *server) handleListInstalled(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextTimeout(r)
	defer cancel()
	recs, err := s.store.Installed.List(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

// handleListHistory returns the log in chronological order, or most recent
// first with ?order=desc. ?limit=N keeps the N most recent entries.
func (s *server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextTimeout(r)
	defer cancel()
	entries, err := s.store.History.List(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	if strings.EqualFold(r.URL.Query().Get("order"), "desc") {
		slices.Reverse(entries)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextTimeout(r)
	defer cancel()
	if err := s.store.History.Clear(ctx); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListAllTime(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextTimeout(r)
	defer cancel()
	seen, err := s.store.AllTime.List(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": seen})
}

type evaluateRequest struct {
	ID     string             `json:"id,omitempty"`
	Record *extensions.Record `json:"record,omitempty"`
	Policy *policy.Policy     `json:"policy,omitempty"`
}

type evaluateResponse struct {
	Record   extensions.Record `json:"record"`
	Decision policy.Decision   `json:"decision"`
}

// handlePolicyEvaluate previews a decision without side effects. The record
// is either given inline or fetched from the host by id; the policy is the
// stored one unless supplied.
func (s *server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	var rec extensions.Record
	switch {
	case req.Record != nil:
		rec = *req.Record
	case strings.TrimSpace(req.ID) != "":
		got, err := s.dir.Get(r.Context(), strings.TrimSpace(req.ID))
		if err != nil {
			writeErr(w, err)
			return
		}
		rec = got
	default:
		http.Error(w, "record or id required", http.StatusBadRequest)
		return
	}

	var p policy.Policy
	if req.Policy != nil {
		p = *req.Policy
	} else {
		if s.configSvc == nil {
			http.Error(w, "config service unavailable", http.StatusServiceUnavailable)
			return
		}
		opts, err := s.configSvc.Options(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		p = opts.Policy()
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Record: rec, Decision: policy.Evaluate(rec, p)})
}

// handleCommand publishes a worker command; the worker applies it
// asynchronously.
func (s *server) handleCommand(subject string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bus == nil {
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
		packet, err := bus.NewPacket(bus.KindCommand, senderName, nil)
		if err != nil {
			writeErr(w, err)
			return
		}
		if err := s.bus.Publish(subject, packet); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"command": subject, "id": packet.ID})
	}
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configSvc == nil {
		http.Error(w, "config service unavailable", http.StatusServiceUnavailable)
		return
	}
	doc, err := s.configSvc.Get(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleSetConfig merges a patch into the options document. A null value
// removes the key.
func (s *server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configSvc == nil {
		http.Error(w, "config service unavailable", http.StatusServiceUnavailable)
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(patch) == 0 {
		http.Error(w, "empty patch", http.StatusBadRequest)
		return
	}
	doc, err := s.configSvc.Set(r.Context(), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type whitelistRequest struct {
	Permissions []string `json:"permissions"`
}

func (s *server) handlePutWhitelist(w http.ResponseWriter, r *http.Request) {
	if s.configSvc == nil {
		http.Error(w, "config service unavailable", http.StatusServiceUnavailable)
		return
	}
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	doc, err := s.configSvc.SetWhitelist(r.Context(), r.PathValue("id"), req.Permissions)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) handleDeleteWhitelist(w http.ResponseWriter, r *http.Request) {
	if s.configSvc == nil {
		http.Error(w, "config service unavailable", http.StatusServiceUnavailable)
		return
	}
	if _, err := s.configSvc.RemoveWhitelist(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
