package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"distributor/pkg/dispatch"
	"distributor/pkg/proto"
	"distributor/pkg/rules"
	"distributor/pkg/selector"
)

func (d *daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/distribute", d.handleDistribute)
	mux.HandleFunc("POST /api/conversations/{id}/complete", d.handleComplete)
	mux.HandleFunc("POST /api/conversations/{id}/reassign", d.handleReassign)
	mux.HandleFunc("GET /api/stats", d.handleStats)
	mux.HandleFunc("GET /api/assignments", d.handleAssignments)
	mux.HandleFunc("POST /api/reload", d.handleReload)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (d *daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"tenants":   len(d.directory.Tenants()),
	})
}

func (d *daemon) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var conv proto.Conversation
	if err := json.NewDecoder(r.Body).Decode(&conv); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	assignment, err := d.engine.Distribute(r.Context(), conv)
	if err != nil {
		writeError(w, distributeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

// distributeStatus maps distribution failures onto HTTP statuses: a missing
// rule is a tenant configuration problem, an exhausted pool is transient.
func distributeStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrAlreadyAssigned):
		return http.StatusConflict
	case errors.Is(err, rules.ErrNoRule):
		return http.StatusUnprocessableEntity
	case errors.Is(err, selector.ErrNoAgentAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (d *daemon) handleComplete(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if err := d.engine.Complete(r.Context(), conversationID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": conversationID, "status": "completed"})
}

func (d *daemon) handleReassign(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	assignment, err := d.engine.Reassign(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, selector.ErrNoAgentAvailable) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (d *daemon) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.engine.Stats())
}

// handleAssignments serves assignment history from the database. It is
// unavailable when the daemon runs on the in-memory store.
func (d *daemon) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		writeError(w, http.StatusNotImplemented,
			errors.New("assignment history requires a configured database"))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	var (
		assignments []*proto.Assignment
		err         error
	)
	switch {
	case r.URL.Query().Get("tenant_id") != "":
		assignments, err = d.store.ListByTenant(r.URL.Query().Get("tenant_id"), limit)
	case r.URL.Query().Get("agent_id") != "":
		assignments, err = d.store.ListByAgent(r.URL.Query().Get("agent_id"), limit)
	default:
		writeError(w, http.StatusBadRequest, errors.New("tenant_id or agent_id is required"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, assignments)
}

// handleReload re-reads the roster and rules files so tenants can be updated
// without a restart. In-flight assignments and workload counters are kept.
func (d *daemon) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := d.directory.Reload(d.cfg.RosterPath); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := d.rules.Reload(d.cfg.RulesPath); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	d.logger.Info("Roster and rules reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
