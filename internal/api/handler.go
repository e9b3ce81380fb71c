package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/osintflow/internal/correlation"
	"github.com/gyaneshwarpardhi/osintflow/internal/engine"
	"github.com/gyaneshwarpardhi/osintflow/internal/event"
)

// RuleSource reloads the correlation rule catalog. correlation.Watcher implements it.
type RuleSource interface {
	Reload() (*correlation.Catalog, error)
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	rules  RuleSource
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. rules may be nil when no
// rules directory is configured.
func New(eng *engine.Engine, rules RuleSource, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{eng: eng, rules: rules, logger: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/scans", h.startScan)
	h.mux.HandleFunc("GET /v1/scans", h.listScans)
	h.mux.HandleFunc("GET /v1/scans/{id}", h.getScan)
	h.mux.HandleFunc("DELETE /v1/scans/{id}", h.deleteScan)
	h.mux.HandleFunc("POST /v1/scans/{id}/stop", h.control(eng.Stop))
	h.mux.HandleFunc("POST /v1/scans/{id}/pause", h.control(eng.Pause))
	h.mux.HandleFunc("POST /v1/scans/{id}/resume", h.control(eng.Resume))
	h.mux.HandleFunc("GET /v1/scans/{id}/events", h.listEvents)
	h.mux.HandleFunc("POST /v1/scans/{id}/events/{hash}/false-positive", h.markFalsePositive)
	h.mux.HandleFunc("GET /v1/scans/{id}/correlations", h.listCorrelations)
	h.mux.HandleFunc("GET /v1/scans/{id}/dead-letters", h.listDeadLetters)
	h.mux.HandleFunc("GET /v1/rules", h.listRules)
	h.mux.HandleFunc("POST /v1/rules/reload", h.reloadRules)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(logger, h.mux)
}

// POST /v1/scans: start a scan in the background.
func (h *Handler) startScan(w http.ResponseWriter, r *http.Request) {
	var req engine.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	sc, err := h.eng.StartScan(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/scans/"+sc.ID)
	writeJSON(w, http.StatusAccepted, sc)
}

// GET /v1/scans
func (h *Handler) listScans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scans": h.eng.List()})
}

// GET /v1/scans/{id}
func (h *Handler) getScan(w http.ResponseWriter, r *http.Request) {
	sc, err := h.eng.Get(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// DELETE /v1/scans/{id}: only ended scans can be deleted.
func (h *Handler) deleteScan(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Delete(r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// control wraps stop, pause and resume.
func (h *Handler) control(op func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := op(id); err != nil {
			writeEngineError(w, err)
			return
		}
		sc, err := h.eng.Get(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sc)
	}
}

// GET /v1/scans/{id}/events?type=IP_ADDRESS&type=...&include_false_positives=true
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := event.Filter{Types: q["type"]}
	if v := q.Get("include_false_positives"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_false_positives must be a boolean")
			return
		}
		f.IncludeFalsePositives = b
	}
	evs, err := h.eng.Events(r.PathValue("id"), f)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(evs), "events": evs})
}

type falsePositiveRequest struct {
	FalsePositive *bool `json:"false_positive"`
}

// POST /v1/scans/{id}/events/{hash}/false-positive with an optional
// {"false_positive": false} body to clear the flag.
func (h *Handler) markFalsePositive(w http.ResponseWriter, r *http.Request) {
	fp := true
	if r.ContentLength != 0 {
		var req falsePositiveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
			return
		}
		if req.FalsePositive != nil {
			fp = *req.FalsePositive
		}
	}
	id, hash := r.PathValue("id"), r.PathValue("hash")
	if err := h.eng.SetFalsePositive(id, hash, fp); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": hash, "false_positive": fp})
}

// GET /v1/scans/{id}/correlations?rule=&risk=&event=
func (h *Handler) listCorrelations(w http.ResponseWriter, r *http.Request) {
	results, err := h.eng.Results(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	q := r.URL.Query()
	if v := q.Get("rule"); v != "" {
		results = results.ByRule(v)
	}
	if v := q.Get("risk"); v != "" {
		results = results.ByRisk(v)
	}
	if v := q.Get("event"); v != "" {
		results = results.ByEvent(v)
	}
	if results == nil {
		results = correlation.Results{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(results), "results": results})
}

type deadLetter struct {
	Module    string `json:"module"`
	EventHash string `json:"event_hash"`
	EventType string `json:"event_type"`
	Lane      string `json:"lane"`
	Retries   int    `json:"retries"`
	Error     string `json:"error,omitempty"`
}

// GET /v1/scans/{id}/dead-letters
func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.eng.DeadLetters(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]deadLetter, 0, len(items))
	for _, it := range items {
		d := deadLetter{
			Module:    it.Target,
			EventHash: it.Event.Hash,
			EventType: it.Event.Type,
			Lane:      it.Lane.String(),
			Retries:   it.Retries,
		}
		if it.LastErr != nil {
			d.Error = it.LastErr.Error()
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
}

// GET /v1/rules: list loaded correlation rules and the files that failed to load.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalogResponse(h.eng.Rules()))
}

// POST /v1/rules/reload: hot-reload rules from disk.
func (h *Handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		writeError(w, http.StatusNotFound, "no rules directory configured")
		return
	}
	cat, err := h.rules.Reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.eng.SwapRules(cat)
	resp := catalogResponse(cat)
	resp["reloaded"] = true
	writeJSON(w, http.StatusOK, resp)
}

func catalogResponse(cat *correlation.Catalog) map[string]any {
	rules := []*correlation.Rule{}
	errs := []string{}
	if cat != nil {
		rules = cat.Rules()
		for _, e := range cat.Errors() {
			errs = append(errs, e.Error())
		}
	}
	return map[string]any{"count": len(rules), "rules": rules, "errors": errs}
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 once the engine is shutting down.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	active := h.eng.Active()
	if !h.eng.Accepting() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":       "shutting_down",
			"active_scans": active,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_scans": active,
	})
}
