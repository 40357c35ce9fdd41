package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snehjoshi/leadflow/internal/pipeline"
	"github.com/snehjoshi/leadflow/internal/types"
)

// maxRequeueLimit bounds a single manual requeue request.
const maxRequeueLimit = 1000

// Handler groups the status handlers around a Pipeline.
type Handler struct {
	pipeline *pipeline.Pipeline
	started  time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status         string `json:"status"`
	InstallationID string `json:"installation_id"`
	InstalledAt    string `json:"installed_at"`
	DryRun         bool   `json:"dry_run"`
	SenderRunning  bool   `json:"sender_running"`
	Uptime         string `json:"uptime"`
	UptimeMs       int64  `json:"uptime_ms"`
}

type requeueResp struct {
	Requeued  int `json:"requeued"`
	Deleted   int `json:"deleted"`
	Exhausted int `json:"exhausted"`
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	s := h.pipeline.Sender.Stats()
	writeJSON(w, http.StatusOK, healthResp{
		Status:         "ok",
		InstallationID: h.pipeline.InstallationID(),
		InstalledAt:    h.pipeline.InstalledAt().Format(time.RFC3339),
		DryRun:         h.pipeline.Config().Sender.DryRun,
		SenderRunning:  s.Running,
		Uptime:         elapsed.Round(time.Second).String(),
		UptimeMs:       elapsed.Milliseconds(),
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Snapshot())
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.pipeline.SummaryText()))
}

func (h *Handler) contact(w http.ResponseWriter, r *http.Request) {
	key := types.NormalizeKey(chi.URLParam(r, "key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("contact key is required"))
		return
	}
	c, ok := h.pipeline.Contacts.FindContactByKey(key)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("contact not found"))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// suppress excludes one contact from outreach for good.
func (h *Handler) suppress(w http.ResponseWriter, r *http.Request) {
	key := types.NormalizeKey(chi.URLParam(r, "key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("contact key is required"))
		return
	}
	changed, err := h.pipeline.Suppress(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contact": key, "ledger_updated": changed})
}

// requeue runs one RequeueFailed pass on demand. ?limit= caps the pass;
// it defaults to the configured batch size.
func (h *Handler) requeue(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", h.pipeline.Config().Sender.RequeueBatch)
	if limit <= 0 || limit > maxRequeueLimit {
		writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
		return
	}
	res, err := h.pipeline.Contacts.RequeueFailed(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, requeueResp{
		Requeued:  res.Requeued,
		Deleted:   res.Deleted,
		Exhausted: res.Exhausted,
	})
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func (h *Handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100)
	if limit <= 0 || limit > maxRequeueLimit {
		writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
		return
	}
	tasks := h.pipeline.DLQ.Peek(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"total": h.pipeline.DLQ.Len(),
		"tasks": tasks,
	})
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100)
	if limit <= 0 || limit > maxRequeueLimit {
		writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
		return
	}
	n, err := h.pipeline.DLQ.Replay(limit)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"replayed": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
