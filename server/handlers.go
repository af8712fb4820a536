package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChaikaBogdan/memes2telegram/jobs"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
	now  func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	return &Handlers{deps: deps, now: time.Now}
}

type statusResponse struct {
	Bot           string         `json:"bot"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Jobs          *jobs.Snapshot `json:"jobs,omitempty"`
}

// HandleStatus reports uptime and the scheduler's pending and running jobs.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Bot:           h.deps.BotUsername,
		UptimeSeconds: int64(h.now().Sub(h.deps.Started) / time.Second),
	}
	if h.deps.Jobs != nil {
		snap := h.deps.Jobs.Snapshot()
		resp.Jobs = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", slog.Any("err", err), slog.String("component", "http"))
	}
}
