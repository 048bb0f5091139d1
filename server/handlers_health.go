package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/streambot/db"
)

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes: database up and the bot account
// credential present.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.deps.DB.PingContext(r.Context()) }},
		{"bot_credential", func() error {
			if h.deps.Cfg.BotAccountID == "" {
				return fmt.Errorf("TWITCH_BOT_ACCOUNT_ID not set")
			}
			var needsReauth bool
			err := h.deps.DB.QueryRowContext(r.Context(),
				"SELECT needs_reauth FROM accounts WHERE account_id=$1", h.deps.Cfg.BotAccountID).Scan(&needsReauth)
			if err != nil {
				return fmt.Errorf("bot account credential missing: %w", err)
			}
			if needsReauth {
				return fmt.Errorf("bot account needs re-authorization")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the active channel set and worker states.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	channels, err := h.deps.Registry.ListActiveChannels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type channelStatus struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Worker string `json:"worker"`
	}
	var workers map[string]string
	if h.deps.Workers != nil {
		workers = h.deps.Workers.WorkerStates()
	}
	out := make([]channelStatus, 0, len(channels))
	for _, ch := range channels {
		state := "unassigned"
		if s, ok := workers[ch.ID]; ok {
			state = s
		}
		out = append(out, channelStatus{ID: ch.ID, Name: ch.Name, Worker: state})
	}
	startedAt, err := db.GetKV(r.Context(), h.deps.DB, "service_started_at")
	if err != nil {
		startedAt = ""
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"channels": out, "started_at": startedAt})
}
