package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/streambot/catalog"
	"github.com/onnwee/streambot/redemption"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandleAdminChannels lists active channels (GET) or adds one (POST).
func (h *Handlers) HandleAdminChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channels, err := h.deps.Registry.ListActiveChannels(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, channels)
	case http.MethodPost:
		var req struct {
			ChannelID   string `json:"channel_id"`
			ChannelName string `json:"channel_name"`
			AddedBy     string `json:"added_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" || req.ChannelName == "" {
			http.Error(w, "channel_id and channel_name required", http.StatusBadRequest)
			return
		}
		if req.AddedBy == "" {
			req.AddedBy = "admin"
		}
		added, err := h.deps.Registry.AddChannel(r.Context(), req.ChannelID, req.ChannelName, req.AddedBy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "added": added})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAdminChannelDeactivate removes a channel from the active set.
func (h *Handlers) HandleAdminChannelDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		http.Error(w, "channel_id required", http.StatusBadRequest)
		return
	}
	if err := h.deps.Registry.DeactivateChannel(r.Context(), req.ChannelID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAdminChannelPrefix updates a channel's command prefix.
func (h *Handlers) HandleAdminChannelPrefix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ChannelID string `json:"channel_id"`
		Prefix    string `json:"prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		http.Error(w, "channel_id required", http.StatusBadRequest)
		return
	}
	if err := h.deps.Registry.SetPrefix(r.Context(), req.ChannelID, req.Prefix); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAdminCommands lists a channel's commands (GET ?channel_id=) or
// upserts one (POST).
func (h *Handlers) HandleAdminCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channelID := r.URL.Query().Get("channel_id")
		if channelID == "" {
			http.Error(w, "channel_id required", http.StatusBadRequest)
			return
		}
		cmds, err := h.deps.Catalog.ListCommands(r.Context(), channelID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, cmds)
	case http.MethodPost:
		var req struct {
			ChannelID       string `json:"channel_id"`
			Name            string `json:"name"`
			Response        string `json:"response"`
			CooldownSeconds int    `json:"cooldown_seconds"`
			Permission      string `json:"permission"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" || req.Name == "" || req.Response == "" {
			http.Error(w, "channel_id, name and response required", http.StatusBadRequest)
			return
		}
		err := h.deps.Catalog.UpsertCommand(r.Context(), req.ChannelID, req.Name, req.Response,
			time.Duration(req.CooldownSeconds)*time.Second, catalog.ParseLevel(req.Permission))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAdminCommandDeactivate soft-deletes a command.
func (h *Handlers) HandleAdminCommandDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ChannelID string `json:"channel_id"`
		Name      string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" || req.Name == "" {
		http.Error(w, "channel_id and name required", http.StatusBadRequest)
		return
	}
	removed, err := h.deps.Catalog.DeactivateCommand(r.Context(), req.ChannelID, req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "command not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleRedemptionWebhook accepts a channel-point redemption event asking the
// bot to join a channel.
func (h *Handlers) HandleRedemptionWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ChannelID     string `json:"channel_id"`
		RequesterName string `json:"requester_name"`
		TargetChannel string `json:"target_channel"`
		Cost          int    `json:"cost"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetChannel == "" {
		http.Error(w, "target_channel required", http.StatusBadRequest)
		return
	}
	outcome, err := h.deps.Redemptions.HandleJoinRequest(r.Context(), redemption.Request{
		ChannelID:     req.ChannelID,
		RequesterName: req.RequesterName,
		TargetChannel: req.TargetChannel,
		Cost:          req.Cost,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"outcome": string(outcome), "error": err.Error()})
		return
	}
	status := http.StatusOK
	if outcome == redemption.OutcomeNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"outcome": string(outcome)})
}
