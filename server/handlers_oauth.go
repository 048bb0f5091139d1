package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/streambot/db"
	"github.com/onnwee/streambot/twitchapi"
)

// HandleTwitchOAuthStart begins the authorization-code flow by redirecting to
// Twitch. Used to onboard the bot account and any broadcaster accounts.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Cfg
	if cfg.TwitchClientID == "" || cfg.TwitchRedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	authURL, err := twitchapi.BuildAuthorizeURL(cfg.TwitchClientID, cfg.TwitchRedirectURI, cfg.TwitchScopes, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, resolves the owning account
// via the validate endpoint, and stores the credential pair.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Cfg
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.takeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	res, err := twitchapi.ExchangeAuthCode(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, code, cfg.TwitchRedirectURI)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// The code grant doesn't say whose token this is; validate resolves the
	// account id and login.
	ident, err := twitchapi.ValidateToken(ctx, res.AccessToken)
	if err != nil {
		http.Error(w, "token validation failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := db.UpsertAccountToken(ctx, h.deps.DB, ident.UserID, ident.Login,
		res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn),
		strings.Join(res.Scope, " ")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("account authorized", slog.String("login", ident.Login), slog.String("account", ident.UserID))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"account_id": ident.UserID,
		"login":      ident.Login,
		"scopes":     res.Scope,
		"expires_in": res.ExpiresIn,
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
