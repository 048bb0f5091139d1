// Package server exposes the HTTP API: OAuth account onboarding, health and
// status probes, metrics, the redemption webhook, and admin channel/command
// management. Permissive CORS in dev; correlation IDs are injected into every
// request context for consistent logging.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/streambot/catalog"
	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/redemption"
	"github.com/onnwee/streambot/registry"
)

// maxOAuthStates bounds the in-memory state store.
const maxOAuthStates = 10000

// WorkerReporter exposes a snapshot of channel worker states for /status.
type WorkerReporter interface {
	WorkerStates() map[string]string
}

// Deps are the collaborators the HTTP handlers need.
type Deps struct {
	DB          *sql.DB
	Cfg         *config.Config
	Registry    *registry.Registry
	Catalog     *catalog.Catalog
	Redemptions *redemption.Handler
	Workers     WorkerReporter
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
	ctx  context.Context

	stateMu    sync.RWMutex
	stateStore map[string]time.Time
}

// NewHandlers creates a Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
	}
}

// addOAuthState registers a pending OAuth state, pruning expired entries so
// the store can't grow without bound.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		now := time.Now()
		for s, exp := range h.stateStore {
			if now.After(exp) {
				delete(h.stateStore, s)
			}
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		// Refuse rather than grow unbounded; the flow fails closed.
		return
	}
	h.stateStore[state] = expiry
}

// takeOAuthState consumes a state, returning false when unknown or expired.
func (h *Handlers) takeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
