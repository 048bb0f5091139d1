// Package oauth keeps per-account Twitch credentials valid for long-lived chat
// connections. A Manager serves always-valid access tokens to channel workers,
// deduplicates concurrent refreshes per account (most providers invalidate the
// old refresh token on use), and classifies refresh failures as transient
// (retried with backoff) or permanent (account flagged for re-authorization).
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streambot/db"
	"github.com/onnwee/streambot/telemetry"
)

// ErrCredentialUnavailable means no usable credential exists for the account:
// either no record, or the refresh token was rejected and the account needs
// re-authorization. Channel workers must suspend the channel on this error.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// TokenStore is the durable credential store (implemented by db.AccountStore).
type TokenStore interface {
	Get(ctx context.Context, accountID string) (db.AccountToken, error)
	Upsert(ctx context.Context, accountID, login, access, refresh string, expiry time.Time, scope string) error
	MarkNeedsReauth(ctx context.Context, accountID string) error
	ListExpiringWithin(ctx context.Context, window time.Duration) ([]string, error)
}

// RefreshFunc performs the provider refresh grant and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// permanentError is satisfied by twitchapi.ProviderError.
type permanentError interface{ Permanent() bool }

func isPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe) && pe.Permanent()
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Manager owns all writes to account credentials.
type Manager struct {
	store   TokenStore
	refresh RefreshFunc

	// MaxAttempts bounds transient retries per refresh (default 3).
	MaxAttempts int
	// BaseBackoff is the initial transient-retry delay (default 500ms, doubled per attempt).
	BaseBackoff time.Duration
	// RefreshTimeout bounds each provider call (default 15s).
	RefreshTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*refreshCall
	forced   map[string]struct{} // accounts invalidated by a 401-equivalent transport signal
}

// NewManager creates a credential manager over the given store and refresh grant.
func NewManager(store TokenStore, refresh RefreshFunc) *Manager {
	return &Manager{
		store:          store,
		refresh:        refresh,
		MaxAttempts:    3,
		BaseBackoff:    500 * time.Millisecond,
		RefreshTimeout: 15 * time.Second,
		inflight:       make(map[string]*refreshCall),
		forced:         make(map[string]struct{}),
	}
}

// GetValidCredential returns an access token for the account that is expected
// to remain valid, refreshing first when the stored token is inside its expiry
// margin. Concurrent callers for the same account share a single refresh.
func (m *Manager) GetValidCredential(ctx context.Context, accountID string) (string, error) {
	tok, err := m.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			return "", fmt.Errorf("%w: no record for account %s", ErrCredentialUnavailable, accountID)
		}
		return "", fmt.Errorf("load credential: %w", err)
	}
	if tok.NeedsReauth {
		return "", fmt.Errorf("%w: account %s requires re-authorization", ErrCredentialUnavailable, accountID)
	}
	if tok.AccessToken != "" && !m.isForced(accountID) && fresh(tok, time.Now()) {
		return tok.AccessToken, nil
	}
	return m.refreshAccount(ctx, accountID)
}

// Invalidate marks the account's access token stale (e.g. after the transport
// reported an authentication failure) so the next request refreshes.
func (m *Manager) Invalidate(accountID string) {
	m.mu.Lock()
	m.forced[accountID] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) isForced(accountID string) bool {
	m.mu.Lock()
	_, ok := m.forced[accountID]
	m.mu.Unlock()
	return ok
}

// fresh reports whether the token is outside its refresh margin. The margin is
// 10% of the known lifetime, falling back to 5 minutes when the lifetime can't
// be estimated.
func fresh(tok db.AccountToken, now time.Time) bool {
	if tok.ExpiresAt.IsZero() {
		return false
	}
	margin := 5 * time.Minute
	if !tok.UpdatedAt.IsZero() {
		if lifetime := tok.ExpiresAt.Sub(tok.UpdatedAt); lifetime > 0 {
			margin = lifetime / 10
		}
	}
	return tok.ExpiresAt.Sub(now) > margin
}

// refreshAccount coalesces concurrent refreshes per account into one provider
// call whose result all waiters share.
func (m *Manager) refreshAccount(ctx context.Context, accountID string) (string, error) {
	m.mu.Lock()
	if c, ok := m.inflight[accountID]; ok {
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.token, c.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c := &refreshCall{done: make(chan struct{})}
	m.inflight[accountID] = c
	m.mu.Unlock()

	// The refresh outlives any single caller; a canceled waiter must not
	// abort the shared provider call mid-rotation.
	c.token, c.err = m.doRefresh(context.WithoutCancel(ctx), accountID)

	m.mu.Lock()
	delete(m.inflight, accountID)
	if c.err == nil {
		delete(m.forced, accountID)
	}
	m.mu.Unlock()
	close(c.done)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return c.token, c.err
}

func (m *Manager) doRefresh(ctx context.Context, accountID string) (string, error) {
	// Re-read under single-flight: another process may have rotated the pair
	// between the caller's staleness check and now.
	tok, err := m.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			return "", fmt.Errorf("%w: no record for account %s", ErrCredentialUnavailable, accountID)
		}
		return "", fmt.Errorf("load credential: %w", err)
	}
	if tok.NeedsReauth {
		return "", fmt.Errorf("%w: account %s requires re-authorization", ErrCredentialUnavailable, accountID)
	}
	if tok.RefreshToken == "" {
		if err := m.store.MarkNeedsReauth(ctx, accountID); err != nil {
			slog.Warn("mark needs reauth failed", slog.String("account", accountID), slog.Any("err", err))
		}
		return "", fmt.Errorf("%w: account %s has no refresh token", ErrCredentialUnavailable, accountID)
	}

	attempts := m.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := m.BaseBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		rctx, cancel := context.WithTimeout(ctx, m.RefreshTimeout)
		access, refresh, expiry, scope, err := m.refresh(rctx, tok.RefreshToken)
		cancel()
		if err == nil {
			if refresh == "" {
				refresh = tok.RefreshToken
			}
			if scope == "" {
				scope = tok.Scope
			}
			if err := m.store.Upsert(ctx, accountID, tok.Login, access, refresh, expiry, scope); err != nil {
				return "", fmt.Errorf("persist refreshed credential: %w", err)
			}
			telemetry.IncTokenRefresh(true)
			slog.Info("credential refreshed", slog.String("account", accountID))
			return access, nil
		}
		lastErr = err
		if isPermanent(err) {
			telemetry.IncTokenRefresh(false)
			if mErr := m.store.MarkNeedsReauth(ctx, accountID); mErr != nil {
				slog.Warn("mark needs reauth failed", slog.String("account", accountID), slog.Any("err", mErr))
			}
			slog.Error("refresh token rejected; account needs re-authorization", slog.String("account", accountID), slog.Any("err", err))
			return "", fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
		}
		telemetry.IncTokenRefresh(false)
		slog.Warn("transient refresh failure", slog.String("account", accountID), slog.Int("attempt", attempt+1), slog.Any("err", err))
	}
	return "", fmt.Errorf("refresh failed after %d attempts: %w", attempts, lastErr)
}
