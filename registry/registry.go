// Package registry is the durable set of monitored channels with per-channel
// settings and exclusive worker leases. It is a read-mostly cache over the
// channels/channel_settings tables, refreshed on explicit mutation and by TTL
// so out-of-process edits are picked up within a bounded delay.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPrefix is the command prefix used when a channel has no settings row.
const DefaultPrefix = "!"

// Channel is a monitored chat room.
type Channel struct {
	ID        string
	Name      string
	Active    bool
	AddedBy   string
	CreatedAt time.Time
}

// Settings is the 1:1 extension of a channel.
type Settings struct {
	Prefix string
	Extra  map[string]any
}

// DefaultSettings returns the settings used for channels without a row.
func DefaultSettings() Settings {
	return Settings{Prefix: DefaultPrefix, Extra: map[string]any{}}
}

// Registry caches the active-channel set and per-channel settings.
type Registry struct {
	db  *sql.DB
	ttl time.Duration

	mu         sync.RWMutex
	active     []Channel
	activeAt   time.Time
	settings   map[string]Settings
	settingsAt map[string]time.Time
}

// New creates a Registry with the given cache TTL.
func New(db *sql.DB, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		db:         db,
		ttl:        ttl,
		settings:   make(map[string]Settings),
		settingsAt: make(map[string]time.Time),
	}
}

// ListActiveChannels returns the active channel set, served from cache inside
// the TTL window.
func (r *Registry) ListActiveChannels(ctx context.Context) ([]Channel, error) {
	r.mu.RLock()
	if time.Since(r.activeAt) < r.ttl && r.active != nil {
		out := make([]Channel, len(r.active))
		copy(out, r.active)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT channel_id, channel_name, is_active, COALESCE(added_by,''), created_at FROM channels WHERE is_active=TRUE ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var chans []Channel
	for rows.Next() {
		var c Channel
		var created sql.NullTime
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &c.AddedBy, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = created.Time
		chans = append(chans, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.active = chans
	r.activeAt = time.Now()
	r.mu.Unlock()

	out := make([]Channel, len(chans))
	copy(out, chans)
	return out, nil
}

// IsMonitored reports whether the channel is currently active. It always hits
// the store so redemption checks see the latest state.
func (r *Registry) IsMonitored(ctx context.Context, channelID string) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx, `SELECT is_active FROM channels WHERE channel_id=$1`, channelID).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

// AddChannel inserts (or reactivates) a monitored channel along with its
// default settings row. Returns false when the channel was already active.
func (r *Registry) AddChannel(ctx context.Context, channelID, channelName, addedBy string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (channel_id, channel_name, added_by) VALUES ($1,$2,$3)
		 ON CONFLICT (channel_id) DO UPDATE SET is_active=TRUE, channel_name=EXCLUDED.channel_name
		 WHERE channels.is_active=FALSE`,
		channelID, channelName, addedBy)
	if err != nil {
		return false, fmt.Errorf("add channel: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO channel_settings (channel_id) VALUES ($1) ON CONFLICT (channel_id) DO NOTHING`, channelID); err != nil {
		return false, fmt.Errorf("add channel settings: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("channel added", slog.String("channel", channelName), slog.String("added_by", addedBy))
		r.InvalidateAll()
	}
	return n > 0, nil
}

// DeactivateChannel toggles a channel inactive. Dispatch loops observe the
// change on the next reconcile pass; rows are never deleted.
func (r *Registry) DeactivateChannel(ctx context.Context, channelID string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE channels SET is_active=FALSE WHERE channel_id=$1`, channelID); err != nil {
		return fmt.Errorf("deactivate channel: %w", err)
	}
	r.InvalidateAll()
	return nil
}

// GetSettings returns the channel's settings, or defaults when no row exists.
func (r *Registry) GetSettings(ctx context.Context, channelID string) (Settings, error) {
	r.mu.RLock()
	if s, ok := r.settings[channelID]; ok && time.Since(r.settingsAt[channelID]) < r.ttl {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	var prefix string
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT prefix, settings FROM channel_settings WHERE channel_id=$1`, channelID).Scan(&prefix, &raw)
	if err == sql.ErrNoRows {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	s := Settings{Prefix: prefix, Extra: map[string]any{}}
	if s.Prefix == "" {
		s.Prefix = DefaultPrefix
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.Extra); err != nil {
			slog.Warn("invalid settings json; using empty", slog.String("channel", channelID), slog.Any("err", err))
			s.Extra = map[string]any{}
		}
	}

	r.mu.Lock()
	r.settings[channelID] = s
	r.settingsAt[channelID] = time.Now()
	r.mu.Unlock()
	return s, nil
}

// SetPrefix updates a channel's command prefix.
func (r *Registry) SetPrefix(ctx context.Context, channelID, prefix string) error {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO channel_settings (channel_id, prefix, updated_at) VALUES ($1,$2,NOW())
		 ON CONFLICT (channel_id) DO UPDATE SET prefix=EXCLUDED.prefix, updated_at=NOW()`,
		channelID, prefix); err != nil {
		return fmt.Errorf("set prefix: %w", err)
	}
	r.Invalidate(channelID)
	return nil
}

// Invalidate drops the cached settings for one channel.
func (r *Registry) Invalidate(channelID string) {
	r.mu.Lock()
	delete(r.settings, channelID)
	delete(r.settingsAt, channelID)
	r.mu.Unlock()
}

// InvalidateAll drops the whole cache.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	r.active = nil
	r.activeAt = time.Time{}
	r.settings = make(map[string]Settings)
	r.settingsAt = make(map[string]time.Time)
	r.mu.Unlock()
}

// Lease operations ----------------------------------------------------------
//
// A channel may be run by at most one worker at a time, enforced with a
// conditional write on channel_leases. Acquire succeeds when no lease exists,
// the existing lease has expired, or the caller already holds it.

// AcquireLease attempts to take the exclusive worker lease for a channel.
func (r *Registry) AcquireLease(ctx context.Context, channelID, holder string, ttl time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO channel_leases (channel_id, holder, expires_at) VALUES ($1,$2,NOW()+$3::interval)
		 ON CONFLICT (channel_id) DO UPDATE SET holder=EXCLUDED.holder, expires_at=EXCLUDED.expires_at
		 WHERE channel_leases.expires_at < NOW() OR channel_leases.holder=EXCLUDED.holder`,
		channelID, holder, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenewLease extends a held lease; returns false when the lease was lost.
func (r *Registry) RenewLease(ctx context.Context, channelID, holder string, ttl time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE channel_leases SET expires_at=NOW()+$3::interval WHERE channel_id=$1 AND holder=$2`,
		channelID, holder, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease drops the lease if still held by the caller.
func (r *Registry) ReleaseLease(ctx context.Context, channelID, holder string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM channel_leases WHERE channel_id=$1 AND holder=$2`, channelID, holder); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
