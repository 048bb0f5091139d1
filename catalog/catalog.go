// Package catalog serves per-channel custom command definitions with a short
// read cache. Lookups are case-insensitive; writes invalidate the channel's
// cache entry so chat reflects edits immediately in-process.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Level is the minimum role required to invoke a command.
type Level int

const (
	Everyone Level = iota
	Subscriber
	Moderator
	Owner
)

// String returns the canonical storage form.
func (l Level) String() string {
	switch l {
	case Subscriber:
		return "subscriber"
	case Moderator:
		return "moderator"
	case Owner:
		return "owner"
	default:
		return "everyone"
	}
}

// ParseLevel maps a stored permission string to a Level. Unknown values fall
// back to Everyone. "mod" is accepted for rows written by older tooling.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "subscriber", "sub":
		return Subscriber
	case "moderator", "mod":
		return Moderator
	case "owner", "broadcaster":
		return Owner
	default:
		return Everyone
	}
}

// Command is a channel-scoped chat command definition.
type Command struct {
	ID         int64
	ChannelID  string
	Name       string
	Response   string
	Cooldown   time.Duration
	Permission Level
	Active     bool
	UsageCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type channelEntry struct {
	commands map[string]Command // keyed by lowercase name
	loadedAt time.Time
}

// Catalog is the cached command store for all channels.
type Catalog struct {
	db  *sql.DB
	ttl time.Duration

	mu       sync.RWMutex
	channels map[string]*channelEntry
}

// New creates a Catalog with the given cache TTL.
func New(db *sql.DB, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{db: db, ttl: ttl, channels: make(map[string]*channelEntry)}
}

// GetCommand returns the active command with the given name (case-insensitive)
// for the channel, or ok=false when none exists.
func (c *Catalog) GetCommand(ctx context.Context, channelID, name string) (Command, bool, error) {
	key := strings.ToLower(name)

	c.mu.RLock()
	entry, ok := c.channels[channelID]
	if ok && time.Since(entry.loadedAt) < c.ttl {
		cmd, found := entry.commands[key]
		c.mu.RUnlock()
		return cmd, found, nil
	}
	c.mu.RUnlock()

	entry, err := c.load(ctx, channelID)
	if err != nil {
		return Command{}, false, err
	}
	cmd, found := entry.commands[key]
	return cmd, found, nil
}

// ListCommands returns all active commands for a channel.
func (c *Catalog) ListCommands(ctx context.Context, channelID string) ([]Command, error) {
	c.mu.RLock()
	entry, ok := c.channels[channelID]
	if !ok || time.Since(entry.loadedAt) >= c.ttl {
		c.mu.RUnlock()
		var err error
		entry, err = c.load(ctx, channelID)
		if err != nil {
			return nil, err
		}
	} else {
		c.mu.RUnlock()
	}
	out := make([]Command, 0, len(entry.commands))
	for _, cmd := range entry.commands {
		out = append(out, cmd)
	}
	return out, nil
}

func (c *Catalog) load(ctx context.Context, channelID string) (*channelEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, channel_id, command_name, response_text, cooldown_seconds, user_level, is_active, usage_count, created_at, updated_at
		 FROM custom_commands WHERE channel_id=$1 AND is_active=TRUE`, channelID)
	if err != nil {
		return nil, fmt.Errorf("load commands: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	entry := &channelEntry{commands: make(map[string]Command), loadedAt: time.Now()}
	for rows.Next() {
		var cmd Command
		var cooldownSec int
		var perm string
		var created, updated sql.NullTime
		if err := rows.Scan(&cmd.ID, &cmd.ChannelID, &cmd.Name, &cmd.Response, &cooldownSec, &perm, &cmd.Active, &cmd.UsageCount, &created, &updated); err != nil {
			return nil, err
		}
		cmd.Cooldown = time.Duration(cooldownSec) * time.Second
		cmd.Permission = ParseLevel(perm)
		cmd.CreatedAt = created.Time
		cmd.UpdatedAt = updated.Time
		entry.commands[strings.ToLower(cmd.Name)] = cmd
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.channels[channelID] = entry
	c.mu.Unlock()
	return entry, nil
}

// UpsertCommand creates or replaces a command definition. Names are stored
// lowercase so lookups stay case-insensitive at the unique index.
func (c *Catalog) UpsertCommand(ctx context.Context, channelID, name, response string, cooldown time.Duration, perm Level) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("command name required")
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO custom_commands (channel_id, command_name, response_text, cooldown_seconds, user_level)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (channel_id, command_name) DO UPDATE SET
		   response_text=EXCLUDED.response_text, cooldown_seconds=EXCLUDED.cooldown_seconds,
		   user_level=EXCLUDED.user_level, is_active=TRUE, updated_at=NOW()`,
		channelID, name, response, int(cooldown.Seconds()), perm.String()); err != nil {
		return fmt.Errorf("upsert command: %w", err)
	}
	c.Invalidate(channelID)
	return nil
}

// DeactivateCommand soft-deletes a command. Returns false when no active
// command with that name existed.
func (c *Catalog) DeactivateCommand(ctx context.Context, channelID, name string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE custom_commands SET is_active=FALSE, updated_at=NOW()
		 WHERE channel_id=$1 AND LOWER(command_name)=LOWER($2) AND is_active=TRUE`,
		channelID, name)
	if err != nil {
		return false, fmt.Errorf("deactivate command: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.Invalidate(channelID)
	}
	return n > 0, nil
}

// IncrementUsage bumps the usage counter after a successful dispatch and
// returns the new count for {count} template substitution.
func (c *Catalog) IncrementUsage(ctx context.Context, channelID, name string) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		`UPDATE custom_commands SET usage_count=usage_count+1
		 WHERE channel_id=$1 AND LOWER(command_name)=LOWER($2) AND is_active=TRUE
		 RETURNING usage_count`,
		channelID, name).Scan(&count)
	if err == sql.ErrNoRows {
		// Deactivated between lookup and increment; let the caller fall back
		// to its cached count rather than render a zero.
		return 0, fmt.Errorf("increment usage: no active command %q in channel %s", name, channelID)
	}
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return count, nil
}

// Invalidate drops the cached entry for one channel.
func (c *Catalog) Invalidate(channelID string) {
	c.mu.Lock()
	delete(c.channels, channelID)
	c.mu.Unlock()
}
