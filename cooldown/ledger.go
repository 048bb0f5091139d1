// Package cooldown enforces per-(channel,user,command) rate limits with a
// single atomic check-and-consume. An in-memory tier absorbs the common case
// (a spamming user re-invoking inside the window) without touching the store;
// a conditional upsert on command_usage arbitrates the rest so concurrent
// workers and restarts agree on the window.
package cooldown

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// Ledger is safe for concurrent use. A nil *sql.DB gives a memory-only ledger
// (windows reset on restart).
type Ledger struct {
	db *sql.DB

	mu      sync.Mutex
	entries map[string]*entry
}

// NewLedger creates a Ledger backed by the given store.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, entries: make(map[string]*entry)}
}

func key(channelID, userID, command string) string {
	return channelID + "\x00" + userID + "\x00" + command
}

func (l *Ledger) entryFor(k string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[k]
	if !ok {
		e = &entry{}
		l.entries[k] = e
	}
	return e
}

// TryConsume atomically checks the cooldown window and, if clear, records the
// use at now. Returns true when the invocation is allowed. A cooldown of zero
// or less always allows and records nothing.
//
// Callers must treat a false result as terminal for this event: the window is
// only ever consumed, never rolled back, even if the subsequent send fails.
func (l *Ledger) TryConsume(ctx context.Context, channelID, userID, command string, cooldown time.Duration, now time.Time) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}

	k := key(channelID, userID, command)
	e := l.entryFor(k)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastUsed.IsZero() && now.Sub(e.lastUsed) < cooldown {
		return false, nil
	}

	if l.db == nil {
		e.lastUsed = now
		return true, nil
	}

	// Conditional upsert: the row only moves forward when the previous use is
	// at least one full window behind now. RowsAffected==0 means the window is
	// still open (e.g. consumed by another instance).
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO command_usage (channel_id, user_id, command_name, last_used)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (channel_id, user_id, command_name) DO UPDATE SET last_used=EXCLUDED.last_used
		 WHERE command_usage.last_used <= EXCLUDED.last_used - ($5 * interval '1 second')`,
		channelID, userID, command, now.UTC(), cooldown.Seconds())
	if err != nil {
		return false, fmt.Errorf("consume cooldown: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume cooldown: %w", err)
	}
	if n == 0 {
		// Learn the store's view so the memory tier rejects locally next time.
		var last time.Time
		if qErr := l.db.QueryRowContext(ctx,
			`SELECT last_used FROM command_usage WHERE channel_id=$1 AND user_id=$2 AND command_name=$3`,
			channelID, userID, command).Scan(&last); qErr == nil {
			e.lastUsed = last
		}
		return false, nil
	}
	e.lastUsed = now
	return true, nil
}

// Remaining reports how long until the key's window reopens, for notice
// messages. Zero means no wait. Memory-tier only; good enough for UX.
func (l *Ledger) Remaining(channelID, userID, command string, cooldown time.Duration, now time.Time) time.Duration {
	if cooldown <= 0 {
		return 0
	}
	e := l.entryFor(key(channelID, userID, command))
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastUsed.IsZero() {
		return 0
	}
	if rem := cooldown - now.Sub(e.lastUsed); rem > 0 {
		return rem
	}
	return 0
}

// StartJanitor launches a goroutine that periodically prunes memory-tier
// entries idle longer than maxIdle, bounding memory on busy instances.
func (l *Ledger) StartJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.prune(time.Now().Add(-maxIdle))
			}
		}
	}()
}

func (l *Ledger) prune(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if e.mu.TryLock() {
			stale := !e.lastUsed.After(cutoff)
			e.mu.Unlock()
			if stale {
				delete(l.entries, k)
			}
		}
	}
}
