package oauth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/streambot/db"
)

func TestStartRefresherRefreshesExpiringAccounts(t *testing.T) {
	store := newFakeStore()
	store.put(db.AccountToken{
		AccountID: "soon", AccessToken: "stale", RefreshToken: "ref",
		ExpiresAt: time.Now().Add(time.Minute),
	})
	store.put(db.AccountToken{
		AccountID: "later", AccessToken: "fine", RefreshToken: "ref",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})

	var calls atomic.Int32
	m := NewManager(store, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		calls.Add(1)
		return "fresh", "ref2", time.Now().Add(time.Hour), "", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartRefresher(ctx, 10*time.Millisecond, 15*time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() < 1 {
		t.Fatal("refresher never refreshed the expiring account")
	}

	// Only the expiring account was touched; the refreshed pair is stored.
	tok, err := store.Get(ctx, "soon")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "fresh" {
		t.Errorf("refreshed token not persisted: %q", tok.AccessToken)
	}
	tok, _ = store.Get(ctx, "later")
	if tok.AccessToken != "fine" {
		t.Errorf("non-expiring account touched: %q", tok.AccessToken)
	}
}
