package cooldown

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryConsumeWindow(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	base := time.Now()

	ok, err := l.TryConsume(ctx, "chan1", "user1", "hello", 30*time.Second, base)
	if err != nil || !ok {
		t.Fatalf("first use: ok=%v err=%v", ok, err)
	}
	ok, err = l.TryConsume(ctx, "chan1", "user1", "hello", 30*time.Second, base.Add(10*time.Second))
	if err != nil || ok {
		t.Fatalf("inside window: ok=%v err=%v", ok, err)
	}
	ok, err = l.TryConsume(ctx, "chan1", "user1", "hello", 30*time.Second, base.Add(31*time.Second))
	if err != nil || !ok {
		t.Fatalf("after window: ok=%v err=%v", ok, err)
	}
}

func TestTryConsumeKeyIsolation(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	now := time.Now()

	if ok, _ := l.TryConsume(ctx, "chan1", "user1", "hello", time.Minute, now); !ok {
		t.Fatal("first use rejected")
	}
	// Different user, command, and channel each get their own window.
	if ok, _ := l.TryConsume(ctx, "chan1", "user2", "hello", time.Minute, now); !ok {
		t.Error("other user blocked")
	}
	if ok, _ := l.TryConsume(ctx, "chan1", "user1", "lurk", time.Minute, now); !ok {
		t.Error("other command blocked")
	}
	if ok, _ := l.TryConsume(ctx, "chan2", "user1", "hello", time.Minute, now); !ok {
		t.Error("other channel blocked")
	}
}

func TestTryConsumeZeroCooldown(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		if ok, err := l.TryConsume(ctx, "c", "u", "spam", 0, now); err != nil || !ok {
			t.Fatalf("zero cooldown iteration %d: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestTryConsumeConcurrentSingleWinner(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	now := time.Now()

	const n = 50
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryConsume(ctx, "chan1", "user1", "hello", time.Minute, now)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 1 {
		t.Errorf("expected exactly 1 winner, got %d", got)
	}
}

func TestRemaining(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	base := time.Now()

	if _, err := l.TryConsume(ctx, "c", "u", "hello", 30*time.Second, base); err != nil {
		t.Fatalf("consume: %v", err)
	}
	rem := l.Remaining("c", "u", "hello", 30*time.Second, base.Add(10*time.Second))
	if rem != 20*time.Second {
		t.Errorf("remaining: got %v want 20s", rem)
	}
	if rem := l.Remaining("c", "u", "hello", 30*time.Second, base.Add(time.Minute)); rem != 0 {
		t.Errorf("expired window remaining: got %v", rem)
	}
	if rem := l.Remaining("c", "u", "never-used", 30*time.Second, base); rem != 0 {
		t.Errorf("unused key remaining: got %v", rem)
	}
}

func TestPrune(t *testing.T) {
	l := NewLedger(nil)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	if _, err := l.TryConsume(ctx, "c", "u", "stale", time.Minute, old); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := l.TryConsume(ctx, "c", "u", "live", time.Minute, time.Now()); err != nil {
		t.Fatalf("consume: %v", err)
	}

	l.prune(time.Now().Add(-time.Hour))

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) != 1 {
		t.Errorf("expected 1 surviving entry, got %d", len(l.entries))
	}
	if _, ok := l.entries[key("c", "u", "live")]; !ok {
		t.Error("live entry was pruned")
	}
}
