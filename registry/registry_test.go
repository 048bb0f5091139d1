package registry

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/streambot/testutil"
)

func TestAddChannelIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.CleanTables(t, database, "channel_settings", "channels")
	ctx := context.Background()

	r := New(database, time.Minute)

	added, err := r.AddChannel(ctx, "100", "somestreamer", "admin")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added {
		t.Error("first add should report new")
	}

	added, err = r.AddChannel(ctx, "100", "somestreamer", "viewer42")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if added {
		t.Error("second add should report already active")
	}

	channels, err := r.ListActiveChannels(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != "100" {
		t.Errorf("unexpected channel set: %+v", channels)
	}
}

func TestDeactivateAndReactivate(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.CleanTables(t, database, "channel_settings", "channels")
	ctx := context.Background()

	r := New(database, time.Minute)
	if _, err := r.AddChannel(ctx, "100", "somestreamer", "admin"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeactivateChannel(ctx, "100"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	channels, err := r.ListActiveChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 0 {
		t.Errorf("deactivated channel still active: %+v", channels)
	}
	if mon, _ := r.IsMonitored(ctx, "100"); mon {
		t.Error("deactivated channel reported monitored")
	}

	// Re-adding reactivates the existing row.
	added, err := r.AddChannel(ctx, "100", "somestreamer", "viewer")
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("reactivation should report added")
	}
	if mon, _ := r.IsMonitored(ctx, "100"); !mon {
		t.Error("reactivated channel not monitored")
	}
}

func TestSettingsDefaultAndPrefix(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.CleanTables(t, database, "channel_settings", "channels")
	ctx := context.Background()

	r := New(database, time.Minute)

	// No settings row: defaults apply.
	s, err := r.GetSettings(ctx, "999")
	if err != nil {
		t.Fatalf("get default settings: %v", err)
	}
	if s.Prefix != DefaultPrefix {
		t.Errorf("default prefix: got %q", s.Prefix)
	}

	if _, err := r.AddChannel(ctx, "100", "somestreamer", "admin"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPrefix(ctx, "100", "~"); err != nil {
		t.Fatalf("set prefix: %v", err)
	}
	s, err = r.GetSettings(ctx, "100")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if s.Prefix != "~" {
		t.Errorf("prefix: got %q want ~", s.Prefix)
	}

	// Empty prefix falls back to the default.
	if err := r.SetPrefix(ctx, "100", ""); err != nil {
		t.Fatal(err)
	}
	s, _ = r.GetSettings(ctx, "100")
	if s.Prefix != DefaultPrefix {
		t.Errorf("empty prefix: got %q", s.Prefix)
	}
}

func TestLeases(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.CleanTables(t, database, "channel_leases", "channel_settings", "channels")
	ctx := context.Background()

	r := New(database, time.Minute)

	ok, err := r.AcquireLease(ctx, "100", "holder-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("initial acquire: ok=%v err=%v", ok, err)
	}
	// A second holder can't take a live lease.
	ok, err = r.AcquireLease(ctx, "100", "holder-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("competing acquire succeeded on live lease")
	}
	// The current holder can re-acquire and renew.
	if ok, _ := r.AcquireLease(ctx, "100", "holder-a", time.Minute); !ok {
		t.Error("holder re-acquire failed")
	}
	if ok, _ := r.RenewLease(ctx, "100", "holder-a", time.Minute); !ok {
		t.Error("renew failed for holder")
	}
	if ok, _ := r.RenewLease(ctx, "100", "holder-b", time.Minute); ok {
		t.Error("renew succeeded for non-holder")
	}

	// Release frees the lease for the next holder.
	if err := r.ReleaseLease(ctx, "100", "holder-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := r.AcquireLease(ctx, "100", "holder-b", time.Minute); !ok {
		t.Error("acquire after release failed")
	}
}

func TestExpiredLeaseTakeover(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.CleanTables(t, database, "channel_leases")
	ctx := context.Background()

	r := New(database, time.Minute)
	// A lease that is already expired.
	if _, err := database.ExecContext(ctx,
		`INSERT INTO channel_leases (channel_id, holder, expires_at) VALUES ('100','dead-holder',NOW() - interval '1 minute')`); err != nil {
		t.Fatal(err)
	}
	ok, err := r.AcquireLease(ctx, "100", "holder-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("takeover of expired lease failed")
	}
}
