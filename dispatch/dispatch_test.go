package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streambot/catalog"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/oauth"
	"github.com/onnwee/streambot/registry"
)

type fakeCommands struct {
	mu     sync.Mutex
	cmds   map[string]catalog.Command
	usage  map[string]int64
	err    error
	incErr error
}

func newFakeCommands(cmds ...catalog.Command) *fakeCommands {
	f := &fakeCommands{cmds: make(map[string]catalog.Command), usage: make(map[string]int64)}
	for _, c := range cmds {
		f.cmds[c.ChannelID+"/"+strings.ToLower(c.Name)] = c
	}
	return f
}

func (f *fakeCommands) GetCommand(ctx context.Context, channelID, name string) (catalog.Command, bool, error) {
	if f.err != nil {
		return catalog.Command{}, false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cmds[channelID+"/"+strings.ToLower(name)]
	return c, ok, nil
}

func (f *fakeCommands) IncrementUsage(ctx context.Context, channelID, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incErr != nil {
		return 0, f.incErr
	}
	key := channelID + "/" + strings.ToLower(name)
	f.usage[key]++
	return f.usage[key], nil
}

type fakeSettings struct {
	prefix string
	err    error
}

func (f *fakeSettings) GetSettings(ctx context.Context, channelID string) (registry.Settings, error) {
	if f.err != nil {
		return registry.Settings{}, f.err
	}
	p := f.prefix
	if p == "" {
		p = "!"
	}
	return registry.Settings{Prefix: p}, nil
}

type fakeLedger struct {
	mu    sync.Mutex
	allow bool
	err   error
	calls int
}

func (f *fakeLedger) TryConsume(ctx context.Context, channelID, userID, command string, cooldown time.Duration, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.allow, f.err
}

func (f *fakeLedger) Remaining(channelID, userID, command string, cooldown time.Duration, now time.Time) time.Duration {
	return 10 * time.Second
}

type fakeCreds struct {
	mu          sync.Mutex
	token       string
	err         error
	invalidated []string
}

func (f *fakeCreds) GetValidCredential(ctx context.Context, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.err
}

func (f *fakeCreds) Invalidate(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, accountID)
}

type sentRecorder struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (s *sentRecorder) send(ctx context.Context, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sentRecorder) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func testDeps(cmds *fakeCommands, ledger *fakeLedger) Deps {
	return Deps{
		Commands:    cmds,
		Settings:    &fakeSettings{},
		Cooldowns:   ledger,
		Credentials: &fakeCreds{token: "tok"},

		BotAccountID:   "bot-id",
		OwnerAccountID: "owner-id",
	}
}

func helloEvent() Event {
	return Event{
		ChannelID:   "chan1",
		ChannelName: "somestreamer",
		UserID:      "u1",
		UserName:    "viewer",
		Message:     "!hello",
		At:          time.Now(),
	}
}

func TestHandleEventDispatchesCommand(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{
		ChannelID: "chan1", Name: "hello",
		Response: "Hi {user}, welcome to {channel}! (x{count})",
		Cooldown: 30 * time.Second,
	})
	ledger := &fakeLedger{allow: true}
	w := NewWorker(testDeps(cmds, ledger), registry.Channel{ID: "chan1", Name: "somestreamer"})
	rec := &sentRecorder{}

	w.handleEvent(context.Background(), rec.send, helloEvent())

	sent := rec.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %v", sent)
	}
	want := "Hi viewer, welcome to somestreamer! (x1)"
	if sent[0] != want {
		t.Errorf("got %q want %q", sent[0], want)
	}
	if ledger.calls != 1 {
		t.Errorf("cooldown consumed %d times", ledger.calls)
	}
}

func TestHandleEventIgnoresNonCommand(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{ChannelID: "chan1", Name: "hello", Response: "hi"})
	ledger := &fakeLedger{allow: true}
	w := NewWorker(testDeps(cmds, ledger), registry.Channel{ID: "chan1"})
	rec := &sentRecorder{}

	for _, msg := range []string{"hello there", "", "!", "   ", "just chatting !hello"} {
		ev := helloEvent()
		ev.Message = msg
		w.handleEvent(context.Background(), rec.send, ev)
	}
	if len(rec.sent()) != 0 {
		t.Errorf("unexpected messages: %v", rec.sent())
	}
	if ledger.calls != 0 {
		t.Errorf("cooldown consulted for non-commands: %d", ledger.calls)
	}
}

func TestHandleEventUnknownCommandSilent(t *testing.T) {
	cmds := newFakeCommands()
	ledger := &fakeLedger{allow: true}
	w := NewWorker(testDeps(cmds, ledger), registry.Channel{ID: "chan1"})
	rec := &sentRecorder{}

	w.handleEvent(context.Background(), rec.send, helloEvent())
	if len(rec.sent()) != 0 {
		t.Errorf("unexpected messages: %v", rec.sent())
	}
}

func TestHandleEventPermissionDenied(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{
		ChannelID: "chan1", Name: "hello", Response: "hi", Permission: catalog.Moderator,
	})
	ledger := &fakeLedger{allow: true}
	w := NewWorker(testDeps(cmds, ledger), registry.Channel{ID: "chan1"})
	rec := &sentRecorder{}

	w.handleEvent(context.Background(), rec.send, helloEvent())
	if len(rec.sent()) != 0 {
		t.Errorf("denied command produced output: %v", rec.sent())
	}
	if ledger.calls != 0 {
		t.Error("cooldown consumed for denied invocation")
	}

	// Moderator badge passes the gate.
	ev := helloEvent()
	ev.Moderator = true
	w.handleEvent(context.Background(), rec.send, ev)
	if len(rec.sent()) != 1 {
		t.Errorf("moderator invocation blocked: %v", rec.sent())
	}
}

func TestHandleEventOwnerBypass(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{
		ChannelID: "chan1", Name: "hello", Response: "hi", Permission: catalog.Owner,
	})
	ledger := &fakeLedger{allow: true}
	w := NewWorker(testDeps(cmds, ledger), registry.Channel{ID: "chan1"})
	rec := &sentRecorder{}

	// The broadcaster and the configured owner both count as Owner.
	ev := helloEvent()
	ev.Broadcaster = true
	w.handleEvent(context.Background(), rec.send, ev)

	ev = helloEvent()
	ev.UserID = "owner-id"
	w.handleEvent(context.Background(), rec.send, ev)

	if len(rec.sent()) != 2 {
		t.Errorf("owner-level invocations: got %v", rec.sent())
	}
}

func TestHandleEventOnCooldownSilentByDefault(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{
		ChannelID: "chan1", Name: "hello", Response: "hi", Cooldown: 30 * time.Second,
	})
	ledger := &fakeLedger{allow: false}
	w := NewWorker(testDeps(cmds, ledger), registry.Channel{ID: "chan1"})
	rec := &sentRecorder{}

	w.handleEvent(context.Background(), rec.send, helloEvent())
	if len(rec.sent()) != 0 {
		t.Errorf("cooldown rejection produced output: %v", rec.sent())
	}
}

func TestHandleEventCooldownNotice(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{
		ChannelID: "chan1", Name: "hello", Response: "hi", Cooldown: 30 * time.Second,
	})
	ledger := &fakeLedger{allow: false}
	deps := testDeps(cmds, ledger)
	deps.NoticeOnCooldown = true
	w := NewWorker(deps, registry.Channel{ID: "chan1"})
	rec := &sentRecorder{}

	w.handleEvent(context.Background(), rec.send, helloEvent())
	sent := rec.sent()
	if len(sent) != 1 || !strings.Contains(sent[0], "cooldown") {
		t.Errorf("expected cooldown notice, got %v", sent)
	}
}

func TestHandleEventSendFailureDoesNotRollBack(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{
		ChannelID: "chan1", Name: "hello", Response: "hi", Cooldown: 30 * time.Second,
	})
	ledger := &fakeLedger{allow: true}
	w := NewWorker(testDeps(cmds, ledger), registry.Channel{ID: "chan1"})
	rec := &sentRecorder{err: fmt.Errorf("connection reset")}

	w.handleEvent(context.Background(), rec.send, helloEvent())
	if ledger.calls != 1 {
		t.Errorf("cooldown consume count: %d", ledger.calls)
	}
	// Usage already incremented; the window stays consumed.
	if cmds.usage["chan1/hello"] != 1 {
		t.Errorf("usage count: %d", cmds.usage["chan1/hello"])
	}
}

func TestHandleEventIncrementFailureUsesCachedCount(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{
		ChannelID: "chan1", Name: "hello", Response: "x{count}",
		Cooldown: 30 * time.Second, UsageCount: 41,
	})
	cmds.incErr = errors.New("no active command")
	ledger := &fakeLedger{allow: true}
	w := NewWorker(testDeps(cmds, ledger), registry.Channel{ID: "chan1"})
	rec := &sentRecorder{}

	// The command vanished between lookup and increment; the response still
	// goes out with the cached count advanced by one, never zero.
	w.handleEvent(context.Background(), rec.send, helloEvent())
	sent := rec.sent()
	if len(sent) != 1 || sent[0] != "x42" {
		t.Errorf("expected response with cached count, got %v", sent)
	}
}

func TestHandleEventCustomPrefix(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{ChannelID: "chan1", Name: "hello", Response: "hi"})
	ledger := &fakeLedger{allow: true}
	deps := testDeps(cmds, ledger)
	deps.Settings = &fakeSettings{prefix: "~"}
	w := NewWorker(deps, registry.Channel{ID: "chan1"})
	rec := &sentRecorder{}

	ev := helloEvent()
	ev.Message = "~hello"
	w.handleEvent(context.Background(), rec.send, ev)
	if len(rec.sent()) != 1 {
		t.Errorf("custom prefix not honored: %v", rec.sent())
	}

	// The default prefix no longer matches.
	ev.Message = "!hello"
	w.handleEvent(context.Background(), rec.send, ev)
	if len(rec.sent()) != 1 {
		t.Errorf("old prefix still matched: %v", rec.sent())
	}
}

// TestHelloCooldownScenario runs the full pipeline against the real in-memory
// ledger: a 5s cooldown command invoked at t=0, t=2 and t=6 answers twice and
// ignores the middle invocation.
func TestHelloCooldownScenario(t *testing.T) {
	cmds := newFakeCommands(catalog.Command{
		ChannelID: "chan1", Name: "hello",
		Response: "Hi {user}!",
		Cooldown: 5 * time.Second,
	})
	deps := testDeps(cmds, nil)
	deps.Cooldowns = cooldown.NewLedger(nil)
	w := NewWorker(deps, registry.Channel{ID: "chan1", Name: "somestreamer"})
	rec := &sentRecorder{}

	base := time.Now()
	send := func(offset time.Duration) {
		ev := helloEvent()
		ev.UserName = "alice"
		ev.At = base.Add(offset)
		w.handleEvent(context.Background(), rec.send, ev)
	}

	send(0)
	send(2 * time.Second)
	send(6 * time.Second)

	sent := rec.sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 responses, got %v", sent)
	}
	for i, msg := range sent {
		if msg != "Hi alice!" {
			t.Errorf("response %d: %q", i, msg)
		}
	}
	if cmds.usage["chan1/hello"] != 2 {
		t.Errorf("usage count: got %d want 2", cmds.usage["chan1/hello"])
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		msg, prefix string
		want        string
		ok          bool
	}{
		{"!hello", "!", "hello", true},
		{"!HELLO world", "!", "hello", true},
		{"  !hello  ", "!", "hello", true},
		{"~cmd", "~", "cmd", true},
		{"hello", "!", "", false},
		{"!", "!", "", false},
		{"! hello", "!", "hello", true},
		{"", "!", "", false},
		{"!hello", "", "", false},
	}
	for _, tc := range cases {
		got, ok := parseCommand(tc.msg, tc.prefix)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseCommand(%q, %q) = (%q, %v), want (%q, %v)", tc.msg, tc.prefix, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRenderTemplate(t *testing.T) {
	ev := Event{UserName: "viewer", ChannelName: "somestreamer"}
	now := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	got := RenderTemplate("{user}@{channel} n={count} t={time} d={date}", ev, 42, now)
	want := "viewer@somestreamer n=42 t=15:09:26 d=2025-03-14"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
	// No placeholders: returned unchanged.
	if got := RenderTemplate("plain text", ev, 0, now); got != "plain text" {
		t.Errorf("got %q", got)
	}
}

// Worker lifecycle -----------------------------------------------------------

type fakeConn struct {
	mu     sync.Mutex
	done   chan struct{}
	once   sync.Once
	err    error
	closed bool
	says   []string
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (c *fakeConn) Say(ctx context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.says = append(c.says, message)
	return nil
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.says...)
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}
func (c *fakeConn) dropWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
	dials   int
	onEvent func(Event)
}

func (t *fakeTransport) Dial(ctx context.Context, token, channel string, onEvent func(Event)) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	t.onEvent = onEvent
	return c, nil
}

// deliver pushes an inbound event through the most recent dial's callback.
func (t *fakeTransport) deliver(ev Event) {
	t.mu.Lock()
	fn := t.onEvent
	t.mu.Unlock()
	fn(ev)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerStartStop(t *testing.T) {
	tr := &fakeTransport{}
	deps := testDeps(newFakeCommands(), &fakeLedger{allow: true})
	deps.Transport = tr
	w := NewWorker(deps, registry.Channel{ID: "chan1", Name: "somestreamer"})

	if w.State() != Stopped {
		t.Fatalf("initial state: %v", w.State())
	}
	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return w.State() == Running })

	w.Stop()
	if w.State() != Stopped {
		t.Errorf("state after stop: %v", w.State())
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.conns) != 1 || !tr.conns[0].closed {
		t.Error("connection not closed on stop")
	}
}

// gatedLedger parks TryConsume until release is closed, holding a dispatch
// mid-pipeline.
type gatedLedger struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) TryConsume(ctx context.Context, channelID, userID, command string, cooldown time.Duration, now time.Time) (bool, error) {
	close(g.entered)
	<-g.release
	return true, nil
}

func (g *gatedLedger) Remaining(channelID, userID, command string, cooldown time.Duration, now time.Time) time.Duration {
	return 0
}

func TestWorkerStopWaitsForInFlightDispatch(t *testing.T) {
	tr := &fakeTransport{}
	cmds := newFakeCommands(catalog.Command{
		ChannelID: "chan1", Name: "hello", Response: "hi {user}", Cooldown: 30 * time.Second,
	})
	ledger := &gatedLedger{entered: make(chan struct{}), release: make(chan struct{})}
	deps := testDeps(cmds, nil)
	deps.Cooldowns = ledger
	deps.Transport = tr
	w := NewWorker(deps, registry.Channel{ID: "chan1", Name: "somestreamer"})

	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return w.State() == Running })

	go tr.deliver(helloEvent())
	<-ledger.entered

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a dispatch was mid-pipeline")
	case <-time.After(50 * time.Millisecond):
	}

	// Once released, the dispatch runs to completion: the window is consumed,
	// the counter moves and the response goes out before the connection closes.
	close(ledger.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the dispatch finished")
	}

	cmds.mu.Lock()
	usage := cmds.usage["chan1/hello"]
	cmds.mu.Unlock()
	if usage != 1 {
		t.Errorf("usage count: got %d want 1", usage)
	}
	tr.mu.Lock()
	conn := tr.conns[0]
	tr.mu.Unlock()
	if sent := conn.sent(); len(sent) != 1 || sent[0] != "hi viewer" {
		t.Errorf("sent messages: %v", sent)
	}
	if w.State() != Stopped {
		t.Errorf("state after stop: %v", w.State())
	}
}

func TestWorkerSuspendsAfterRepeatedFailures(t *testing.T) {
	tr := &fakeTransport{dialErr: errors.New("connection refused")}
	deps := testDeps(newFakeCommands(), &fakeLedger{allow: true})
	deps.Transport = tr
	deps.ReconnectBase = time.Millisecond
	w := NewWorker(deps, registry.Channel{ID: "chan1"})

	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return w.State() == Stopped })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.dials != 3 {
		t.Errorf("expected 3 dial attempts before suspend, got %d", tr.dials)
	}
}

func TestWorkerSuspendsOnCredentialUnavailable(t *testing.T) {
	tr := &fakeTransport{}
	deps := testDeps(newFakeCommands(), &fakeLedger{allow: true})
	deps.Transport = tr
	deps.Credentials = &fakeCreds{err: fmt.Errorf("%w: flagged", oauth.ErrCredentialUnavailable)}
	w := NewWorker(deps, registry.Channel{ID: "chan1"})

	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return w.State() == Stopped })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.dials != 0 {
		t.Errorf("dialed %d times without a credential", tr.dials)
	}
}

func TestWorkerReconnectsAfterDrop(t *testing.T) {
	tr := &fakeTransport{}
	deps := testDeps(newFakeCommands(), &fakeLedger{allow: true})
	deps.Transport = tr
	deps.ReconnectBase = time.Millisecond
	w := NewWorker(deps, registry.Channel{ID: "chan1"})

	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return w.State() == Running })

	tr.mu.Lock()
	first := tr.conns[0]
	tr.mu.Unlock()
	first.dropWith(errors.New("read: connection reset by peer"))

	waitFor(t, time.Second, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.dials >= 2 && w.State() == Running
	})
	w.Stop()
}

func TestWorkerAuthDropInvalidatesCredential(t *testing.T) {
	tr := &fakeTransport{}
	creds := &fakeCreds{token: "tok"}
	deps := testDeps(newFakeCommands(), &fakeLedger{allow: true})
	deps.Transport = tr
	deps.Credentials = creds
	deps.ReconnectBase = time.Millisecond
	w := NewWorker(deps, registry.Channel{ID: "chan1"})

	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return w.State() == Running })

	tr.mu.Lock()
	first := tr.conns[0]
	tr.mu.Unlock()
	first.dropWith(errors.New("login authentication failed"))

	waitFor(t, time.Second, func() bool {
		creds.mu.Lock()
		defer creds.mu.Unlock()
		return len(creds.invalidated) > 0
	})
	w.Stop()
}
