// Package dispatch runs one worker per monitored channel. A worker owns its
// chat connection lifecycle (connect, reconnect with backoff, suspend) and
// processes inbound messages through the command pipeline: prefix match,
// catalog lookup, permission gate, cooldown consume, template render, send.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streambot/catalog"
	"github.com/onnwee/streambot/oauth"
	"github.com/onnwee/streambot/registry"
	"github.com/onnwee/streambot/telemetry"
)

// Event is an inbound chat message with sender attribution resolved by the
// transport.
type Event struct {
	ChannelID   string
	ChannelName string
	UserID      string
	UserName    string
	Message     string
	Moderator   bool
	Subscriber  bool
	Broadcaster bool
	At          time.Time
}

// Conn is a live chat connection joined to a single channel.
type Conn interface {
	// Say sends a message to the joined channel.
	Say(ctx context.Context, message string) error
	// Done is closed when the connection drops; Err reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Transport dials chat as the bot account and delivers inbound events for the
// given channel to onEvent until the connection drops or is closed.
type Transport interface {
	Dial(ctx context.Context, accessToken, channelName string, onEvent func(Event)) (Conn, error)
}

// CommandSource is the command catalog surface a worker needs.
type CommandSource interface {
	GetCommand(ctx context.Context, channelID, name string) (catalog.Command, bool, error)
	IncrementUsage(ctx context.Context, channelID, name string) (int64, error)
}

// SettingsSource resolves per-channel settings (prefix).
type SettingsSource interface {
	GetSettings(ctx context.Context, channelID string) (registry.Settings, error)
}

// CooldownLedger is the atomic check-and-consume gate.
type CooldownLedger interface {
	TryConsume(ctx context.Context, channelID, userID, command string, cooldown time.Duration, now time.Time) (bool, error)
	Remaining(channelID, userID, command string, cooldown time.Duration, now time.Time) time.Duration
}

// CredentialSource serves valid bot tokens (implemented by oauth.Manager).
type CredentialSource interface {
	GetValidCredential(ctx context.Context, accountID string) (string, error)
	Invalidate(accountID string)
}

// State is a worker's lifecycle phase.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Deps bundles the collaborators shared by all workers.
type Deps struct {
	Transport   Transport
	Commands    CommandSource
	Settings    SettingsSource
	Cooldowns   CooldownLedger
	Credentials CredentialSource

	BotAccountID   string
	OwnerAccountID string

	// Optional chat notices for rejected invocations (default off: silence
	// over spam in busy channels).
	NoticeOnCooldown bool
	NoticeOnDenied   bool

	// ReconnectBase is the initial reconnect delay (default 2s, doubled per
	// consecutive failure, capped at 1m).
	ReconnectBase time.Duration
	// MaxConsecutiveFailures suspends the worker (default 3).
	MaxConsecutiveFailures int
}

// Worker runs the connection and dispatch loop for one channel.
type Worker struct {
	deps    Deps
	channel registry.Channel

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	conn     Conn // current connection, nil while disconnected
	draining bool
	events   sync.WaitGroup
}

// NewWorker creates a stopped worker for the channel.
func NewWorker(deps Deps, ch registry.Channel) *Worker {
	if deps.ReconnectBase <= 0 {
		deps.ReconnectBase = 2 * time.Second
	}
	if deps.MaxConsecutiveFailures <= 0 {
		deps.MaxConsecutiveFailures = 3
	}
	return &Worker{deps: deps, channel: ch, state: Stopped}
}

// State returns the worker's current lifecycle phase.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start transitions Stopped -> Starting and launches the run loop. Starting a
// non-stopped worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.state != Stopped {
		w.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.state = Starting
	w.draining = false
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.run(runCtx)
		w.setState(Stopped)
	}()
}

// Stop transitions to Stopping and waits for the run loop to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state == Stopped || w.state == Stopping {
		done := w.done
		w.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	w.state = Stopping
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// run owns the connect/reconnect loop until ctx is canceled or failures
// exceed the cap.
func (w *Worker) run(ctx context.Context) {
	log := slog.With(slog.String("channel", w.channel.Name))
	failures := 0
	backoff := w.deps.ReconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		token, err := w.deps.Credentials.GetValidCredential(ctx, w.deps.BotAccountID)
		if err != nil {
			if errors.Is(err, oauth.ErrCredentialUnavailable) {
				log.Error("bot credential unavailable; suspending channel", slog.Any("err", err))
				return
			}
			log.Warn("credential fetch failed", slog.Any("err", err))
			failures++
		} else {
			conn, dialErr := w.deps.Transport.Dial(ctx, token, w.channel.Name, func(ev Event) {
				if !w.beginEvent() {
					return
				}
				defer w.events.Done()
				// The cooldown consume and usage increment must land
				// together even when Stop cancels mid-pipeline.
				w.handleEvent(context.WithoutCancel(ctx), w.say, ev)
			})
			if dialErr == nil {
				w.mu.Lock()
				w.conn = conn
				w.state = Running
				w.mu.Unlock()
				failures = 0
				backoff = w.deps.ReconnectBase
				log.Info("channel worker connected")

				select {
				case <-ctx.Done():
					// Let events already in the pipeline finish (and
					// send their response) before the connection goes.
					w.drainEvents()
					_ = conn.Close()
					w.clearConn()
					return
				case <-conn.Done():
					w.clearConn()
					if err := conn.Err(); err != nil {
						log.Warn("chat connection dropped", slog.Any("err", err))
						if isAuthError(err) {
							w.deps.Credentials.Invalidate(w.deps.BotAccountID)
						}
					}
				}
				w.setState(Starting)
				failures++
			} else {
				log.Warn("chat dial failed", slog.Any("err", dialErr))
				if isAuthError(dialErr) {
					w.deps.Credentials.Invalidate(w.deps.BotAccountID)
				}
				failures++
			}
		}

		if failures >= w.deps.MaxConsecutiveFailures {
			log.Error("too many consecutive connection failures; suspending channel",
				slog.Int("failures", failures))
			return
		}
		telemetry.IncReconnect()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func (w *Worker) clearConn() {
	w.mu.Lock()
	w.conn = nil
	w.mu.Unlock()
}

// beginEvent registers an in-flight event handler. It refuses new events once
// draining has begun so drainEvents cannot wait forever.
func (w *Worker) beginEvent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draining {
		return false
	}
	w.events.Add(1)
	return true
}

// drainEvents stops admitting new events and blocks until every handler
// already past beginEvent has returned.
func (w *Worker) drainEvents() {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.events.Wait()
}

// say sends on the current connection; handleEvent takes it as a sendFunc so
// tests can substitute a fake sender.
func (w *Worker) say(ctx context.Context, message string) error {
	w.mu.Lock()
	c := w.conn
	w.mu.Unlock()
	if c == nil {
		return fmt.Errorf("not connected")
	}
	return c.Say(ctx, message)
}

type sendFunc func(ctx context.Context, message string) error

// handleEvent runs the dispatch pipeline for one inbound message. Failures
// after the cooldown consume are logged and counted but never roll the window
// back.
func (w *Worker) handleEvent(ctx context.Context, send sendFunc, ev Event) {
	start := time.Now()
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("channel", ev.ChannelName), slog.String("user", ev.UserName))

	settings, err := w.deps.Settings.GetSettings(ctx, ev.ChannelID)
	if err != nil {
		log.Warn("settings lookup failed", slog.Any("err", err))
		telemetry.IncCommandError()
		return
	}
	name, ok := parseCommand(ev.Message, settings.Prefix)
	if !ok {
		return
	}

	cmd, found, err := w.deps.Commands.GetCommand(ctx, ev.ChannelID, name)
	if err != nil {
		log.Warn("command lookup failed", slog.String("command", name), slog.Any("err", err))
		telemetry.IncCommandError()
		return
	}
	if !found {
		return
	}

	if levelOf(ev, w.deps.OwnerAccountID) < cmd.Permission {
		telemetry.IncDenied()
		if w.deps.NoticeOnDenied {
			msg := fmt.Sprintf("@%s you don't have permission to use %s%s", ev.UserName, settings.Prefix, cmd.Name)
			if err := send(ctx, msg); err != nil {
				log.Warn("denied notice failed", slog.Any("err", err))
			}
		}
		return
	}

	allowed, err := w.deps.Cooldowns.TryConsume(ctx, ev.ChannelID, ev.UserID, cmd.Name, cmd.Cooldown, ev.At)
	if err != nil {
		log.Warn("cooldown check failed", slog.String("command", cmd.Name), slog.Any("err", err))
		telemetry.IncCommandError()
		return
	}
	if !allowed {
		telemetry.IncOnCooldown()
		if w.deps.NoticeOnCooldown {
			rem := w.deps.Cooldowns.Remaining(ev.ChannelID, ev.UserID, cmd.Name, cmd.Cooldown, time.Now())
			msg := fmt.Sprintf("@%s %s%s is on cooldown (%ds)", ev.UserName, settings.Prefix, cmd.Name, int(rem.Seconds())+1)
			if err := send(ctx, msg); err != nil {
				log.Warn("cooldown notice failed", slog.Any("err", err))
			}
		}
		return
	}

	count, err := w.deps.Commands.IncrementUsage(ctx, ev.ChannelID, cmd.Name)
	if err != nil {
		// The window is already consumed; still answer with the stale count.
		log.Warn("usage increment failed", slog.String("command", cmd.Name), slog.Any("err", err))
		count = cmd.UsageCount + 1
	}

	response := RenderTemplate(cmd.Response, ev, count, time.Now())
	if err := send(ctx, response); err != nil {
		log.Warn("command send failed", slog.String("command", cmd.Name), slog.Any("err", err))
		telemetry.IncCommandError()
		return
	}
	telemetry.IncDispatched()
	telemetry.ObserveDispatch(time.Since(start))
	log.Debug("command dispatched", slog.String("command", cmd.Name), slog.Int64("count", count))
}

// parseCommand extracts the command word from a prefixed message. The command
// is the first whitespace-delimited word after the prefix; anything following
// is ignored.
func parseCommand(message, prefix string) (string, bool) {
	msg := strings.TrimSpace(message)
	if prefix == "" || !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(msg, prefix)
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

// levelOf resolves the sender's effective permission level. The broadcaster
// and the configured bot owner both count as Owner.
func levelOf(ev Event, ownerAccountID string) catalog.Level {
	switch {
	case ev.Broadcaster || (ownerAccountID != "" && ev.UserID == ownerAccountID):
		return catalog.Owner
	case ev.Moderator:
		return catalog.Moderator
	case ev.Subscriber:
		return catalog.Subscriber
	default:
		return catalog.Everyone
	}
}

// RenderTemplate substitutes the supported placeholders in a command response.
func RenderTemplate(tmpl string, ev Event, count int64, now time.Time) string {
	r := strings.NewReplacer(
		"{user}", ev.UserName,
		"{channel}", ev.ChannelName,
		"{count}", fmt.Sprintf("%d", count),
		"{time}", now.Format("15:04:05"),
		"{date}", now.Format("2006-01-02"),
	)
	return r.Replace(tmpl)
}

// isAuthError sniffs transport errors for authentication failures that should
// force a credential refresh rather than a plain reconnect.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "authentication failed") || strings.Contains(s, "login") && strings.Contains(s, "unsuccessful")
}
