package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streambot/registry"
	"github.com/onnwee/streambot/telemetry"
)

// ChannelSource is the registry surface the supervisor needs: the desired
// channel set plus the exclusive-lease operations that keep two instances
// from running the same channel.
type ChannelSource interface {
	ListActiveChannels(ctx context.Context) ([]registry.Channel, error)
	AcquireLease(ctx context.Context, channelID, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, channelID, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, channelID, holder string) error
}

// Supervisor reconciles the running worker set against the registry on a
// fixed interval: start workers for newly active channels, stop workers for
// deactivated ones, and restart suspended workers (their backoff already
// delayed them; the registry still wants the channel running).
type Supervisor struct {
	deps     Deps
	channels ChannelSource
	holder   string

	Interval time.Duration
	LeaseTTL time.Duration

	mu      sync.Mutex
	workers map[string]*Worker // keyed by channel id
}

// NewSupervisor creates a supervisor with a unique holder id for leases.
func NewSupervisor(deps Deps, channels ChannelSource, interval, leaseTTL time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	return &Supervisor{
		deps:     deps,
		channels: channels,
		holder:   uuid.NewString(),
		Interval: interval,
		LeaseTTL: leaseTTL,
		workers:  make(map[string]*Worker),
	}
}

// Run blocks, reconciling until ctx is canceled, then stops all workers and
// releases their leases.
func (s *Supervisor) Run(ctx context.Context) {
	slog.Info("dispatch supervisor started",
		slog.String("holder", s.holder), slog.Duration("interval", s.Interval))
	s.reconcile(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	desired, err := s.channels.ListActiveChannels(ctx)
	if err != nil {
		slog.Warn("reconcile: list active channels failed", slog.Any("err", err))
		return
	}
	want := make(map[string]registry.Channel, len(desired))
	for _, ch := range desired {
		want[ch.ID] = ch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop workers for channels no longer active.
	for id, w := range s.workers {
		if _, ok := want[id]; !ok {
			slog.Info("stopping worker for deactivated channel", slog.String("channel_id", id))
			go func(id string, w *Worker) {
				w.Stop()
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := s.channels.ReleaseLease(rctx, id, s.holder); err != nil {
					slog.Warn("release lease failed", slog.String("channel_id", id), slog.Any("err", err))
				}
			}(id, w)
			delete(s.workers, id)
		}
	}

	// Start (or restart) workers for active channels we can lease.
	running := 0
	for id, ch := range want {
		w, exists := s.workers[id]
		if exists {
			switch w.State() {
			case Stopped:
				// Suspended (credential or repeated connect failures); retry.
				if ok, err := s.channels.RenewLease(ctx, id, s.holder, s.LeaseTTL); err != nil || !ok {
					if err != nil {
						slog.Warn("renew lease failed", slog.String("channel_id", id), slog.Any("err", err))
					}
					delete(s.workers, id)
					continue
				}
				w.Start(ctx)
				running++
			default:
				if ok, err := s.channels.RenewLease(ctx, id, s.holder, s.LeaseTTL); err != nil || !ok {
					if err == nil {
						slog.Warn("lease lost; stopping worker", slog.String("channel_id", id))
					} else {
						slog.Warn("renew lease failed", slog.String("channel_id", id), slog.Any("err", err))
					}
					go w.Stop()
					delete(s.workers, id)
					continue
				}
				running++
			}
			continue
		}

		ok, err := s.channels.AcquireLease(ctx, id, s.holder, s.LeaseTTL)
		if err != nil {
			slog.Warn("acquire lease failed", slog.String("channel_id", id), slog.Any("err", err))
			continue
		}
		if !ok {
			// Another instance runs this channel.
			continue
		}
		w = NewWorker(s.deps, ch)
		s.workers[id] = w
		w.Start(ctx)
		running++
		slog.Info("started worker", slog.String("channel", ch.Name))
	}
	telemetry.SetActiveWorkers(running)
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]*Worker)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, w := range workers {
		wg.Add(1)
		go func(id string, w *Worker) {
			defer wg.Done()
			w.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.channels.ReleaseLease(ctx, id, s.holder); err != nil {
				slog.Warn("release lease failed", slog.String("channel_id", id), slog.Any("err", err))
			}
		}(id, w)
	}
	wg.Wait()
	telemetry.SetActiveWorkers(0)
	slog.Info("dispatch supervisor stopped")
}

// WorkerStates returns a snapshot of channel id -> state, for the status
// endpoint.
func (s *Supervisor) WorkerStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.workers))
	for id, w := range s.workers {
		out[id] = w.State().String()
	}
	return out
}
