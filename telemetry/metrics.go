// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CommandsDispatched  prometheus.Counter
	CommandsOnCooldown  prometheus.Counter
	CommandsDenied      prometheus.Counter
	CommandErrors       prometheus.Counter
	TokenRefreshOK      prometheus.Counter
	TokenRefreshFailed  prometheus.Counter
	TransportReconnects prometheus.Counter
	RedemptionsOK       prometheus.Counter
	RedemptionsFailed   prometheus.Counter

	// Histograms (seconds)
	DispatchDuration prometheus.Observer

	// Gauges
	ActiveWorkersGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_dispatched_total", Help: "Custom commands successfully dispatched"})
		CommandsOnCooldown = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_on_cooldown_total", Help: "Command invocations rejected by the cooldown ledger"})
		CommandsDenied = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_denied_total", Help: "Command invocations rejected by permission level"})
		CommandErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_command_errors_total", Help: "Command dispatch failures (store or transport errors)"})
		TokenRefreshOK = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_token_refresh_succeeded_total", Help: "Successful credential refreshes"})
		TokenRefreshFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_token_refresh_failed_total", Help: "Failed credential refresh attempts"})
		TransportReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_transport_reconnects_total", Help: "Chat transport reconnect attempts"})
		RedemptionsOK = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_redemptions_succeeded_total", Help: "Join-channel redemptions that added a channel"})
		RedemptionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_redemptions_failed_total", Help: "Join-channel redemptions that failed"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_dispatch_duration_seconds", Help: "Per-event dispatch duration seconds", Buckets: prometheus.DefBuckets})
		ActiveWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_active_workers", Help: "Currently running channel workers"})
	})
}

// IncTokenRefresh records a refresh outcome.
func IncTokenRefresh(ok bool) {
	if ok {
		if TokenRefreshOK != nil {
			TokenRefreshOK.Inc()
		}
	} else if TokenRefreshFailed != nil {
		TokenRefreshFailed.Inc()
	}
}

// IncDispatched records a successful command dispatch.
func IncDispatched() {
	if CommandsDispatched != nil {
		CommandsDispatched.Inc()
	}
}

// IncOnCooldown records a cooldown rejection.
func IncOnCooldown() {
	if CommandsOnCooldown != nil {
		CommandsOnCooldown.Inc()
	}
}

// IncDenied records a permission rejection.
func IncDenied() {
	if CommandsDenied != nil {
		CommandsDenied.Inc()
	}
}

// IncCommandError records a dispatch failure.
func IncCommandError() {
	if CommandErrors != nil {
		CommandErrors.Inc()
	}
}

// IncReconnect records a transport reconnect attempt.
func IncReconnect() {
	if TransportReconnects != nil {
		TransportReconnects.Inc()
	}
}

// IncRedemption records a redemption outcome.
func IncRedemption(success bool) {
	if success {
		if RedemptionsOK != nil {
			RedemptionsOK.Inc()
		}
	} else if RedemptionsFailed != nil {
		RedemptionsFailed.Inc()
	}
}

// SetActiveWorkers records the current channel worker count.
func SetActiveWorkers(n int) {
	if ActiveWorkersGauge != nil {
		ActiveWorkersGauge.Set(float64(n))
	}
}

// ObserveDispatch records a per-event dispatch duration.
func ObserveDispatch(d time.Duration) {
	if DispatchDuration != nil {
		DispatchDuration.Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
