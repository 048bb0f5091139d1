// Command streambot is the main entrypoint for the chat bot runtime.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the credential manager with its proactive refresher.
//   - Runs the dispatch supervisor, which keeps one chat worker per active
//     channel.
//   - Exposes an HTTP server with OAuth onboarding, /healthz, /status,
//     /metrics, the redemption webhook, and admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streambot/catalog"
	"github.com/onnwee/streambot/chat"
	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/db"
	"github.com/onnwee/streambot/dispatch"
	"github.com/onnwee/streambot/oauth"
	"github.com/onnwee/streambot/redemption"
	"github.com/onnwee/streambot/registry"
	"github.com/onnwee/streambot/server"
	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streambot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// without a schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.SetKV(ctx, database, "service_started_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("failed to record startup heartbeat", slog.Any("err", err))
	}

	// Credential manager over the accounts table, wired to the Twitch
	// refresh grant, plus a proactive refresher for soon-to-expire tokens.
	accounts := &db.AccountStore{DB: database}
	manager := oauth.NewManager(accounts, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	})
	manager.StartRefresher(ctx, 5*time.Minute, 15*time.Minute)

	reg := registry.New(database, cfg.CacheTTL)
	cat := catalog.New(database, cfg.CacheTTL)
	ledger := cooldown.NewLedger(database)
	ledger.StartJanitor(ctx, 10*time.Minute, time.Hour)

	// Helix client on an app token, for redemption target resolution.
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		ClientID:       cfg.TwitchClientID,
	}
	redemptions := &redemption.Handler{
		Recorder: &redemption.Recorder{DB: database},
		Registry: reg,
		Helix:    helix,
	}

	var sup *dispatch.Supervisor
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat disabled; channel workers not started", slog.Any("err", err))
	} else {
		deps := dispatch.Deps{
			Transport:        chat.NewIRCTransport(cfg.BotUsername),
			Commands:         cat,
			Settings:         reg,
			Cooldowns:        ledger,
			Credentials:      manager,
			BotAccountID:     cfg.BotAccountID,
			OwnerAccountID:   cfg.OwnerAccountID,
			NoticeOnCooldown: cfg.NoticeOnCooldown,
			NoticeOnDenied:   cfg.NoticeOnDenied,
		}
		sup = dispatch.NewSupervisor(deps, reg, cfg.ReconcileInterval, cfg.LeaseTTL)
		go sup.Run(ctx)
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	serverDeps := server.Deps{
		DB:          database,
		Cfg:         cfg,
		Registry:    reg,
		Catalog:     cat,
		Redemptions: redemptions,
	}
	if sup != nil {
		serverDeps.Workers = sup
	}
	go func() {
		if err := server.Start(ctx, serverDeps, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT (text | json).
func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
