// Command govbox runs the governance engine behind the Slack Events webhook.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/govbox/pkg/api"
	"github.com/Mindburn-Labs/govbox/pkg/audit"
	"github.com/Mindburn-Labs/govbox/pkg/config"
	"github.com/Mindburn-Labs/govbox/pkg/executor"
	"github.com/Mindburn-Labs/govbox/pkg/governance"
	"github.com/Mindburn-Labs/govbox/pkg/ingest"
	"github.com/Mindburn-Labs/govbox/pkg/locks"
	"github.com/Mindburn-Labs/govbox/pkg/observability"
	"github.com/Mindburn-Labs/govbox/pkg/platform"
	"github.com/Mindburn-Labs/govbox/pkg/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("govbox", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "govbox: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("govbox stopped", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "govbox",
		ServiceVersion: observability.DefaultConfig().ServiceVersion,
		Environment:    envOr("GOVBOX_ENV", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}()

	db, st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var (
		locker     locks.Locker      = locks.NewKeyedMutex()
		deliveries api.DeliveryCache = api.NewMemoryDeliveryCache(time.Hour)
	)
	if rdb != nil {
		defer rdb.Close()
		locker = locks.NewRedisLocker(rdb, cfg.LockTTL)
		deliveries = api.NewRedisDeliveryCache(rdb, time.Hour)
	}

	adapter := platform.WithRetry(platform.NewSlackAdapter(platform.SlackConfig{
		BaseURL: cfg.Slack.APIBase,
		Timeout: cfg.PlatformTimeout,
		RPS:     cfg.Slack.RPS,
		Burst:   cfg.Slack.Burst,
	}, nil), cfg.Retry)

	ledger := audit.NewLedger()
	ledger.Subscribe(func(e *audit.Entry) {
		logger.Debug("audit entry", "type", e.Type, "subject", e.Subject, "action", e.Action, "hash", e.Hash)
	})

	ex := executor.New(st, adapter,
		executor.WithLedger(ledger),
		executor.WithObservability(obs),
		executor.WithTimeout(cfg.PlatformTimeout),
		executor.WithAnnouncementChannel(cfg.Slack.AnnouncementChannel),
	)
	ev, err := governance.NewEvaluator(
		governance.WithEvaluationTimeout(cfg.EvaluationTimeout),
		governance.WithEvaluatorObservability(obs),
	)
	if err != nil {
		return err
	}
	engine := governance.NewEngine(st, ev, ex,
		governance.WithLocker(locker),
		governance.WithLedger(ledger),
		governance.WithObservability(obs),
	)

	if err := seedCommunities(ctx, st, engine, cfg); err != nil {
		return fmt.Errorf("seed communities: %w", err)
	}

	in, err := ingest.New(st, engine)
	if err != nil {
		return err
	}
	if cfg.Slack.SigningSecret == "" {
		logger.Warn("SLACK_SIGNING_SECRET not set; Slack requests are not verified")
	}
	handler := api.NewServer(in, engine, st,
		api.WithSigningSecret(cfg.Slack.SigningSecret),
		api.WithDeliveryCache(deliveries),
	).Router()
	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("govbox listening", "addr", srv.Addr, "lite_mode", cfg.LiteMode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, *store.SQLStore, error) {
	if cfg.LiteMode() {
		return setupLiteMode(ctx, cfg.DataDir, logger)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}
	st := store.NewSQLStore(db, store.DialectPostgres)
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init postgres schema: %w", err)
	}
	logger.Info("postgres connected")
	return db, st, nil
}

// openRedis returns nil when no redis address is configured.
func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis enabled for proposal locks and event dedup", "addr", cfg.RedisAddr, "lock_ttl", cfg.LockTTL)
	return client, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
