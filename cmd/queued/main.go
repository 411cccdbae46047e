// Command queued runs the generation job queue: HTTP API, dispatcher,
// and SSE stream gateway in one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/daleheenan/startup-sub012/internal/bus"
	"github.com/daleheenan/startup-sub012/internal/config"
	"github.com/daleheenan/startup-sub012/internal/dispatch"
	"github.com/daleheenan/startup-sub012/internal/generate"
	"github.com/daleheenan/startup-sub012/internal/httpapi"
	"github.com/daleheenan/startup-sub012/internal/job"
	"github.com/daleheenan/startup-sub012/internal/session"
	"github.com/daleheenan/startup-sub012/internal/store/memory"
	"github.com/daleheenan/startup-sub012/internal/store/postgres"
	redisstore "github.com/daleheenan/startup-sub012/internal/store/redis"
	"github.com/daleheenan/startup-sub012/internal/stream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.AppEnv)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store selection: Postgres in production, memory for development.
	var (
		jobStore     job.Store
		sessionStore session.Store
	)
	if cfg.PostgresDSN != "" {
		pg, err := postgres.New(ctx, cfg.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		jobStore = pg
		sessionStore = pg
		logger.Info("using postgres store")
	} else {
		mem := memory.New()
		jobStore = mem
		sessionStore = mem
		logger.Warn("using in-memory store; jobs will not survive a restart")
	}

	// Redis, when configured, shares the session window across processes.
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() { _ = client.Close() }()

		rs := redisstore.New(client, redisstore.WithLogger(logger))
		if err := rs.Ping(ctx); err != nil {
			return err
		}
		sessionStore = rs
		logger.Info("using redis session store", slog.String("addr", cfg.RedisAddr))
	}

	eventBus := bus.New(logger, bus.WithMaxSubscribers(cfg.MaxConnections))

	tracker, err := session.New(ctx, sessionStore, logger,
		session.WithMaxRequests(cfg.SessionMaxRequests),
		session.WithWindow(cfg.SessionWindow),
		session.WithNotify(func(status session.Status) {
			eventBus.Publish(bus.ChannelSessionUpdate, status)
		}),
	)
	if err != nil {
		return err
	}

	registry := job.NewRegistry()
	worker := generate.NewClient(cfg.WorkerBaseURL, cfg.WorkerAPIKey, logger)
	generate.Register(registry, worker, tracker, logger)

	dispatcher := dispatch.New(jobStore, registry, tracker, eventBus, logger,
		dispatch.WithConcurrency(cfg.DispatchConcurrency),
		dispatch.WithPollInterval(cfg.PollInterval),
		dispatch.WithStatsInterval(cfg.StatsInterval),
		dispatch.WithClaimRate(cfg.ClaimRatePerSecond, cfg.ClaimBurst),
	)
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	manager := stream.NewManager(logger, stream.WithMaxConnections(cfg.MaxConnections))
	manager.StartMonitor()
	gateway := stream.NewGateway(eventBus, newAuthenticator(cfg), manager, logger,
		stream.WithMaxLifetime(cfg.MaxStreamLifetime),
	)

	api := &httpapi.Server{
		Store:                jobStore,
		Registry:             registry,
		Tracker:              tracker,
		Bus:                  eventBus,
		Events:               gateway,
		Logger:               logger,
		RequeueResetAttempts: cfg.RequeueResetAttempts,
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown", slog.String("error", err.Error()))
	}
	gateway.Shutdown()
	eventBus.Shutdown()

	logger.Info("shutdown complete")
	return nil
}

func newLogger(appEnv string) *slog.Logger {
	if appEnv == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newAuthenticator builds the stream authenticator from configuration.
// With no keys configured, development accepts anything and any other
// environment rejects everything.
func newAuthenticator(cfg config.Config) stream.Authenticator {
	if len(cfg.StreamAPIKeys) == 0 {
		if cfg.AppEnv == "development" {
			return &stream.NoopAuthenticator{}
		}
		return stream.NewAPIKeyAuthenticator()
	}

	entries := make([]stream.APIKeyEntry, 0, len(cfg.StreamAPIKeys))
	for i, key := range cfg.StreamAPIKeys {
		entries = append(entries, stream.APIKeyEntry{
			Token:    key,
			Identity: stream.Identity{Subject: apiKeySubject(i)},
		})
	}
	return stream.NewAPIKeyAuthenticator(entries...)
}

func apiKeySubject(i int) string {
	return "api-key-" + string(rune('0'+i%10))
}
