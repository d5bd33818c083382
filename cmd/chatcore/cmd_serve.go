package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/auth"
	"github.com/xiaot623/gogo/chatcore/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatcore/internal/cache"
	"github.com/xiaot623/gogo/chatcore/internal/config"
	"github.com/xiaot623/gogo/chatcore/internal/kv"
	"github.com/xiaot623/gogo/chatcore/internal/lock"
	"github.com/xiaot623/gogo/chatcore/internal/metrics"
	"github.com/xiaot623/gogo/chatcore/internal/prompt"
	"github.com/xiaot623/gogo/chatcore/internal/ratelimit"
	"github.com/xiaot623/gogo/chatcore/internal/repository"
	"github.com/xiaot623/gogo/chatcore/internal/retry"
	"github.com/xiaot623/gogo/chatcore/internal/scheduler"
	"github.com/xiaot623/gogo/chatcore/internal/service"
	"github.com/xiaot623/gogo/chatcore/internal/store"
	transporthttp "github.com/xiaot623/gogo/chatcore/internal/transport/http"
	"github.com/xiaot623/gogo/chatcore/internal/transport/ws"
)

const shutdownTimeout = 15 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat core server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting chat core",
		"http_port", cfg.HTTPPort,
		"database", cfg.DatabaseURL,
		"kv_path", cfg.KVPath,
		"llm_provider", cfg.LLMProvider,
		"default_model", cfg.DefaultModel,
		"lock_backend", cfg.LockBackend,
		"lock_mode", cfg.LockMode,
	)

	m := metrics.New()

	// Stores
	kvStore, err := kv.OpenBadger(cfg.KVPath)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	repo, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	resolver, err := cache.NewResolver(kvStore, cfg.LocalCacheSize,
		cache.WithMetrics(m),
		cache.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	defer resolver.Close()

	sessions := store.NewSessionStore(repo, resolver, cache.TTL{Local: cfg.SessionLocalTTL, Distributed: cfg.SessionRemoteTTL})
	prefs := store.NewPreferenceStore(repo, resolver, cache.TTL{Local: cfg.PrefsLocalTTL, Distributed: cfg.PrefsRemoteTTL}, time.Now)

	// Inference
	provider, err := llm.NewProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create inference provider: %w", err)
	}

	// Admission
	policy, err := loadPolicy(ctx, cfg.RateLimitPolicyPath)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(kvStore, policy,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(m),
		ratelimit.WithFailClosed(cfg.RateLimitFailClosed),
	)

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	svc := service.New(service.Deps{
		Config:      cfg,
		Sessions:    sessions,
		Preferences: prefs,
		Resolver:    resolver,
		Provider:    provider,
		Limiter:     limiter,
		Locker:      newLocker(cfg, kvStore, logger, m),
		Prompt:      prompt.NewBuilder(prompt.DefaultCounter(cfg.DefaultModel, logger), cfg.SystemPrompt, cfg.MaxContextTokens, cfg.OutputReserve),
		Persistence: persistencePolicy(cfg),
		Publisher:   hub,
		Metrics:     m,
		Logger:      logger,
	})
	defer svc.Close()

	// Maintenance
	sched := scheduler.New(logger, time.Minute)
	if err := sched.Add("evict-idle-sessions", cfg.MaintenanceSchedule, func(ctx context.Context) error {
		if n := svc.EvictIdle(cfg.LiveSessionTTL); n > 0 {
			logger.Info("evicted idle sessions", "count", n)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := sched.Add("kv-value-log-gc", cfg.MaintenanceSchedule, func(ctx context.Context) error {
		return kvStore.RunGC(0.5)
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	e := transporthttp.NewServer(transporthttp.Deps{
		Config:  cfg,
		Service: svc,
		Auth:    auth.New(cfg.JWTSecret, cfg.AllowAnonymous),
		WS:      ws.NewServer(hub, svc, cfg.CORSOrigins, logger),
		Metrics: m,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("http server started", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("service shutdown failed", "error", err)
	}
	return nil
}

func loadPolicy(ctx context.Context, path string) (*ratelimit.Policy, error) {
	module := ratelimit.DefaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rate-limit policy: %w", err)
		}
		module = string(data)
	}
	policy, err := ratelimit.NewPolicy(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("load rate-limit policy: %w", err)
	}
	return policy, nil
}

func newLocker(cfg *config.Config, kvs kv.Store, logger *slog.Logger, m *metrics.Metrics) lock.Locker {
	mode := lock.Mode(cfg.LockMode)
	if cfg.LockBackend == "kv" {
		return lock.NewKV(kvs, mode, cfg.LockCeiling, logger, m)
	}
	return lock.NewLocal(mode, cfg.LockCeiling, lock.WithLogger(logger), lock.WithMetrics(m))
}

func persistencePolicy(cfg *config.Config) retry.Policy {
	p := retry.Default()
	p.MaxAttempts = cfg.PersistMaxAttempts
	p.BaseDelay = cfg.PersistBaseDelay
	p.MaxDelay = cfg.PersistMaxDelay
	return p
}
