package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-telegram/bot"
	studiochat "github.com/set-night/studiochat"
	"github.com/set-night/studiochat/internal/billing"
	"github.com/set-night/studiochat/internal/cache"
	"github.com/set-night/studiochat/internal/chat"
	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/generation"
	"github.com/set-night/studiochat/internal/handler"
	"github.com/set-night/studiochat/internal/middleware"
	"github.com/set-night/studiochat/internal/notify"
	"github.com/set-night/studiochat/internal/repository"
	"github.com/set-night/studiochat/internal/telegram"
)

// credits is the ledger surface shared by the chat pipeline and the HTTP API.
type credits interface {
	chat.Ledger
	handler.Credits
}

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store and ledger
	var (
		store   chat.Store
		changes chat.ChangeFeed
		ledger  credits
	)
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		migrationsFS, err := fs.Sub(studiochat.MigrationsFS, "migrations")
		if err != nil {
			slog.Error("failed to load embedded migrations", "error", err)
			os.Exit(1)
		}
		if err := repository.RunMigrations(cfg.DatabaseURL, migrationsFS); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		listener := repository.NewListener(pool, config.ListenerBackoff)
		go listener.Run(ctx)

		store = repository.NewStore(pool)
		changes = listener
		ledger = billing.NewLedger(pool, cfg.JobCostDecimal(), cfg.InitialCreditsDecimal())
	default:
		slog.Warn("using in-memory store, data is lost on restart")
		mem := repository.NewMemoryStore()
		store = mem
		changes = mem
		ledger = billing.NewMemoryLedger(cfg.JobCostDecimal(), cfg.InitialCreditsDecimal())
	}

	// Local cache and cross-view bus
	var (
		snapshots chat.Cache
		limiter   middleware.Counter
		bus       chat.Bus
	)
	if cfg.RedisURL != "" {
		redisPool, err := cache.NewPool(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisPool.Close()

		rc := cache.NewRedisCache(redisPool, config.CacheTTL)
		snapshots, limiter = rc, rc

		redisBus := notify.NewRedisBus(redisPool, notify.DefaultChannel, config.ListenerBackoff)
		go redisBus.Run(ctx)
		bus = redisBus
	} else {
		mc := cache.NewMemory()
		snapshots, limiter = mc, mc
		bus = notify.NewHub()
	}

	// Ops alerts
	var alerts *telegram.OpsLogger
	if cfg.TelegramLogging() {
		b, err := bot.New(cfg.BotToken)
		if err != nil {
			slog.Error("failed to create telegram bot", "error", err)
			os.Exit(1)
		}
		alerts = telegram.NewOpsLogger(b, cfg)
		slog.Info("telegram ops logging enabled", "chat_id", cfg.LogTelegramChatID)
	}

	deps := chat.Deps{
		Store:     store,
		Changes:   changes,
		Cache:     snapshots,
		Generator: generation.NewClient(cfg.GenerationURL, cfg.GenerationAPIKey),
		Ledger:    ledger,
		Bus:       bus,
	}
	hdeps := handler.Deps{
		Cfg:     cfg,
		Credits: ledger,
		Limiter: limiter,
	}
	if alerts != nil {
		deps.Alerts = alerts
		hdeps.Alerts = alerts
	}

	svc := chat.NewService(deps, chat.OptionsFromConfig(cfg))
	hdeps.Chat = svc
	h := handler.New(hdeps)

	// Start idle view cleanup goroutine
	go func() {
		ticker := time.NewTicker(config.ViewCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				svc.CloseIdle()
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Closing the views ends their event streams so Shutdown does not wait on them.
	viewsClosed := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		svc.Close()
		close(viewsClosed)
	})

	go func() {
		slog.Info("starting http server", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}
	<-viewsClosed
	slog.Info("server stopped gracefully")
}
