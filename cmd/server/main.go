// Command server starts the AI chat bot backend HTTP server.
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

	ai "github.com/fairyhunter13/ai-chat-bot/internal/adapter/ai"
	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/ai/openai"
	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/ai/openrouter"
	httpserver "github.com/fairyhunter13/ai-chat-bot/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/session"
	"github.com/fairyhunter13/ai-chat-bot/internal/app"
	"github.com/fairyhunter13/ai-chat-bot/internal/config"
	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
	"github.com/fairyhunter13/ai-chat-bot/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	msgRepo := postgres.NewMessageRepo(pool)
	usageRepo := postgres.NewUsageRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	keyRepo := postgres.NewAccessKeyRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool)

	if err := seedSettings(ctx, cfg, settingsRepo); err != nil {
		slog.Error("settings seed failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.MessageRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.MessageRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.MessageRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	sessions, err := session.New(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = sessions.Close() }()

	producer, err := redpanda.NewUsageProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("usage producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	clients := map[domain.Provider]ai.ProviderClient{}
	if cfg.OpenRouterAPIKey != "" {
		clients[domain.ProviderOpenRouter] = openrouter.New(cfg)
	}
	if cfg.OpenAIAPIKey != "" {
		clients[domain.ProviderOpenAI] = openai.New(cfg)
	}
	if len(clients) == 0 {
		slog.Error("no AI provider configured; set OPENROUTER_API_KEY or OPENAI_API_KEY")
		os.Exit(1)
	}
	aiRouter := ai.NewRouter(cfg, clients)
	slog.Info("ai router initialized",
		slog.Int("providers", len(clients)),
		slog.String("default_provider", string(aiRouter.DefaultProvider())))

	usageSvc := usecase.NewUsageService(usageRepo, producer)
	builder := usecase.NewContextBuilder(msgRepo, settingsRepo)
	chatSvc := usecase.NewChatService(msgRepo, aiRouter, builder, usageSvc)
	fileSvc := usecase.NewFileService(msgRepo, aiRouter, usageSvc, cfg.MaxFileSizeBytes, cfg.AllowedFileExtensions())
	keySvc := usecase.NewAccessKeyService(keyRepo)
	userSvc := usecase.NewUserService(userRepo, keySvc, cfg.AdminTelegramID)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, sessions)

	srv := httpserver.NewServer(cfg, userSvc, chatSvc, fileSvc, usageSvc, keySvc, settingsRepo, aiRouter, sessions, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
