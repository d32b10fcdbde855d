package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/example/calendar-assistant/internal/application"
	"github.com/example/calendar-assistant/internal/availability"
	"github.com/example/calendar-assistant/internal/config"
	"github.com/example/calendar-assistant/internal/connector"
	"github.com/example/calendar-assistant/internal/connector/caldav"
	"github.com/example/calendar-assistant/internal/connector/google"
	"github.com/example/calendar-assistant/internal/connector/notion"
	httptransport "github.com/example/calendar-assistant/internal/http"
	"github.com/example/calendar-assistant/internal/jobs"
	"github.com/example/calendar-assistant/internal/logging"
	"github.com/example/calendar-assistant/internal/parse"
	anthropicparse "github.com/example/calendar-assistant/internal/parse/anthropic"
	openaiparse "github.com/example/calendar-assistant/internal/parse/openai"
	"github.com/example/calendar-assistant/internal/persistence/sqlite"
	"github.com/example/calendar-assistant/internal/ratelimit"
	"github.com/example/calendar-assistant/internal/router"
	"github.com/example/calendar-assistant/internal/session"
	"github.com/example/calendar-assistant/internal/vault"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Error("failed to load timezone", "error", err)
		os.Exit(1)
	}

	pool, err := sqlite.Open(ctx, cfg.SQLiteDSN)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()

	now := time.Now
	idGenerator := uuid.NewString

	handleRepo := sqlite.NewCalendarHandleRepository(pool)
	credentialRepo := sqlite.NewCredentialRepository(pool)
	eventRepo := sqlite.NewConfirmedEventRepository(pool)
	jobRepo := sqlite.NewJobRepository(pool)
	kvStore := sqlite.NewKVStore(pool, now)

	credentialVault, err := vault.New(cfg.VaultMasterKey, now)
	if err != nil {
		logger.Error("failed to initialise credential vault", "error", err)
		os.Exit(1)
	}

	registry := connector.NewRegistry(
		google.New(google.Options{Now: now}),
		caldav.New(caldav.Options{Kind: connector.ProviderCalDAVApple}),
		caldav.New(caldav.Options{Kind: connector.ProviderCalDAVYandex}),
		notion.New(notion.Options{}),
	)

	openaiParser := openaiparse.NewParser(func(o *openaiparse.Options) {
		if cfg.OpenAIModel != "" {
			o.Model = cfg.OpenAIModel
		}
	})
	var fallback parse.ModelParser
	if cfg.FallbackEnabled {
		fallback = anthropicparse.NewParser(func(o *anthropicparse.Options) {
			if cfg.AnthropicModel != "" {
				o.Model = anthropic.Model(cfg.AnthropicModel)
			}
		})
	}

	quotas := ratelimit.DefaultQuotas()
	applyQuotaOverrides(quotas, cfg)
	limiter := ratelimit.New(kvStore, quotas, now, logger)
	localParser := parse.NewLocalParser(location, now)
	requestRouter := router.New(localParser, openaiParser, fallback, limiter, logger)

	sessions := session.NewManager(kvStore, cfg.SessionTTL, now, idGenerator)
	queue := jobs.NewQueue(jobRepo, now, idGenerator)

	prefs := availability.SlotPreferences{
		WorkingHoursStart: cfg.WorkingHoursStart,
		WorkingHoursEnd:   cfg.WorkingHoursEnd,
		Location:          location,
	}
	availabilityService := application.NewAvailabilityService(handleRepo, credentialRepo, credentialVault, registry, prefs, logger, now)
	messageService := application.NewMessageService(requestRouter, sessions, availabilityService, limiter, openaiParser, queue, logger, now)
	confirmationService := application.NewConfirmationService(sessions, queue, logger)
	integrationService := application.NewIntegrationService(handleRepo, credentialRepo, credentialVault, registry, idGenerator, now, logger)

	executor := jobs.NewExecutor(jobRepo, logger,
		jobs.WithWorkers(cfg.JobWorkers),
		jobs.WithMaxAttempts(cfg.JobMaxAttempts),
	)
	handlers := jobs.NewHandlers(sessions, handleRepo, credentialRepo, eventRepo, credentialVault, registry, openaiParser, now, idGenerator)
	handlers.RegisterAll(executor)

	sweep := jobs.NewRefreshSweep(credentialRepo, queue, cfg.RefreshInterval, cfg.RefreshLookahead, now, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		executor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweep.Run(ctx)
	}()

	apiRouter := httptransport.NewRouter(httptransport.RouterConfig{
		Messages:     httptransport.NewMessageHandler(messageService, logger),
		Sessions:     httptransport.NewSessionHandler(confirmationService, logger),
		Availability: httptransport.NewAvailabilityHandler(availabilityService, logger),
		Integrations: httptransport.NewIntegrationHandler(integrationService, logger),
		Middleware: []func(http.Handler) http.Handler{
			httptransport.RequestLogger(logger),
			httptransport.RequireServiceToken(cfg.ServiceToken, logger),
		},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           apiRouter,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("assistant API listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server encountered error", "error", err)
		os.Exit(1)
	}

	wg.Wait()
	logger.Info("assistant stopped")
}

func applyQuotaOverrides(quotas map[ratelimit.Operation]ratelimit.Quota, cfg config.Config) {
	if cfg.AIParsePerHour > 0 || cfg.AIParsePerDay > 0 {
		quota := quotas[ratelimit.OpAIParse]
		if cfg.AIParsePerHour > 0 {
			quota.PerHour = cfg.AIParsePerHour
		}
		if cfg.AIParsePerDay > 0 {
			quota.PerDay = cfg.AIParsePerDay
		}
		quotas[ratelimit.OpAIParse] = quota
	}
	if cfg.TranscribePerHour > 0 || cfg.TranscribePerDay > 0 {
		quota := quotas[ratelimit.OpTranscribe]
		if cfg.TranscribePerHour > 0 {
			quota.PerHour = cfg.TranscribePerHour
		}
		if cfg.TranscribePerDay > 0 {
			quota.PerDay = cfg.TranscribePerDay
		}
		quotas[ratelimit.OpTranscribe] = quota
	}
}
