package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/anonrelay/relay/internal/adminhttp"
	identityapp "github.com/anonrelay/relay/internal/identity/app"
	identitypg "github.com/anonrelay/relay/internal/identity/repository/postgres"
	operatorapp "github.com/anonrelay/relay/internal/operator/app"
	"github.com/anonrelay/relay/internal/platform/config"
	"github.com/anonrelay/relay/internal/platform/database"
	"github.com/anonrelay/relay/internal/platform/logger"
	"github.com/anonrelay/relay/internal/platform/messagebroker"
	"github.com/anonrelay/relay/internal/relay/adapters/channel"
	relayapp "github.com/anonrelay/relay/internal/relay/app"
	relaypg "github.com/anonrelay/relay/internal/relay/repository/postgres"
	settingspg "github.com/anonrelay/relay/internal/settings/repository/postgres"
)

const notifierQueueGroup = "relay_notifier_workers"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Relay service starting...", "log_level", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Successfully connected to PostgreSQL database")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, "relay-service", appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS")

	ch := channel.NewMockChannel(appLogger, 0)

	userRepo := identitypg.NewPgUserRepository(dbPool, appLogger)
	messageRepo := relaypg.NewPgMessageRepository(dbPool, appLogger)
	settingsRepo := settingspg.NewPgSettingsRepository(dbPool)

	registry := identityapp.NewRegistry(userRepo, appLogger)
	notifier := relayapp.NewNotifier(natsClient, ch, settingsRepo, cfg.OperatorChatRef, cfg.Language, appLogger)
	engine := relayapp.NewEngine(registry, messageRepo, ch, notifier, relayapp.Config{
		OperatorRef:    cfg.OperatorChatRef,
		SupervisoryRef: cfg.SupervisoryChatRef,
		Language:       cfg.Language,
		DedupWindow:    time.Duration(cfg.DedupWindowMs) * time.Millisecond,
		BroadcastDelay: time.Duration(cfg.BroadcastDelayMs) * time.Millisecond,
		RedrainGrace:   time.Duration(cfg.RedrainGraceMs) * time.Millisecond,
	}, appLogger)
	router := operatorapp.NewCommandRouter(engine, registry, ch, cfg.OperatorChatRef, cfg.SupervisoryChatRef, appLogger)
	adminServer := adminhttp.NewServer(cfg.AdminPort, registry, messageRepo, appLogger)

	if err := notifier.StartConsuming(ctx, notifierQueueGroup); err != nil {
		appLogger.Error("Failed to start notifier consumer", "error", err)
		os.Exit(1)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Command router starting")
		if err := router.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return adminServer.Start()
	})

	g.Go(func() error {
		<-gCtx.Done()
		appLogger.Info("Shutdown signal received, stopping...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Admin HTTP shutdown failed", "error", err)
		}
		notifier.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Relay service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Relay service shut down successfully.")
}
