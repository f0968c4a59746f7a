package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/api"
	"github.com/nidhogg/vault-term/internal/archive"
	"github.com/nidhogg/vault-term/internal/client"
	"github.com/nidhogg/vault-term/internal/command"
	"github.com/nidhogg/vault-term/internal/config"
	"github.com/nidhogg/vault-term/internal/gateway"
	"github.com/nidhogg/vault-term/internal/history"
	"github.com/nidhogg/vault-term/internal/metrics"
	"github.com/nidhogg/vault-term/internal/protocol"
	"github.com/nidhogg/vault-term/internal/stream"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting vault-bridge...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/vault.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Conversation core
	transport := stream.NewTransport(cfg.Backend.Endpoint, cfg.Backend.Timeout(), logger)
	store := history.NewStore(logger)
	hub := client.NewHub(logger)
	tracker := metrics.NewTracker(logger)

	var uc *protocol.UserContext
	if cfg.Backend.UserContext != nil {
		uc = &protocol.UserContext{
			City:     cfg.Backend.UserContext.City,
			Timezone: cfg.Backend.UserContext.Timezone,
		}
	}
	c := client.New(transport, store, hub, tracker, client.Options{
		Model:         cfg.Backend.Model,
		UseReflection: cfg.Backend.UseReflection,
		UserContext:   uc,
		HistoryLimit:  cfg.Backend.HistoryLimit,
	}, logger)

	// Usage persistence
	if cfg.Database.Postgres.DSN != "" {
		sink, sinkErr := metrics.NewPostgresSink(cfg.Database.Postgres.DSN, logger)
		if sinkErr != nil {
			logger.Warn("PostgreSQL unavailable, usage stays in memory", zap.Error(sinkErr))
		} else {
			tracker.SetSink(sink)
			defer sink.Close()
		}
	}

	// Transcript archive
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var arch *archive.Archive
	if cfg.Database.Redis.URL != "" {
		a, archErr := archive.New(cfg.Database.Redis.URL, logger)
		if archErr != nil {
			logger.Warn("Redis unavailable, running without transcript archive", zap.Error(archErr))
		} else {
			arch = a
			go arch.Follow(ctx, hub)
			logger.Info("Transcript archive enabled")
		}
	}

	// Commands
	commands := command.NewRegistry()
	command.RegisterBuiltins(commands)

	// Gateway
	gw := gateway.NewGateway(logger)

	// Wire dispatcher BEFORE registering adapters (Register captures handler)
	dispatcher := gateway.NewDispatcher(c, gw, commands, tracker, cfg.Backend.Timeout(), logger)
	gw.SetHandler(dispatcher.Handle)

	restAdapter := gateway.NewRESTAdapter(cfg.Backend.Timeout(), logger)
	gw.Register(restAdapter)

	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		gw.Register(gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, logger))
	}
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		gw.Register(gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, logger))
	}

	if err := gw.ConnectAll(ctx); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}

	// HTTP API
	handler := api.NewHandler(c, tracker, arch, gw, restAdapter, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("vault-bridge listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down vault-bridge...")
	cancel()
	srv.Shutdown(context.Background())
	if arch != nil {
		arch.Close()
	}
	gw.Close()
}
