package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zombiesurvivor/coordinator/internal/auth"
	"zombiesurvivor/coordinator/internal/broadcast"
	"zombiesurvivor/coordinator/internal/config"
	"zombiesurvivor/coordinator/internal/httpapi"
	"zombiesurvivor/coordinator/internal/journal"
	"zombiesurvivor/coordinator/internal/logging"
	"zombiesurvivor/coordinator/internal/protocol"
	"zombiesurvivor/coordinator/internal/room"
	"zombiesurvivor/coordinator/internal/scheduler"
	"zombiesurvivor/coordinator/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialise logging: %w", err)
	}
	defer logger.Sync()
	logging.ReplaceGlobals(logger)

	//1.- Wire the shared services: registry, optional journal, broadcaster, resolver.
	registry := session.NewRegistry(room.Config{
		Capacity:             cfg.RoomCapacity,
		SpawnInterval:        cfg.SpawnInterval,
		SpawnIncrement:       cfg.SpawnIncrement,
		InitialZombies:       cfg.InitialZombies,
		MaxZombies:           cfg.MaxZombies,
		BroadcastMinInterval: cfg.BroadcastMinInterval,
	}, session.WithInitialBots(int64(cfg.InitialBots)))
	registry.GetOrCreateRoom(cfg.DefaultRoomID)

	var recorder *journal.Recorder
	casterOpts := []broadcast.Option{}
	if cfg.JournalDir != "" {
		var manifest journal.Manifest
		recorder, manifest, err = journal.NewRecorder(cfg.JournalDir, "coordinator", time.Now)
		if err != nil {
			return fmt.Errorf("open broadcast journal: %w", err)
		}
		defer recorder.Close()
		casterOpts = append(casterOpts, broadcast.WithJournal(recorder))
		logger.Info("broadcast journal enabled",
			logging.String("directory", recorder.Directory()),
			logging.String("created_at", manifest.CreatedAt))
	}
	caster := broadcast.New(logger, casterOpts...)

	var resolver auth.Resolver
	if cfg.AuthSecret != "" {
		hmacResolver, err := auth.NewHMACResolver(cfg.AuthSecret, 30*time.Second)
		if err != nil {
			return fmt.Errorf("initialise credential resolver: %w", err)
		}
		resolver = hmacResolver
		logger.Info("credential verification enabled")
	} else {
		logger.Info("no auth secret configured, all joins proceed as guests")
	}

	//2.- Start the maintenance scheduler before accepting connections.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := scheduler.New(registry, caster, logger, scheduler.Config{
		TickInterval:  cfg.TickInterval,
		IdleTimeout:   cfg.IdleTimeout,
		BotSpawnBatch: cfg.BotSpawnBatch,
	})
	go ticker.Run(ctx)

	//3.- Assemble the HTTP surface: the WebSocket endpoint plus the ops handlers.
	coord := newCoordinator(cfg, logger, registry, caster, resolver)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", coord.handleWS)

	handlerOpts := httpapi.Options{
		Logger:      logger,
		Stats:       registry.SnapshotStats,
		Broadcasts:  caster.Passes,
		Schema:      protocol.SchemaDocument,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.JournalFlushWindow, cfg.JournalFlushBurst, time.Now),
	}
	if recorder != nil {
		handlerOpts.JournalStats = recorder.Stats
		handlerOpts.FlushJournal = recorder.Flush
	}
	httpapi.NewHandlerSet(handlerOpts).Register(mux)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening",
			logging.String("address", cfg.Address),
			logging.String("room", cfg.DefaultRoomID),
			logging.Bool("tls", cfg.TLSCertPath != ""))
		var serveErr error
		if cfg.TLSCertPath != "" {
			serveErr = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-errCh:
		return fmt.Errorf("serve: %w", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", logging.Error(err))
	}
	if recorder != nil {
		if err := recorder.Flush(); err != nil {
			logger.Warn("final journal flush failed", logging.Error(err))
		}
	}
	logger.Info("coordinator stopped")
	return nil
}
