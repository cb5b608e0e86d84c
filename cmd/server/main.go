package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mahmoud661/Collaborative-editor/internal/app"
	"github.com/mahmoud661/Collaborative-editor/internal/config"
	"github.com/mahmoud661/Collaborative-editor/internal/diagram"
	"github.com/mahmoud661/Collaborative-editor/internal/gitrepo"
	"github.com/mahmoud661/Collaborative-editor/internal/relay"
	"github.com/mahmoud661/Collaborative-editor/internal/search"
	"github.com/mahmoud661/Collaborative-editor/internal/session"
	"github.com/mahmoud661/Collaborative-editor/internal/store"
	"github.com/mahmoud661/Collaborative-editor/internal/util"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	var (
		dataStore store.Store
		fallback  search.Searcher
		db        *sql.DB
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return err
		}
		dataStore = store.NewPostgresStore(db)
		fallback = search.NewPgFTS(db)
	} else {
		logger.Warn("DATABASE_URL not set, room logs are kept in memory")
		mem := store.NewMemoryStore()
		dataStore = mem
		fallback = search.NewScan(mem)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return err
	}
	gitService := gitrepo.New(cfg.ReposDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, fallback, logger)
	defer searchService.Close()
	go searchService.ReindexAll(ctx)

	var (
		sessions session.Store
		broker   relay.Broker
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		redisBroker, err := relay.NewRedisBroker(ctx, redisStore.Client(), logger)
		if err != nil {
			return err
		}
		defer redisBroker.Close()
		sessions, broker = redisStore, redisBroker
		logger.Info("using redis for room fan-out and membership")
	} else {
		sessions, broker = session.NewMemoryStore(), relay.NewLocalBroker()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = util.NewNodeID()
	}
	hub := relay.NewHub(relay.Options{
		Store:    dataStore,
		Sessions: sessions,
		Broker:   broker,
		Archiver: &relay.SnapshotArchiver{
			Store:  dataStore,
			Repo:   gitService,
			Search: searchService,
			Author: "relay",
			Logger: logger,
		},
		Metrics:          relay.NewMetrics(registry),
		Logger:           logger,
		Node:             nodeID,
		CompactThreshold: cfg.CompactThreshold,
		AllowedOrigin:    cfg.CORSOrigin,
	})

	renderer := &diagram.ChromeRenderer{
		ScriptURL: cfg.MermaidScriptURL,
		Timeout:   cfg.RenderTimeout,
		ExecPath:  cfg.ChromePath,
	}
	service := app.New(dataStore, hub, gitService, searchService, renderer, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	httpServer.MountRelay(hub)
	httpServer.MountMetrics(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Addr, "node", nodeID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		_ = hub.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	// Hijacked websocket connections outlive Shutdown.
	return hub.Close()
}
