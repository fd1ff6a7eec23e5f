package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aoidash/internal/api"
	"aoidash/internal/config"
	"aoidash/internal/dashboard"
	"aoidash/internal/hub"
	"aoidash/internal/images"
	"aoidash/internal/logging"
	"aoidash/internal/metrics"
	"aoidash/internal/poller"
	"aoidash/internal/storage"
	"aoidash/internal/watermark"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json); defaults apply when omitted")
	flag.Parse()

	var (
		cfgMgr *config.Manager
		err    error
	)
	if *configPath != "" {
		cfgMgr, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			// No logger yet; this is the one startup failure worth dying loudly for.
			panicLog("load config", err)
		}
	} else {
		cfgMgr = config.NewStaticManager(nil)
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	logger.Info("starting aoi dashboard backend", "version", version, "lines", cfg.Lines)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("open store failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(ctx, cfg.Storage.QueryTimeout)
	if err := store.Init(initCtx); err != nil {
		// The store may simply be unreachable right now; polling retries.
		logger.Warn("store init failed, continuing", "err", err)
	}
	cancelInit()

	mset := metrics.New(nil)
	eventHub := hub.New(cfg.Events.Heartbeat, logger, mset)
	if cfg.Events.Kafka.Enabled {
		eventHub.AddSink(hub.NewKafkaSink(cfg.Events.Kafka, logger))
	}

	marks := watermark.NewStore()
	chg := poller.New(store, marks, eventHub, logger, mset, cfg.Poll.Interval, cfg.Storage.QueryTimeout)
	go chg.Run(ctx)

	engine := dashboard.NewEngine(store, cfgMgr, logger, mset)
	resolver := images.NewResolver(cfgMgr, logger)
	srv := api.Start(ctx, cfgMgr, engine, eventHub, resolver, logger, version)

	if cfgMgr.Path() != "" {
		go cfgMgr.Watch(3*time.Second,
			func(*config.Config) { logger.Info("config reloaded", "path", cfgMgr.Path()) },
			func(err error) { logger.Warn("config reload failed", "err", err) },
			ctx.Done())
	}

	<-ctx.Done()
	stop()
	logger.Warn("shutdown signal received")

	// Poller ticker is already cancelled via ctx; drain in order: close
	// every SSE stream so their handlers return (srv.Shutdown waits on
	// active requests), then stop HTTP, then the store handle.
	eventHub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := store.Close(); err != nil {
		logger.Warn("store close failed", "err", err)
	}
	logger.Info("shutdown complete")
}

func panicLog(what string, err error) {
	os.Stderr.WriteString(what + ": " + err.Error() + "\n")
	os.Exit(1)
}
