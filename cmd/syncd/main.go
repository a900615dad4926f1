package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opuslog/opuslog/internal/config"
	"github.com/opuslog/opuslog/internal/coordinator"
	"github.com/opuslog/opuslog/internal/core/observability/log"
	"github.com/opuslog/opuslog/internal/core/resolve"
	"github.com/opuslog/opuslog/internal/core/store"
	"github.com/opuslog/opuslog/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger := log.New(log.ParseLevel(cfg.Log.Level))

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Fatal("open store", log.Error(err))
	}
	defer st.Close()

	resolver := resolve.NewResolver(logger)

	actorCfg := coordinator.DefaultConfig()
	actorCfg.HeartbeatInterval = cfg.Actor.HeartbeatInterval
	actorCfg.HeartbeatMissLimit = cfg.Actor.HeartbeatMissLimit
	actorCfg.WriteTimeout = cfg.Actor.WriteTimeout
	actorCfg.IdleTimeout = cfg.Actor.IdleTimeout
	actorCfg.MaxConnsPerUser = cfg.Actor.MaxConnections
	actorCfg.MailboxSize = cfg.Actor.MailboxSize

	registry := coordinator.NewRegistry(st, resolver, actorCfg, logger)
	defer registry.Close()

	handler := server.NewSyncHandler(st, registry, resolver, logger)
	router := server.NewRouter(handler, registry, server.DevTokens{}, logger)
	srv := server.New(cfg.Server.Addr, router, logger)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err = <-errCh:
		if err != nil {
			logger.Fatal("server failed", log.Error(err))
		}
	case sig := <-stopCh:
		logger.Info("signal received", log.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err = srv.Stop(ctx); err != nil {
		logger.Error("shutdown", log.Error(err))
	}
}
