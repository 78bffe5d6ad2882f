// Command server runs the engramd memory service: the HTTP ingest/search/
// inject API, the capture-queue drainer and the TTL janitor, over a SQLite
// structured store and a Qdrant vector collection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/logging"
	"github.com/engramd/engramd/internal/server"
	"github.com/engramd/engramd/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to engram.yaml (default /etc/engram/engram.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "engramd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, level, err := logging.New(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	config.WatchLogLevel(configPath, func(lvl string) {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			logger.Warn("ignoring invalid log level from config file", zap.String("level", lvl))
			return
		}
		level.SetLevel(parsed)
		logger.Info("log level changed", zap.String("level", lvl))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize service: %w", err)
	}
	defer svc.Close()

	srv := server.New(cfg, svc, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()
	go func() { errCh <- svc.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := svc.Close(); err != nil {
		logger.Warn("service close failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
