// Command mcp runs the stdio tool server for LLM CLIs: line-delimited
// JSON-RPC on stdin/stdout over the same in-process orchestrator the HTTP
// service uses. Logs go to the configured file or stderr, never stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/logging"
	"github.com/engramd/engramd/internal/mcp"
	"github.com/engramd/engramd/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to engram.yaml (default /etc/engram/engram.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "engram-mcp: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, _, err := logging.New(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize service: %w", err)
	}
	defer svc.Close()

	return mcp.NewServer(svc, logger).Serve(ctx, os.Stdin, os.Stdout)
}
