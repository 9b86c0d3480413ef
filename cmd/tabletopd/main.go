// Package main provides the session coordinator binary: it serves rooms over
// websocket and an admin gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/P0W3R97/dnd-tabletop/internal/app"
	"github.com/P0W3R97/dnd-tabletop/internal/config"
	"github.com/P0W3R97/dnd-tabletop/internal/observability"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "tabletopd")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting coordinator",
		zap.String("ws_addr", cfg.Server.Addr()),
		zap.String("admin_addr", cfg.Admin.Addr()),
		zap.String("storage", cfg.Storage.Driver),
	)

	if err := run(ctx, cfg, logger, start); err != nil {
		logger.Error("server error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run owns the injector cleanup so it executes before main exits.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger, start time.Time) error {
	a, cleanup, err := app.InitializeApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing coordinator: %w", err)
	}
	defer cleanup()

	logger.Info("coordinator initialized", zap.Duration("startup", time.Since(start)))
	return a.Lifecycle.Run(ctx)
}
