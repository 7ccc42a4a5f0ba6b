package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"okx-grid-hedge/internal/app"
	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.example.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file with credentials")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded",
		zap.String("path", *configPath),
		zap.Int("grids", len(cfg.Grid)),
		zap.Int("hedges", len(cfg.Hedge)),
		zap.Bool("trade_enabled", cfg.Engine.TradeEnabled))

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine terminated", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("engine stopped")
}
