package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/config"
	"github.com/seers-hq/consultd/internal/consult"
	"github.com/seers-hq/consultd/internal/storage"
)

func main() {
	configPath := flag.String("config", "./consultd.config.json", "path to broker config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Error("consultd exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("consultd exited cleanly")
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.LoadBrokerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("config loaded successfully",
		zap.String("config_path", configPath),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.String("database", cfg.Database.Path),
	)

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database migrations complete")

	srv, err := consult.NewServer(cfg, db, nil, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("received signal, initiating graceful shutdown")
	}()

	return srv.Run(ctx, nil)
}
