package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/processor"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults and environment only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("main")
	log.Info().
		Str("config", *configPath).
		Str("http_addr", cfg.HTTP.Addr).
		Str("transport", cfg.Transport.Kind).
		Msg("sensorwatch starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := processor.New(cfg).Run(ctx); err != nil {
		log.Error().Err(err).Msg("processor exited")
		cancel()
		os.Exit(1)
	}
	log.Info().Msg("exited")
}
