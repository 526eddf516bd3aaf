package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/app"
	"github.com/mExOms/routex/internal/config"
	"github.com/mExOms/routex/internal/monitor"
)

var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/routex.yaml", "Path to the config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := monitor.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	log := logger.WithField("service", "routerd")
	app.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	routerd, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to start")
		closer.Close()
		os.Exit(1)
	}

	log.WithFields(logrus.Fields{
		"version": version,
		"venues":  len(cfg.Venues),
		"rules":   len(cfg.Routing.Rules),
	}).Info("Order router starting")

	runErr := routerd.Run(ctx)
	if err := routerd.Close(); err != nil {
		log.WithError(err).Warn("Failed to release backends")
	}
	if runErr != nil {
		log.WithError(runErr).Error("Order router stopped with error")
		closer.Close()
		os.Exit(1)
	}

	log.Info("Order router stopped")
}
