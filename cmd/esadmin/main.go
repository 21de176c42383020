// Command esadmin migrates the event store schema, inspects streams and
// replays stored events to observers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/policyhub/eventsourcing/internal/admin"
	"github.com/policyhub/eventsourcing/internal/config"
	"github.com/policyhub/eventsourcing/internal/logger"
	"github.com/policyhub/eventsourcing/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cmd, err := admin.ParseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		UseStdout:   cfg.Telemetry.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	backends, err := admin.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Warn("closing backends failed", zap.Error(err))
		}
	}()

	return admin.Run(ctx, cmd, backends, os.Stdout)
}
