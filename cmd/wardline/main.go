package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/wardline/pkg/configutil"
	"github.com/harunnryd/wardline/pkg/logging"
	"github.com/harunnryd/wardline/pkg/runner"
	"github.com/harunnryd/wardline/pkg/wardline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := wardline.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger := logging.SetDefault(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := wardline.New(ctx, wardline.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("wardline_init_failed", "error", err)
		os.Exit(1)
	}

	drainTimeout := configutil.Millis(cfg.Server.DrainTimeoutMS, 30*time.Second)
	lr := runner.NewLifecycleRunner(app, runner.Hooks{
		OnStart: app.Start,
		OnStop:  func() { logger.Info("wardline_stopped") },
	}, drainTimeout+5*time.Second)
	if err := lr.Run(ctx); err != nil {
		logger.Error("wardline_exit", "error", err)
		os.Exit(1)
	}
}
