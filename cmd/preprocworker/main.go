// Command preprocworker executes preprocessing tasks for a preprocd manager
// reached over NATS.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/preproc/internal/nats"
	"github.com/wehubfusion/preproc/internal/tracing"
	"github.com/wehubfusion/preproc/pkg/config"
	"github.com/wehubfusion/preproc/pkg/transport/natsbus"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.String("config", "", "path to the preprocd config file")
	debug := pflag.Bool("debug", false, "human readable debug logging")
	pflag.Parse()

	var (
		logger *zap.Logger
		err    error
	)
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, ServerName: "preprocworker"}); err != nil {
			logger.Warn("Failed to initialize sentry", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	var cfg *config.Config
	if *configPath == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := work(ctx, cfg, logger); err != nil {
		logger.Error("preprocworker stopped", zap.Error(err))
		sentry.CaptureException(err)
		return 1
	}
	return 0
}

func work(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "preprocworker",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tracing.Shutdown(shutdown, logger) }()

	connCfg := natsconn.DefaultConnectionConfig(cfg.NATS.URL)
	connCfg.Name = "preprocworker"
	connCfg.Token = cfg.NATS.Token()
	connCfg.MaxReconnects = cfg.NATS.MaxReconnects
	connCfg.ReconnectWait = cfg.NATS.ReconnectWait

	nc, err := natsconn.Connect(ctx, connCfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = natsconn.Close(nc) }()

	w := natsbus.NewWorker(nc, cfg.NATS.SubjectPrefix, cfg.Manager.ScriptTimeout, logger)
	return w.Run(ctx)
}
