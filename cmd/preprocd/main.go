// Command preprocd runs the preprocessing manager with in-process workers,
// optionally serving collectors and remote workers over NATS.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	natsconn "github.com/wehubfusion/preproc/internal/nats"
	"github.com/wehubfusion/preproc/internal/tracing"
	"github.com/wehubfusion/preproc/pkg/concurrency"
	"github.com/wehubfusion/preproc/pkg/config"
	"github.com/wehubfusion/preproc/pkg/itemconfig"
	"github.com/wehubfusion/preproc/pkg/manager"
	"github.com/wehubfusion/preproc/pkg/metrics"
	"github.com/wehubfusion/preproc/pkg/transport/natsbus"
	"github.com/wehubfusion/preproc/pkg/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.String("config", "", "path to config file")
	debug := pflag.Bool("debug", false, "human readable debug logging")
	pflag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, ServerName: "preprocd"}); err != nil {
			logger.Warn("Failed to initialize sentry", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("preprocd stopped", zap.Error(err))
		sentry.CaptureException(err)
		return 1
	}
	logger.Info("preprocd stopped")
	return 0
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "preprocd",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, tracing.Shutdown(shutdownTracing, logger)) }()

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		connCfg := natsconn.DefaultConnectionConfig(cfg.NATS.URL)
		connCfg.Name = cfg.NATS.Name
		connCfg.Token = cfg.NATS.Token()
		connCfg.MaxReconnects = cfg.NATS.MaxReconnects
		connCfg.ReconnectWait = cfg.NATS.ReconnectWait
		nc, err = natsconn.Connect(ctx, connCfg, logger)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, natsconn.Close(nc)) }()
	}

	out, err := buildSink(cfg, nc, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, out.Close()) }()

	var (
		src   itemconfig.Source = itemconfig.NewStaticSource()
		fsrc  *itemconfig.FileSource
		sizes = concurrency.ResolveWorkers(cfg.Manager.Workers)
	)
	if cfg.Items.Path != "" {
		fsrc, err = itemconfig.NewFileSource(cfg.Items.Path, logger)
		if err != nil {
			return err
		}
		src = fsrc
	}

	m := manager.New(manager.Config{
		FlushInterval: cfg.Manager.FlushInterval,
		SyncInterval:  cfg.Manager.SyncInterval,
		CheckParent:   cfg.Manager.CheckParent,
	}, src, out, logger)

	pool, err := worker.NewPool(sizes.Workers, cfg.Manager.ScriptTimeout, logger)
	if err != nil {
		return err
	}
	logger.Info("Starting preprocd",
		zap.Int("workers", sizes.Workers),
		zap.String("workers_source", string(sizes.Source)),
		zap.Strings("sinks", cfg.Sink.Kinds))

	g, gctx := errgroup.WithContext(ctx)

	if nc != nil {
		srv := natsbus.NewServer(nc, cfg.NATS.SubjectPrefix, m, logger)
		if err := srv.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	g.Go(func() error { return m.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx, m) })

	if fsrc != nil && cfg.Items.Watch {
		g.Go(func() error { return fsrc.Watch(gctx) })
	}

	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Listen, m, logger) })
	}

	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, m *manager.Manager, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(m, logger),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
