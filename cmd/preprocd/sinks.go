package main

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/preproc/pkg/concurrency"
	"github.com/wehubfusion/preproc/pkg/config"
	"github.com/wehubfusion/preproc/pkg/sink"
)

// buildSink assembles the configured sinks. Remote sinks sit behind a
// circuit breaker unless the breaker is disabled.
func buildSink(cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (sink.Sink, error) {
	var out sink.Multi
	for _, kind := range cfg.Sink.Kinds {
		var s sink.Sink
		switch kind {
		case config.SinkLog:
			out = append(out, sink.NewLog(logger))
			continue
		case config.SinkMemory:
			out = append(out, sink.NewMemory())
			continue
		case config.SinkJetStream:
			if nc == nil {
				return nil, fmt.Errorf("jetstream sink needs a NATS connection")
			}
			js, err := nc.JetStream()
			if err != nil {
				return nil, fmt.Errorf("failed to get JetStream context: %w", err)
			}
			s, err = sink.NewJetStreamSink(sink.WrapNATSJetStream(js), cfg.Sink.Stream, cfg.Sink.Subject, cfg.Sink.PublishRetries, logger,
				sink.WithPublishBackoff(cfg.Sink.PublishBackoff))
			if err != nil {
				return nil, err
			}
		case config.SinkBlob:
			store, err := sink.NewAzureBlobClient(cfg.Sink.ConnectionString(), cfg.Sink.Container, logger)
			if err != nil {
				return nil, err
			}
			s = sink.NewBlobSink(store, cfg.Sink.Prefix, logger)
		default:
			return nil, fmt.Errorf("unknown sink kind %q", kind)
		}

		if cfg.Sink.Breaker.Failures > 0 {
			breaker := concurrency.NewCircuitBreaker(cfg.Sink.Breaker.Failures, 1, cfg.Sink.Breaker.Reset, nil)
			s = sink.NewGuarded(s, breaker, logger.With(zap.String("sink", kind)))
		}
		out = append(out, s)
	}

	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}
