package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDisabledSetupIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig("preprocd"), zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, Shutdown(shutdown, nil))
}

func TestEnabledSetup(t *testing.T) {
	cfg := DefaultConfig("preprocd")
	cfg.Enabled = true

	// the exporter connects lazily, so setup succeeds without a collector
	shutdown, err := Setup(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestShutdownReportsError(t *testing.T) {
	boom := errors.New("boom")
	err := Shutdown(func(context.Context) error { return boom }, zap.NewNop())
	assert.ErrorIs(t, err, boom)
}
