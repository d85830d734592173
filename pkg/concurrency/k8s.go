// Package concurrency sizes the worker pool for the container it runs in and
// guards flaky downstreams with a circuit breaker.
package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeForKubernetes sets GOMAXPROCS from the container CPU quota. Call
// it at the start of main; the returned func restores the previous value.
func InitializeForKubernetes(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}
	logger.Info("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}

// EffectiveCPUs returns GOMAXPROCS, which honours cgroup limits once
// InitializeForKubernetes ran.
func EffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}
