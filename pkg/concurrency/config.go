package concurrency

import (
	"fmt"
	"os"
	"strconv"
)

// Source tells where a worker count came from.
type Source string

const (
	SourceEnvVar     Source = "environment_variable"
	SourceConfig     Source = "config"
	SourceAutoDetect Source = "auto_detect"
)

// WorkersEnv overrides the configured worker count.
const WorkersEnv = "PREPROC_WORKERS"

// Sizing is the resolved worker pool size.
type Sizing struct {
	Workers      int
	Source       Source
	IsKubernetes bool
	CPUs         int
}

// ResolveWorkers picks the worker count: PREPROC_WORKERS, then configured,
// then one worker per CPU (at least two outside Kubernetes).
func ResolveWorkers(configured int) Sizing {
	s := Sizing{IsKubernetes: isKubernetes(), CPUs: EffectiveCPUs()}

	switch n := getEnvInt(WorkersEnv, 0); {
	case n > 0:
		s.Workers, s.Source = n, SourceEnvVar
	case configured > 0:
		s.Workers, s.Source = configured, SourceConfig
	default:
		s.Workers, s.Source = defaultWorkers(s.IsKubernetes, s.CPUs), SourceAutoDetect
	}
	return s
}

func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func defaultWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 1)
	}
	return max(cpus, 2)
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func (s Sizing) String() string {
	return fmt.Sprintf("Sizing{Workers: %d, Source: %s, IsK8s: %t, CPUs: %d}",
		s.Workers, s.Source, s.IsKubernetes, s.CPUs)
}
