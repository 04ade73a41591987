package otel

import (
	"time"

	hostmetrics "go.opentelemetry.io/contrib/instrumentation/host"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
)

// StartRuntimeMetrics starts the process-level collectors: Go runtime stats
// (heap, GC pauses) and host stats (CPU, memory, network, disk). The book
// apply loops are allocation-sensitive, so GC behavior is worth watching
// alongside the trading metrics.
func StartRuntimeMetrics() error {
	if err := runtime.Start(
		runtime.WithMinimumReadMemStatsInterval(time.Second * 30),
	); err != nil {
		return err
	}
	return hostmetrics.Start()
}
