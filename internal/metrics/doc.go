// Package metrics collects dispatch and health events for the load balancer.
//
// Events are queued on a buffered channel with non-blocking semantics so the
// connection path never waits on metrics. A single goroutine consumes them and
// updates two views:
//   - an in-memory snapshot (per-backend requests, failures by reason, relay
//     percentiles, status codes, health, pool exhaustions) served as JSON
//   - Prometheus series on a private registry served via promhttp
//
// Example usage:
//
//	collector := metrics.NewCollector(1024, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseRelayed,
//		Backend:    "127.0.0.1:8081",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
//
// Remaining events are drained when the context is cancelled.
package metrics
