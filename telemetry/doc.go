// Package telemetry collects operational signals from the query path.
//
// Sink is the integration point: the orchestrator and runtime call it after
// each planning, dispatch and query completion. NoopSink disables
// collection, BasicSink keeps cheap in-process counters for tests and
// debugging, PromSink exports to Prometheus.
package telemetry
