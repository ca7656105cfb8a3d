// Package query hosts the per-dataset orchestrator, the sole entry point
// for that dataset's queries.
//
// Each orchestrator owns a planner, an execution runtime and a dedicated
// worker pool; plan evaluation never runs on the caller's goroutine, so a
// slow query cannot delay routing decisions for other datasets. Every
// submitted query produces exactly one terminal outcome, a result or a
// typed error, on every path including panics, timeouts and restarts.
package query
