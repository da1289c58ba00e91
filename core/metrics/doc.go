// Package metrics records per-execution job measurements and aggregates them
// per queue or per user over a time range.
//
// Writes are fire-and-forget: Record returns immediately and a failed write is
// logged, never propagated to the job outcome. Close flushes pending writes on
// shutdown.
package metrics
