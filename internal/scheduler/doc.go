// Package scheduler turns declarative, time- or interval-based job
// definitions into task executions, tracks their outcomes, and delivers
// results to notification channels with at-least-once, idempotent retry.
//
// One Service owns one persisted job store. All mutating operations
// (add/update/remove/execute/outbox-drain) serialize through a single
// mutex so read-modify-persist cycles never interleave; executions
// themselves run concurrently up to a configurable ceiling.
//
// Two timers drive the service: a one-shot wake timer armed to the
// earliest next-run instant, and a periodic drain ticker for the
// delivery outbox. Both are guarded against re-entry.
package scheduler
