// Package api contains the core building blocks used by the signoff workflow
// coordinator: history events, the deterministic replay context, the Engine
// interface, and observability hooks.
//
// Most users interact with the higher-level signoff package, which re-exports
// selected types and helpers from this package. The api package is intended
// for advanced use cases, custom integrations, or contributors extending the
// coordinator itself.
//
// # Replay
//
// An orchestrator definition is an ordinary Go function over a
// WorkflowContext. The context replays the definition against the instance's
// recorded history: each call the definition issues (activity, timer,
// sub-workflow, event wait) is assigned a sequential call-id and either
// resolved from a recorded completion or emitted as a new command, at which
// point the pass suspends. Because definitions are deterministic, the same
// call receives the same id on every replay, across process restarts.
//
// Definitions must not read the clock, generate randomness, or perform I/O
// outside of activities; anything non-deterministic has to flow through
// recorded history.
//
// # Durability
//
// Side effects run in activities, at-least-once. The recorded outcome is
// exactly-once: once a completion for a call-id is in history, the activity
// is never invoked again for that call, even after a crash and restart.
package api
