// Package signoff is a durable workflow coordinator for approval processes.
//
// A workflow is an OrchestratorFunc: ordinary Go code that schedules
// activities, durable timers, and sub-workflows through a WorkflowContext
// and can wait for external events such as an approver's decision. The
// engine never keeps an instance's position in memory. Every scheduled call
// and every outcome is appended to a per-instance history, and progress is
// reconstructed by deterministically replaying the function against that
// history. A process crash between any two steps loses nothing: recovery
// re-dispatches outstanding work and replay resumes from the record.
//
// # Determinism
//
// Because replay re-executes the orchestrator from the top, orchestrator
// code must be deterministic: no wall-clock reads, random numbers, or
// direct I/O. Side effects belong in activities; time belongs in
// ctx.Sleep and WaitForEvent deadlines, which are backed by durable
// timers. Nondeterministic definitions are detected during replay and fail
// the instance with a ReplayError rather than corrupting its history.
//
// # Delivery semantics
//
// Activity execution is at-least-once; recorded outcomes are exactly-once.
// A crash after an activity ran but before its completion was recorded
// causes a rerun, and the first recorded completion wins. External events
// delivered before the workflow waits for them are buffered durably;
// events for terminal instances or already-resolved waits are dropped.
//
// # Getting started
//
// NewInMemoryRunner gives a self-contained engine for tests and
// single-process use; NewSQLiteBundle persists instances, history, and the
// task queue in one SQLite database. The proposal package contains a
// complete approval workflow, and examples/ holds runnable programs.
package signoff
