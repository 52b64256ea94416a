// Package worker provides the background workers that drive signoff
// workflow instances forward.
//
// Workers consume tasks from a task queue and hand them to an engine:
// continuation tasks trigger a replay pass, activity tasks execute one
// scheduled activity call, and timer tasks record a durable timer firing.
// Workers themselves hold no state; all progress lives in the instance
// history, so any worker can pick up any task.
//
// # Task Flow
//
// The engine never executes work inline. Starting an instance, delivering an
// external event, completing an activity and firing a timer all end with a
// continuation task on the queue, and the next free worker performs the
// replay pass. This keeps callers of the engine API non-blocking and lets
// processing scale by adding workers.
//
// # Concurrency
//
// Multiple workers can safely share one queue. Replay passes for a single
// instance are serialized through store leases, so concurrent workers never
// interleave writes to the same instance's history. Activities for different
// call sites of the same instance may run in parallel.
//
// # Usage
//
// Most applications use the signoff package's Runner, which owns a Pool and
// wires it to an engine and queue. Use this package directly when embedding
// workers in an existing process layout or building custom polling behavior.
package worker
