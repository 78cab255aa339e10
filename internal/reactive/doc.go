// Package reactive implements observable objects, automatic dependency
// tracking, cached computed values, watchers and the batched update
// scheduler that orders all of their side effects.
//
// # Model
//
// A Runtime owns one Tracker and one Scheduler. Reads performed while a
// Computed is evaluating record an edge (source, key) → computed in the
// Tracker. Writes never call dependents directly: they enqueue typed
// Update records on the Scheduler, which drains them once per tick in a
// fixed order:
//
//  1. property-change records, grouped by target and committed
//  2. computed invalidation, cascading through dependents in the same pass
//  3. watcher and subscriber callbacks
//
// Passes never nest. Work enqueued during a pass is picked up by the next
// one.
//
// # Concurrency
//
// Nothing in this package is safe for concurrent use. A Runtime and its
// Scheduler belong to one goroutine: the test goroutine with a
// ManualDriver, or a loop.Loop with a LoopDriver. Other goroutines hand
// work over with loop.Loop.Post.
package reactive
