// Package store holds the application state tree and is the only way to
// change it.
//
// # Writes
//
// Set and SetMany validate their paths immediately and queue the write on
// the shared reactive.Scheduler. Every write queued before the next pass is
// committed together: the last write per path wins, writes that leave the
// value structurally unchanged are dropped, and if anything is left the
// pass
//
//  1. applies the writes copy-on-write and computes the changed paths,
//     including every ancestor of each written path
//  2. invalidates computed values that read a related path
//  3. runs middleware with the full Action
//  4. records history unless every write asked to skip it
//  5. notifies subscribers whose paths are related to a changed path
//  6. schedules a debounced save of the persisted subset
//
// Subscriber callbacks run in the callback phase of the pass, after all
// computed values have been invalidated.
//
// # History
//
// Each committed action stores the tree as it was before the action.
// Undo and Redo swap the live tree with a stored snapshot and broadcast a
// wildcard change. Because the tree is copy-on-write, snapshots share all
// untouched subtrees with the live tree.
//
// # Concurrency
//
// A Store belongs to the goroutine that owns its scheduler.
package store
