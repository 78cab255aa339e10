// Package harness runs store scenarios: YAML files describing writes,
// transactions, undo/redo and flushes against a store built from the
// state schema, followed by assertions on the final state, subscriber
// notifications and history.
//
// Every run uses a fake clock, a manual scheduler driver and sequential
// action IDs, so the recorded trace is byte-for-byte reproducible and can
// be compared against golden files in testdata/golden.
//
// Scenario format:
//
//	name: select_player
//	description: selecting a player notifies ui subscribers
//	subscriptions:
//	  - name: ui
//	    paths: [ui]
//	flow:
//	  - op: set
//	    path: ui.selectedPlayer
//	    value: p42
//	assertions:
//	  - type: notifications
//	    subscriber: ui
//	    count: 1
//
// Each step is followed by a scheduler flush unless it sets hold: true, so
// consecutive held steps land in one batched pass.
package harness
