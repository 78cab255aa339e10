package harness

import (
	"github.com/roach88/statecore/internal/store"
	"github.com/roach88/statecore/internal/value"
)

// Trace event types.
const (
	EventAction       = "action"
	EventNotification = "notification"
)

// TraceEvent is one committed action or one delivered notification.
type TraceEvent struct {
	Type       string   `json:"type"`
	Seq        int64    `json:"seq"`
	ActionID   string   `json:"action_id,omitempty"`
	ActionType string   `json:"action_type,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	Subscriber string   `json:"subscriber,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists flow actions and notifications in delivery order.
	// Setup steps are not traced.
	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// State is the final tree.
	State value.Object `json:"state,omitempty"`

	HistoryLen int `json:"history_len"`
	FutureLen  int `json:"future_len"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addAction(a store.Action) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:       EventAction,
		Seq:        a.Seq,
		ActionID:   a.ID,
		ActionType: a.Type,
		Paths:      a.ChangedPaths,
	})
}

func (r *Result) addNotification(subscriber string, n store.Notification) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:       EventNotification,
		Seq:        n.Action.Seq,
		ActionType: n.Action.Type,
		Paths:      n.ChangedPaths,
		Subscriber: subscriber,
	})
}
