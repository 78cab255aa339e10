package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one store conformance test.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Schema is an optional CUE schema file, relative to the scenario
	// file. The embedded application schema is used when empty.
	Schema string `yaml:"schema,omitempty"`

	// Subscriptions are registered before setup runs.
	Subscriptions []Subscription `yaml:"subscriptions,omitempty"`

	// Setup steps establish state and are not traced.
	Setup []Step `yaml:"setup,omitempty"`

	Flow       []Step      `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// Subscription is a named store subscriber recorded in the trace.
type Subscription struct {
	Name  string   `yaml:"name"`
	Paths []string `yaml:"paths"`
	Types []string `yaml:"types,omitempty"`
}

// Step operations.
const (
	OpSet         = "set"
	OpSetMany     = "set_many"
	OpTransaction = "transaction"
	OpUndo        = "undo"
	OpRedo        = "redo"
	OpReset       = "reset"
	OpFlush       = "flush"
	OpAdvance     = "advance"
)

// Step is one operation against the store.
type Step struct {
	Op string `yaml:"op"`

	// Path and Value are used by set.
	Path  string `yaml:"path,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Values is used by set_many.
	Values map[string]any `yaml:"values,omitempty"`

	// Writes is used by transaction.
	Writes []Write `yaml:"writes,omitempty"`

	// Type labels the resulting action.
	Type        string `yaml:"type,omitempty"`
	SkipHistory bool   `yaml:"skip_history,omitempty"`

	// Duration is used by advance (Go duration syntax).
	Duration string `yaml:"duration,omitempty"`

	// Hold skips the flush after this step.
	Hold bool `yaml:"hold,omitempty"`

	Expect *StepExpect `yaml:"expect,omitempty"`
}

// Write is one transaction write.
type Write struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
}

// StepExpect checks the immediate outcome of a step.
type StepExpect struct {
	// Error expects the step to fail.
	Error bool `yaml:"error,omitempty"`
	// Applied is the expected return of undo or redo.
	Applied *bool `yaml:"applied,omitempty"`
}

// Assertion types.
const (
	AssertState         = "state"
	AssertNotifications = "notifications"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertHistory       = "history"
)

// Assertion validates the run after the flow completes.
type Assertion struct {
	Type string `yaml:"type"`

	// Path and Equals are used by state.
	Path   string `yaml:"path,omitempty"`
	Equals any    `yaml:"equals,omitempty"`

	// Subscriber is used by notifications; Paths optionally requires the
	// last notification's changed paths to include these.
	Subscriber string   `yaml:"subscriber,omitempty"`
	Paths      []string `yaml:"paths,omitempty"`

	// Count is used by notifications and trace_count.
	Count int `yaml:"count,omitempty"`

	// Action is the action type for trace_count.
	Action string `yaml:"action,omitempty"`

	// Actions is the expected action type order for trace_order.
	Actions []string `yaml:"actions,omitempty"`

	// Undo and Redo are the expected history depths.
	Undo *int `yaml:"undo,omitempty"`
	Redo *int `yaml:"redo,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly. A relative schema path is resolved
// against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if sc.Schema != "" && !filepath.IsAbs(sc.Schema) {
		sc.Schema = filepath.Join(filepath.Dir(path), sc.Schema)
	}
	return sc, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	names := make(map[string]bool)
	for i, sub := range s.Subscriptions {
		if sub.Name == "" {
			return fmt.Errorf("subscriptions[%d]: name is required", i)
		}
		if names[sub.Name] {
			return fmt.Errorf("subscriptions[%d]: duplicate name %q", i, sub.Name)
		}
		names[sub.Name] = true
		if len(sub.Paths) == 0 {
			return fmt.Errorf("subscriptions[%d]: paths is required", i)
		}
	}
	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, names); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Op {
	case OpSet:
		if step.Path == "" {
			return fmt.Errorf("path is required for set")
		}
	case OpSetMany:
		if len(step.Values) == 0 {
			return fmt.Errorf("values is required for set_many")
		}
	case OpTransaction:
		if len(step.Writes) == 0 {
			return fmt.Errorf("writes is required for transaction")
		}
	case OpAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	case OpUndo, OpRedo, OpReset, OpFlush:
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

func validateAssertion(a Assertion, subscribers map[string]bool) error {
	switch a.Type {
	case AssertState:
		if a.Path == "" {
			return fmt.Errorf("path is required for state")
		}
	case AssertNotifications:
		if !subscribers[a.Subscriber] {
			return fmt.Errorf("unknown subscriber %q", a.Subscriber)
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("actions list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("action is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case AssertHistory:
		if a.Undo == nil && a.Redo == nil {
			return fmt.Errorf("undo or redo is required for history")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
