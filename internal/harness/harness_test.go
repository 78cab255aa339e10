package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			sc, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := RunWithGolden(t, sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func parse(t *testing.T, src string) *Scenario {
	t.Helper()
	sc, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return sc
}

func TestFailedAssertionsAreReported(t *testing.T) {
	sc := parse(t, `
name: wrong
description: expectations that do not hold
subscriptions:
  - name: prefs
    paths: [preferences]
flow:
  - op: set
    path: preferences.theme
    value: dark
assertions:
  - type: state
    path: preferences.theme
    equals: light
  - type: notifications
    subscriber: prefs
    count: 2
  - type: history
    undo: 0
`)
	result, err := Run(sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], `preferences.theme = "light"`)
	assert.Contains(t, result.Errors[0], `"dark"`)
	assert.Contains(t, result.Errors[1], "prefs notified 2 times")
	assert.Contains(t, result.Errors[2], "undo=1 redo=0")
}

func TestStepExpectations(t *testing.T) {
	sc := parse(t, `
name: expectations
description: undo on empty history and an invalid path
flow:
  - op: undo
    expect:
      applied: false
  - op: set
    path: ui..broken
    value: 1
    expect:
      error: true
  - op: set
    path: preferences.pageSize
    value: 50
    skip_history: true
assertions:
  - type: history
    undo: 0
    redo: 0
  - type: state
    path: preferences.pageSize
    equals: 50
`)
	result, err := Run(sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, 0, result.HistoryLen)
}

func TestUnexpectedUndoFails(t *testing.T) {
	sc := parse(t, `
name: bare_undo
description: undo with nothing recorded and no expectation
flow:
  - op: undo
assertions:
  - type: trace_count
    action: undo
    count: 0
`)
	result, err := Run(sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "nothing to undo")
}

func TestSetupIsNotTraced(t *testing.T) {
	sc := parse(t, `
name: setup
description: setup writes are applied but not traced
subscriptions:
  - name: all
    paths: ["*"]
setup:
  - op: set
    path: session.connected
    value: true
flow:
  - op: flush
assertions:
  - type: state
    path: session.connected
    equals: true
  - type: notifications
    subscriber: all
    count: 0
`)
	result, err := Run(sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Trace)
	assert.Equal(t, 1, result.HistoryLen)
}

func TestParseScenarioValidation(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown field", "name: x\ndescription: d\nflows: []\n", "field flows not found"},
		{"missing name", "description: d\nflow: [{op: flush}]\nassertions: [{type: history, undo: 0}]\n", "name is required"},
		{"unknown op", "name: x\ndescription: d\nflow: [{op: jump}]\nassertions: [{type: history, undo: 0}]\n", `unknown op "jump"`},
		{"set without path", "name: x\ndescription: d\nflow: [{op: set}]\nassertions: [{type: history, undo: 0}]\n", "path is required"},
		{"bad duration", "name: x\ndescription: d\nflow: [{op: advance, duration: soon}]\nassertions: [{type: history, undo: 0}]\n", "advance"},
		{"unknown subscriber", "name: x\ndescription: d\nflow: [{op: flush}]\nassertions: [{type: notifications, subscriber: ghost}]\n", `unknown subscriber "ghost"`},
		{"empty history", "name: x\ndescription: d\nflow: [{op: flush}]\nassertions: [{type: history}]\n", "undo or redo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioResolvesSchema(t *testing.T) {
	dir := t.TempDir()
	schemaSrc := `
#State: {
	counter: *0 | int
}
state: #State
persist: ["counter"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.cue"), []byte(schemaSrc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.yaml"), []byte(`
name: custom_schema
description: a scenario against its own schema
schema: small.cue
flow:
  - op: set
    path: counter
    value: 3
assertions:
  - type: state
    path: counter
    equals: 3
`), 0o644))

	sc, err := LoadScenario(filepath.Join(dir, "s.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "small.cue"), sc.Schema)

	result, err := Run(sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestMarshalTraceIsCanonical(t *testing.T) {
	result := NewResult()
	result.Trace = append(result.Trace, TraceEvent{Type: EventNotification, Seq: 2, ActionType: "set", Subscriber: "s", Paths: []string{"a"}})
	data, err := MarshalTrace("n", result)
	require.NoError(t, err)
	assert.Equal(t, `{"scenario_name":"n","trace":[{"action_type":"set","paths":["a"],"seq":2,"subscriber":"s","type":"notification"}]}`, string(data))
}
