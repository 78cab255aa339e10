// Package config loads the statecore configuration file.
//
// The file is YAML and every field is optional:
//
//	store:
//	  max_history: 50
//	scheduler:
//	  frame: 16ms
//	pipeline:
//	  base_url: http://localhost:8080/api
//	  batch_window: 10ms
//	  max_retries: 3
//	stream:
//	  endpoints: [ws://localhost:8080/live]
//	persistence:
//	  backend: sqlite
//	  path: ~/.local/share/statecore/state.db
//
// Unknown keys are rejected. A missing file yields Default().
package config
