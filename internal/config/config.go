package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/statecore/internal/persist"
	"github.com/roach88/statecore/internal/pipeline"
	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/store"
	"github.com/roach88/statecore/internal/stream"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.config/statecore/config.yaml"

// Persistence backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Config is the full runtime configuration.
type Config struct {
	// Schema is an optional CUE schema file replacing the built-in one.
	Schema string `yaml:"schema"`

	Store       StoreConfig       `yaml:"store"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Stream      StreamConfig      `yaml:"stream"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type StoreConfig struct {
	MaxHistory int `yaml:"max_history"`
}

type SchedulerConfig struct {
	// Frame is the delay between a write and its batched update pass.
	Frame Duration `yaml:"frame"`
}

type PipelineConfig struct {
	BaseURL       string   `yaml:"base_url"`
	BatchPath     string   `yaml:"batch_path"`
	UserAgent     string   `yaml:"user_agent"`
	Timeout       Duration `yaml:"timeout"`
	BatchWindow   Duration `yaml:"batch_window"`
	MaxRetries    int      `yaml:"max_retries"`
	RetryBase     Duration `yaml:"retry_base"`
	DefaultTTL    Duration `yaml:"default_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type StreamConfig struct {
	Endpoints      []string `yaml:"endpoints"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	MaxAttempts    int      `yaml:"max_attempts"`
	ReadTimeout    Duration `yaml:"read_timeout"`
}

type PersistenceConfig struct {
	Backend  string   `yaml:"backend"`
	Path     string   `yaml:"path"`
	Key      string   `yaml:"key"`
	Keys     []string `yaml:"keys"`
	Debounce Duration `yaml:"debounce"`
	// MaxBlobSize bounds the SQLite blob in bytes; 0 means unlimited.
	MaxBlobSize int `yaml:"max_blob_size"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Store: StoreConfig{MaxHistory: store.DefaultMaxHistory},
		Scheduler: SchedulerConfig{
			Frame: Duration(reactive.DefaultFrame),
		},
		Pipeline: PipelineConfig{
			BatchPath:     pipeline.DefaultBatchPath,
			UserAgent:     pipeline.DefaultUserAgent,
			Timeout:       Duration(pipeline.DefaultTimeout),
			BatchWindow:   Duration(pipeline.DefaultBatchWindow),
			MaxRetries:    pipeline.DefaultMaxRetries,
			RetryBase:     Duration(pipeline.DefaultRetryBase),
			DefaultTTL:    Duration(pipeline.DefaultTTL),
			SweepInterval: Duration(pipeline.DefaultSweepInterval),
		},
		Stream: StreamConfig{
			ReconnectDelay: Duration(stream.DefaultReconnectDelay),
			MaxAttempts:    stream.DefaultMaxAttempts,
			ReadTimeout:    Duration(stream.DefaultReadTimeout),
		},
		Persistence: PersistenceConfig{
			Backend:  BackendMemory,
			Key:      persist.DefaultKey,
			Debounce: Duration(store.DefaultPersistDebounce),
		},
	}
}

// Load reads the configuration at path, or DefaultPath when path is empty.
// Fields absent from the file keep their defaults. A missing file is not
// an error.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	resolved, err := persist.ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default() and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.Schema != "" {
		p, err := persist.ExpandPath(c.Schema)
		if err != nil {
			return fmt.Errorf("schema: %w", err)
		}
		c.Schema = p
	}
	if c.Store.MaxHistory < 0 {
		return fmt.Errorf("store.max_history must be non-negative")
	}
	if c.Scheduler.Frame < 0 {
		return fmt.Errorf("scheduler.frame must be non-negative")
	}

	p := &c.Pipeline
	p.BaseURL = strings.TrimSpace(p.BaseURL)
	if p.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be non-negative")
	}
	if p.BatchWindow < 0 || p.RetryBase < 0 || p.DefaultTTL < 0 || p.SweepInterval < 0 || p.Timeout < 0 {
		return fmt.Errorf("pipeline durations must be non-negative")
	}

	s := &c.Stream
	for i, ep := range s.Endpoints {
		ep = strings.TrimSpace(ep)
		if !strings.HasPrefix(ep, "ws://") && !strings.HasPrefix(ep, "wss://") {
			return fmt.Errorf("stream.endpoints[%d]: %q is not a ws:// or wss:// URL", i, ep)
		}
		s.Endpoints[i] = ep
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("stream.max_attempts must be non-negative")
	}

	ps := &c.Persistence
	switch ps.Backend {
	case "":
		ps.Backend = BackendMemory
	case BackendMemory:
	case BackendSQLite, BackendFile:
		if strings.TrimSpace(ps.Path) == "" {
			return fmt.Errorf("persistence.path is required for the %s backend", ps.Backend)
		}
		expanded, err := persist.ExpandPath(ps.Path)
		if err != nil {
			return fmt.Errorf("persistence.path: %w", err)
		}
		ps.Path = expanded
	default:
		return fmt.Errorf("persistence.backend %q: want memory, sqlite or file", ps.Backend)
	}
	if ps.Key == "" {
		ps.Key = persist.DefaultKey
	}
	if ps.MaxBlobSize < 0 {
		return fmt.Errorf("persistence.max_blob_size must be non-negative")
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}
	return nil
}

// Duration is a time.Duration written in Go syntax ("250ms", "1m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts a duration string or a bare integer of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var secs int64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the Go duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
