package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/roach88/statecore/internal/value"
)

// DefaultFilePath is where FileStorage writes when no path is given.
const DefaultFilePath = "~/.config/statecore/state.toml"

// FileStorage keeps every key as a top-level table of one TOML file.
//
// TOML has no null, so null object members and array elements are
// dropped on save. A missing or unreadable file loads as empty rather than
// failing; persisted preferences are a convenience, not a dependency.
type FileStorage struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewFileStorage creates a backend writing to path ("~" is expanded).
// An empty path uses DefaultFilePath.
func NewFileStorage(path string, logger *slog.Logger) (*FileStorage, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultFilePath
	}
	resolved, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStorage{path: resolved, logger: logger}, nil
}

// Path returns the resolved file path.
func (f *FileStorage) Path() string {
	return f.path
}

// Load returns the table stored under key.
func (f *FileStorage) Load(_ context.Context, key string) (value.Object, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := f.readAll()
	raw, ok := doc[key]
	if !ok {
		return nil, false, nil
	}
	conv, err := value.From(raw)
	if err != nil {
		f.logger.Warn("ignoring unreadable persisted table",
			"path", f.path,
			"key", key,
			"error", err,
		)
		return nil, false, nil
	}
	obj, ok := conv.(value.Object)
	if !ok {
		return nil, false, nil
	}
	return obj, true, nil
}

// Save replaces the table under key, preserving other keys in the file.
func (f *FileStorage) Save(_ context.Context, key string, obj value.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := f.readAll()
	doc[key] = dropNulls(obj)

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// readAll must be called with mu held.
func (f *FileStorage) readAll() map[string]any {
	doc := make(map[string]any)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("state file unreadable, starting empty", "path", f.path, "error", err)
		}
		return doc
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		f.logger.Warn("state file corrupt, starting empty", "path", f.path, "error", err)
		return make(map[string]any)
	}
	return doc
}

func dropNulls(v value.Value) any {
	switch val := v.(type) {
	case value.Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if value.IsNull(elem) {
				continue
			}
			out[k] = dropNulls(elem)
		}
		return out
	case value.Array:
		out := make([]any, 0, len(val))
		for _, elem := range val {
			if value.IsNull(elem) {
				continue
			}
			out = append(out, dropNulls(elem))
		}
		return out
	default:
		return value.ToGo(v)
	}
}

// ExpandPath resolves a leading "~" and makes the path absolute.
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
