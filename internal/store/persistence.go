package store

import (
	"context"
	"fmt"

	"github.com/roach88/statecore/internal/statepath"
	"github.com/roach88/statecore/internal/value"
)

// PersistedState returns the allow-listed subset of the live tree.
func (s *Store) PersistedState() value.Object {
	return pick(s.root, s.persistPaths)
}

func (s *Store) touchesPersisted(writes []write) bool {
	for _, w := range writes {
		for _, p := range s.persistPaths {
			if p.Related(w.path) {
				return true
			}
		}
	}
	return false
}

func (s *Store) schedulePersist() {
	if s.storage == nil || len(s.persistPaths) == 0 {
		return
	}
	s.persistDirty = true
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistTimer = s.sched.AfterFunc(s.persistDebounce, func() {
		s.persistTimer = nil
		if err := s.save(context.Background()); err != nil {
			s.logger.Error("persist failed",
				"key", s.storageKey,
				"error", err,
			)
		}
	})
}

func (s *Store) save(ctx context.Context) error {
	if !s.persistDirty {
		return nil
	}
	s.persistDirty = false
	if err := s.storage.Save(ctx, s.storageKey, s.PersistedState()); err != nil {
		return fmt.Errorf("save %q: %w", s.storageKey, err)
	}
	s.logger.Debug("state persisted", "key", s.storageKey)
	return nil
}

// FlushPersistence saves immediately if a save is pending.
func (s *Store) FlushPersistence(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	return s.save(ctx)
}

// Hydrate loads the persisted subset and applies it over the live tree.
// Only allow-listed paths are applied. Nothing is recorded in history and
// nothing is saved back. A failure leaves the tree untouched; the store
// stays usable.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.storage == nil || len(s.persistPaths) == 0 {
		return nil
	}
	blob, ok, err := s.storage.Load(ctx, s.storageKey)
	if err != nil {
		s.logger.Warn("hydrate failed", "key", s.storageKey, "error", err)
		return fmt.Errorf("hydrate %q: %w", s.storageKey, err)
	}
	if !ok {
		return nil
	}
	if s.validator != nil {
		if err := s.validator.Validate(blob); err != nil {
			s.logger.Warn("persisted state rejected", "key", s.storageKey, "error", err)
			return fmt.Errorf("hydrate %q: %w", s.storageKey, err)
		}
	}

	root := s.root
	applied := 0
	for _, p := range s.persistPaths {
		v, ok := getIn(blob, p)
		if !ok {
			continue
		}
		root = applyAt(root, p, v)
		applied++
	}
	if applied == 0 {
		return nil
	}
	s.root = root
	s.enqueueBroadcast(s.newBroadcast("hydrate", true))
	s.logger.Info("state hydrated", "key", s.storageKey, "paths", applied)
	return nil
}

func applyAt(root value.Object, p statepath.Path, v value.Value) value.Object {
	if p.IsRoot() {
		if obj, ok := v.(value.Object); ok {
			return obj.Clone()
		}
		return root
	}
	return setIn(root, p, value.Clone(v))
}
