// Package settings is a typed JSON wrapper around the store's
// key-value settings collection. It is a pure get/set passthrough:
// settings take no part in the ledger's invariants or change stream.
package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"cashcompass/internal/store"
)

type Settings struct {
	store *store.Store
}

func New(st *store.Store) *Settings {
	return &Settings{store: st}
}

// Get unmarshals the value stored under key into out. The boolean
// reports whether the key existed.
func (s *Settings) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := s.store.Setting(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("parse setting %s: %w", key, err)
	}
	return true, nil
}

func (s *Settings) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	return s.store.PutSetting(ctx, key, string(raw))
}

// Patch merges the given fields over the current value of key. Missing
// keys start from an empty object.
func (s *Settings) Patch(ctx context.Context, key string, fields map[string]any) error {
	current := make(map[string]any)
	if _, err := s.Get(ctx, key, &current); err != nil {
		return err
	}
	for k, v := range fields {
		current[k] = v
	}
	return s.Set(ctx, key, current)
}

func (s *Settings) Delete(ctx context.Context, key string) error {
	return s.store.DeleteSetting(ctx, key)
}
