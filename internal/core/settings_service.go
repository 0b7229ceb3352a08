package core

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"gwi.com/local-rag/internal/logging"
	"gwi.com/local-rag/internal/store"
)

// SettingsService manages application settings keyed by a unique name.
type SettingsService struct {
	settings *store.EntityStore[store.AppSetting]
	now      func() time.Time
}

func NewSettingsService(stores *store.Stores) *SettingsService {
	return &SettingsService{
		settings: stores.Settings,
		now:      time.Now,
	}
}

// normalizeKey is applied to every key argument so lookups match what Set
// stored.
func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// Get returns the setting stored under key, or nil.
func (s *SettingsService) Get(ctx context.Context, key string) (*store.AppSetting, error) {
	key = normalizeKey(key)
	if key == "" {
		return nil, nil
	}
	found, err := s.settings.FindMany(func(a store.AppSetting) bool { return a.Key == key })
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read settings", goerr.V("key", key))
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// Set stores value under key, creating the setting when needed.
func (s *SettingsService) Set(ctx context.Context, key, value string) (*store.AppSetting, error) {
	key = normalizeKey(key)
	if key == "" {
		return nil, goerr.Wrap(ErrInvalidInput, "setting key is required")
	}

	now := store.NewTimestamp(s.now())
	var saved store.AppSetting
	err := s.settings.Mutate(func(tx *store.Tx[store.AppSetting]) error {
		existing := tx.Filter(func(a store.AppSetting) bool { return a.Key == key })
		if len(existing) == 0 {
			saved = tx.Insert(store.AppSetting{
				Key:       key,
				Value:     value,
				CreatedAt: now,
				UpdatedAt: now,
			})
			return nil
		}

		saved = existing[0]
		// Keys are unique; drop duplicates left by older writers.
		for _, dup := range existing[1:] {
			tx.Delete(dup.ID)
		}
		if saved.Value == value && len(existing) == 1 {
			return nil
		}
		saved.Value = value
		saved.UpdatedAt = now
		tx.Put(saved)
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to save setting", goerr.V("key", key))
	}

	logging.From(ctx).Debug("saved setting", "key", key)
	return &saved, nil
}

// Delete removes key and reports whether it existed.
func (s *SettingsService) Delete(ctx context.Context, key string) (bool, error) {
	key = normalizeKey(key)
	if key == "" {
		return false, nil
	}
	var removed bool
	err := s.settings.Mutate(func(tx *store.Tx[store.AppSetting]) error {
		for _, a := range tx.Filter(func(a store.AppSetting) bool { return a.Key == key }) {
			removed = tx.Delete(a.ID) || removed
		}
		return nil
	})
	if err != nil {
		return false, goerr.Wrap(err, "failed to delete setting", goerr.V("key", key))
	}
	return removed, nil
}

// List returns every setting ordered by key.
func (s *SettingsService) List(ctx context.Context) ([]store.AppSetting, error) {
	all, err := s.settings.FindMany(nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list settings")
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return all, nil
}
