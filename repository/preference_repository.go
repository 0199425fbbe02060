package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"soundsync/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LastSyncTimeKey is the preference key holding the sync watermark.
const LastSyncTimeKey = "last_sync_time"

// PreferenceStore persists small integer settings.
type PreferenceStore interface {
	GetInt64(ctx context.Context, key string, fallback int64) (int64, error)
	SetInt64(ctx context.Context, key string, value int64) error
}

type gormPreferenceStore struct {
	db *gorm.DB
}

// NewPreferenceStore creates a PreferenceStore backed by the preferences table.
func NewPreferenceStore(db *gorm.DB) PreferenceStore {
	return &gormPreferenceStore{db: db}
}

func (s *gormPreferenceStore) GetInt64(ctx context.Context, key string, fallback int64) (int64, error) {
	var pref model.Preference
	err := s.db.WithContext(ctx).First(&pref, "pref_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	v, err := strconv.ParseInt(pref.Value, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("preference %s is not an integer: %w", key, err)
	}
	return v, nil
}

func (s *gormPreferenceStore) SetInt64(ctx context.Context, key string, value int64) error {
	pref := model.Preference{Key: key, Value: strconv.FormatInt(value, 10)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pref_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"pref_value"}),
	}).Create(&pref).Error
	if err != nil {
		return fmt.Errorf("failed to write preference %s: %w", key, err)
	}
	return nil
}

// WatermarkStore keeps the last successful sync time. The stored value never
// decreases.
type WatermarkStore struct {
	prefs PreferenceStore
}

// NewWatermarkStore wraps prefs under LastSyncTimeKey.
func NewWatermarkStore(prefs PreferenceStore) *WatermarkStore {
	return &WatermarkStore{prefs: prefs}
}

// Get returns the watermark, 0 when never synced.
func (w *WatermarkStore) Get(ctx context.Context) (int64, error) {
	return w.prefs.GetInt64(ctx, LastSyncTimeKey, 0)
}

// Advance stores max(current, ts) and returns the stored value.
func (w *WatermarkStore) Advance(ctx context.Context, ts int64) (int64, error) {
	current, err := w.Get(ctx)
	if err != nil {
		return current, err
	}
	if ts <= current {
		return current, nil
	}
	if err := w.prefs.SetInt64(ctx, LastSyncTimeKey, ts); err != nil {
		return current, err
	}
	return ts, nil
}

// Reset sets the watermark back to 0 so the next sync fetches everything.
func (w *WatermarkStore) Reset(ctx context.Context) error {
	return w.prefs.SetInt64(ctx, LastSyncTimeKey, 0)
}
