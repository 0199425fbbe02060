package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"soundsync/logger"
	"soundsync/model"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a sound does not exist in the catalog.
var ErrNotFound = errors.New("sound not found")

// ConstraintError is returned when a record would violate the unique
// remote id constraint.
type ConstraintError struct {
	RemoteID int64
	Err      error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("sound with remote id %d already exists", e.RemoteID)
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// SoundRepository is the local catalog of sounds.
type SoundRepository interface {
	Create(ctx context.Context, sound *model.Sound) (int64, error)
	Get(ctx context.Context, id int64) (*model.Sound, error)
	GetAll(ctx context.Context) ([]model.Sound, error)
	Exists(ctx context.Context, remoteID int64) (bool, error)
	Update(ctx context.Context, sound *model.Sound) error
	Delete(ctx context.Context, id int64) (bool, error)
	DeleteAll(ctx context.Context, confirmation string) (bool, error)
}

type gormSoundRepository struct {
	db *gorm.DB
}

// NewSoundRepository creates a GORM backed SoundRepository.
func NewSoundRepository(db *gorm.DB) SoundRepository {
	return &gormSoundRepository{db: db}
}

// Create inserts the sound and stores the generated id on it.
func (r *gormSoundRepository) Create(ctx context.Context, sound *model.Sound) (int64, error) {
	sound.ID = 0
	if err := r.db.WithContext(ctx).Create(sound).Error; err != nil {
		if isDuplicateKey(err) {
			return 0, &ConstraintError{RemoteID: sound.RemoteID, Err: err}
		}
		return 0, fmt.Errorf("failed to create sound: %w", err)
	}
	logger.Debug("sound created",
		logger.Int64("id", sound.ID),
		logger.Int64("remoteId", sound.RemoteID),
		logger.String("name", sound.Name))
	return sound.ID, nil
}

// Get retrieves a sound by its local id.
func (r *gormSoundRepository) Get(ctx context.Context, id int64) (*model.Sound, error) {
	var sound model.Sound
	if err := r.db.WithContext(ctx).First(&sound, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sound %d: %w", id, err)
	}
	return &sound, nil
}

// GetAll returns every sound in no particular order.
func (r *gormSoundRepository) GetAll(ctx context.Context) ([]model.Sound, error) {
	sounds := make([]model.Sound, 0)
	if err := r.db.WithContext(ctx).Find(&sounds).Error; err != nil {
		return nil, fmt.Errorf("failed to list sounds: %w", err)
	}
	logger.Debug("sounds loaded from database", logger.Int("count", len(sounds)))
	return sounds, nil
}

// Exists reports whether a sound with the given remote id is stored.
func (r *gormSoundRepository) Exists(ctx context.Context, remoteID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Sound{}).Where("remote_id = ?", remoteID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check sound existence: %w", err)
	}
	return count > 0, nil
}

// Update writes every column of the sound in a single statement.
func (r *gormSoundRepository) Update(ctx context.Context, sound *model.Sound) error {
	// a map keeps zero values (downloaded=false, empty file name) in the UPDATE
	result := r.db.WithContext(ctx).Model(&model.Sound{}).Where("id = ?", sound.ID).Updates(map[string]interface{}{
		"remote_id":        sound.RemoteID,
		"name":             sound.Name,
		"remote_file_name": sound.RemoteFileName,
		"local_file_name":  sound.LocalFileName,
		"download_link":    sound.DownloadLink,
		"downloaded":       sound.Downloaded,
		"created_at":       sound.CreatedAt,
		"updated_at":       sound.UpdatedAt,
	})
	if err := result.Error; err != nil {
		if isDuplicateKey(err) {
			return &ConstraintError{RemoteID: sound.RemoteID, Err: err}
		}
		return fmt.Errorf("failed to update sound %d: %w", sound.ID, err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a sound by local id and reports whether a row was removed.
func (r *gormSoundRepository) Delete(ctx context.Context, id int64) (bool, error) {
	result := r.db.WithContext(ctx).Delete(&model.Sound{}, "id = ?", id)
	if err := result.Error; err != nil {
		return false, fmt.Errorf("failed to delete sound %d: %w", id, err)
	}
	return result.RowsAffected > 0, nil
}

// DeleteAll wipes the catalog when confirmation equals
// model.DeleteAllConfirmation; any other value is a no-op.
func (r *gormSoundRepository) DeleteAll(ctx context.Context, confirmation string) (bool, error) {
	if confirmation != model.DeleteAllConfirmation {
		return false, nil
	}
	// AllowGlobalUpdate is required for an unconditioned DELETE
	result := r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.Sound{})
	if err := result.Error; err != nil {
		return false, fmt.Errorf("failed to delete all sounds: %w", err)
	}
	logger.Info("all sounds deleted from database", logger.Int64("rows", result.RowsAffected))
	return true, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// drivers that don't translate errors
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
