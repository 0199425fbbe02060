package coordinator

import (
	"context"
	"fmt"

	"soundsync/logger"
	"soundsync/model"
)

// DeleteSound deletes the sound at position remotely and, once the remote
// acknowledged, locally. A remote failure leaves the catalog untouched and
// is returned as is (a *remote.DeleteError).
func (c *Coordinator) DeleteSound(ctx context.Context, position int) error {
	sound, err := c.Sound(position)
	if err != nil {
		return err
	}

	if err := c.remote.DeleteRemote(ctx, sound); err != nil {
		return err
	}

	if _, err := c.store.Delete(ctx, sound.ID); err != nil {
		return fmt.Errorf("failed to delete sound %d: %w", sound.ID, err)
	}
	c.removeFiles(sound)
	logger.Info("sound deleted", logger.Int64("id", sound.ID), logger.Int64("remoteId", sound.RemoteID))

	return c.Refresh(ctx)
}

// DeleteAllSounds wipes the local catalog and its media files. It does
// nothing and returns false unless confirmation is
// model.DeleteAllConfirmation. The catalog is cleared before any file is
// removed, so a failed clear leaves every file in place.
func (c *Coordinator) DeleteAllSounds(ctx context.Context, confirmation string) (bool, error) {
	if confirmation != model.DeleteAllConfirmation {
		logger.Warn("delete all rejected: wrong confirmation")
		return false, nil
	}

	sounds, err := c.store.GetAll(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list sounds: %w", err)
	}

	ok, err := c.store.DeleteAll(ctx, confirmation)
	if err != nil || !ok {
		return false, err
	}

	for _, s := range sounds {
		c.removeFiles(s)
	}
	logger.Info("all sounds deleted", logger.Int("count", len(sounds)))

	return true, c.Refresh(ctx)
}
