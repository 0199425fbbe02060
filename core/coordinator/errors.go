package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConnectivity means the network policy forbids the operation.
	ErrNoConnectivity = errors.New("no suitable network connection")
	// ErrInvalidPosition means no sound exists at the requested position.
	ErrInvalidPosition = errors.New("no sound at position")
	// ErrTargetBusy means another sound is being downloaded to the same
	// local file name.
	ErrTargetBusy = errors.New("target file is being written by another download")
)

// SyncFailedError is returned when a sync cycle could not complete. The
// watermark and working set are left as they were.
type SyncFailedError struct {
	Status int
	Detail string
	Err    error
}

func (e *SyncFailedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sync failed (status %d): %s", e.Status, e.Detail)
	}
	return "sync failed: " + e.Detail
}

func (e *SyncFailedError) Unwrap() error {
	return e.Err
}

// TransferFailedError is returned when a download ended in anything but
// success, not-found or cancellation. Status is 0 when no response arrived.
type TransferFailedError struct {
	Status int
	Err    error
}

func (e *TransferFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transfer failed (status %d)", e.Status)
}

func (e *TransferFailedError) Unwrap() error {
	return e.Err
}
