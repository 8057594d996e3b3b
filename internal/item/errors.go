package item

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSchedule rejects a publish time that is not strictly in the future.
	ErrInvalidSchedule = errors.New("scheduled time must be in the future")
	// ErrInvalidInput rejects malformed authoring payloads.
	ErrInvalidInput = errors.New("invalid item")
	ErrNotFound     = errors.New("item not found")
	// ErrInvalidTransition is returned when the current status does not allow the operation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict means a concurrent writer changed the item first.
	ErrConflict = errors.New("item changed concurrently")
	// ErrStoreUnavailable wraps infrastructure failures of the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
