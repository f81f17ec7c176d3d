package records

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrDuplicateName indicates another record of the same survey already
	// holds the proposed name.
	ErrDuplicateName = errors.New("records: duplicate record name")
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("records: record not found")
	// ErrRecordFinalized indicates an update was attempted against a record
	// that has left the draft state. Finalized records are revised only by
	// superseding them with a successor.
	ErrRecordFinalized = errors.New("records: record already finalized")
	// ErrNotFinalized indicates a supersede was attempted against a draft.
	ErrNotFinalized = errors.New("records: record is still a draft")
	// ErrStorageUnavailable wraps any storage fault outside the closed
	// taxonomy above.
	ErrStorageUnavailable = errors.New("records: storage unavailable")
)

// normalizeStorageError maps driver and gorm faults into the closed error
// taxonomy before they reach the coordinator. Errors already in the taxonomy
// pass through unchanged.
func normalizeStorageError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrDuplicateName),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRecordFinalized),
		errors.Is(err, ErrNotFinalized):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicateName, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}
