package records

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig carries the dependencies for constructing a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable local keyed storage for records, the autosave slot,
// and the per-survey name counter. All writes are all-or-nothing per record.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	activeID string
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Get fetches a record by instance id. Absence is not an error: the result
// is nil with a nil error.
func (s *Store) Get(ctx context.Context, instanceID string) (*Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, normalizeStorageError(err)
	}
	return &record, nil
}

// Set persists a new record. It fails with ErrDuplicateName when another
// record of the same survey already holds the proposed non-empty name.
func (s *Store) Set(ctx context.Context, record Record) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkNameAvailable(tx, record); err != nil {
			return err
		}
		record.UpdatedAtSeconds = s.clock().UTC().Unix()
		return tx.Create(&record).Error
	})
	return normalizeStorageError(err)
}

// Update replaces the variable portion of an existing record. Only drafts
// may be updated: a finalized record is set-once and yields
// ErrRecordFinalized.
func (s *Store) Update(ctx context.Context, record Record) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("instance_id = ?", record.InstanceID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !existing.Draft {
			return ErrRecordFinalized
		}
		if err := s.checkNameAvailable(tx, record); err != nil {
			return err
		}
		record.UpdatedAtSeconds = s.clock().UTC().Unix()
		return tx.Save(&record).Error
	})
	return normalizeStorageError(err)
}

// Supersede replaces a finalized record with its revised successor: the
// predecessor row is removed and the successor, carrying a fresh instance id
// with DeprecatedID pointing at the predecessor, is created in the same
// transaction. The predecessor must exist and must not be a draft (drafts
// are revised in place via Update).
func (s *Store) Supersede(ctx context.Context, predecessorID string, successor Record) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("instance_id = ?", predecessorID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if existing.Draft {
			return ErrNotFinalized
		}
		if err := tx.Where("instance_id = ?", predecessorID).Delete(&Record{}).Error; err != nil {
			return err
		}
		if err := s.checkNameAvailable(tx, successor); err != nil {
			return err
		}
		successor.UpdatedAtSeconds = s.clock().UTC().Unix()
		return tx.Create(&successor).Error
	})
	return normalizeStorageError(err)
}

// checkNameAvailable enforces per-survey name uniqueness inside the write
// transaction. Empty names are exempt (final-only flows carry no name).
func (s *Store) checkNameAvailable(tx *gorm.DB, record Record) error {
	if record.Name == "" {
		return nil
	}
	var count int64
	err := tx.Model(&Record{}).
		Where("enketo_id = ? AND name = ? AND instance_id <> ?",
			record.EnketoID, record.Name, record.InstanceID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateName
	}
	return nil
}

// Remove deletes a record after upload confirmation.
func (s *Store) Remove(ctx context.Context, instanceID string) error {
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Delete(&Record{}).Error
	return normalizeStorageError(err)
}

// ListDrafts returns the survey's draft records, most recently saved first.
func (s *Store) ListDrafts(ctx context.Context, enketoID string) ([]Record, error) {
	var drafts []Record
	err := s.db.WithContext(ctx).
		Where("enketo_id = ? AND draft = ?", enketoID, true).
		Order("updated_at_s DESC").
		Find(&drafts).Error
	if err != nil {
		return nil, normalizeStorageError(err)
	}
	return drafts, nil
}

// ListQueued returns the survey's finalized records awaiting upload, oldest
// first so flush order matches save order.
func (s *Store) ListQueued(ctx context.Context, enketoID string) ([]Record, error) {
	var queued []Record
	err := s.db.WithContext(ctx).
		Where("enketo_id = ? AND queued = ?", enketoID, true).
		Order("updated_at_s ASC, instance_id ASC").
		Find(&queued).Error
	if err != nil {
		return nil, normalizeStorageError(err)
	}
	return queued, nil
}

// GetAutoSaved fetches the survey's autosave snapshot, or nil when the slot
// is empty.
func (s *Store) GetAutoSaved(ctx context.Context, enketoID string) (*AutosaveSnapshot, error) {
	var snapshot AutosaveSnapshot
	err := s.db.WithContext(ctx).
		Where("enketo_id = ?", enketoID).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, normalizeStorageError(err)
	}
	return &snapshot, nil
}

// SnapshotPartial carries the variable portion written on every autosave.
type SnapshotPartial struct {
	XML   string
	Files []FileRef
}

// UpdateAutoSaved overwrites the survey's single autosave slot.
func (s *Store) UpdateAutoSaved(ctx context.Context, enketoID string, partial SnapshotPartial) error {
	snapshot := AutosaveSnapshot{
		EnketoID:         enketoID,
		XML:              partial.XML,
		Files:            partial.Files,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&snapshot).Error
	return normalizeStorageError(err)
}

// RemoveAutoSaved discards the survey's autosave snapshot. Removing an
// already-empty slot is not an error.
func (s *Store) RemoveAutoSaved(ctx context.Context, enketoID string) error {
	err := s.db.WithContext(ctx).
		Where("enketo_id = ?", enketoID).
		Delete(&AutosaveSnapshot{}).Error
	return normalizeStorageError(err)
}

// NextCounter atomically increments and returns the survey's default-name
// counter. Issued values are strictly increasing per survey.
func (s *Store) NextCounter(ctx context.Context, enketoID string) (int64, error) {
	var next int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter NameCounter
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("enketo_id = ?", enketoID).
			Take(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			counter = NameCounter{EnketoID: enketoID}
		} else if err != nil {
			return err
		}
		counter.Value++
		next = counter.Value
		return tx.Save(&counter).Error
	})
	if err != nil {
		return 0, normalizeStorageError(err)
	}
	return next, nil
}

// SetActive marks the record currently bound to the open editing session.
// An empty id clears the association. Identity is tracked by instance id,
// never by object reference.
func (s *Store) SetActive(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = instanceID
}

// Active returns the instance id of the active record, or "" when none.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}
