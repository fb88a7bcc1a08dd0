package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cadencer/models"
)

// GormStore persists lead state in a relational table with a version column
// for optimistic locking. Postgres is the supported dialect; completions
// live in a jsonb column so the row stays one-per-lead.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the lead_cadence_states table and wraps db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&models.LeadCadenceState{}); err != nil {
		return nil, fmt.Errorf("migrate lead state table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Get returns the stored state for email.
func (s *GormStore) Get(ctx context.Context, email string) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	var state models.LeadCadenceState
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", email, ErrUnavailable, err)
	}
	state.ApplyDefaults()
	return &state, nil
}

// Put upserts state unconditionally.
func (s *GormStore) Put(ctx context.Context, state *models.LeadCadenceState) error {
	state.Email = models.CanonicalEmail(state.Email)
	state.Version++
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, UpdateAll: true}).
		Create(state).Error
	if err != nil {
		return fmt.Errorf("write %s: %w: %v", state.Email, ErrUnavailable, err)
	}
	return nil
}

// AtomicUpdate applies fn and writes back guarded by the version column,
// retrying when another writer got there first.
func (s *GormStore) AtomicUpdate(ctx context.Context, email string, fn UpdateFunc) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	for i := 0; i < watchRetries; i++ {
		state, err := s.Get(ctx, email)
		if err != nil {
			return nil, err
		}
		prevVersion := state.Version
		if err := fn(state); err != nil {
			return nil, err
		}
		state.Email = email
		state.Version = prevVersion + 1

		res := s.db.WithContext(ctx).
			Model(&models.LeadCadenceState{}).
			Where("email = ? AND version = ?", email, prevVersion).
			Select("*").
			Updates(state)
		if res.Error != nil {
			return nil, fmt.Errorf("update %s: %w: %v", email, ErrUnavailable, res.Error)
		}
		if res.RowsAffected == 1 {
			return state, nil
		}
		// Version moved under us; reload and retry.
	}
	return nil, fmt.Errorf("%s: %w", email, ErrConflict)
}

// List returns every lead row.
func (s *GormStore) List(ctx context.Context) ([]*models.LeadCadenceState, []RecordError, error) {
	return s.list(ctx, false)
}

// ListActive returns rows with status active.
func (s *GormStore) ListActive(ctx context.Context) ([]*models.LeadCadenceState, []RecordError, error) {
	return s.list(ctx, true)
}

func (s *GormStore) list(ctx context.Context, activeOnly bool) ([]*models.LeadCadenceState, []RecordError, error) {
	q := s.db.WithContext(ctx).Order("email")
	if activeOnly {
		q = q.Where("status = ?", models.StatusActive)
	}
	var states []*models.LeadCadenceState
	if err := q.Find(&states).Error; err != nil {
		return nil, nil, fmt.Errorf("list leads: %w: %v", ErrUnavailable, err)
	}
	for _, st := range states {
		st.ApplyDefaults()
	}
	// Row-level decode failures abort the query wholesale in SQL, so
	// there are no per-record errors to report here.
	return states, nil, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
