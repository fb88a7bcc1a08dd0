// Package store persists per-lead cadence state behind a single contract
// with three interchangeable backends: JSON files (one per lead), Redis and
// Postgres. Callers distinguish not-found, corrupt-record, write-conflict
// and store-down conditions through the sentinel errors below; each demands
// a different response from the engine.
package store

import (
	"context"
	"errors"
	"fmt"

	"cadencer/models"
)

var (
	// ErrNotFound means no record exists for the requested lead.
	ErrNotFound = errors.New("lead state not found")

	// ErrCorrupt means a record exists but could not be decoded. Callers
	// must not treat this as not-enrolled: re-enrolling over a corrupt
	// record would duplicate outreach.
	ErrCorrupt = errors.New("lead state corrupt")

	// ErrConflict means an atomic update lost its optimistic-lock race
	// more times than the backend was willing to retry.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrUnavailable means the backing store cannot be reached. Batch
	// operations abort cleanly on it and are safe to retry.
	ErrUnavailable = errors.New("state store unavailable")
)

// UpdateFunc mutates a lead state in place inside an atomic update. The
// record is re-fetched on optimistic-lock retries, so the function must be
// safe to call more than once. Returning an error aborts without writing.
type UpdateFunc func(*models.LeadCadenceState) error

// RecordError reports a single unreadable record encountered during a list
// scan. Lists return the healthy records plus these, so one corrupt lead
// never aborts a whole batch pass.
type RecordError struct {
	Email string
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("lead %s: %v", e.Email, e.Err)
}

// Store is the persistence contract the engine and reconciler depend on.
// All writes bump the record's Version; implementations guarantee that a
// read-modify-write through AtomicUpdate is never interleaved with another
// writer on the same lead.
type Store interface {
	// Get returns the state for a canonicalized email.
	Get(ctx context.Context, email string) (*models.LeadCadenceState, error)

	// Put writes a state unconditionally (create or replace).
	Put(ctx context.Context, state *models.LeadCadenceState) error

	// List returns every lead record plus per-record read failures.
	List(ctx context.Context) ([]*models.LeadCadenceState, []RecordError, error)

	// ListActive returns records with status active.
	ListActive(ctx context.Context) ([]*models.LeadCadenceState, []RecordError, error)

	// AtomicUpdate applies fn to the lead's record and persists the
	// result, retrying internally on write races. Returns the updated
	// state.
	AtomicUpdate(ctx context.Context, email string, fn UpdateFunc) (*models.LeadCadenceState, error)

	// Close releases backend resources.
	Close() error
}

// IsNotFound reports whether err is the not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorrupt reports whether err is the corrupt-record sentinel.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}
