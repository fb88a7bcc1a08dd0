// Package engine drives the per-lead cadence state machine: enrollment,
// step completion, exit signals, pause/resume and the daily due pass. All
// mutations go through the store's atomic update so overlapping scheduler
// runs and the reconciler never interleave on one lead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"

	"cadencer/cadence"
	"cadencer/models"
	"cadencer/store"
)

var (
	// ErrNotEnrolled means no cadence record exists for the lead.
	ErrNotEnrolled = errors.New("lead not enrolled")

	// ErrAlreadyEnrolled means the lead already has an active or paused
	// cadence and the caller asked for an error instead of the existing
	// state.
	ErrAlreadyEnrolled = errors.New("lead already enrolled")

	// ErrStaleStep means a completion arrived for a step that is not the
	// lead's current step, typically from a dispatcher retrying old work.
	ErrStaleStep = errors.New("stale step index")

	// ErrNotActive means the operation needs an active cadence and the
	// lead's is paused or exited.
	ErrNotActive = errors.New("cadence not active")

	// ErrUnknownCadence means the referenced cadence id is not loaded.
	ErrUnknownCadence = errors.New("unknown cadence")

	// ErrInvalidEmail means the enrollment email failed format checks.
	ErrInvalidEmail = errors.New("invalid email")

	// ErrInvalidReason means an exit signal carried an unknown reason.
	ErrInvalidReason = errors.New("invalid exit reason")
)

// errNoop aborts an atomic update without writing when the operation turns
// out to be an idempotent retry. Never escapes the engine.
var errNoop = errors.New("noop")

// Engine owns the cadence state transitions. Construct with New; the store
// and cadence library are injected so tests can run on a temp dir.
type Engine struct {
	store store.Store
	lib   *cadence.Library
	log   *logrus.Logger
}

// New builds an engine on top of a store and cadence library.
func New(st store.Store, lib *cadence.Library, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{store: st, lib: lib, log: log}
}

// Library exposes the loaded cadence definitions.
func (e *Engine) Library() *cadence.Library { return e.lib }

// EnrollPolicy picks the behavior when the lead is already enrolled.
type EnrollPolicy int

const (
	// EnrollReturnExisting makes Enroll hand back the current state.
	EnrollReturnExisting EnrollPolicy = iota
	// EnrollErrIfExists makes Enroll fail with ErrAlreadyEnrolled.
	EnrollErrIfExists
)

// EnrollRequest carries the lead data an enrollment needs. StartedAt
// defaults to the current time.
type EnrollRequest struct {
	Email       string `json:"email" validate:"required"`
	CadenceID   string `json:"cadence_id"`
	Tier        string `json:"tier" validate:"required"`
	LinkedInURL string `json:"linkedin_url"`
	StartedAt   time.Time
	IfEnrolled  EnrollPolicy
}

// Enroll opts a lead into a cadence with step 0 due on the enrollment day.
// An active or paused enrollment is never overwritten; an exited lead
// re-enrolls with a fresh record, which is the explicit administrative
// restart path. The created flag is false when an existing enrollment was
// returned instead.
func (e *Engine) Enroll(ctx context.Context, req EnrollRequest) (state *models.LeadCadenceState, created bool, err error) {
	email := models.CanonicalEmail(req.Email)
	if err := checkmail.ValidateFormat(email); err != nil {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidEmail, req.Email)
	}
	cadenceID := req.CadenceID
	if cadenceID == "" {
		cadenceID = cadence.DefaultCadenceID
	}
	if e.lib.Get(cadenceID) == nil {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownCadence, cadenceID)
	}

	existing, err := e.store.Get(ctx, email)
	switch {
	case err == nil:
		if !existing.IsTerminal() {
			if req.IfEnrolled == EnrollErrIfExists {
				return nil, false, fmt.Errorf("%s: %w", email, ErrAlreadyEnrolled)
			}
			return existing, false, nil
		}
		// Exited: fall through and start over.
	case store.IsNotFound(err):
		// New lead.
	default:
		// Corrupt or unavailable records must never look like
		// not-enrolled, or we would double-enroll.
		return nil, false, err
	}

	startedAt := req.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	state = &models.LeadCadenceState{
		Email:          email,
		CadenceID:      cadenceID,
		Tier:           req.Tier,
		StartedAt:      startedAt,
		CurrentStep:    0,
		Status:         models.StatusActive,
		LinkedInURL:    req.LinkedInURL,
		StepsCompleted: []models.StepCompletion{},
		NextStepDue:    models.DateOf(startedAt),
		UpdatedAt:      startedAt,
	}
	if err := e.store.Put(ctx, state); err != nil {
		return nil, false, err
	}
	e.log.WithFields(logrus.Fields{
		"email":   email,
		"cadence": cadenceID,
		"tier":    req.Tier,
	}).Info("📥 Lead enrolled in cadence")
	return state, true, nil
}

// RecordStepComplete persists a dispatcher-confirmed send for the lead's
// current step and advances the schedule. A completion already on record is
// a no-op, so at-least-once dispatchers never double-advance. The next due
// date stays anchored to started_at plus the next step's day offset; a late
// completion does not shift the rest of the schedule.
func (e *Engine) RecordStepComplete(ctx context.Context, email string, stepIndex int, completedAt time.Time) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	var snapshot *models.LeadCadenceState

	updated, err := e.store.AtomicUpdate(ctx, email, func(st *models.LeadCadenceState) error {
		if st.HasCompleted(stepIndex) {
			snapshot = st
			return errNoop
		}
		if !st.IsActive() {
			return fmt.Errorf("%s: %w (status %s)", email, ErrNotActive, st.Status)
		}
		if stepIndex != st.CurrentStep {
			return fmt.Errorf("%s: %w: got %d, current is %d", email, ErrStaleStep, stepIndex, st.CurrentStep)
		}
		def := e.lib.Get(st.CadenceID)
		if def == nil {
			return fmt.Errorf("%s: %w: %q", email, ErrUnknownCadence, st.CadenceID)
		}
		st.StepsCompleted = append(st.StepsCompleted, models.StepCompletion{
			StepIndex:   stepIndex,
			CompletedAt: completedAt,
		})
		st.LastStepAt = &completedAt
		e.advance(st, def)
		st.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, errNoop) {
		return snapshot, nil
	}
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", email, ErrNotEnrolled)
	}
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"email":    email,
		"step":     stepIndex,
		"next_due": string(updated.NextStepDue),
		"status":   string(updated.Status),
	}).Debug("Step completion recorded")
	return updated, nil
}

// advance moves the step pointer past the just-completed step and either
// schedules the next step or exhausts the cadence.
func (e *Engine) advance(st *models.LeadCadenceState, def *models.CadenceDefinition) {
	st.CurrentStep++
	if st.CurrentStep >= def.Len() {
		st.Status = models.StatusExited
		st.ExitReason = models.ExitExhausted
		st.PausedAt = nil
		return
	}
	next := def.Step(st.CurrentStep)
	st.NextStepDue = models.DateOf(st.StartedAt).AddDays(next.DayOffset)
}

// ApplyExitSignal terminates the lead's cadence with the given reason. The
// transition is irreversible here; an already-exited lead keeps its
// original reason. Paused leads exit too.
func (e *Engine) ApplyExitSignal(ctx context.Context, email string, reason models.ExitReason) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	if !models.ValidExitReason(reason) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	var snapshot *models.LeadCadenceState
	updated, err := e.store.AtomicUpdate(ctx, email, func(st *models.LeadCadenceState) error {
		if st.IsTerminal() {
			snapshot = st
			return errNoop
		}
		st.Status = models.StatusExited
		st.ExitReason = reason
		st.PausedAt = nil
		st.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, errNoop) {
		return snapshot, nil
	}
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", email, ErrNotEnrolled)
	}
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"email":  email,
		"reason": string(reason),
	}).Info("🚪 Lead exited cadence")
	return updated, nil
}

// Pause freezes an active cadence. The due date is left untouched so the
// absolute schedule resumes where it stopped.
func (e *Engine) Pause(ctx context.Context, email string) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	var snapshot *models.LeadCadenceState
	updated, err := e.store.AtomicUpdate(ctx, email, func(st *models.LeadCadenceState) error {
		if st.IsTerminal() {
			return fmt.Errorf("%s: %w (status %s)", email, ErrNotActive, st.Status)
		}
		if st.Status == models.StatusPaused {
			snapshot = st
			return errNoop
		}
		now := time.Now().UTC()
		st.Status = models.StatusPaused
		st.PausedAt = &now
		st.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errNoop) {
		return snapshot, nil
	}
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", email, ErrNotEnrolled)
	}
	return updated, err
}

// Resume reactivates a paused cadence without recomputing next_step_due;
// repeated pause/resume cycles cannot push the schedule out.
func (e *Engine) Resume(ctx context.Context, email string) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	var snapshot *models.LeadCadenceState
	updated, err := e.store.AtomicUpdate(ctx, email, func(st *models.LeadCadenceState) error {
		if st.IsTerminal() {
			return fmt.Errorf("%s: %w (status %s)", email, ErrNotActive, st.Status)
		}
		if st.Status == models.StatusActive {
			snapshot = st
			return errNoop
		}
		st.Status = models.StatusActive
		st.PausedAt = nil
		st.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, errNoop) {
		return snapshot, nil
	}
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", email, ErrNotEnrolled)
	}
	return updated, err
}

// GetStatus returns one lead's state.
func (e *Engine) GetStatus(ctx context.Context, email string) (*models.LeadCadenceState, error) {
	st, err := e.store.Get(ctx, models.CanonicalEmail(email))
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", email, ErrNotEnrolled)
	}
	return st, err
}

// ListStates returns every lead record plus per-record read failures.
func (e *Engine) ListStates(ctx context.Context) ([]*models.LeadCadenceState, []store.RecordError, error) {
	return e.store.List(ctx)
}
