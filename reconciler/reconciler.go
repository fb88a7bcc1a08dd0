package reconciler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"cadencer/engine"
	"cadencer/models"
	"cadencer/store"
)

// Sentinels for the connection-accepted update: abort the write when the
// lead went terminal mid-flight or when the signal changes nothing.
var (
	errTerminal = errors.New("lead exited")
	errNoChange = errors.New("no change")
)

// Reconciler drains pending signal flags into cadence state. Exit-class
// signals terminate the cadence through the engine; connection_accepted
// records the connect and accelerates the next due date, never postponing
// it.
type Reconciler struct {
	flags  *FlagStore
	store  store.Store
	engine *engine.Engine
	log    *logrus.Logger
}

// New builds a reconciler over a flag store, state store and engine.
func New(flags *FlagStore, st store.Store, eng *engine.Engine, log *logrus.Logger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{flags: flags, store: st, engine: eng, log: log}
}

// Flags exposes the underlying flag store for producers.
func (r *Reconciler) Flags() *FlagStore { return r.flags }

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Scanned  int                 `json:"scanned"`
	Applied  int                 `json:"applied"`
	Skipped  int                 `json:"skipped"`
	Mutated  []string            `json:"mutated,omitempty"`
	Failures []store.RecordError `json:"-"`
}

// ProcessPendingSignals applies every unprocessed flag, one lead at a time
// with no cross-lead coupling. Flags that cannot resolve to an active
// cadence are marked processed with a skip reason; flags that hit a store
// failure stay pending for the next pass. Re-running over processed flags
// is a no-op.
func (r *Reconciler) ProcessPendingSignals(ctx context.Context, today models.Date) (*SyncResult, error) {
	if today.IsZero() {
		today = models.Today()
	}
	flags, badness, err := r.flags.ListPending()
	if err != nil {
		return nil, err
	}
	res := &SyncResult{Failures: badness}
	mutated := make(map[string]bool)

	for _, flag := range flags {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Scanned++
		email, changed, skipReason, err := r.applyFlag(ctx, flag, today)
		if err != nil {
			res.Failures = append(res.Failures, store.RecordError{Email: email, Err: err})
			continue
		}
		if err := r.flags.MarkProcessed(flag, skipReason); err != nil {
			res.Failures = append(res.Failures, store.RecordError{Email: email, Err: err})
			continue
		}
		if skipReason != "" {
			res.Skipped++
			r.log.WithFields(logrus.Fields{
				"flag":   flag.ID,
				"reason": string(flag.Reason),
				"skip":   skipReason,
			}).Debug("Signal skipped")
			continue
		}
		res.Applied++
		if changed {
			mutated[email] = true
		}
	}

	for email := range mutated {
		res.Mutated = append(res.Mutated, email)
	}
	sort.Strings(res.Mutated)
	return res, nil
}

// applyFlag resolves one flag against the store. A non-empty skipReason
// means the flag is done but changed nothing; an error means the flag must
// stay pending.
func (r *Reconciler) applyFlag(ctx context.Context, flag *models.SignalFlag, today models.Date) (email string, changed bool, skipReason string, err error) {
	email = models.CanonicalEmail(flag.Lead.Email)
	if email == "" {
		return "", false, models.SkipNoEmail, nil
	}

	exitReason := models.ExitReasonFor(flag.Reason)
	if exitReason == "" && flag.Reason != models.SignalConnectionAccepted {
		return email, false, models.SkipUnknownReason, nil
	}

	st, err := r.store.Get(ctx, email)
	if store.IsNotFound(err) {
		return email, false, models.SkipNoActiveCadence, nil
	}
	if err != nil {
		// Corrupt or unavailable: retry on a later pass rather than
		// guessing.
		return email, false, "", err
	}
	if st.IsTerminal() {
		return email, false, models.SkipNoActiveCadence, nil
	}

	if exitReason != "" {
		if _, err := r.engine.ApplyExitSignal(ctx, email, exitReason); err != nil {
			return email, false, "", err
		}
		r.log.WithFields(logrus.Fields{
			"email":  email,
			"reason": string(exitReason),
			"flag":   flag.ID,
		}).Info("🛑 Exit signal applied")
		return email, true, "", nil
	}

	// connection_accepted: record the connect, backfill the profile URL if
	// the signal carries one, and pull a future due date up to today.
	_, err = r.store.AtomicUpdate(ctx, email, func(cur *models.LeadCadenceState) error {
		if cur.IsTerminal() {
			return errTerminal
		}
		dirty := false
		if !cur.LinkedInConnected {
			cur.LinkedInConnected = true
			dirty = true
		}
		if cur.LinkedInURL == "" && flag.Lead.LinkedInURL != "" {
			cur.LinkedInURL = flag.Lead.LinkedInURL
			dirty = true
		}
		if cur.NextStepDue.After(today) {
			cur.NextStepDue = today
			dirty = true
		}
		if !dirty {
			return errNoChange
		}
		cur.UpdatedAt = time.Now().UTC()
		return nil
	})
	switch {
	case errors.Is(err, errTerminal):
		return email, false, models.SkipNoActiveCadence, nil
	case errors.Is(err, errNoChange):
		return email, false, "", nil
	case err != nil:
		return email, false, "", err
	}
	r.log.WithFields(logrus.Fields{
		"email": email,
		"flag":  flag.ID,
	}).Info("🤝 Connection accepted, schedule accelerated")
	return email, true, "", nil
}
