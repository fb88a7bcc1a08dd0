package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"cadencer/cadence"
	"cadencer/models"
	"cadencer/store"
)

// DueResult is the outcome of one due-computation pass. Failures carry the
// leads that could not be processed; the rest of the batch still went
// through.
type DueResult struct {
	Date     models.Date         `json:"date"`
	Actions  []models.DueAction  `json:"actions"`
	Failures []store.RecordError `json:"-"`
}

// GetDueActions computes the actions due on or before today across all
// active leads. Steps whose skip condition holds are recorded as skipped
// completions and advanced past, chaining until a sendable step or
// exhaustion. With no intervening writes, repeated calls for the same day
// return the same action set.
func (e *Engine) GetDueActions(ctx context.Context, today models.Date) (*DueResult, error) {
	if today.IsZero() {
		today = models.Today()
	}
	states, recErrs, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	res := &DueResult{Date: today, Failures: recErrs}
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		action, err := e.dueForLead(ctx, st, today)
		if err != nil {
			res.Failures = append(res.Failures, store.RecordError{Email: st.Email, Err: err})
			continue
		}
		if action != nil {
			res.Actions = append(res.Actions, *action)
		}
	}
	sort.Slice(res.Actions, func(i, j int) bool { return res.Actions[i].Email < res.Actions[j].Email })
	return res, nil
}

func (e *Engine) dueForLead(ctx context.Context, st *models.LeadCadenceState, today models.Date) (*models.DueAction, error) {
	def := e.lib.Get(st.CadenceID)
	if def == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCadence, st.CadenceID)
	}
	if !st.IsActive() || st.NextStepDue.After(today) {
		return nil, nil
	}

	// Fast path: the current step is due, uncompleted and not skippable, so
	// nothing needs writing.
	if st.CurrentStep < def.Len() && !st.HasCompleted(st.CurrentStep) {
		step := def.Step(st.CurrentStep)
		if skip, _ := cadence.EvaluateSkip(step, st); !skip {
			return dueAction(st, step), nil
		}
	}

	// Slow path: advance past skipped or already-completed steps under the
	// lead's lock, then re-check what is due.
	updated, err := e.store.AtomicUpdate(ctx, st.Email, func(cur *models.LeadCadenceState) error {
		e.advanceSkips(cur, def, today)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.IsTerminal() {
		e.log.WithFields(logrus.Fields{
			"email":  updated.Email,
			"reason": string(updated.ExitReason),
		}).Info("🚪 Lead exited cadence")
	}
	if !updated.IsActive() || updated.NextStepDue.After(today) || updated.CurrentStep >= def.Len() {
		return nil, nil
	}
	return dueAction(updated, def.Step(updated.CurrentStep)), nil
}

// advanceSkips walks the lead's pointer over every due step whose skip
// condition holds, recording each as a skipped completion. Running off the
// end of the cadence exhausts it.
func (e *Engine) advanceSkips(st *models.LeadCadenceState, def *models.CadenceDefinition, today models.Date) {
	now := time.Now().UTC()
	changed := false
	for st.IsActive() && !st.NextStepDue.After(today) {
		if st.CurrentStep >= def.Len() {
			st.Status = models.StatusExited
			st.ExitReason = models.ExitExhausted
			st.PausedAt = nil
			changed = true
			break
		}
		if st.HasCompleted(st.CurrentStep) {
			// Pointer lagging behind history; move it forward without a
			// second completion entry.
			e.advance(st, def)
			changed = true
			continue
		}
		step := def.Step(st.CurrentStep)
		skip, name := cadence.EvaluateSkip(step, st)
		if !skip {
			break
		}
		st.StepsCompleted = append(st.StepsCompleted, models.StepCompletion{
			StepIndex:   st.CurrentStep,
			CompletedAt: now,
			Skipped:     true,
			SkipReason:  name,
		})
		e.log.WithFields(logrus.Fields{
			"email": st.Email,
			"step":  st.CurrentStep,
			"why":   name,
		}).Debug("Step skipped")
		e.advance(st, def)
		changed = true
	}
	if changed {
		st.UpdatedAt = now
	}
}

func dueAction(st *models.LeadCadenceState, step *models.CadenceStep) *models.DueAction {
	return &models.DueAction{
		Email:      st.Email,
		CadenceID:  st.CadenceID,
		Tier:       st.Tier,
		StepIndex:  step.StepIndex,
		Channel:    step.Channel,
		ActionType: step.ActionType,
		DueOn:      st.NextStepDue,
	}
}
