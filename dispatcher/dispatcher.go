// Package dispatcher pulls due actions from the engine and executes them
// through per-channel senders. Completion is reported back to the engine
// only after a send is durably confirmed; a crash in between leaves the
// lead due again next pass, and the send-id header lets receiving systems
// deduplicate the replay.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cadencer/engine"
	"cadencer/feedback"
	"cadencer/models"
	"cadencer/store"
)

// ErrPermanent marks a send failure no retry can fix (hard bounce, rejected
// recipient). The dispatcher exits the lead instead of retrying forever.
var ErrPermanent = errors.New("permanent send failure")

// SendRequest is everything a sender needs for one action. SendID is fresh
// per attempt batch and travels with the message for downstream dedupe.
type SendRequest struct {
	SendID string
	Action models.DueAction
	Lead   *models.LeadCadenceState
}

// Sender performs one channel-specific send.
type Sender interface {
	Send(ctx context.Context, req *SendRequest) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, req *SendRequest) error

func (f SenderFunc) Send(ctx context.Context, req *SendRequest) error { return f(ctx, req) }

// Dispatcher routes due actions to senders and records outcomes.
type Dispatcher struct {
	engine   *engine.Engine
	feedback *feedback.Recorder
	senders  map[models.Channel]Sender
	timeout  time.Duration
	dryRun   bool
	log      *logrus.Logger

	// mu serializes passes. The cron worker and the run endpoint can both
	// trigger one; overlapping passes would double-send the same step.
	mu sync.Mutex
}

// Option tweaks dispatcher construction.
type Option func(*Dispatcher)

// WithDryRun makes Dispatch report planned actions without sending or
// mutating any state.
func WithDryRun() Option {
	return func(d *Dispatcher) { d.dryRun = true }
}

// WithTimeout bounds each individual send.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// New builds a dispatcher. Wire channels with Register before dispatching.
func New(eng *engine.Engine, fb *feedback.Recorder, log *logrus.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Dispatcher{
		engine:   eng,
		feedback: fb,
		senders:  make(map[models.Channel]Sender),
		timeout:  30 * time.Second,
		log:      log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register wires a sender for a channel, replacing any previous one.
func (d *Dispatcher) Register(channel models.Channel, s Sender) {
	d.senders[channel] = s
}

// Report summarizes one dispatch pass.
type Report struct {
	Date     models.Date         `json:"date"`
	Sent     int                 `json:"sent"`
	Failed   int                 `json:"failed"`
	Exited   int                 `json:"exited"`
	Planned  []models.DueAction  `json:"planned,omitempty"`
	Unrouted []models.DueAction  `json:"unrouted,omitempty"`
	Failures []store.RecordError `json:"-"`
}

// Dispatch runs one pass: compute due actions, send each, record outcomes.
// Per-lead problems land in the report; only a dead store aborts the pass.
func (d *Dispatcher) Dispatch(ctx context.Context, today models.Date) (*Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	due, err := d.engine.GetDueActions(ctx, today)
	if err != nil {
		return nil, err
	}
	rep := &Report{Date: due.Date, Failures: due.Failures}

	for _, action := range due.Actions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.dryRun {
			rep.Planned = append(rep.Planned, action)
			continue
		}
		sender, ok := d.senders[action.Channel]
		if !ok {
			// No automation for this channel; leave the step due and
			// surface it for manual handling.
			rep.Unrouted = append(rep.Unrouted, action)
			continue
		}
		d.dispatchOne(ctx, sender, action, rep)
	}

	d.log.WithFields(logrus.Fields{
		"date":     string(rep.Date),
		"sent":     rep.Sent,
		"failed":   rep.Failed,
		"unrouted": len(rep.Unrouted),
	}).Info("📤 Dispatch pass finished")
	return rep, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sender Sender, action models.DueAction, rep *Report) {
	lead, err := d.engine.GetStatus(ctx, action.Email)
	if err != nil {
		rep.Failed++
		rep.Failures = append(rep.Failures, store.RecordError{Email: action.Email, Err: err})
		return
	}

	req := &SendRequest{SendID: uuid.NewString(), Action: action, Lead: lead}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	err = sender.Send(sendCtx, req)
	cancel()

	if err != nil {
		rep.Failed++
		d.log.WithFields(logrus.Fields{
			"email":   action.Email,
			"step":    action.StepIndex,
			"channel": string(action.Channel),
			"send_id": req.SendID,
			"error":   err.Error(),
		}).Error("❌ Send failed")
		sentry.CaptureException(fmt.Errorf("send %s step %d: %w", action.Email, action.StepIndex, err))

		outcome := models.OutcomeFailed
		if errors.Is(err, ErrPermanent) && action.Channel == models.ChannelEmail {
			// Hard bounce: the address is dead, stop the cadence.
			if _, exitErr := d.engine.ApplyExitSignal(ctx, action.Email, models.ExitBounced); exitErr != nil {
				rep.Failures = append(rep.Failures, store.RecordError{Email: action.Email, Err: exitErr})
			} else {
				rep.Exited++
				outcome = models.OutcomeBounced
			}
		}
		d.recordOutcome(action, req.SendID, outcome, err.Error())
		return
	}

	// The send is durably confirmed; only now advance the cadence.
	if _, err := d.engine.RecordStepComplete(ctx, action.Email, action.StepIndex, time.Now().UTC()); err != nil {
		// The message went out but the advance failed; next pass re-dues
		// the step and the send-id lets the channel dedupe.
		rep.Failures = append(rep.Failures, store.RecordError{Email: action.Email, Err: err})
	}
	rep.Sent++
	d.recordOutcome(action, req.SendID, models.OutcomeSent, "")
}

func (d *Dispatcher) recordOutcome(action models.DueAction, sendID string, outcome models.Outcome, detail string) {
	if d.feedback == nil {
		return
	}
	err := d.feedback.Record(&models.StepOutcome{
		Email:      action.Email,
		CadenceID:  action.CadenceID,
		StepIndex:  action.StepIndex,
		Channel:    action.Channel,
		ActionType: action.ActionType,
		Outcome:    outcome,
		SendID:     sendID,
		Detail:     detail,
	})
	if err != nil {
		d.log.WithField("email", action.Email).Warnf("outcome log append failed: %v", err)
	}
}
