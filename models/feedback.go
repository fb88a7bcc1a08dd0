package models

import "time"

// Outcome classifies what ultimately happened to a dispatched step. The
// feedback loop aggregates these per step and per action type so templates
// can be tuned against real reply/bounce rates.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeFailed       Outcome = "failed"
	OutcomeReplied      Outcome = "replied"
	OutcomeBounced      Outcome = "bounced"
	OutcomeUnsubscribed Outcome = "unsubscribed"
	OutcomeMeeting      Outcome = "meeting_booked"
)

// StepOutcome is one feedback event, appended to the outcome log.
type StepOutcome struct {
	Email      string    `json:"email"`
	CadenceID  string    `json:"cadence_id"`
	StepIndex  int       `json:"step_index"`
	Channel    Channel   `json:"channel"`
	ActionType string    `json:"action_type"`
	Outcome    Outcome   `json:"outcome"`
	SendID     string    `json:"send_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StepStats is the aggregated performance of one cadence step.
type StepStats struct {
	CadenceID  string  `json:"cadence_id"`
	StepIndex  int     `json:"step_index"`
	ActionType string  `json:"action_type"`
	Channel    Channel `json:"channel"`
	SentCount  int     `json:"sent_count"`
	SkipCount  int     `json:"skip_count"`
	FailCount  int     `json:"fail_count"`
	ReplyCount int     `json:"reply_count"`
	ReplyRate  float64 `json:"reply_rate"`
}
