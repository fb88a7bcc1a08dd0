package models

import (
	"strings"
	"time"
)

// CadenceStatus is the lifecycle state of a lead's enrollment.
type CadenceStatus string

const (
	StatusActive CadenceStatus = "active"
	StatusPaused CadenceStatus = "paused"
	StatusExited CadenceStatus = "exited"
)

// ExitReason records why a lead left its cadence.
type ExitReason string

const (
	ExitReplied         ExitReason = "replied"
	ExitMeetingBooked   ExitReason = "meeting_booked"
	ExitBounced         ExitReason = "bounced"
	ExitUnsubscribed    ExitReason = "unsubscribed"
	ExitLinkedInReplied ExitReason = "linkedin_replied"
	ExitExhausted       ExitReason = "exhausted"
	ExitManual          ExitReason = "manual"
)

// ValidExitReason reports whether r is a known exit reason.
func ValidExitReason(r ExitReason) bool {
	switch r {
	case ExitReplied, ExitMeetingBooked, ExitBounced, ExitUnsubscribed,
		ExitLinkedInReplied, ExitExhausted, ExitManual:
		return true
	}
	return false
}

// StepCompletion is one entry in a lead's completion history. A step can be
// completed by an actual send or by a skip; both block re-emission.
type StepCompletion struct {
	StepIndex   int       `json:"step_index"`
	CompletedAt time.Time `json:"completed_at"`
	Skipped     bool      `json:"skipped,omitempty"`
	SkipReason  string    `json:"skip_reason,omitempty"`
}

// LeadCadenceState is the durable per-lead record the engine operates on.
// One record per email; the email is canonicalized to lowercase for storage.
// The struct doubles as the SQL row for the gorm-backed store; list-valued
// fields serialize to jsonb columns.
type LeadCadenceState struct {
	Email             string           `gorm:"primaryKey;size:320" json:"email"`
	CadenceID         string           `gorm:"not null;index" json:"cadence_id"`
	Tier              string           `json:"tier"`
	StartedAt         time.Time        `gorm:"not null" json:"started_at"`
	CurrentStep       int              `gorm:"default:0" json:"current_step"`
	Status            CadenceStatus    `gorm:"not null;index;default:'active'" json:"status"`
	ExitReason        ExitReason       `json:"exit_reason,omitempty"`
	LinkedInURL       string           `json:"linkedin_url,omitempty"`
	LinkedInConnected bool             `gorm:"default:false" json:"linkedin_connected"`
	StepsCompleted    []StepCompletion `gorm:"type:jsonb;serializer:json" json:"steps_completed"`
	LastStepAt        *time.Time       `json:"last_step_at,omitempty"`
	NextStepDue       Date             `gorm:"size:10" json:"next_step_due"`
	PausedAt          *time.Time       `json:"paused_at,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`

	// Version supports optimistic locking in the key-value and SQL
	// backends. The file backend relies on atomic replace instead and
	// just carries it through.
	Version int64 `gorm:"default:0" json:"version"`
}

// CanonicalEmail lowercases and trims an email for use as a storage key.
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ApplyDefaults fills zero values left behind by older records so the rest
// of the code never sees a half-initialized state.
func (s *LeadCadenceState) ApplyDefaults() {
	s.Email = CanonicalEmail(s.Email)
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.StepsCompleted == nil {
		s.StepsCompleted = []StepCompletion{}
	}
	if s.NextStepDue.IsZero() && !s.StartedAt.IsZero() {
		s.NextStepDue = DateOf(s.StartedAt)
	}
}

// HasCompleted reports whether stepIndex is already in the completion
// history, whether sent or skipped.
func (s *LeadCadenceState) HasCompleted(stepIndex int) bool {
	for _, c := range s.StepsCompleted {
		if c.StepIndex == stepIndex {
			return true
		}
	}
	return false
}

// IsActive reports whether the lead participates in due computation.
func (s *LeadCadenceState) IsActive() bool {
	return s.Status == StatusActive
}

// IsTerminal reports whether the lead has left its cadence for good.
func (s *LeadCadenceState) IsTerminal() bool {
	return s.Status == StatusExited
}

// DueAction is one actionable step surfaced by the engine for the
// dispatcher to execute.
type DueAction struct {
	Email      string  `json:"email"`
	CadenceID  string  `json:"cadence_id"`
	Tier       string  `json:"tier"`
	StepIndex  int     `json:"step_index"`
	Channel    Channel `json:"channel"`
	ActionType string  `json:"action_type"`
	DueOn      Date    `json:"due_on"`
}
