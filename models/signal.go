package models

import "time"

// SignalReason identifies the kind of external engagement event a flag
// carries. connection_accepted accelerates the schedule; the rest map to
// exit signals.
type SignalReason string

const (
	SignalConnectionAccepted SignalReason = "connection_accepted"
	SignalReplied            SignalReason = "replied"
	SignalLinkedInReplied    SignalReason = "linkedin_replied"
	SignalBounced            SignalReason = "bounced"
	SignalUnsubscribed       SignalReason = "unsubscribed"
	SignalMeetingBooked      SignalReason = "meeting_booked"
)

// Skip reasons recorded on flags that could not be applied. These are
// routine outcomes, not errors: signals arrive for leads that were never
// enrolled or that exited long ago.
const (
	SkipNoActiveCadence = "no_active_cadence"
	SkipNoEmail         = "no_email"
	SkipUnknownReason   = "unknown_reason"
)

// SignalLead is the lead payload carried inside a signal flag. Producers
// include whatever they know; only the email is required to resolve the
// target.
type SignalLead struct {
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
	Company     string `json:"company,omitempty"`
}

// SignalFlag is one asynchronously produced engagement event, persisted as
// a single JSON file until the reconciler marks it processed.
type SignalFlag struct {
	ID          string       `json:"id,omitempty"`
	Reason      SignalReason `json:"reason"`
	Lead        SignalLead   `json:"lead"`
	Source      string       `json:"source,omitempty"`
	FlaggedAt   time.Time    `json:"flagged_at"`
	Processed   bool         `json:"processed"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
	SkipReason  string       `json:"skip_reason,omitempty"`
}

// ExitReasonFor maps a signal reason to the exit reason it forces, or ""
// for signals that do not terminate a cadence.
func ExitReasonFor(reason SignalReason) ExitReason {
	switch reason {
	case SignalReplied:
		return ExitReplied
	case SignalLinkedInReplied:
		return ExitLinkedInReplied
	case SignalBounced:
		return ExitBounced
	case SignalUnsubscribed:
		return ExitUnsubscribed
	case SignalMeetingBooked:
		return ExitMeetingBooked
	}
	return ""
}
