package models

import "fmt"

// Channel identifies the outreach channel a step goes out on.
type Channel string

const (
	ChannelEmail           Channel = "email"
	ChannelLinkedInConnect Channel = "linkedin_connect"
	ChannelLinkedInMessage Channel = "linkedin_message"
)

// ValidChannel reports whether c is a known outreach channel.
func ValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelLinkedInConnect, ChannelLinkedInMessage:
		return true
	}
	return false
}

// CadenceStep is one scheduled touch-point in a cadence.
type CadenceStep struct {
	StepIndex  int     `yaml:"step_index" json:"step_index"`
	DayOffset  int     `yaml:"day_offset" json:"day_offset"`
	Channel    Channel `yaml:"channel" json:"channel"`
	ActionType string  `yaml:"action_type" json:"action_type"`
	SkipWhen   string  `yaml:"skip_when,omitempty" json:"skip_when,omitempty"`
}

// CadenceDefinition is the static schedule a lead progresses through.
// Definitions are configuration, never engine logic: the engine treats the
// step list as opaque data so alternate cadences share the same code.
type CadenceDefinition struct {
	CadenceID   string        `yaml:"cadence_id" json:"cadence_id"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []CadenceStep `yaml:"steps" json:"steps"`
}

// Validate checks the structural invariants of a definition: step indices
// are 0-based and contiguous, day offsets are non-decreasing, step 0 is due
// on enrollment day, and every channel is known. Skip-condition names are
// validated by the cadence loader, which owns the predicate registry.
func (d *CadenceDefinition) Validate() error {
	if d.CadenceID == "" {
		return fmt.Errorf("cadence_id is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("cadence %q has no steps", d.CadenceID)
	}
	prevOffset := 0
	for i, step := range d.Steps {
		if step.StepIndex != i {
			return fmt.Errorf("cadence %q: step at position %d has step_index %d", d.CadenceID, i, step.StepIndex)
		}
		if step.DayOffset < 0 {
			return fmt.Errorf("cadence %q step %d: negative day_offset", d.CadenceID, i)
		}
		if i == 0 && step.DayOffset != 0 {
			return fmt.Errorf("cadence %q: step 0 must have day_offset 0", d.CadenceID)
		}
		if step.DayOffset < prevOffset {
			return fmt.Errorf("cadence %q step %d: day_offset %d decreases from %d", d.CadenceID, i, step.DayOffset, prevOffset)
		}
		if !ValidChannel(step.Channel) {
			return fmt.Errorf("cadence %q step %d: unknown channel %q", d.CadenceID, i, step.Channel)
		}
		if step.ActionType == "" {
			return fmt.Errorf("cadence %q step %d: action_type is required", d.CadenceID, i)
		}
		prevOffset = step.DayOffset
	}
	return nil
}

// Step returns the step at index, or nil when out of range.
func (d *CadenceDefinition) Step(index int) *CadenceStep {
	if index < 0 || index >= len(d.Steps) {
		return nil
	}
	return &d.Steps[index]
}

// Len returns the number of steps in the cadence.
func (d *CadenceDefinition) Len() int {
	return len(d.Steps)
}
