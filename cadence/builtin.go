package cadence

import "cadencer/models"

// DefaultCadenceID is the cadence new leads enroll in unless told otherwise.
const DefaultCadenceID = "default_21day"

// Default21Day returns the standard 21-day multi-channel schedule: four
// emails interleaved with a LinkedIn connect and a LinkedIn message, ending
// with a break-up note on day 21.
func Default21Day() *models.CadenceDefinition {
	return &models.CadenceDefinition{
		CadenceID:   DefaultCadenceID,
		Description: "Standard 21-day email + LinkedIn outreach sequence",
		Steps: []models.CadenceStep{
			{StepIndex: 0, DayOffset: 0, Channel: models.ChannelEmail, ActionType: "intro"},
			{StepIndex: 1, DayOffset: 2, Channel: models.ChannelLinkedInConnect, ActionType: "connect_request", SkipWhen: "no_linkedin_url,already_connected"},
			{StepIndex: 2, DayOffset: 5, Channel: models.ChannelEmail, ActionType: "value_followup"},
			{StepIndex: 3, DayOffset: 8, Channel: models.ChannelLinkedInMessage, ActionType: "linkedin_touch", SkipWhen: "no_linkedin_url"},
			{StepIndex: 4, DayOffset: 12, Channel: models.ChannelEmail, ActionType: "case_study"},
			{StepIndex: 5, DayOffset: 16, Channel: models.ChannelLinkedInMessage, ActionType: "linkedin_nudge", SkipWhen: "no_linkedin_url"},
			{StepIndex: 6, DayOffset: 21, Channel: models.ChannelEmail, ActionType: "break_up"},
		},
	}
}

// ReEngagement returns the short follow-up cadence used to revive leads
// that exhausted the default sequence without replying.
func ReEngagement() *models.CadenceDefinition {
	return &models.CadenceDefinition{
		CadenceID:   "re_engagement_7day",
		Description: "Short 7-day revival sequence for exhausted leads",
		Steps: []models.CadenceStep{
			{StepIndex: 0, DayOffset: 0, Channel: models.ChannelEmail, ActionType: "re_intro"},
			{StepIndex: 1, DayOffset: 3, Channel: models.ChannelLinkedInConnect, ActionType: "connect_request", SkipWhen: "no_linkedin_url,already_connected"},
			{StepIndex: 2, DayOffset: 7, Channel: models.ChannelEmail, ActionType: "final_nudge"},
		},
	}
}

// DefaultLibrary returns a library preloaded with the builtin cadences.
func DefaultLibrary() *Library {
	lib, err := NewLibrary(Default21Day(), ReEngagement())
	if err != nil {
		// Builtin definitions are fixed at compile time; failing to
		// validate them is a programming error.
		panic(err)
	}
	return lib
}
