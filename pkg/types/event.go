package types

// Canonical event types retained by the logger.
const (
	EventDoorTrial               = "door_trial"
	EventTrustProbeMid           = "trust_probe_mid"
	EventReputationItem          = "reputation_item"
	EventReputationProbe         = "reputation_probe"
	EventQuestionnaire           = "questionnaire"
	EventQuestionnaireATI        = "questionnaire_ati"
	EventQuestionnairePropensity = "questionnaire_propensity"
	EventQuestionnairePost       = "questionnaire_post"
	EventDemographics            = "demographics"
	EventSessionStart            = "session_start"
	EventSessionEnd              = "session_end"
	EventWithdrawal              = "withdrawal"
	EventAttentionCheck          = "attention_check"
)

var allowedEvents = map[string]struct{}{
	EventDoorTrial:               {},
	EventTrustProbeMid:           {},
	EventReputationItem:          {},
	EventReputationProbe:         {},
	EventQuestionnaire:           {},
	EventQuestionnaireATI:        {},
	EventQuestionnairePropensity: {},
	EventQuestionnairePost:       {},
	EventDemographics:            {},
	EventSessionStart:            {},
	EventSessionEnd:              {},
	EventWithdrawal:              {},
	EventAttentionCheck:          {},
}

// IsAllowedEvent reports whether an event type is on the allow-list.
func IsAllowedEvent(eventType string) bool {
	_, ok := allowedEvents[eventType]
	return ok
}

// IsQuestionnaireEvent reports whether the event type is a questionnaire variant.
func IsQuestionnaireEvent(eventType string) bool {
	switch eventType {
	case EventQuestionnaire, EventQuestionnaireATI, EventQuestionnairePropensity,
		EventQuestionnairePost, EventDemographics:
		return true
	}
	return false
}

// IsProbeEvent reports whether the event type is a single-value probe.
func IsProbeEvent(eventType string) bool {
	return eventType == EventTrustProbeMid || eventType == EventReputationProbe
}
