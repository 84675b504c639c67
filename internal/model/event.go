package model

import "time"

// EventType classifies a lifecycle event reported by the authority.
type EventType string

const (
	EventCancellation     EventType = "Cancellation"
	EventCorrectionLetter EventType = "CorrectionLetter"
	EventAcknowledgment   EventType = "Acknowledgment"
	EventOther            EventType = "Other"
)

// EventTypeForCode maps an authority event code (tpEvento) to an EventType.
func EventTypeForCode(code string) EventType {
	switch code {
	case "110111", "110112", "101101", "110115":
		return EventCancellation
	case "110110":
		return EventCorrectionLetter
	case "210200", "210210", "210220", "210240", "203202":
		return EventAcknowledgment
	}
	return EventOther
}

// DocumentEvent is one lifecycle event attached to an access key.
type DocumentEvent struct {
	AccessKey   string    `json:"access_key"`
	Type        EventType `json:"type"`
	Code        string    `json:"code"`
	Sequence    int       `json:"sequence"`
	Protocol    string    `json:"protocol,omitempty"`
	Description string    `json:"description,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
