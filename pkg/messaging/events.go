package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects published by the node.
const (
	EventTypeTransferStaged    = "transfer.staged"
	EventTypeTransferConfirmed = "transfer.confirmed"
	EventTypeTransferVoided    = "transfer.voided"

	EventTypeWithdrawalRequested = "withdrawal.requested"

	EventTypeEpochSettled = "epoch.settled"

	EventTypeGovStaged    = "gov.staged"
	EventTypeGovCommitted = "gov.committed"

	EventTypeAlert = "alert.raised"
)

// Event is the envelope for everything published on the bus.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Source    string          `json:"source"`
}

// NewEvent wraps a payload in an envelope.
func NewEvent(eventType, source string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Source:    source,
	}, nil
}

// AlertEvent is the payload for alert.raised events.
type AlertEvent struct {
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}
