package core

import "time"

// EventType enumerates the fixed event vocabulary understood by the event
// bus. New types can be added, but free-form strings are rejected at the
// publish boundary.
type EventType string

const (
	EventTaskCreated        EventType = "task_created"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventMessageReceived    EventType = "message_received"
	EventAlertTriggered     EventType = "alert_triggered"
	EventBudgetWarning      EventType = "budget_warning"
	EventSecurityIncident   EventType = "security_incident"
	EventMaintenanceDue     EventType = "maintenance_due"
	EventContractorNeeded   EventType = "contractor_needed"
	EventSystemHealthChange EventType = "system_health_change"
	EventUserRequest        EventType = "user_request"
	EventScheduleTrigger    EventType = "schedule_trigger"
)

// Valid reports whether t belongs to the enumerated event vocabulary.
func (t EventType) Valid() bool {
	switch t {
	case EventTaskCreated, EventTaskCompleted, EventTaskFailed,
		EventMessageReceived, EventAlertTriggered, EventBudgetWarning,
		EventSecurityIncident, EventMaintenanceDue, EventContractorNeeded,
		EventSystemHealthChange, EventUserRequest, EventScheduleTrigger:
		return true
	}
	return false
}

// Event is a published fact. After publication it is immutable except for
// the Consumers list, which the event bus appends to as subscribers
// successfully handle the event.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  Priority       `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Consumers []string       `json:"consumers"`
}

// NewEvent creates an event with a fresh ID and UTC timestamp.
func NewEvent(t EventType, source string, payload map[string]any, priority Priority) Event {
	return Event{
		ID:        NewID(),
		Type:      t,
		Source:    source,
		Payload:   payload,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
		Consumers: []string{},
	}
}
