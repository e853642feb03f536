package core

// Priority classifies the urgency of a message or event. The message bus
// orders its queue by the urgent/non-urgent split: critical and high
// priority messages are inserted ahead of normal and low ones while
// preserving FIFO order within each tier.
type Priority string

const (
	// PriorityCritical marks work that must be seen before anything else.
	PriorityCritical Priority = "critical"
	// PriorityHigh marks urgent work ordered behind critical items.
	PriorityHigh Priority = "high"
	// PriorityNormal is the default priority.
	PriorityNormal Priority = "normal"
	// PriorityLow marks background or best-effort work.
	PriorityLow Priority = "low"
)

// Urgent reports whether the priority belongs to the front-of-queue tier.
func (p Priority) Urgent() bool { return p == PriorityCritical || p == PriorityHigh }

// Valid reports whether p is one of the enumerated priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}
