package core

import "time"

// BroadcastTarget is the reserved recipient meaning "every registered
// worker except the sender".
const BroadcastTarget = "broadcast"

// MessageStatus tracks a message through its queue lifecycle.
type MessageStatus string

const (
	// MessagePending means the message is queued and unconsumed.
	MessagePending MessageStatus = "pending"
	// MessageProcessed means a recipient acknowledged the message.
	MessageProcessed MessageStatus = "processed"
	// MessageExpired means the message outlived its TTL before being
	// processed. Expiry is evaluated lazily at read time.
	MessageExpired MessageStatus = "expired"
)

// Message is a directed communication between workers. Broadcast messages
// use BroadcastTarget as recipient. A zero ExpiresAt means the message
// never expires.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  Priority       `json:"priority"`
	Status    MessageStatus  `json:"status"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Result    any            `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the message's TTL has elapsed at the given time.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}
