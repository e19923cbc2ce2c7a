// Package message defines what travels between actors: typed payloads,
// the envelopes that carry them, and the addresses they are routed by.
package message

// Priority orders envelopes for backpressure decisions. Messages that do
// not declare a priority are treated as PriorityNormal.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Message is the payload contract. Implementations should be immutable
// values; a published message is shared by every subscriber's envelope.
type Message interface {
	// Type returns a stable identifier for the message type, used in
	// diagnostics and monitoring events.
	Type() string
}

// Prioritized is implemented by messages that declare their own delivery
// priority. It is an optional upgrade of Message.
type Prioritized interface {
	Message
	Priority() Priority
}

// PriorityOf returns the priority declared by msg, or PriorityNormal when
// msg does not implement Prioritized.
func PriorityOf(msg Message) Priority {
	if p, ok := msg.(Prioritized); ok {
		return p.Priority()
	}
	return PriorityNormal
}
