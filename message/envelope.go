package message

import (
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a message with its delivery metadata. Envelopes are plain
// values: the sending side builds one, the mailbox owns it until the
// execution loop dequeues it, and the loop consumes it exactly once.
type Envelope struct {
	// ID uniquely identifies this delivery attempt.
	ID uuid.UUID

	// Payload is the message being delivered.
	Payload Message

	// Sender is the address of the sending actor, when known.
	Sender Address

	// ReplyTo is where replies should be directed, when the sender
	// expects any.
	ReplyTo Address

	// CorrelationID pairs a reply with its originating request.
	// uuid.Nil means unset.
	CorrelationID uuid.UUID

	// Priority is the effective delivery priority of this envelope.
	Priority Priority

	// CreatedAt is when the envelope was built.
	CreatedAt time.Time

	ttl    time.Duration
	hasTTL bool
}

// NewEnvelope wraps msg in an envelope with a fresh id. The priority
// defaults to the one declared by the message itself.
func NewEnvelope(msg Message) Envelope {
	return Envelope{
		ID:        uuid.New(),
		Payload:   msg,
		Priority:  PriorityOf(msg),
		CreatedAt: time.Now(),
	}
}

// WithSender returns a copy of the envelope stamped with the sender address.
func (e Envelope) WithSender(addr Address) Envelope {
	e.Sender = addr
	return e
}

// WithReplyTo returns a copy of the envelope with a reply destination.
func (e Envelope) WithReplyTo(addr Address) Envelope {
	e.ReplyTo = addr
	return e
}

// WithCorrelation returns a copy of the envelope tagged with a correlation id.
func (e Envelope) WithCorrelation(id uuid.UUID) Envelope {
	e.CorrelationID = id
	return e
}

// WithPriority returns a copy of the envelope with an overridden priority.
func (e Envelope) WithPriority(p Priority) Envelope {
	e.Priority = p
	return e
}

// WithTTL returns a copy of the envelope with an armed expiry clock.
// A zero ttl expires immediately. Envelopes without a TTL never expire.
func (e Envelope) WithTTL(ttl time.Duration) Envelope {
	e.ttl = ttl
	e.hasTTL = true
	return e
}

// TTL returns the configured time-to-live and whether one was set.
func (e Envelope) TTL() (time.Duration, bool) {
	return e.ttl, e.hasTTL
}

// Age returns how long the envelope has existed as of now.
func (e Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Expired reports whether the envelope has outlived its TTL as of now.
// Expired envelopes must be discarded instead of delivered.
func (e Envelope) Expired(now time.Time) bool {
	if !e.hasTTL {
		return false
	}
	return e.Age(now) >= e.ttl
}
