// Package mailbox provides per-actor inbound queues with capacity bounds
// and pluggable backpressure. A mailbox has exactly one consumer (the
// owning actor's execution loop) and any number of concurrent producers.
package mailbox

import (
	"context"
	"errors"

	"github.com/nkover/troupe/message"
)

// DefaultCapacity is used for bounded mailboxes when no capacity is set.
const DefaultCapacity = 1000

var (
	// ErrClosed is returned by Enqueue and Dequeue after Close.
	ErrClosed = errors.New("mailbox closed")

	// ErrFull is returned by Enqueue under the Reject policy when the
	// mailbox is at capacity. The wrapped message carries the capacity.
	ErrFull = errors.New("mailbox full")
)

// Policy decides what a bounded mailbox does with a new envelope when it is
// at capacity.
type Policy int

const (
	// Block suspends the enqueue until space frees up, the context is
	// cancelled or the mailbox is closed.
	Block Policy = iota

	// Drop discards the new envelope silently.
	Drop

	// Reject returns ErrFull to the sender.
	Reject

	// ByPriority picks the policy per envelope from its priority:
	// critical and high block, normal rejects, low drops.
	ByPriority
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case Drop:
		return "drop"
	case Reject:
		return "reject"
	case ByPriority:
		return "by-priority"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined policies.
func (p Policy) Valid() bool {
	return p >= Block && p <= ByPriority
}

// PolicyForPriority maps an envelope priority onto a backpressure policy:
// messages that must not be lost block, normal traffic fails fast, low
// priority traffic is shed first.
func PolicyForPriority(p message.Priority) Policy {
	switch p {
	case message.PriorityCritical, message.PriorityHigh:
		return Block
	case message.PriorityLow:
		return Drop
	default:
		return Reject
	}
}

// Mailbox is an ordered queue of envelopes for a single actor.
//
// Implementations guarantee FIFO delivery for envelopes from a single
// sender. There is no ordering guarantee across senders. All
// implementations are safe for concurrent producers; Dequeue and
// TryDequeue must only be called from the single consumer.
type Mailbox interface {
	// Enqueue adds an envelope, applying the mailbox's backpressure
	// policy when bounded and full.
	Enqueue(ctx context.Context, env message.Envelope) error

	// Dequeue removes the oldest envelope, suspending while the mailbox
	// is empty until an envelope arrives, the context is cancelled or
	// the mailbox is closed.
	Dequeue(ctx context.Context) (message.Envelope, error)

	// TryDequeue removes the oldest envelope without suspending.
	// It reports false when the mailbox is empty.
	TryDequeue() (message.Envelope, bool)

	// Len returns the number of queued envelopes.
	Len() int

	// Cap returns the capacity, 0 for unbounded mailboxes.
	Cap() int

	// Metrics returns the mailbox's counters.
	Metrics() *Metrics

	// Close releases blocked producers and the consumer. Undelivered
	// envelopes are discarded. Close is idempotent.
	Close()
}

// Kind selects a mailbox implementation.
type Kind string

const (
	// KindChannel is the default bounded mailbox backed by a buffered
	// channel.
	KindChannel Kind = "channel"

	// KindRing is a bounded mailbox backed by a lock-free ring buffer.
	KindRing Kind = "ring"

	// KindUnbounded is an unbounded MPSC mailbox. The backpressure
	// policy is ignored: enqueue never blocks and never sheds.
	KindUnbounded Kind = "unbounded"
)

// Valid reports whether k names a known mailbox implementation.
func (k Kind) Valid() bool {
	switch k {
	case KindChannel, KindRing, KindUnbounded, "":
		return true
	default:
		return false
	}
}

// Options configure a mailbox built by New.
type Options struct {
	// Kind selects the implementation; empty means KindChannel.
	Kind Kind

	// Capacity bounds the mailbox; values < 1 mean DefaultCapacity.
	// Ignored by KindUnbounded.
	Capacity int

	// Policy is the backpressure behavior when full.
	Policy Policy
}

func (o Options) normalized() Options {
	if o.Kind == "" {
		o.Kind = KindChannel
	}
	if o.Capacity < 1 {
		o.Capacity = DefaultCapacity
	}
	return o
}

// New builds a mailbox from opts.
func New(opts Options) Mailbox {
	opts = opts.normalized()
	switch opts.Kind {
	case KindRing:
		return NewRing(opts.Capacity, opts.Policy)
	case KindUnbounded:
		return NewUnbounded()
	default:
		return NewBounded(opts.Capacity, opts.Policy)
	}
}
