package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/nkover/troupe/message"
)

// Ring is a bounded mailbox backed by a lock-free ring buffer. It trades
// the channel mailbox's context awareness on blocked enqueues for cheaper
// producer contention: a Block-policy enqueue that is suspended on a full
// ring is released by Close, not by context cancellation.
//
// The ring rounds its capacity up to the next power of two; Cap reports
// the effective value.
type Ring struct {
	buf       *queue.RingBuffer
	policy    Policy
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	metrics   *Metrics
}

var _ Mailbox = (*Ring)(nil)

// NewRing returns a ring-buffer mailbox holding at most capacity envelopes.
func NewRing(capacity int, policy Policy) *Ring {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buf:     queue.NewRingBuffer(uint64(capacity)),
		policy:  policy,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		metrics: newMetrics(),
	}
}

func (m *Ring) Enqueue(ctx context.Context, env message.Envelope) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	policy := m.policy
	if policy == ByPriority {
		policy = PolicyForPriority(env.Priority)
	}

	switch policy {
	case Block:
		if err := m.buf.Put(env); err != nil {
			return ErrClosed
		}
	case Drop:
		ok, err := m.buf.Offer(env)
		if err != nil {
			return ErrClosed
		}
		if !ok {
			m.metrics.recordDrop()
			return nil
		}
	case Reject:
		ok, err := m.buf.Offer(env)
		if err != nil {
			return ErrClosed
		}
		if !ok {
			m.metrics.recordReject()
			return fmt.Errorf("%w: capacity %d", ErrFull, m.buf.Cap())
		}
	default:
		return fmt.Errorf("unknown backpressure policy %d", policy)
	}

	m.metrics.recordEnqueue()
	m.wake()
	return nil
}

func (m *Ring) Dequeue(ctx context.Context) (message.Envelope, error) {
	for {
		if m.buf.Len() > 0 {
			item, err := m.buf.Get()
			if err != nil {
				return message.Envelope{}, ErrClosed
			}
			m.metrics.recordDequeue()
			return item.(message.Envelope), nil
		}

		select {
		case <-m.signal:
		case <-m.done:
			return message.Envelope{}, ErrClosed
		case <-ctx.Done():
			return message.Envelope{}, ctx.Err()
		}
	}
}

func (m *Ring) TryDequeue() (message.Envelope, bool) {
	if m.buf.Len() == 0 {
		return message.Envelope{}, false
	}
	item, err := m.buf.Get()
	if err != nil {
		return message.Envelope{}, false
	}
	m.metrics.recordDequeue()
	return item.(message.Envelope), true
}

func (m *Ring) Len() int { return int(m.buf.Len()) }

func (m *Ring) Cap() int { return int(m.buf.Cap()) }

func (m *Ring) Metrics() *Metrics { return m.metrics }

func (m *Ring) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.buf.Dispose()
	})
}

// wake nudges a consumer suspended on an empty ring. The signal channel has
// capacity one: a pending wakeup is never lost, extra ones are redundant.
func (m *Ring) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
