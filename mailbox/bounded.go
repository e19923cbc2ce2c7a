package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/nkover/troupe/message"
)

// Bounded is the default mailbox: a buffered channel with a configurable
// backpressure policy.
type Bounded struct {
	ch        chan message.Envelope
	policy    Policy
	done      chan struct{}
	closeOnce sync.Once
	metrics   *Metrics
}

var _ Mailbox = (*Bounded)(nil)

// NewBounded returns a channel-backed mailbox holding at most capacity
// envelopes.
func NewBounded(capacity int, policy Policy) *Bounded {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Bounded{
		ch:      make(chan message.Envelope, capacity),
		policy:  policy,
		done:    make(chan struct{}),
		metrics: newMetrics(),
	}
}

func (m *Bounded) Enqueue(ctx context.Context, env message.Envelope) error {
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
		select {
		case m.ch <- env:
			m.metrics.recordEnqueue()
			return nil
		case <-m.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	case Drop:
		select {
		case m.ch <- env:
			m.metrics.recordEnqueue()
		default:
			m.metrics.recordDrop()
		}
		return nil
	case Reject:
		select {
		case m.ch <- env:
			m.metrics.recordEnqueue()
			return nil
		default:
			m.metrics.recordReject()
			return fmt.Errorf("%w: capacity %d", ErrFull, cap(m.ch))
		}
	default:
		return fmt.Errorf("unknown backpressure policy %d", policy)
	}
}

func (m *Bounded) Dequeue(ctx context.Context) (message.Envelope, error) {
	select {
	case <-m.done:
		return message.Envelope{}, ErrClosed
	default:
	}

	select {
	case env := <-m.ch:
		m.metrics.recordDequeue()
		return env, nil
	case <-m.done:
		return message.Envelope{}, ErrClosed
	case <-ctx.Done():
		return message.Envelope{}, ctx.Err()
	}
}

func (m *Bounded) TryDequeue() (message.Envelope, bool) {
	select {
	case <-m.done:
		return message.Envelope{}, false
	default:
	}

	select {
	case env := <-m.ch:
		m.metrics.recordDequeue()
		return env, true
	default:
		return message.Envelope{}, false
	}
}

func (m *Bounded) Len() int { return len(m.ch) }

func (m *Bounded) Cap() int { return cap(m.ch) }

func (m *Bounded) Metrics() *Metrics { return m.metrics }

func (m *Bounded) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}
