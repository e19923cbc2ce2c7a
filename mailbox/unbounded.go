package mailbox

import (
	"context"
	"sync"

	mpsc "github.com/t3rm1n4l/go-mpscqueue"

	"github.com/nkover/troupe/message"
)

// Unbounded is a mailbox with no capacity limit, backed by a multi-producer
// single-consumer linked queue. Enqueue never blocks and never rejects, so
// backpressure policies do not apply to it.
type Unbounded struct {
	queue     *mpsc.MPSCQueue
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	metrics   *Metrics
}

var _ Mailbox = (*Unbounded)(nil)

// NewUnbounded returns a mailbox that accepts every envelope offered to it.
func NewUnbounded() *Unbounded {
	return &Unbounded{
		queue:   mpsc.New(),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		metrics: newMetrics(),
	}
}

func (m *Unbounded) Enqueue(ctx context.Context, env message.Envelope) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	m.queue.Push(env)
	m.metrics.recordEnqueue()
	m.wake()
	return nil
}

func (m *Unbounded) Dequeue(ctx context.Context) (message.Envelope, error) {
	for {
		select {
		case <-m.done:
			return message.Envelope{}, ErrClosed
		default:
		}

		if m.queue.Size() != 0 {
			env := m.queue.Pop().(message.Envelope)
			m.metrics.recordDequeue()
			return env, nil
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

func (m *Unbounded) TryDequeue() (message.Envelope, bool) {
	select {
	case <-m.done:
		return message.Envelope{}, false
	default:
	}
	if m.queue.Size() == 0 {
		return message.Envelope{}, false
	}
	env := m.queue.Pop().(message.Envelope)
	m.metrics.recordDequeue()
	return env, true
}

func (m *Unbounded) Len() int { return int(m.queue.Size()) }

// Cap reports zero: the queue grows without limit.
func (m *Unbounded) Cap() int { return 0 }

func (m *Unbounded) Metrics() *Metrics { return m.metrics }

func (m *Unbounded) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func (m *Unbounded) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
