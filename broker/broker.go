// Package broker routes envelopes between actors. It owns the address
// table, topic subscriptions and pending request state; it does not own
// the mailboxes it delivers into.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nkover/troupe/mailbox"
	"github.com/nkover/troupe/message"
	"github.com/nkover/troupe/monitor"
)

// DefaultRequestTimeout bounds Request calls whose context carries no
// deadline of its own.
const DefaultRequestTimeout = 5 * time.Second

var (
	// ErrNotRegistered is returned when an address has no mailbox bound.
	ErrNotRegistered = errors.New("address not registered")

	// ErrDuplicateAddress is returned by Register when the address is
	// already bound.
	ErrDuplicateAddress = errors.New("address already registered")

	// ErrClosed is returned by all operations after Close.
	ErrClosed = errors.New("broker closed")

	// ErrRequestTimeout is returned by Request when no reply arrived in
	// time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNoReplyAddress is returned by Respond when the original
	// envelope carries neither a pending correlation nor a reply-to
	// address.
	ErrNoReplyAddress = errors.New("no reply destination")
)

// Broker is the message routing service. A system owns exactly one and
// closes it on shutdown; a closed broker refuses all traffic.
type Broker struct {
	addrs   sync.Map // message.Address -> mailbox.Mailbox
	topics  sync.Map // string -> *topicSet
	pending sync.Map // uuid.UUID -> chan message.Envelope

	requestTimeout time.Duration
	logger         *log.Logger
	sink           monitor.Sink

	registered *atomic.Int64
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithSink sets the monitoring sink receiving broker events.
func WithSink(sink monitor.Sink) Option {
	return func(b *Broker) { b.sink = sink }
}

// WithRequestTimeout sets the default Request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// New returns a ready broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		requestTimeout: DefaultRequestTimeout,
		logger:         log.New(io.Discard, "", 0),
		sink:           monitor.Nop{},
		registered:     atomic.NewInt64(0),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register binds an address to its mailbox. Delivery to the address
// starts as soon as Register returns.
func (b *Broker) Register(addr message.Address, mb mailbox.Mailbox) error {
	if b.closed() {
		return ErrClosed
	}
	if addr.IsZero() {
		return fmt.Errorf("register: zero address")
	}
	if mb == nil {
		return fmt.Errorf("register %s: nil mailbox", addr)
	}
	if _, loaded := b.addrs.LoadOrStore(addr, mb); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, addr)
	}
	b.registered.Inc()
	b.sink.Record(monitor.NewEvent(monitor.KindRegistered, addr.String()))
	return nil
}

// Unregister removes the address binding and drops the address from
// every topic it subscribed to. Envelopes already delivered to the
// mailbox stay there.
func (b *Broker) Unregister(addr message.Address) error {
	if b.closed() {
		return ErrClosed
	}
	if _, loaded := b.addrs.LoadAndDelete(addr); !loaded {
		return fmt.Errorf("%w: %s", ErrNotRegistered, addr)
	}
	b.registered.Dec()
	b.topics.Range(func(_, v any) bool {
		v.(*topicSet).remove(addr)
		return true
	})
	b.sink.Record(monitor.NewEvent(monitor.KindUnregistered, addr.String()))
	return nil
}

// Registered reports whether addr currently has a mailbox bound.
func (b *Broker) Registered(addr message.Address) bool {
	_, ok := b.addrs.Load(addr)
	return ok
}

// Len returns the number of registered addresses.
func (b *Broker) Len() int {
	return int(b.registered.Load())
}

// Addresses returns a snapshot of the registered addresses.
func (b *Broker) Addresses() []message.Address {
	var out []message.Address
	b.addrs.Range(func(k, _ any) bool {
		out = append(out, k.(message.Address))
		return true
	})
	return out
}

// Send delivers one envelope to the mailbox bound to addr. It fails
// fast with ErrNotRegistered when nothing is bound; backpressure is the
// target mailbox's policy.
func (b *Broker) Send(ctx context.Context, addr message.Address, env message.Envelope) error {
	if b.closed() {
		return ErrClosed
	}
	v, ok := b.addrs.Load(addr)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNotRegistered, addr)
		b.sink.Record(monitor.NewEvent(monitor.KindDeliveryFailed, addr.String()).WithErr(err))
		return err
	}
	if err := v.(mailbox.Mailbox).Enqueue(ctx, env); err != nil {
		err = fmt.Errorf("deliver to %s: %w", addr, err)
		b.sink.Record(monitor.NewEvent(monitor.KindDeliveryFailed, addr.String()).WithErr(err))
		return err
	}
	return nil
}

// Close shuts the broker down. Pending requests fail, later calls
// return ErrClosed. Close never touches the registered mailboxes; their
// owners close them.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.logger.Printf("[broker] closed, %d addresses dropped", b.Len())
	})
}

func (b *Broker) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
