package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/nkover/troupe/message"
)

// topicSet is one topic's membership. Kept simple under a mutex; the
// hot path only takes snapshots.
type topicSet struct {
	mu      sync.RWMutex
	members map[message.Address]struct{}
}

func newTopicSet() *topicSet {
	return &topicSet{members: make(map[message.Address]struct{})}
}

func (s *topicSet) add(addr message.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[addr] = struct{}{}
}

func (s *topicSet) remove(addr message.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, addr)
}

// snapshot returns the membership at the time of the call. Later
// subscribes and unsubscribes do not affect a publish already running
// off this snapshot.
func (s *topicSet) snapshot() []message.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]message.Address, 0, len(s.members))
	for addr := range s.members {
		out = append(out, addr)
	}
	return out
}

// Subscribe adds addr to a topic. The address must be registered.
// Subscribing twice is a no-op.
func (b *Broker) Subscribe(topic string, addr message.Address) error {
	if b.closed() {
		return ErrClosed
	}
	if topic == "" {
		return fmt.Errorf("subscribe: empty topic")
	}
	if !b.Registered(addr) {
		return fmt.Errorf("subscribe %q: %w: %s", topic, ErrNotRegistered, addr)
	}
	v, _ := b.topics.LoadOrStore(topic, newTopicSet())
	v.(*topicSet).add(addr)
	return nil
}

// Unsubscribe removes addr from a topic. Removing a non-member is a
// no-op.
func (b *Broker) Unsubscribe(topic string, addr message.Address) error {
	if b.closed() {
		return ErrClosed
	}
	if v, ok := b.topics.Load(topic); ok {
		v.(*topicSet).remove(addr)
	}
	return nil
}

// Subscribers returns the topic's current membership.
func (b *Broker) Subscribers(topic string) []message.Address {
	v, ok := b.topics.Load(topic)
	if !ok {
		return nil
	}
	return v.(*topicSet).snapshot()
}

// Publish delivers env to every address subscribed to the topic at the
// moment of the call. Deliveries run concurrently and are best effort:
// every subscriber is attempted, the count of successful deliveries is
// returned together with the first delivery error. Subscribers whose
// address is no longer registered are dropped from the topic instead of
// counting as failures.
func (b *Broker) Publish(ctx context.Context, topic string, env message.Envelope) (int, error) {
	if b.closed() {
		return 0, ErrClosed
	}
	v, ok := b.topics.Load(topic)
	if !ok {
		return 0, nil
	}
	set := v.(*topicSet)
	subs := set.snapshot()
	if len(subs) == 0 {
		return 0, nil
	}

	delivered := atomic.NewInt64(0)
	var g errgroup.Group
	for _, addr := range subs {
		addr := addr
		g.Go(func() error {
			err := b.Send(ctx, addr, env)
			switch {
			case err == nil:
				delivered.Inc()
				return nil
			case errors.Is(err, ErrNotRegistered):
				set.remove(addr)
				b.logger.Printf("[broker] topic %q dropped gone subscriber %s", topic, addr)
				return nil
			default:
				return fmt.Errorf("publish %q: %w", topic, err)
			}
		})
	}
	err := g.Wait()
	return int(delivered.Load()), err
}
