package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nkover/troupe/message"
	"github.com/nkover/troupe/monitor"
)

// Request sends msg to addr and waits for the matching reply. The reply
// is correlated by envelope id; the responder completes it through
// Respond. When ctx carries no deadline the broker's request timeout
// applies.
func (b *Broker) Request(ctx context.Context, addr message.Address, msg message.Message) (message.Envelope, error) {
	if b.closed() {
		return message.Envelope{}, ErrClosed
	}

	corr := uuid.New()
	ch := make(chan message.Envelope, 1)
	b.pending.Store(corr, ch)
	defer b.pending.Delete(corr)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.requestTimeout)
		defer cancel()
	}

	env := message.NewEnvelope(msg).WithCorrelation(corr)
	if err := b.Send(ctx, addr, env); err != nil {
		return message.Envelope{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		err := fmt.Errorf("%w: %s", ErrRequestTimeout, addr)
		b.sink.Record(monitor.NewEvent(monitor.KindRequestTimeout, addr.String()).WithErr(err))
		return message.Envelope{}, err
	case <-b.done:
		return message.Envelope{}, ErrClosed
	}
}

// Respond routes a reply for the original envelope orig. A pending
// Request waiting on orig's correlation id wins; otherwise the reply
// goes to orig's reply-to address. The reply envelope keeps orig's
// correlation id so the requester can match it.
func (b *Broker) Respond(ctx context.Context, orig message.Envelope, msg message.Message) error {
	if b.closed() {
		return ErrClosed
	}

	reply := message.NewEnvelope(msg).WithCorrelation(orig.CorrelationID)

	if orig.CorrelationID != uuid.Nil {
		if v, ok := b.pending.LoadAndDelete(orig.CorrelationID); ok {
			v.(chan message.Envelope) <- reply
			return nil
		}
	}
	if !orig.ReplyTo.IsZero() {
		return b.Send(ctx, orig.ReplyTo, reply)
	}
	return fmt.Errorf("%w: correlation %s", ErrNoReplyAddress, orig.CorrelationID)
}
