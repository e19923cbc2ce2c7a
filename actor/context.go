package actor

import (
	"context"
	"log"
	"time"

	"github.com/nkover/troupe/message"
)

// Context is the actor's view of its runner. It is handed to every
// callback and must not be retained past the callback's return.
type Context struct {
	ctx     context.Context
	runner  *Runner
	current message.Envelope
}

func newContext(ctx context.Context, r *Runner) *Context {
	return &Context{ctx: ctx, runner: r}
}

// setCurrent records the envelope being delivered. Only the execution
// loop calls it.
func (c *Context) setCurrent(env message.Envelope) {
	c.current = env
}

// Self returns the actor's own address.
func (c *Context) Self() message.Address {
	return c.runner.addr
}

// Log returns the runner's logger.
func (c *Context) Log() *log.Logger {
	return c.runner.logger
}

// Context returns the run's context. It is cancelled when the actor is
// asked to stop; blocking work inside callbacks should honor it.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Send delivers msg to another actor, stamping this actor as sender.
func (c *Context) Send(to message.Address, msg message.Message) error {
	return c.runner.broker.Send(c.ctx, to, message.NewEnvelope(msg).WithSender(c.Self()))
}

// SendEnvelope delivers a prebuilt envelope, for callers that need
// priorities, TTLs or reply-to addresses on the wire.
func (c *Context) SendEnvelope(to message.Address, env message.Envelope) error {
	return c.runner.broker.Send(c.ctx, to, env)
}

// Publish fans msg out to the topic's subscribers.
func (c *Context) Publish(topic string, msg message.Message) (int, error) {
	return c.runner.broker.Publish(c.ctx, topic, message.NewEnvelope(msg).WithSender(c.Self()))
}

// Subscribe adds this actor to a topic.
func (c *Context) Subscribe(topic string) error {
	return c.runner.broker.Subscribe(topic, c.Self())
}

// Unsubscribe removes this actor from a topic.
func (c *Context) Unsubscribe(topic string) error {
	return c.runner.broker.Unsubscribe(topic, c.Self())
}

// Request sends msg and waits for the reply. The execution loop is
// blocked for the duration, so a deadline on the broker or a short ctx
// timeout matters here.
func (c *Context) Request(to message.Address, msg message.Message) (message.Envelope, error) {
	return c.runner.broker.Request(c.ctx, to, msg)
}

// Reply answers the envelope currently being delivered.
func (c *Context) Reply(msg message.Message) error {
	return c.runner.broker.Respond(c.ctx, c.current, msg)
}

// Stop asks the runner to stop gracefully after the current callback
// returns.
func (c *Context) Stop() {
	c.runner.requestStop()
}

// Processed returns the number of envelopes delivered so far, across
// restarts.
func (c *Context) Processed() uint64 {
	return c.runner.Processed()
}

// Uptime returns how long the current incarnation has been running.
func (c *Context) Uptime() time.Duration {
	return c.runner.Uptime()
}

// Restarts returns how many times the actor has been restarted.
func (c *Context) Restarts() int {
	return c.runner.RestartCount()
}
