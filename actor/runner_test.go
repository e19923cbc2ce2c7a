package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/nkover/troupe/broker"
	"github.com/nkover/troupe/mailbox"
	"github.com/nkover/troupe/message"
	"github.com/nkover/troupe/monitor"
	"github.com/nkover/troupe/sysmsg"
)

type word struct{ text string }

func (word) Type() string { return "word" }

type boom struct{}

func (boom) Type() string { return "boom" }

// plain is the minimal actor: just a receive func, no optional hooks.
type plain struct {
	fn func(*Context, message.Envelope) error
}

func (p *plain) Receive(ctx *Context, env message.Envelope) error {
	return p.fn(ctx, env)
}

// hooked implements every optional capability with nil-safe defaults.
type hooked struct {
	receive  func(*Context, message.Envelope) error
	preStart func(*Context) error
	postStop func(*Context) error
	onError  func(*Context, error, message.Envelope) Directive
	health   func(context.Context) monitor.Health
}

func (h *hooked) Receive(ctx *Context, env message.Envelope) error {
	if h.receive == nil {
		return nil
	}
	return h.receive(ctx, env)
}

func (h *hooked) PreStart(ctx *Context) error {
	if h.preStart == nil {
		return nil
	}
	return h.preStart(ctx)
}

func (h *hooked) PostStop(ctx *Context) error {
	if h.postStop == nil {
		return nil
	}
	return h.postStop(ctx)
}

func (h *hooked) OnError(ctx *Context, err error, env message.Envelope) Directive {
	if h.onError == nil {
		return DirectiveStop
	}
	return h.onError(ctx, err, env)
}

func (h *hooked) HealthCheck(ctx context.Context) monitor.Health {
	if h.health == nil {
		return monitor.Ok()
	}
	return h.health(ctx)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestRunnerDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	got := make(chan message.Envelope, 16)
	addr := message.NewAddress("echo")
	r := NewRunner(addr, func() Actor {
		return &plain{fn: func(_ *Context, env message.Envelope) error {
			got <- env
			return nil
		}}
	}, b)

	require.NoError(t, r.Start(ctx))
	defer r.Kill()
	assert.Equal(t, StateRunning, r.State())
	assert.True(t, b.Registered(addr))

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{text: text})))
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case env := <-got:
			assert.Equal(t, want, env.Payload.(word).text)
		case <-time.After(time.Second):
			t.Fatalf("did not receive %q", want)
		}
	}
	eventually(t, func() bool { return r.Processed() == 3 }, "processed counter")
}

func TestStartTwice(t *testing.T) {
	b := broker.New()
	defer b.Close()

	r := NewRunner(message.NewAddress("x"), func() Actor {
		return &plain{fn: func(*Context, message.Envelope) error { return nil }}
	}, b)
	require.NoError(t, r.Start(context.Background()))
	defer r.Kill()

	err := r.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestPreStartFailureNeverRuns(t *testing.T) {
	b := broker.New()
	defer b.Close()

	cause := errors.New("no database")
	received := atomic.NewBool(false)
	addr := message.NewAddress("dbworker")
	r := NewRunner(addr, func() Actor {
		return &hooked{
			preStart: func(*Context) error { return cause },
			receive: func(*Context, message.Envelope) error {
				received.Store(true)
				return nil
			},
		}
	}, b)

	err := r.Start(context.Background())
	var serr *StartError
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, cause)

	assert.Equal(t, StateStopped, r.State())
	assert.False(t, b.Registered(addr), "failed start must not leave a registration")
	assert.False(t, received.Load())
	require.ErrorIs(t, r.Err(), cause)
}

func TestPreStartTimeout(t *testing.T) {
	b := broker.New()
	defer b.Close()

	r := NewRunner(message.NewAddress("slow"), func() Actor {
		return &hooked{preStart: func(*Context) error {
			time.Sleep(5 * time.Second)
			return nil
		}}
	}, b, WithStartTimeout(40*time.Millisecond))

	err := r.Start(context.Background())
	var serr *StartError
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, r.State())
}

func TestStopRunsPostStop(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	stops := atomic.NewInt32(0)
	rec := monitor.NewRecorder(32)
	addr := message.NewAddress("worker")
	r := NewRunner(addr, func() Actor {
		return &hooked{postStop: func(*Context) error {
			stops.Inc()
			return nil
		}}
	}, b, WithSink(rec))

	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Stop(ctx))

	assert.Equal(t, StateStopped, r.State())
	assert.EqualValues(t, 1, stops.Load())
	assert.False(t, b.Registered(addr))
	require.NoError(t, r.Err())

	kinds := make([]monitor.Kind, 0, 4)
	for _, ev := range rec.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, monitor.KindActorSpawned)
	assert.Contains(t, kinds, monitor.KindActorStarted)
	assert.Contains(t, kinds, monitor.KindActorStopped)
}

func TestHandlerErrorStopsByDefault(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	cause := errors.New("cannot handle")
	addr := message.NewAddress("fragile")
	r := NewRunner(addr, func() Actor {
		return &plain{fn: func(*Context, message.Envelope) error { return cause }}
	}, b)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{})))

	<-r.Done()
	require.ErrorIs(t, r.Err(), cause)
	assert.Equal(t, StateStopped, r.State())
}

func TestPostStopRunsAfterHandlerError(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	stops := atomic.NewInt32(0)
	addr := message.NewAddress("fragile")
	r := NewRunner(addr, func() Actor {
		return &hooked{
			receive:  func(*Context, message.Envelope) error { return errors.New("boom") },
			postStop: func(*Context) error { stops.Inc(); return nil },
		}
	}, b)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{})))

	<-r.Done()
	assert.EqualValues(t, 1, stops.Load())
}

func TestDirectiveResume(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	got := make(chan string, 8)
	addr := message.NewAddress("tolerant")
	r := NewRunner(addr, func() Actor {
		return &hooked{
			receive: func(_ *Context, env message.Envelope) error {
				if _, bad := env.Payload.(boom); bad {
					return errors.New("bad input")
				}
				got <- env.Payload.(word).text
				return nil
			},
			onError: func(*Context, error, message.Envelope) Directive { return DirectiveResume },
		}
	}, b)

	require.NoError(t, r.Start(ctx))
	defer r.Kill()

	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{text: "before"})))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(boom{})))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{text: "after"})))

	assert.Equal(t, "before", <-got)
	assert.Equal(t, "after", <-got)
	assert.Equal(t, StateRunning, r.State())
	assert.Zero(t, r.RestartCount())
}

func TestDirectiveRestartInPlace(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	built := atomic.NewInt32(0)
	got := make(chan string, 8)
	addr := message.NewAddress("phoenix")
	r := NewRunner(addr, func() Actor {
		built.Inc()
		return &hooked{
			receive: func(_ *Context, env message.Envelope) error {
				if _, bad := env.Payload.(boom); bad {
					return errors.New("state corrupted")
				}
				got <- env.Payload.(word).text
				return nil
			},
			onError: func(*Context, error, message.Envelope) Directive { return DirectiveRestart },
		}
	}, b)

	require.NoError(t, r.Start(ctx))
	defer r.Kill()
	require.EqualValues(t, 1, built.Load())

	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(boom{})))
	eventually(t, func() bool { return built.Load() == 2 }, "fresh instance after restart")
	eventually(t, func() bool { return r.State() == StateRunning }, "running again")
	assert.Equal(t, 1, r.RestartCount())

	// same mailbox and registration keep delivering
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{text: "alive"})))
	assert.Equal(t, "alive", <-got)
}

func TestDirectiveRestartSupervised(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	addr := message.NewAddress("managed")
	r := NewRunner(addr, func() Actor {
		return &hooked{
			receive: func(*Context, message.Envelope) error { return errors.New("boom") },
			onError: func(*Context, error, message.Envelope) Directive { return DirectiveRestart },
		}
	}, b, WithSupervised())

	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{})))

	<-r.Done()
	require.ErrorIs(t, r.Err(), ErrRestartRequested)
	assert.Equal(t, StateStopped, r.State())
}

func TestDirectiveEscalate(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	addr := message.NewAddress("escalator")
	r := NewRunner(addr, func() Actor {
		return &hooked{
			receive: func(*Context, message.Envelope) error { return errors.New("beyond me") },
			onError: func(*Context, error, message.Envelope) Directive { return DirectiveEscalate },
		}
	}, b)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{})))

	<-r.Done()
	require.ErrorIs(t, r.Err(), ErrEscalated)
}

func TestReceivePanicIsAnError(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	addr := message.NewAddress("panicky")
	r := NewRunner(addr, func() Actor {
		return &plain{fn: func(*Context, message.Envelope) error {
			panic("index out of range")
		}}
	}, b)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{})))

	<-r.Done()
	require.ErrorIs(t, r.Err(), ErrPanicked)
	assert.Contains(t, r.Err().Error(), "index out of range")
}

func TestExpiredEnvelopeDiscarded(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	got := make(chan message.Envelope, 8)
	addr := message.NewAddress("ttl")
	r := NewRunner(addr, func() Actor {
		return &plain{fn: func(_ *Context, env message.Envelope) error {
			got <- env
			return nil
		}}
	}, b)

	require.NoError(t, r.Start(ctx))
	defer r.Kill()

	// a zero TTL expires the moment it is created
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{text: "stale"}).WithTTL(0)))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{text: "fresh"})))

	env := <-got
	assert.Equal(t, "fresh", env.Payload.(word).text)
	assert.Equal(t, StateRunning, r.State(), "expired mail is a discard, not a failure")
	eventually(t, func() bool { return r.MailboxMetrics().Expired == 1 }, "expired counter")
}

func TestPoisonPillStopsInOrder(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	got := make(chan string, 8)
	addr := message.NewAddress("mortal")
	r := NewRunner(addr, func() Actor {
		return &plain{fn: func(_ *Context, env message.Envelope) error {
			got <- env.Payload.(word).text
			return nil
		}}
	}, b)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{text: "first"})))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{text: "second"})))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(sysmsg.PoisonPill{})))

	<-r.Done()
	require.NoError(t, r.Err())
	assert.Equal(t, "first", <-got)
	assert.Equal(t, "second", <-got)
	assert.Equal(t, StateStopped, r.State())
}

func TestReceiveTimeoutNotice(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	notices := make(chan time.Duration, 4)
	addr := message.NewAddress("idle")
	r := NewRunner(addr, func() Actor {
		return &plain{fn: func(_ *Context, env message.Envelope) error {
			if to, ok := env.Payload.(sysmsg.Timeout); ok {
				notices <- to.Elapsed
			}
			return nil
		}}
	}, b, WithReceiveTimeout(30*time.Millisecond))

	require.NoError(t, r.Start(ctx))
	defer r.Kill()

	select {
	case d := <-notices:
		assert.Equal(t, 30*time.Millisecond, d)
	case <-time.After(time.Second):
		t.Fatal("no timeout notice delivered")
	}
}

func TestContextReply(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	addr := message.NewAddress("echo")
	r := NewRunner(addr, func() Actor {
		return &plain{fn: func(c *Context, env message.Envelope) error {
			return c.Reply(word{text: "echo: " + env.Payload.(word).text})
		}}
	}, b)

	require.NoError(t, r.Start(ctx))
	defer r.Kill()

	reply, err := b.Request(ctx, addr, word{text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", reply.Payload.(word).text)
}

func TestContextPubSub(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	got := make(chan string, 8)
	addr := message.NewAddress("listener")
	r := NewRunner(addr, func() Actor {
		return &hooked{
			preStart: func(c *Context) error { return c.Subscribe("news") },
			receive: func(_ *Context, env message.Envelope) error {
				got <- env.Payload.(word).text
				return nil
			},
		}
	}, b)

	require.NoError(t, r.Start(ctx))
	defer r.Kill()

	n, err := b.Publish(ctx, "news", message.NewEnvelope(word{text: "extra extra"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "extra extra", <-got)
}

func TestContextStop(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	addr := message.NewAddress("quitter")
	r := NewRunner(addr, func() Actor {
		return &plain{fn: func(c *Context, env message.Envelope) error {
			c.Stop()
			return nil
		}}
	}, b)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, b.Send(ctx, addr, message.NewEnvelope(word{})))

	<-r.Done()
	require.NoError(t, r.Err())
	assert.Equal(t, StateStopped, r.State())
}

func TestRestartCountAcrossStartStop(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	r := NewRunner(message.NewAddress("cycle"), func() Actor {
		return &plain{fn: func(*Context, message.Envelope) error { return nil }}
	}, b)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Stop(ctx))
	assert.Zero(t, r.RestartCount())

	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, r.RestartCount())
	require.NoError(t, r.Stop(ctx))
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	r := NewRunner(message.NewAddress("probe"), func() Actor {
		return &hooked{
			health: func(context.Context) monitor.Health {
				return monitor.Degraded("warming up")
			},
		}
	}, b)

	assert.Equal(t, monitor.StatusFailed, r.Health(ctx).Status)

	require.NoError(t, r.Start(ctx))
	h := r.Health(ctx)
	assert.Equal(t, monitor.StatusDegraded, h.Status)
	assert.Equal(t, "warming up", h.Reason)

	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, monitor.StatusFailed, r.Health(ctx).Status)
}

func TestHealthDefaultsToOk(t *testing.T) {
	ctx := context.Background()
	b := broker.New()
	defer b.Close()

	r := NewRunner(message.NewAddress("simple"), func() Actor {
		return &plain{fn: func(*Context, message.Envelope) error { return nil }}
	}, b)
	require.NoError(t, r.Start(ctx))
	defer r.Kill()

	assert.True(t, r.Health(ctx).Healthy())
}

func TestStateAndDirectiveStrings(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "restarting", StateRestarting.String())
	assert.Equal(t, "stop", DirectiveStop.String())
	assert.Equal(t, "escalate", DirectiveEscalate.String())
}
