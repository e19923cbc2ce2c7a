package actor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nkover/troupe/broker"
	"github.com/nkover/troupe/mailbox"
	"github.com/nkover/troupe/message"
	"github.com/nkover/troupe/monitor"
	"github.com/nkover/troupe/sysmsg"
)

// Runner owns one actor's execution. It can be started, stopped and
// started again; every start builds a fresh instance, a fresh mailbox
// and a fresh broker registration.
type Runner struct {
	addr    message.Address
	factory Factory
	broker  *broker.Broker
	logger  *log.Logger
	sink    monitor.Sink
	opts    options

	state     *machine
	restarts  *atomic.Int32
	processed *atomic.Uint64
	startedAt *atomic.Time
	exitErr   *atomic.Error

	mu       sync.Mutex
	mb       mailbox.Mailbox
	instance Actor
	cancel   context.CancelFunc
	finished chan struct{}
}

// NewRunner builds a runner for the actor the factory produces. Nothing
// happens until Start.
func NewRunner(addr message.Address, factory Factory, b *broker.Broker, opts ...Option) *Runner {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Runner{
		addr:      addr,
		factory:   factory,
		broker:    b,
		logger:    o.logger,
		sink:      o.sink,
		opts:      o,
		state:     newMachine(),
		restarts:  atomic.NewInt32(0),
		processed: atomic.NewUint64(0),
		startedAt: atomic.NewTime(time.Time{}),
		exitErr:   atomic.NewError(nil),
		finished:  closedChan(),
	}
}

// Start brings the actor up: fresh instance, mailbox, registration,
// pre-start hook. It returns once the actor is running, or a StartError
// when the pre-start hook failed or timed out; a failed start never
// reaches the running state.
func (r *Runner) Start(ctx context.Context) error {
	if r.factory == nil || r.broker == nil || r.addr.IsZero() {
		return fmt.Errorf("runner %s: nil factory or broker", r.addr)
	}
	if !r.state.cas(StateCreated, StateStarting) {
		if !r.state.cas(StateStopped, StateStarting) {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, r.addr, r.State())
		}
		// re-entering the starting state counts as a restart
		r.restarts.Inc()
	}

	inst := r.factory()
	if inst == nil {
		r.state.store(StateStopped)
		return &StartError{Addr: r.addr, Err: errors.New("factory returned nil actor")}
	}

	mb := mailbox.New(r.opts.mailbox)
	if err := r.broker.Register(r.addr, mb); err != nil {
		mb.Close()
		r.state.store(StateStopped)
		return &StartError{Addr: r.addr, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	actx := newContext(runCtx, r)
	r.sink.Record(monitor.NewEvent(monitor.KindActorSpawned, r.addr.String()))

	if err := r.preStart(ctx, actx, inst); err != nil {
		if uerr := r.broker.Unregister(r.addr); uerr != nil && !errors.Is(uerr, broker.ErrClosed) {
			r.logger.Printf("[actor] %s unregister after failed start: %v", r.addr, uerr)
		}
		mb.Close()
		cancel()
		r.state.store(StateStopped)
		serr := &StartError{Addr: r.addr, Err: err}
		r.exitErr.Store(serr)
		r.sink.Record(monitor.NewEvent(monitor.KindActorFailed, r.addr.String()).WithErr(serr))
		r.logger.Printf("[actor] %s start failed: %v", r.addr, err)
		return serr
	}

	r.mu.Lock()
	r.mb = mb
	r.instance = inst
	r.cancel = cancel
	r.finished = make(chan struct{})
	r.mu.Unlock()
	r.exitErr.Store(nil)

	r.startedAt.Store(time.Now())
	r.state.store(StateRunning)
	r.sink.Record(monitor.NewEvent(monitor.KindActorStarted, r.addr.String()))
	r.logger.Printf("[actor] %s running", r.addr)

	go r.run(runCtx, inst, actx, mb)
	return nil
}

// Stop asks the actor to stop gracefully and waits for the loop to
// finish its post-stop hook. The context bounds the wait only; a hook
// that outlives it keeps running in the background.
func (r *Runner) Stop(ctx context.Context) error {
	if r.state.cas(StateCreated, StateStopped) {
		return nil
	}
	if r.state.load() == StateStopped {
		return nil
	}
	r.requestStop()
	select {
	case <-r.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", r.addr, ctx.Err())
	}
}

// Kill stops the actor without waiting. The mailbox closes right away;
// the loop still runs its post-stop hook in the background.
func (r *Runner) Kill() {
	if r.state.cas(StateCreated, StateStopped) {
		return
	}
	r.requestStop()
	r.mu.Lock()
	mb := r.mb
	r.mu.Unlock()
	if mb != nil {
		mb.Close()
	}
}

func (r *Runner) requestStop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done reports the termination of the current run. For a runner that
// never started it is already closed.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Err returns the exit error of the last finished run, nil after a
// graceful stop.
func (r *Runner) Err() error { return r.exitErr.Load() }

// Addr returns the actor's address.
func (r *Runner) Addr() message.Address { return r.addr }

// State returns the current lifecycle state.
func (r *Runner) State() State { return r.state.load() }

// RestartCount returns how many times the actor re-entered the
// starting state.
func (r *Runner) RestartCount() int { return int(r.restarts.Load()) }

// Processed returns the number of envelopes delivered across all
// incarnations.
func (r *Runner) Processed() uint64 { return r.processed.Load() }

// Uptime returns how long the current incarnation has been running.
func (r *Runner) Uptime() time.Duration {
	if r.State() != StateRunning {
		return 0
	}
	return time.Since(r.startedAt.Load())
}

// MailboxMetrics returns the current mailbox's counters.
func (r *Runner) MailboxMetrics() mailbox.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mb == nil {
		return mailbox.Snapshot{}
	}
	return r.mb.Metrics().Snapshot()
}

// Health reports the runner's condition. The actor's own HealthCheck is
// consulted only while it is running; a stopped runner reports failed.
func (r *Runner) Health(ctx context.Context) monitor.Health {
	switch r.State() {
	case StateRunning:
	case StateStarting, StateRestarting:
		return monitor.Degraded("starting")
	case StateStopping:
		return monitor.Degraded("stopping")
	default:
		return monitor.Failed("not running")
	}
	r.mu.Lock()
	inst := r.instance
	r.mu.Unlock()
	if hc, ok := inst.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return monitor.Ok()
}

func (r *Runner) run(ctx context.Context, inst Actor, actx *Context, mb mailbox.Mailbox) {
	var exitErr error
	defer func() {
		if rec := recover(); rec != nil {
			exitErr = fmt.Errorf("%w: %v", ErrPanicked, rec)
		}
		r.finalize(actx, exitErr)
	}()

loop:
	for {
		env, err := r.dequeue(ctx, mb)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				break loop
			case errors.Is(err, mailbox.ErrClosed):
				break loop
			case errors.Is(err, context.DeadlineExceeded):
				// no traffic within the receive timeout
				env = message.NewEnvelope(sysmsg.Timeout{Elapsed: r.opts.receiveTimeout})
			default:
				exitErr = err
				break loop
			}
		}

		if env.Expired(time.Now()) {
			mb.Metrics().RecordExpired()
			r.sink.Record(monitor.NewEvent(monitor.KindMessageExpired, r.addr.String()))
			r.logger.Printf("[actor] %s discarded expired %q envelope %s", r.addr, env.Payload.Type(), env.ID)
			continue
		}

		if _, ok := env.Payload.(sysmsg.PoisonPill); ok {
			break loop
		}

		if err := r.deliver(actx, inst, env); err != nil {
			switch r.directive(actx, inst, err, env) {
			case DirectiveResume:
				r.logger.Printf("[actor] %s resumed after error: %v", r.addr, err)
			case DirectiveRestart:
				if !r.opts.restartInPlace {
					exitErr = fmt.Errorf("%w: %v", ErrRestartRequested, err)
					break loop
				}
				next, rerr := r.rebirth(actx, inst)
				if rerr != nil {
					exitErr = rerr
					break loop
				}
				inst = next
			case DirectiveEscalate:
				exitErr = fmt.Errorf("%w: %v", ErrEscalated, err)
				break loop
			default:
				exitErr = err
				break loop
			}
		}
	}
}

// dequeue waits for the next envelope, bounding the wait with the
// receive timeout when one is configured.
func (r *Runner) dequeue(ctx context.Context, mb mailbox.Mailbox) (message.Envelope, error) {
	if r.opts.receiveTimeout <= 0 {
		return mb.Dequeue(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, r.opts.receiveTimeout)
	defer cancel()
	return mb.Dequeue(rctx)
}

func (r *Runner) deliver(actx *Context, inst Actor, env message.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, rec)
		}
	}()
	actx.setCurrent(env)
	err = inst.Receive(actx, env)
	r.processed.Inc()
	return err
}

// directive resolves a handler error to what the runner should do next.
func (r *Runner) directive(actx *Context, inst Actor, cause error, env message.Envelope) Directive {
	h, ok := inst.(ErrorHandler)
	if !ok {
		return DirectiveStop
	}
	d := DirectiveStop
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Printf("[actor] %s on-error panicked: %v", r.addr, rec)
				d = DirectiveStop
			}
		}()
		d = h.OnError(actx, cause, env)
	}()
	if !d.valid() {
		return DirectiveStop
	}
	return d
}

// rebirth replaces the instance in place: post-stop on the old one,
// fresh instance from the factory, pre-start, back to running. The
// mailbox and registration survive.
func (r *Runner) rebirth(actx *Context, old Actor) (Actor, error) {
	r.state.store(StateRestarting)
	r.sink.Record(monitor.NewEvent(monitor.KindActorRestarting, r.addr.String()))
	r.postStop(actx, old)

	r.state.store(StateStarting)
	r.restarts.Inc()

	next := r.factory()
	if next == nil {
		return nil, &StartError{Addr: r.addr, Err: errors.New("factory returned nil actor")}
	}
	if err := r.preStart(context.Background(), actx, next); err != nil {
		return nil, &StartError{Addr: r.addr, Err: err}
	}
	r.mu.Lock()
	r.instance = next
	r.mu.Unlock()

	r.startedAt.Store(time.Now())
	r.state.store(StateRunning)
	r.logger.Printf("[actor] %s restarted in place (restart %d)", r.addr, r.restarts.Load())
	return next, nil
}

func (r *Runner) preStart(ctx context.Context, actx *Context, inst Actor) error {
	init, ok := inst.(Initializer)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.startTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errc <- fmt.Errorf("%w: %v", ErrPanicked, rec)
			}
		}()
		errc <- init.PreStart(actx)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("pre-start: %w", ctx.Err())
	}
}

func (r *Runner) postStop(actx *Context, inst Actor) {
	fin, ok := inst.(Finalizer)
	if !ok {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("[actor] %s post-stop panicked: %v", r.addr, rec)
		}
	}()
	if err := fin.PostStop(actx); err != nil {
		r.logger.Printf("[actor] %s post-stop: %v", r.addr, err)
	}
}

// finalize tears the run down: unregister, close the mailbox, run the
// post-stop hook, publish the exit. It runs on every exit path.
func (r *Runner) finalize(actx *Context, exitErr error) {
	r.state.store(StateStopping)

	if err := r.broker.Unregister(r.addr); err != nil &&
		!errors.Is(err, broker.ErrClosed) && !errors.Is(err, broker.ErrNotRegistered) {
		r.logger.Printf("[actor] %s unregister: %v", r.addr, err)
	}

	r.mu.Lock()
	mb := r.mb
	inst := r.instance
	r.mu.Unlock()
	if mb != nil {
		mb.Close()
	}
	r.postStop(actx, inst)

	r.exitErr.Store(exitErr)
	r.state.store(StateStopped)

	if exitErr != nil {
		r.sink.Record(monitor.NewEvent(monitor.KindActorFailed, r.addr.String()).WithErr(exitErr))
		r.logger.Printf("[actor] %s stopped: %v", r.addr, exitErr)
	} else {
		r.sink.Record(monitor.NewEvent(monitor.KindActorStopped, r.addr.String()))
		r.logger.Printf("[actor] %s stopped", r.addr)
	}

	r.mu.Lock()
	finished := r.finished
	r.mu.Unlock()
	close(finished)
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
