package troupe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/nkover/troupe/actor"
	"github.com/nkover/troupe/broker"
	"github.com/nkover/troupe/config"
	"github.com/nkover/troupe/message"
	"github.com/nkover/troupe/monitor"
	"github.com/nkover/troupe/supervisor"
)

var (
	// ErrSystemStopped is returned by every operation after Shutdown
	// or Kill.
	ErrSystemStopped = errors.New("system stopped")

	// ErrTooManyActors is returned by Spawn once the configured actor
	// limit is reached.
	ErrTooManyActors = errors.New("actor limit reached")

	// ErrNameTaken is returned by Spawn when the requested name is
	// already claimed.
	ErrNameTaken = errors.New("name already taken")

	// ErrActorNotFound is returned for operations on unknown actors.
	ErrActorNotFound = errors.New("actor not found")
)

// System is the runtime facade: it owns the broker, the monitoring
// sink, the spawned actors and the root-level supervision trees, and
// tears all of it down on Shutdown.
type System struct {
	cfg       *config.Config
	logger    *log.Logger
	sink      monitor.Sink
	rec       *monitor.Recorder
	broker    *broker.Broker
	startedAt time.Time

	mu     sync.Mutex
	actors map[string]*actor.Runner
	names  map[string]message.Address
	sups   []*supervisor.Supervisor

	stopped      *atomic.Bool
	fatal        chan error
	shutdownOnce sync.Once
	shutdownErr  *atomic.Error
}

// NewSystem builds a system from the default configuration, amended by
// the options.
func NewSystem(opts ...SystemOption) (*System, error) {
	o := &sysOptions{
		cfg:    config.DefaultConfig(),
		logger: log.Default(),
		sink:   nil,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfgErr != nil {
		return nil, o.cfgErr
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	s := &System{
		cfg:         o.cfg,
		logger:      o.logger,
		startedAt:   time.Now(),
		actors:      make(map[string]*actor.Runner),
		names:       make(map[string]message.Address),
		stopped:     atomic.NewBool(false),
		fatal:       make(chan error, 1),
		shutdownErr: atomic.NewError(nil),
	}

	sinks := make([]monitor.Sink, 0, 2)
	if o.cfg.Monitor.Enabled {
		s.rec = monitor.NewRecorder(o.cfg.Monitor.BufferSize)
		sinks = append(sinks, s.rec)
	}
	if o.sink != nil {
		sinks = append(sinks, o.sink)
	}
	switch len(sinks) {
	case 0:
		s.sink = monitor.Nop{}
	case 1:
		s.sink = sinks[0]
	default:
		s.sink = monitor.Multi(sinks...)
	}

	s.broker = broker.New(
		broker.WithLogger(s.logger),
		broker.WithSink(s.sink),
		broker.WithRequestTimeout(o.cfg.System.RequestTimeout.Duration()),
	)

	s.logger.Printf("[system] %s %s up", s.cfg.System.Name, s.cfg.System.Version)
	return s, nil
}

// Name returns the configured system name.
func (s *System) Name() string { return s.cfg.System.Name }

// Version returns the configured system version.
func (s *System) Version() string { return s.cfg.System.Version }

// Uptime returns how long the system has existed.
func (s *System) Uptime() time.Duration { return time.Since(s.startedAt) }

// Broker exposes the system's broker for direct use.
func (s *System) Broker() *broker.Broker { return s.broker }

// Events returns a snapshot of the recorded monitor events, oldest
// first. Nil when the recorder is disabled in the configuration.
func (s *System) Events() []monitor.Event {
	if s.rec == nil {
		return nil
	}
	return s.rec.Events()
}

// Fatal delivers unrecoverable tree failures: a root-level supervisor
// exhausting its restart budget or escalating lands here, and the
// system begins shutting itself down.
func (s *System) Fatal() <-chan error { return s.fatal }

// Len reports how many actors are currently registered.
func (s *System) Len() int { return s.broker.Len() }

// actorOptions maps resolved spawn options onto runner options.
func (s *System) actorOptions(so *spawnOptions, supervised bool) []actor.Option {
	mbOpts := so.mailbox
	if !so.mailboxSet {
		mbOpts, _ = s.cfg.Mailbox.Options()
	}
	start := so.startTimeout
	if start <= 0 {
		start = s.cfg.System.StartTimeout.Duration()
	}

	out := []actor.Option{
		actor.WithLogger(s.logger),
		actor.WithSink(s.sink),
		actor.WithMailbox(mbOpts),
		actor.WithStartTimeout(start),
	}
	if so.receiveTimeout > 0 {
		out = append(out, actor.WithReceiveTimeout(so.receiveTimeout))
	}
	if supervised {
		out = append(out, actor.WithSupervised())
	}
	return out
}

func (s *System) atCapacity() error {
	if max := s.cfg.System.MaxActors; max > 0 && s.broker.Len() >= max {
		return fmt.Errorf("%w: limit %d", ErrTooManyActors, max)
	}
	return nil
}

// Spawn starts an unsupervised actor and returns its address. The
// actor restarts in place when its error handler asks for it, and is
// forgotten once it stops.
func (s *System) Spawn(factory actor.Factory, opts ...SpawnOption) (message.Address, error) {
	if s.stopped.Load() {
		return message.Address{}, ErrSystemStopped
	}
	so := &spawnOptions{}
	for _, opt := range opts {
		opt(so)
	}
	if err := s.atCapacity(); err != nil {
		return message.Address{}, err
	}

	var addr message.Address
	if so.name != "" {
		addr = message.NewAddress(so.name)
	} else {
		addr = message.Anonymous()
	}
	r := actor.NewRunner(addr, factory, s.broker, s.actorOptions(so, false)...)

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return message.Address{}, ErrSystemStopped
	}
	if so.name != "" {
		if _, taken := s.names[so.name]; taken {
			s.mu.Unlock()
			return message.Address{}, fmt.Errorf("%w: %q", ErrNameTaken, so.name)
		}
		s.names[so.name] = addr
	}
	s.actors[addr.ID()] = r
	s.mu.Unlock()

	if err := r.Start(context.Background()); err != nil {
		s.forget(addr, so.name)
		return message.Address{}, err
	}
	go s.reap(r, addr, so.name)
	return addr, nil
}

// reap drops the runner's bookkeeping once it terminates for good.
func (s *System) reap(r *actor.Runner, addr message.Address, name string) {
	<-r.Done()
	s.forget(addr, name)
	if err := r.Err(); err != nil {
		s.logger.Printf("[system] actor %s exited: %v", addr, err)
	}
}

func (s *System) forget(addr message.Address, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actors, addr.ID())
	if name != "" && s.names[name] == addr {
		delete(s.names, name)
	}
}

// StopActor stops an unsupervised actor and waits for it within ctx.
func (s *System) StopActor(ctx context.Context, addr message.Address) error {
	s.mu.Lock()
	r, ok := s.actors[addr.ID()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrActorNotFound, addr)
	}
	return r.Stop(ctx)
}

// Lookup resolves a name claimed at spawn time.
func (s *System) Lookup(name string) (message.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.names[name]
	return addr, ok
}

// ActorChild adapts an actor factory into a supervised child spec. The
// child id becomes the actor's address name; restart and shutdown
// policies can be adjusted on the returned spec.
func (s *System) ActorChild(id string, factory actor.Factory, opts ...SpawnOption) supervisor.ChildSpec {
	so := &spawnOptions{}
	for _, opt := range opts {
		opt(so)
	}
	build := func() (supervisor.Child, error) {
		if s.stopped.Load() {
			return nil, ErrSystemStopped
		}
		if err := s.atCapacity(); err != nil {
			return nil, err
		}
		addr := message.NewAddress(id)
		return actor.NewRunner(addr, factory, s.broker, s.actorOptions(so, true)...), nil
	}
	return supervisor.NewChildSpec(id, build).
		SetShutdown(supervisor.Graceful(s.cfg.Supervisor.ShutdownTimeout.Duration()))
}

// SpawnSupervised starts a root-level supervision tree over the specs.
// Tree failures are fatal to the system: budget exhaustion or an
// escalation shuts it down and surfaces on Fatal.
func (s *System) SpawnSupervised(strategy supervisor.Strategy, specs []supervisor.ChildSpec, opts ...supervisor.Option) (*supervisor.Supervisor, error) {
	if s.stopped.Load() {
		return nil, ErrSystemStopped
	}

	base := []supervisor.Option{
		supervisor.WithStrategy(strategy),
		supervisor.WithLogger(s.logger),
		supervisor.WithSink(s.sink),
		supervisor.WithMaxRestarts(
			s.cfg.Supervisor.MaxRestarts,
			s.cfg.Supervisor.RestartWindow.Duration(),
		),
	}
	if b := s.cfg.Supervisor.BackoffBase.Duration(); b > 0 {
		base = append(base, supervisor.WithBackoff(b, s.cfg.Supervisor.BackoffCap.Duration()))
	}
	if s.cfg.Health.Enabled {
		base = append(base, supervisor.WithHealthChecks(
			s.cfg.Health.Interval.Duration(),
			s.cfg.Health.Threshold,
		))
	}

	sup, err := supervisor.New(specs, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := sup.Start(context.Background()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.System.ShutdownTimeout.Duration())
		defer cancel()
		_ = sup.Stop(stopCtx)
		return nil, ErrSystemStopped
	}
	s.sups = append(s.sups, sup)
	s.mu.Unlock()

	go s.watchTree(sup)
	return sup, nil
}

// watchTree removes a finished tree and escalates its failure to the
// whole system.
func (s *System) watchTree(sup *supervisor.Supervisor) {
	<-sup.Done()

	s.mu.Lock()
	for i, known := range s.sups {
		if known == sup {
			s.sups = append(s.sups[:i], s.sups[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := sup.Err(); err != nil && !s.stopped.Load() {
		s.logger.Printf("[system] supervision tree %s failed: %v", sup.Name(), err)
		select {
		case s.fatal <- fmt.Errorf("tree %s: %w", sup.Name(), err):
		default:
		}
		go func() {
			_ = s.Shutdown(context.Background())
		}()
	}
}

// Send wraps msg in an envelope and delivers it to addr, failing fast
// when the address is unknown.
func (s *System) Send(ctx context.Context, addr message.Address, msg message.Message) error {
	if s.stopped.Load() {
		return ErrSystemStopped
	}
	return s.broker.Send(ctx, addr, message.NewEnvelope(msg))
}

// SendEnvelope delivers a fully built envelope, for callers that set
// priority, TTL or reply metadata themselves.
func (s *System) SendEnvelope(ctx context.Context, addr message.Address, env message.Envelope) error {
	if s.stopped.Load() {
		return ErrSystemStopped
	}
	return s.broker.Send(ctx, addr, env)
}

// Publish fans msg out to every subscriber of topic and returns how
// many deliveries succeeded.
func (s *System) Publish(ctx context.Context, topic string, msg message.Message) (int, error) {
	if s.stopped.Load() {
		return 0, ErrSystemStopped
	}
	return s.broker.Publish(ctx, topic, message.NewEnvelope(msg))
}

// Subscribe adds addr to a topic.
func (s *System) Subscribe(topic string, addr message.Address) error {
	if s.stopped.Load() {
		return ErrSystemStopped
	}
	return s.broker.Subscribe(topic, addr)
}

// Unsubscribe removes addr from a topic.
func (s *System) Unsubscribe(topic string, addr message.Address) error {
	if s.stopped.Load() {
		return ErrSystemStopped
	}
	return s.broker.Unsubscribe(topic, addr)
}

// Request sends msg to addr and waits for the correlated reply.
func (s *System) Request(ctx context.Context, addr message.Address, msg message.Message) (message.Envelope, error) {
	if s.stopped.Load() {
		return message.Envelope{}, ErrSystemStopped
	}
	return s.broker.Request(ctx, addr, msg)
}

// Shutdown stops the system: supervision trees first, newest
// to oldest, then the loose actors, then the broker. Without a
// deadline on ctx the configured shutdown timeout applies. Safe to
// call more than once; later calls return the first outcome.
func (s *System) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr.Store(s.teardown(ctx, false))
	})
	return s.shutdownErr.Load()
}

// Kill force-stops the system without waiting for graceful handoffs.
func (s *System) Kill() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s.shutdownErr.Store(s.teardown(ctx, true))
	})
}

func (s *System) teardown(ctx context.Context, force bool) error {
	s.stopped.Store(true)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && !force {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.System.ShutdownTimeout.Duration())
		defer cancel()
	}

	s.mu.Lock()
	sups := make([]*supervisor.Supervisor, len(s.sups))
	copy(sups, s.sups)
	runners := make([]*actor.Runner, 0, len(s.actors))
	for _, r := range s.actors {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	var errs []error
	for i := len(sups) - 1; i >= 0; i-- {
		if err := sups[i].Stop(ctx); err != nil && !force {
			errs = append(errs, err)
		}
	}

	var g errgroup.Group
	for _, r := range runners {
		r := r
		g.Go(func() error {
			if force {
				r.Kill()
				return nil
			}
			return r.Stop(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	s.broker.Close()
	s.logger.Printf("[system] %s stopped", s.cfg.System.Name)
	return errors.Join(errs...)
}
