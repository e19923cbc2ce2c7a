// Package supervisor keeps trees of children alive. A supervisor starts
// its children in order, watches their exits, applies its restart
// strategy within a restart budget and escalates when the budget is
// spent. Children are anything satisfying the Child capability; nested
// supervisors satisfy it themselves.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/nkover/troupe/actor"
	"github.com/nkover/troupe/monitor"
)

const (
	// DefaultMaxRestarts is the number of restarts tolerated within the
	// restart window before the supervisor gives up.
	DefaultMaxRestarts = 5

	// DefaultRestartWindow is the sliding window the budget counts in.
	DefaultRestartWindow = time.Minute

	// DefaultHealthThreshold is the number of consecutive failed health
	// probes that counts as a child failure.
	DefaultHealthThreshold = 3

	healthProbeTimeout = 5 * time.Second
)

var (
	// ErrRestartBudget is the exit reason of a supervisor that spent its
	// restart budget. The parent sees it through Err.
	ErrRestartBudget = errors.New("restart budget exhausted")

	// ErrDuplicateChild is returned when a child id is already taken.
	ErrDuplicateChild = errors.New("duplicate child id")

	// ErrChildNotFound is returned for operations on unknown child ids.
	ErrChildNotFound = errors.New("child not found")

	// ErrAlreadyStarted is returned by Start on a running supervisor.
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// supervisor lifecycle
const (
	supCreated int32 = iota
	supStarting
	supRunning
	supStopping
	supStopped
)

type childExit struct {
	id  string
	gen int
}

// Supervisor runs a set of children under one restart strategy.
type Supervisor struct {
	name            string
	strategy        Strategy
	maxRestarts     int
	window          time.Duration
	backoffBase     time.Duration
	backoffCap      time.Duration
	healthEvery     time.Duration
	healthThreshold int
	logger          *log.Logger
	sink            monitor.Sink

	mu       sync.Mutex
	specs    []ChildSpec
	children map[string]*childHandle
	restarts []time.Time

	state    *atomic.Int32
	exitErr  *atomic.Error
	stopCh   chan struct{}
	events   chan childExit
	finished chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithName names the supervisor; the default is an xid.
func WithName(name string) Option {
	return func(s *Supervisor) {
		if name != "" {
			s.name = name
		}
	}
}

// WithStrategy selects the restart strategy, OneForOne by default.
func WithStrategy(st Strategy) Option {
	return func(s *Supervisor) { s.strategy = st }
}

// WithMaxRestarts sets the restart budget: more than max restarts
// within the window fails the supervisor.
func WithMaxRestarts(max int, within time.Duration) Option {
	return func(s *Supervisor) {
		if max >= 0 {
			s.maxRestarts = max
		}
		if within > 0 {
			s.window = within
		}
	}
}

// WithBackoff delays consecutive restarts of the same child
// exponentially from base up to cap. Zero base disables the delay.
func WithBackoff(base, cap time.Duration) Option {
	return func(s *Supervisor) {
		s.backoffBase = base
		s.backoffCap = cap
	}
}

// WithHealthChecks probes every child's health on the given interval;
// threshold consecutive failed probes count as a child failure. Zero
// interval disables probing.
func WithHealthChecks(every time.Duration, threshold int) Option {
	return func(s *Supervisor) {
		s.healthEvery = every
		if threshold > 0 {
			s.healthThreshold = threshold
		}
	}
}

// WithLogger sets the supervisor's logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSink sets the monitoring sink receiving supervision events.
func WithSink(sink monitor.Sink) Option {
	return func(s *Supervisor) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// New validates the specs and returns a supervisor. Nothing starts
// until Start.
func New(specs []ChildSpec, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		name:            "supervisor-" + xid.New().String(),
		strategy:        OneForOne,
		maxRestarts:     DefaultMaxRestarts,
		window:          DefaultRestartWindow,
		backoffCap:      time.Minute,
		healthThreshold: DefaultHealthThreshold,
		logger:          log.New(io.Discard, "", 0),
		sink:            monitor.Nop{},
		state:           atomic.NewInt32(supCreated),
		exitErr:         atomic.NewError(nil),
		finished:        closedChan(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.strategy.valid() {
		return nil, fmt.Errorf("invalid strategy %d", s.strategy)
	}
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChild, spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}
	s.specs = append(s.specs, specs...)
	return s, nil
}

// Start builds every child and starts them in spec order. A child that
// fails to start aborts the startup: the ones already running are
// stopped in reverse order and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(supCreated, supStarting) &&
		!s.state.CompareAndSwap(supStopped, supStarting) {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, s.name)
	}

	s.mu.Lock()
	s.children = make(map[string]*childHandle, len(s.specs))
	s.restarts = nil
	s.stopCh = make(chan struct{})
	s.events = make(chan childExit, 64)
	s.exitErr.Store(nil)

	for _, spec := range s.specs {
		child, err := spec.Build()
		if err != nil {
			s.mu.Unlock()
			err = fmt.Errorf("build child %s: %w", spec.ID, err)
			s.exitErr.Store(err)
			s.state.Store(supStopped)
			return err
		}
		s.children[spec.ID] = &childHandle{spec: spec, child: child}
	}

	for i, spec := range s.specs {
		h := s.children[spec.ID]
		if err := s.startChildLocked(ctx, h); err != nil {
			// abort: unwind the ones already up, newest first
			for j := i - 1; j >= 0; j-- {
				prev := s.children[s.specs[j].ID]
				prev.gen++
				prev.active = false
				s.stopChild(prev)
			}
			s.mu.Unlock()
			err = fmt.Errorf("start child %s: %w", spec.ID, err)
			s.exitErr.Store(err)
			s.state.Store(supStopped)
			return err
		}
	}
	// The previous run's channel is closed by now, so swap only once
	// this run is certain to hand off to the loop.
	s.finished = make(chan struct{})
	s.mu.Unlock()

	s.state.Store(supRunning)
	s.logger.Printf("[supervisor] %s running with %d children (%s)", s.name, len(s.specs), s.strategy)
	go s.loop()
	return nil
}

// startChildLocked starts h's child and arms its exit watcher. The
// caller holds s.mu.
func (s *Supervisor) startChildLocked(ctx context.Context, h *childHandle) error {
	h.gen++
	if err := h.child.Start(ctx); err != nil {
		return err
	}
	h.active = true
	watch(h.spec.ID, h.gen, h.child.Done(), s.events, s.stopCh)
	s.sink.Record(monitor.NewEvent(monitor.KindChildStarted, s.name+"/"+h.spec.ID))
	return nil
}

// watch forwards the child's exit into the supervisor loop, tagged
// with the generation so exits the supervisor caused itself are
// recognized and dropped.
func watch(id string, gen int, done <-chan struct{}, events chan<- childExit, stop <-chan struct{}) {
	go func() {
		select {
		case <-done:
			select {
			case events <- childExit{id: id, gen: gen}:
			case <-stop:
			}
		case <-stop:
		}
	}()
}

func (s *Supervisor) loop() {
	var tickCh <-chan time.Time
	if s.healthEvery > 0 {
		ticker := time.NewTicker(s.healthEvery)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-s.stopCh:
			s.teardown(nil)
			return
		case ev := <-s.events:
			if !s.onExit(ev) {
				return
			}
		case <-tickCh:
			if !s.onSweep() {
				return
			}
		}
	}
}

// onExit reacts to one child exit. It reports false when the
// supervisor itself is done.
func (s *Supervisor) onExit(ev childExit) bool {
	s.mu.Lock()
	h, ok := s.children[ev.id]
	if !ok || h.gen != ev.gen || !h.active {
		s.mu.Unlock()
		return true
	}
	h.active = false
	err := h.child.Err()
	s.mu.Unlock()

	if err != nil && errors.Is(err, actor.ErrEscalated) {
		s.sink.Record(monitor.NewEvent(monitor.KindEscalated, s.name+"/"+ev.id).WithErr(err))
		s.logger.Printf("[supervisor] %s child %s escalated: %v", s.name, ev.id, err)
		s.teardown(fmt.Errorf("child %s: %w", ev.id, err))
		return false
	}

	abnormal := err != nil
	if abnormal {
		s.logger.Printf("[supervisor] %s child %s failed: %v", s.name, ev.id, err)
	} else {
		s.logger.Printf("[supervisor] %s child %s exited normally", s.name, ev.id)
	}

	if !h.spec.Restart.ShouldRestart(abnormal) {
		return true
	}
	return s.restart(ev.id, err)
}

// restart applies the strategy for a failed child. It reports false
// when the budget is spent and the supervisor has failed.
func (s *Supervisor) restart(id string, cause error) bool {
	now := time.Now()
	if !s.withinBudget(now) {
		s.sink.Record(monitor.NewEvent(monitor.KindBudgetExhausted, s.name).WithErr(cause))
		s.logger.Printf("[supervisor] %s gave up: more than %d restarts in %s", s.name, s.maxRestarts, s.window)
		s.teardown(fmt.Errorf("%w (%d in %s): child %s: %v", ErrRestartBudget, s.maxRestarts, s.window, id, cause))
		return false
	}

	affected := s.affected(id)
	s.stopSet(affected)

	if d := s.backoffDelay(id, now); d > 0 {
		select {
		case <-time.After(d):
		case <-s.stopCh:
			return true
		}
	}
	return s.startSet(affected, id)
}

// withinBudget slides the window forward, records one restart and
// reports whether the budget still holds.
func (s *Supervisor) withinBudget(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.window)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = append(kept, now)
	return len(s.restarts) <= s.maxRestarts
}

// affected returns, in start order, the ids the strategy takes down
// with the failed child.
func (s *Supervisor) affected(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	pick := func(from int) []string {
		var out []string
		for _, spec := range s.specs[from:] {
			h := s.children[spec.ID]
			if h == nil {
				continue
			}
			if spec.ID == id || h.active {
				out = append(out, spec.ID)
			}
		}
		return out
	}

	switch s.strategy {
	case OneForAll:
		return pick(0)
	case RestForOne:
		for i, spec := range s.specs {
			if spec.ID == id {
				return pick(i)
			}
		}
		return []string{id}
	default:
		return []string{id}
	}
}

// stopSet stops the affected children in reverse start order. Exits
// triggered here carry stale generations, so the loop ignores them.
func (s *Supervisor) stopSet(ids []string) {
	s.mu.Lock()
	handles := make([]*childHandle, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if h, ok := s.children[ids[i]]; ok {
			h.gen++
			wasActive := h.active
			h.active = false
			if wasActive {
				handles = append(handles, h)
			}
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.stopChild(h)
	}
}

// startSet restarts the affected children in start order, skipping
// temporary ones. A start failure burns budget and is retried; a spent
// budget fails the supervisor.
func (s *Supervisor) startSet(ids []string, failedID string) bool {
	for _, id := range ids {
		s.mu.Lock()
		h, ok := s.children[id]
		s.mu.Unlock()
		if !ok || h.spec.Restart == RestartTemporary {
			continue
		}

		for {
			s.mu.Lock()
			err := s.startChildLocked(context.Background(), h)
			s.mu.Unlock()
			if err == nil {
				s.sink.Record(monitor.NewEvent(monitor.KindChildRestarted, s.name+"/"+id))
				break
			}
			s.logger.Printf("[supervisor] %s restart of child %s failed: %v", s.name, id, err)
			now := time.Now()
			if !s.withinBudget(now) {
				s.sink.Record(monitor.NewEvent(monitor.KindBudgetExhausted, s.name).WithErr(err))
				s.teardown(fmt.Errorf("%w (%d in %s): child %s: %v", ErrRestartBudget, s.maxRestarts, s.window, id, err))
				return false
			}
			if d := s.backoffDelay(id, now); d > 0 {
				select {
				case <-time.After(d):
				case <-s.stopCh:
					return true
				}
			}
		}
	}
	s.logger.Printf("[supervisor] %s restarted %d children after failure of %s", s.name, len(ids), failedID)
	return true
}

// backoffDelay computes the delay before restarting id again. The step
// resets once the child has stayed quiet for a full window.
func (s *Supervisor) backoffDelay(id string, now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.children[id]
	if !ok {
		return 0
	}
	if !h.lastRestart.IsZero() && now.Sub(h.lastRestart) > s.window {
		h.backoffStep = 0
	}
	step := h.backoffStep
	h.backoffStep++
	h.lastRestart = now

	if s.backoffBase <= 0 {
		return 0
	}
	if step > 10 {
		step = 10
	}
	d := s.backoffBase * (1 << uint(step))
	if s.backoffCap > 0 && d > s.backoffCap {
		d = s.backoffCap
	}
	return d
}

// onSweep probes the health of every active child concurrently and
// turns persistent failures into child failures.
func (s *Supervisor) onSweep() bool {
	type probe struct {
		id    string
		gen   int
		child Child
	}

	s.mu.Lock()
	probes := make([]probe, 0, len(s.children))
	for _, spec := range s.specs {
		if h, ok := s.children[spec.ID]; ok && h.active {
			probes = append(probes, probe{id: spec.ID, gen: h.gen, child: h.child})
		}
	}
	s.mu.Unlock()
	if len(probes) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()
	results := make([]monitor.Health, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			results[i] = p.child.Health(ctx)
			return nil
		})
	}
	_ = g.Wait()

	type failure struct {
		id     string
		gen    int
		reason string
	}
	var failures []failure
	s.mu.Lock()
	for i, p := range probes {
		h, ok := s.children[p.id]
		if !ok || h.gen != p.gen || !h.active {
			continue
		}
		if results[i].Status == monitor.StatusFailed {
			h.healthFails++
			if h.healthFails >= s.healthThreshold {
				h.healthFails = 0
				failures = append(failures, failure{id: p.id, gen: p.gen, reason: results[i].Reason})
			}
		} else {
			h.healthFails = 0
		}
	}
	s.mu.Unlock()

	for _, f := range failures {
		s.logger.Printf("[supervisor] %s child %s failed %d health checks: %s", s.name, f.id, s.healthThreshold, f.reason)
		s.mu.Lock()
		h, ok := s.children[f.id]
		if !ok || h.gen != f.gen || !h.active {
			s.mu.Unlock()
			continue
		}
		h.gen++
		h.active = false
		s.mu.Unlock()
		s.stopChild(h)

		if !s.restart(f.id, fmt.Errorf("health check failed: %s", f.reason)) {
			return false
		}
	}
	return true
}

// stopChild stops one child under its shutdown policy.
func (s *Supervisor) stopChild(h *childHandle) {
	var ctx context.Context
	var cancel context.CancelFunc
	switch h.spec.Shutdown.mode {
	case shutdownImmediate:
		ctx, cancel = context.WithCancel(context.Background())
		cancel() // fire the stop request, do not wait
	case shutdownInfinity:
		ctx = context.Background()
	default:
		ctx, cancel = context.WithTimeout(context.Background(), h.spec.Shutdown.timeout)
		defer cancel()
	}
	if err := h.child.Stop(ctx); err != nil && h.spec.Shutdown.mode != shutdownImmediate {
		s.logger.Printf("[supervisor] %s stop child %s: %v", s.name, h.spec.ID, err)
	}
}

// teardown stops every child in reverse start order and records the
// supervisor's exit.
func (s *Supervisor) teardown(err error) {
	if s.state.CompareAndSwap(supRunning, supStopping) {
		close(s.stopCh)
	}

	s.mu.Lock()
	handles := make([]*childHandle, 0, len(s.specs))
	for i := len(s.specs) - 1; i >= 0; i-- {
		if h, ok := s.children[s.specs[i].ID]; ok {
			h.gen++
			if h.active {
				h.active = false
				handles = append(handles, h)
			}
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.stopChild(h)
	}

	s.exitErr.Store(err)
	if err != nil {
		s.logger.Printf("[supervisor] %s stopped: %v", s.name, err)
	} else {
		s.logger.Printf("[supervisor] %s stopped", s.name)
	}
	// Close before the state flips to stopped so a Start racing with
	// the tail of this run cannot swap the channel first.
	close(s.finished)
	s.state.Store(supStopped)
}

// Stop shuts the supervisor down: children stop in reverse start
// order, each under its own shutdown policy. The context bounds the
// wait only.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.state.CompareAndSwap(supCreated, supStopped) {
		return nil
	}
	if s.state.Load() == supStopped {
		return nil
	}
	if s.state.CompareAndSwap(supRunning, supStopping) {
		close(s.stopCh)
	}
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", s.name, ctx.Err())
	}
}

// Done reports the supervisor's termination. For one that never
// started it is already closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Err reports why the supervisor terminated: nil after Stop,
// ErrRestartBudget after a spent budget, the child's error after an
// escalation.
func (s *Supervisor) Err() error { return s.exitErr.Load() }

// Health aggregates the children: failed if any active child reports
// failed, degraded if any reports degraded.
func (s *Supervisor) Health(ctx context.Context) monitor.Health {
	if s.state.Load() != supRunning {
		return monitor.Failed("not running")
	}
	s.mu.Lock()
	type probe struct {
		id    string
		child Child
	}
	probes := make([]probe, 0, len(s.children))
	for _, spec := range s.specs {
		if h, ok := s.children[spec.ID]; ok && h.active {
			probes = append(probes, probe{id: spec.ID, child: h.child})
		}
	}
	s.mu.Unlock()

	worst := monitor.Ok()
	for _, p := range probes {
		h := p.child.Health(ctx)
		switch h.Status {
		case monitor.StatusFailed:
			return monitor.Failed(fmt.Sprintf("child %s: %s", p.id, h.Reason))
		case monitor.StatusDegraded:
			worst = monitor.Degraded(fmt.Sprintf("child %s: %s", p.id, h.Reason))
		}
	}
	return worst
}

// Name returns the supervisor's name.
func (s *Supervisor) Name() string { return s.name }

// Strategy returns the restart strategy in use.
func (s *Supervisor) Strategy() Strategy { return s.strategy }

// ChildIDs returns the child ids in start order.
func (s *Supervisor) ChildIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec.ID)
	}
	return out
}

// Lookup returns the built child for id.
func (s *Supervisor) Lookup(id string) (Child, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.children[id]
	if !ok {
		return nil, false
	}
	return h.child, true
}

// Restarts returns how many restarts the current window holds.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.window)
	n := 0
	for _, t := range s.restarts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// AddChild adds a child at the end of the start order. On a running
// supervisor the child starts right away.
func (s *Supervisor) AddChild(spec ChildSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.children[spec.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateChild, spec.ID)
	}
	for _, existing := range s.specs {
		if existing.ID == spec.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateChild, spec.ID)
		}
	}

	s.specs = append(s.specs, spec)
	if s.state.Load() != supRunning {
		return nil
	}

	child, err := spec.Build()
	if err != nil {
		s.specs = s.specs[:len(s.specs)-1]
		return fmt.Errorf("build child %s: %w", spec.ID, err)
	}
	h := &childHandle{spec: spec, child: child}
	s.children[spec.ID] = h
	if err := s.startChildLocked(context.Background(), h); err != nil {
		delete(s.children, spec.ID)
		s.specs = s.specs[:len(s.specs)-1]
		return fmt.Errorf("start child %s: %w", spec.ID, err)
	}
	return nil
}

// RemoveChild stops the child under its shutdown policy and removes
// its spec.
func (s *Supervisor) RemoveChild(id string) error {
	s.mu.Lock()
	h, ok := s.children[id]
	var specIdx = -1
	for i, spec := range s.specs {
		if spec.ID == id {
			specIdx = i
			break
		}
	}
	if specIdx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChildNotFound, id)
	}
	s.specs = append(s.specs[:specIdx], s.specs[specIdx+1:]...)
	wasActive := false
	if ok {
		h.gen++
		wasActive = h.active
		h.active = false
		delete(s.children, id)
	}
	s.mu.Unlock()

	if wasActive {
		s.stopChild(h)
	}
	return nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
