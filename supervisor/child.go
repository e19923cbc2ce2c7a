package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/nkover/troupe/monitor"
)

// DefaultShutdownTimeout is the grace period children get when the
// spec does not choose its own shutdown policy.
const DefaultShutdownTimeout = 5 * time.Second

// Child is the capability a supervisor needs from anything it manages.
// Actor runners and nested supervisors both satisfy it.
type Child interface {
	// Start brings the child up and returns once it runs or failed to.
	Start(ctx context.Context) error

	// Stop asks the child to stop; ctx bounds how long to wait.
	Stop(ctx context.Context) error

	// Done is closed when the current run has terminated.
	Done() <-chan struct{}

	// Err reports why the last run terminated, nil for a clean stop.
	Err() error

	// Health reports the child's current condition.
	Health(ctx context.Context) monitor.Health
}

// BuildFunc produces the child a spec describes. It is called once per
// supervisor start; restarts reuse the same child handle.
type BuildFunc func() (Child, error)

// ChildSpec describes one supervised child.
type ChildSpec struct {
	// ID names the child within its supervisor.
	ID string

	// Build produces the child.
	Build BuildFunc

	// Restart decides whether the child comes back after an exit.
	Restart RestartPolicy

	// Shutdown decides how long the child gets to stop.
	Shutdown ShutdownPolicy
}

// NewChildSpec returns a spec with the defaults: permanent restart,
// graceful shutdown with the default grace period.
func NewChildSpec(id string, build BuildFunc) ChildSpec {
	return ChildSpec{
		ID:       id,
		Build:    build,
		Restart:  RestartPermanent,
		Shutdown: Graceful(DefaultShutdownTimeout),
	}
}

// SetRestart returns the spec with its restart policy replaced.
func (s ChildSpec) SetRestart(p RestartPolicy) ChildSpec {
	s.Restart = p
	return s
}

// SetShutdown returns the spec with its shutdown policy replaced.
func (s ChildSpec) SetShutdown(p ShutdownPolicy) ChildSpec {
	s.Shutdown = p
	return s
}

func (s ChildSpec) validate() error {
	if s.ID == "" {
		return fmt.Errorf("child spec: empty id")
	}
	if s.Build == nil {
		return fmt.Errorf("child spec %s: nil build func", s.ID)
	}
	if !s.Restart.valid() {
		return fmt.Errorf("child spec %s: invalid restart policy %d", s.ID, s.Restart)
	}
	if !s.Shutdown.valid() {
		return fmt.Errorf("child spec %s: invalid shutdown policy", s.ID)
	}
	return nil
}

// childHandle is a spec bound to its built child plus the supervisor's
// bookkeeping for it.
type childHandle struct {
	spec  ChildSpec
	child Child

	// gen invalidates exit notifications from runs the supervisor
	// already dealt with.
	gen int

	// active is true while the supervisor believes the child is up.
	active bool

	// backoffStep counts consecutive restarts for the delay curve.
	backoffStep int
	lastRestart time.Time

	// healthFails counts consecutive failed health probes.
	healthFails int
}
