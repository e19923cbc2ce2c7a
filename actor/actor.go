package actor

import (
	"context"
	"errors"
	"fmt"

	"github.com/nkover/troupe/message"
	"github.com/nkover/troupe/monitor"
)

var (
	// ErrAlreadyStarted is returned by Start when the runner is not in a
	// startable state.
	ErrAlreadyStarted = errors.New("actor already started")

	// ErrPanicked wraps a panic recovered from the actor's callbacks.
	ErrPanicked = errors.New("actor panicked")

	// ErrEscalated marks an exit caused by an escalate directive. A
	// supervisor treats it as its own failure instead of applying the
	// child's restart policy.
	ErrEscalated = errors.New("failure escalated")

	// ErrRestartRequested marks an exit caused by a restart directive on
	// a supervised runner; the supervisor performs the restart so it is
	// accounted against the restart budget.
	ErrRestartRequested = errors.New("restart requested")
)

// StartError reports a failed start. The actor never reached the
// running state; its pre-start hook either returned the wrapped error
// or timed out.
type StartError struct {
	Addr message.Address
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start actor %s: %v", e.Addr, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Factory builds a fresh actor instance. It is called on every start
// and restart so state from a failed incarnation never leaks into the
// next one.
type Factory func() Actor

// Actor handles the envelopes delivered to its address.
type Actor interface {
	Receive(ctx *Context, env message.Envelope) error
}

// Initializer is implemented by actors that need setup before the first
// envelope. An error fails the start.
type Initializer interface {
	PreStart(ctx *Context) error
}

// Finalizer is implemented by actors that need teardown. PostStop runs
// on every stop path, including stops caused by handler errors; its
// error is logged, never propagated.
type Finalizer interface {
	PostStop(ctx *Context) error
}

// ErrorHandler is implemented by actors that decide what a handler
// error means. Without it every error stops the actor.
type ErrorHandler interface {
	OnError(ctx *Context, err error, env message.Envelope) Directive
}

// HealthChecker is implemented by actors that report their own
// condition. HealthCheck is called from outside the execution loop and
// must be safe to run concurrently with Receive.
type HealthChecker interface {
	HealthCheck(ctx context.Context) monitor.Health
}

// Directive tells the runner how to proceed after a handler error.
type Directive int

const (
	// DirectiveStop stops the actor; the error becomes its exit reason.
	// It is the default.
	DirectiveStop Directive = iota

	// DirectiveResume drops the failed envelope and keeps going with
	// the state intact.
	DirectiveResume

	// DirectiveRestart replaces the instance with a fresh one from the
	// factory. Supervised runners hand the restart to their supervisor.
	DirectiveRestart

	// DirectiveEscalate stops the actor and pushes the failure up to
	// the supervisor's own failure handling.
	DirectiveEscalate
)

func (d Directive) String() string {
	switch d {
	case DirectiveStop:
		return "stop"
	case DirectiveResume:
		return "resume"
	case DirectiveRestart:
		return "restart"
	case DirectiveEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

func (d Directive) valid() bool {
	return d >= DirectiveStop && d <= DirectiveEscalate
}
