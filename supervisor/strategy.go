package supervisor

import (
	"fmt"
	"time"
)

// Strategy decides which siblings a child failure takes down with it.
type Strategy int32

const (
	// OneForOne restarts only the failed child.
	OneForOne Strategy = iota

	// OneForAll stops every child and restarts them all from fresh
	// instances.
	OneForAll

	// RestForOne stops the failed child and every child started after
	// it, then restarts that set in start order.
	RestForOne
)

func (s Strategy) String() string {
	switch s {
	case OneForOne:
		return "one-for-one"
	case OneForAll:
		return "one-for-all"
	case RestForOne:
		return "rest-for-one"
	default:
		return "unknown"
	}
}

func (s Strategy) valid() bool {
	return s >= OneForOne && s <= RestForOne
}

// RestartPolicy decides whether a child comes back after it exits.
type RestartPolicy int32

const (
	// RestartPermanent restarts the child after every exit, normal or
	// not.
	RestartPermanent RestartPolicy = iota

	// RestartTransient restarts the child only after an abnormal exit.
	RestartTransient

	// RestartTemporary never restarts the child.
	RestartTemporary
)

func (p RestartPolicy) String() string {
	switch p {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

func (p RestartPolicy) valid() bool {
	return p >= RestartPermanent && p <= RestartTemporary
}

// ShouldRestart reports whether a child with this policy comes back
// after an exit; abnormal marks exits caused by an error.
func (p RestartPolicy) ShouldRestart(abnormal bool) bool {
	switch p {
	case RestartPermanent:
		return true
	case RestartTransient:
		return abnormal
	default:
		return false
	}
}

// shutdown modes
const (
	shutdownGraceful int32 = iota
	shutdownImmediate
	shutdownInfinity
)

// ShutdownPolicy decides how long a child gets to stop.
type ShutdownPolicy struct {
	mode    int32
	timeout time.Duration
}

// Graceful waits up to d for the child to stop.
func Graceful(d time.Duration) ShutdownPolicy {
	return ShutdownPolicy{mode: shutdownGraceful, timeout: d}
}

// Immediate does not wait at all; the stop request is fired and the
// supervisor moves on.
func Immediate() ShutdownPolicy {
	return ShutdownPolicy{mode: shutdownImmediate}
}

// Infinity waits however long the child takes.
func Infinity() ShutdownPolicy {
	return ShutdownPolicy{mode: shutdownInfinity}
}

func (p ShutdownPolicy) String() string {
	switch p.mode {
	case shutdownImmediate:
		return "immediate"
	case shutdownInfinity:
		return "infinity"
	default:
		return fmt.Sprintf("graceful(%s)", p.timeout)
	}
}

func (p ShutdownPolicy) valid() bool {
	if p.mode == shutdownGraceful {
		return p.timeout > 0
	}
	return p.mode == shutdownImmediate || p.mode == shutdownInfinity
}
