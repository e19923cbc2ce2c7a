// Package monitor carries the runtime's health model and its event
// stream. Actors report Health; the runtime publishes Events to a Sink.
package monitor

import "fmt"

// Status classifies a reported condition.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Health couples a status with an optional reason. Degraded and failed
// reports carry the reason, healthy ones do not.
type Health struct {
	Status Status
	Reason string
}

// Ok reports a healthy condition.
func Ok() Health { return Health{Status: StatusHealthy} }

// Degraded reports a condition that still serves but needs attention.
func Degraded(reason string) Health {
	return Health{Status: StatusDegraded, Reason: reason}
}

// Failed reports a condition the supervisor should treat like a handler
// error when making restart decisions.
func Failed(reason string) Health {
	return Health{Status: StatusFailed, Reason: reason}
}

// Healthy reports whether the status is StatusHealthy.
func (h Health) Healthy() bool { return h.Status == StatusHealthy }

func (h Health) String() string {
	if h.Reason == "" {
		return h.Status.String()
	}
	return fmt.Sprintf("%s: %s", h.Status, h.Reason)
}
