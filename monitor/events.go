package monitor

import (
	"log"
	"sync"
	"time"
)

// Kind names a runtime event.
type Kind string

const (
	KindActorSpawned    Kind = "actor.spawned"
	KindActorStarted    Kind = "actor.started"
	KindActorStopped    Kind = "actor.stopped"
	KindActorRestarting Kind = "actor.restarting"
	KindActorFailed     Kind = "actor.failed"
	KindMessageExpired  Kind = "message.expired"

	KindChildStarted    Kind = "supervisor.child_started"
	KindChildRestarted  Kind = "supervisor.child_restarted"
	KindBudgetExhausted Kind = "supervisor.budget_exhausted"
	KindEscalated       Kind = "supervisor.escalated"

	KindRegistered     Kind = "broker.registered"
	KindUnregistered   Kind = "broker.unregistered"
	KindDeliveryFailed Kind = "broker.delivery_failed"
	KindRequestTimeout Kind = "broker.request_timeout"
)

// Event is a single runtime occurrence. Subject identifies the actor
// address, child id or topic the event is about.
type Event struct {
	Kind    Kind
	Subject string
	Err     error
	At      time.Time
}

// NewEvent stamps an event with the current time.
func NewEvent(kind Kind, subject string) Event {
	return Event{Kind: kind, Subject: subject, At: time.Now()}
}

// WithErr attaches the error that caused the event.
func (e Event) WithErr(err error) Event {
	e.Err = err
	return e
}

// Sink consumes runtime events. Implementations must be safe for
// concurrent use and must not block the caller.
type Sink interface {
	Record(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(Event) {}

// Recorder keeps the most recent events in a fixed-size history.
type Recorder struct {
	mu     sync.Mutex
	buf    []Event
	next   int
	filled bool
}

// NewRecorder returns a recorder holding up to size events, oldest
// evicted first.
func NewRecorder(size int) *Recorder {
	if size < 1 {
		size = 256
	}
	return &Recorder{buf: make([]Event, size)}
}

func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.filled = true
	}
}

// Events returns the recorded history, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// LogSink writes events to a standard logger.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink returns a sink logging each event through logger.
func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ev Event) {
	if ev.Err != nil {
		s.logger.Printf("[monitor] %s subject=%s err=%v", ev.Kind, ev.Subject, ev.Err)
		return
	}
	s.logger.Printf("[monitor] %s subject=%s", ev.Kind, ev.Subject)
}

// Multi fans each event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Record(ev Event) {
	for _, s := range m {
		s.Record(ev)
	}
}
