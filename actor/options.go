package actor

import (
	"io"
	"log"
	"time"

	"github.com/nkover/troupe/mailbox"
	"github.com/nkover/troupe/monitor"
)

// DefaultStartTimeout bounds the pre-start hook.
const DefaultStartTimeout = 10 * time.Second

type options struct {
	mailbox        mailbox.Options
	logger         *log.Logger
	sink           monitor.Sink
	startTimeout   time.Duration
	receiveTimeout time.Duration
	restartInPlace bool
}

func defaultOptions() options {
	return options{
		logger:         log.New(io.Discard, "", 0),
		sink:           monitor.Nop{},
		startTimeout:   DefaultStartTimeout,
		restartInPlace: true,
	}
}

// Option configures a Runner.
type Option func(*options)

// WithMailbox selects the mailbox implementation, capacity and
// backpressure policy.
func WithMailbox(opts mailbox.Options) Option {
	return func(o *options) { o.mailbox = opts }
}

// WithLogger sets the runner's logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSink sets the monitoring sink receiving lifecycle events.
func WithSink(sink monitor.Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithStartTimeout bounds the pre-start hook. A hook that has not
// returned in time fails the start.
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// WithReceiveTimeout makes the runner deliver a sysmsg.Timeout notice
// whenever no envelope arrives for d. Zero disables the notice.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *options) { o.receiveTimeout = d }
}

// WithSupervised marks the runner as supervisor-managed: a restart
// directive exits the run with ErrRestartRequested instead of
// restarting in place, so the supervisor's budget and backoff apply.
func WithSupervised() Option {
	return func(o *options) { o.restartInPlace = false }
}
