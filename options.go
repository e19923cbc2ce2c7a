package troupe

import (
	"log"
	"time"

	"github.com/nkover/troupe/config"
	"github.com/nkover/troupe/mailbox"
	"github.com/nkover/troupe/monitor"
)

type sysOptions struct {
	cfg    *config.Config
	cfgErr error
	logger *log.Logger
	sink   monitor.Sink
}

// SystemOption configures a System.
type SystemOption func(*sysOptions)

// WithConfig runs the system on the given configuration instead of
// the defaults.
func WithConfig(cfg *config.Config) SystemOption {
	return func(o *sysOptions) {
		if cfg != nil {
			o.cfg = cfg
		}
	}
}

// WithConfigFile loads the configuration from path. A load failure
// surfaces from NewSystem.
func WithConfigFile(path string) SystemOption {
	return func(o *sysOptions) {
		cfg, err := config.Load(path)
		if err != nil {
			o.cfgErr = err
			return
		}
		o.cfg = cfg
	}
}

// WithLogger sets the system logger; components the system creates
// inherit it.
func WithLogger(logger *log.Logger) SystemOption {
	return func(o *sysOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSink adds a monitoring sink next to the system's own recorder.
func WithSink(sink monitor.Sink) SystemOption {
	return func(o *sysOptions) {
		if sink != nil {
			o.sink = sink
		}
	}
}

type spawnOptions struct {
	name           string
	mailbox        mailbox.Options
	mailboxSet     bool
	startTimeout   time.Duration
	receiveTimeout time.Duration
}

// SpawnOption configures one actor spawn.
type SpawnOption func(*spawnOptions)

// WithName claims a system-wide unique name for the actor. Spawning a
// second actor under a taken name fails with ErrNameTaken.
func WithName(name string) SpawnOption {
	return func(o *spawnOptions) { o.name = name }
}

// WithMailbox overrides the configured default mailbox for this actor.
func WithMailbox(opts mailbox.Options) SpawnOption {
	return func(o *spawnOptions) {
		o.mailbox = opts
		o.mailboxSet = true
	}
}

// WithStartTimeout overrides the configured pre-start timeout.
func WithStartTimeout(d time.Duration) SpawnOption {
	return func(o *spawnOptions) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// WithReceiveTimeout makes the actor receive a timeout notice when its
// mailbox stays empty for d.
func WithReceiveTimeout(d time.Duration) SpawnOption {
	return func(o *spawnOptions) {
		if d > 0 {
			o.receiveTimeout = d
		}
	}
}
