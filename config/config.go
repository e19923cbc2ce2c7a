// Package config loads, validates and watches the runtime
// configuration. Values merge in three layers: compiled defaults,
// then a YAML file, then TROUPE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/nkover/troupe/mailbox"
)

var (
	ErrInvalidVersion   = errors.New("invalid version")
	ErrInvalidName      = errors.New("invalid system name")
	ErrInvalidMaxActors = errors.New("invalid max actors")
	ErrInvalidTimeout   = errors.New("invalid timeout")
	ErrInvalidCapacity  = errors.New("invalid mailbox capacity")
	ErrInvalidKind      = errors.New("invalid mailbox kind")
	ErrInvalidPolicy    = errors.New("invalid backpressure policy")
	ErrInvalidStrategy  = errors.New("invalid supervision strategy")
	ErrInvalidBudget    = errors.New("invalid restart budget")
	ErrInvalidHealth    = errors.New("invalid health check settings")
	ErrInvalidBuffer    = errors.New("invalid monitor buffer size")
)

// Duration wraps time.Duration so YAML can carry values like "500ms"
// or "1m30s".
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full runtime configuration.
type Config struct {
	System     SystemConfig     `yaml:"system"`
	Mailbox    MailboxConfig    `yaml:"mailbox"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Health     HealthConfig     `yaml:"health"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

// SystemConfig covers the system facade.
type SystemConfig struct {
	// Name identifies the system in logs and events.
	Name string `yaml:"name"`

	// Version is the declared runtime version, a semver string.
	Version string `yaml:"version"`

	// MaxActors caps how many actors the system will spawn.
	MaxActors int `yaml:"max_actors"`

	// StartTimeout bounds an actor's pre-start hook.
	StartTimeout Duration `yaml:"start_timeout"`

	// ShutdownTimeout bounds the whole system shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// RequestTimeout is the default request/reply deadline.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// MailboxConfig sets the default mailbox every actor gets unless its
// spawn options say otherwise.
type MailboxConfig struct {
	// Kind is one of "channel", "ring" or "unbounded".
	Kind string `yaml:"kind"`

	Capacity int `yaml:"capacity"`

	// Policy is one of "block", "drop", "reject" or "by-priority".
	Policy string `yaml:"policy"`
}

// Options translates the section into mailbox options.
func (m MailboxConfig) Options() (mailbox.Options, error) {
	opts := mailbox.Options{Capacity: m.Capacity}

	switch m.Kind {
	case "", "channel":
		opts.Kind = mailbox.KindChannel
	case "ring":
		opts.Kind = mailbox.KindRing
	case "unbounded":
		opts.Kind = mailbox.KindUnbounded
	default:
		return mailbox.Options{}, fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}

	switch m.Policy {
	case "", "block":
		opts.Policy = mailbox.Block
	case "drop":
		opts.Policy = mailbox.Drop
	case "reject":
		opts.Policy = mailbox.Reject
	case "by-priority":
		opts.Policy = mailbox.ByPriority
	default:
		return mailbox.Options{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, m.Policy)
	}

	return opts, nil
}

// SupervisorConfig sets the defaults for supervisors the system
// creates.
type SupervisorConfig struct {
	// Strategy is one of "one-for-one", "one-for-all" or
	// "rest-for-one".
	Strategy string `yaml:"strategy"`

	// MaxRestarts and RestartWindow form the restart budget.
	MaxRestarts   int      `yaml:"max_restarts"`
	RestartWindow Duration `yaml:"restart_window"`

	// BackoffBase and BackoffCap shape the restart delay curve; a zero
	// base disables it.
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`

	// ShutdownTimeout is the grace period children get by default.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// HealthConfig controls supervisor health sweeps.
type HealthConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`

	// Threshold is how many consecutive failed probes count as a
	// child failure.
	Threshold int `yaml:"threshold"`
}

// MonitorConfig controls the in-memory event recorder.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// BufferSize caps how many events the recorder keeps.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns the compiled-in defaults. They validate.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			Name:            "troupe",
			Version:         "1.0.0",
			MaxActors:       10000,
			StartTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			RequestTimeout:  Duration(5 * time.Second),
		},
		Mailbox: MailboxConfig{
			Kind:     "channel",
			Capacity: 1024,
			Policy:   "block",
		},
		Supervisor: SupervisorConfig{
			Strategy:        "one-for-one",
			MaxRestarts:     5,
			RestartWindow:   Duration(time.Minute),
			BackoffBase:     0,
			BackoffCap:      Duration(time.Minute),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Health: HealthConfig{
			Enabled:   false,
			Interval:  Duration(10 * time.Second),
			Threshold: 3,
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if c.System.Name == "" {
		return ErrInvalidName
	}
	if _, err := semver.NewVersion(c.System.Version); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, c.System.Version, err)
	}
	if c.System.MaxActors <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxActors, c.System.MaxActors)
	}
	if c.System.StartTimeout <= 0 {
		return fmt.Errorf("%w: start_timeout %s", ErrInvalidTimeout, c.System.StartTimeout)
	}
	if c.System.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout %s", ErrInvalidTimeout, c.System.ShutdownTimeout)
	}
	if c.System.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout %s", ErrInvalidTimeout, c.System.RequestTimeout)
	}

	if _, err := c.Mailbox.Options(); err != nil {
		return err
	}
	if c.Mailbox.Kind != "unbounded" && c.Mailbox.Capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, c.Mailbox.Capacity)
	}

	switch c.Supervisor.Strategy {
	case "one-for-one", "one-for-all", "rest-for-one":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, c.Supervisor.Strategy)
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("%w: max_restarts %d", ErrInvalidBudget, c.Supervisor.MaxRestarts)
	}
	if c.Supervisor.RestartWindow <= 0 {
		return fmt.Errorf("%w: restart_window %s", ErrInvalidBudget, c.Supervisor.RestartWindow)
	}
	if c.Supervisor.BackoffBase < 0 {
		return fmt.Errorf("%w: backoff_base %s", ErrInvalidTimeout, c.Supervisor.BackoffBase)
	}
	if c.Supervisor.BackoffBase > 0 && c.Supervisor.BackoffCap < c.Supervisor.BackoffBase {
		return fmt.Errorf("%w: backoff_cap %s below base %s",
			ErrInvalidTimeout, c.Supervisor.BackoffCap, c.Supervisor.BackoffBase)
	}
	if c.Supervisor.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout %s", ErrInvalidTimeout, c.Supervisor.ShutdownTimeout)
	}

	if c.Health.Enabled {
		if c.Health.Interval <= 0 {
			return fmt.Errorf("%w: interval %s", ErrInvalidHealth, c.Health.Interval)
		}
		if c.Health.Threshold <= 0 {
			return fmt.Errorf("%w: threshold %d", ErrInvalidHealth, c.Health.Threshold)
		}
	}

	if c.Monitor.Enabled && c.Monitor.BufferSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBuffer, c.Monitor.BufferSize)
	}
	return nil
}

// CheckVersion tests the declared system version against a semver
// constraint such as ">= 1.0.0, < 2.0.0".
func (c *Config) CheckVersion(constraint string) error {
	ver, err := semver.NewVersion(c.System.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, c.System.Version, err)
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("parse constraint %q: %w", constraint, err)
	}
	if !cons.Check(ver) {
		return fmt.Errorf("version %s does not satisfy %q", ver, constraint)
	}
	return nil
}
