package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "TROUPE"

// Load layers the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides, and
// validates the result. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var err error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(EnvPrefix + "_" + key)
		if !ok || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("env %s_%s: %w", EnvPrefix, key, perr)
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	setDuration := func(key string, dst *Duration) {
		v, ok := os.LookupEnv(EnvPrefix + "_" + key)
		if !ok || err != nil {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("env %s_%s: %w", EnvPrefix, key, perr)
			return
		}
		*dst = Duration(d)
	}

	setString("SYSTEM_NAME", &cfg.System.Name)
	setString("SYSTEM_VERSION", &cfg.System.Version)
	setInt("SYSTEM_MAX_ACTORS", &cfg.System.MaxActors)
	setDuration("SYSTEM_START_TIMEOUT", &cfg.System.StartTimeout)
	setDuration("SYSTEM_SHUTDOWN_TIMEOUT", &cfg.System.ShutdownTimeout)
	setDuration("SYSTEM_REQUEST_TIMEOUT", &cfg.System.RequestTimeout)

	setString("MAILBOX_KIND", &cfg.Mailbox.Kind)
	setInt("MAILBOX_CAPACITY", &cfg.Mailbox.Capacity)
	setString("MAILBOX_POLICY", &cfg.Mailbox.Policy)

	setString("SUPERVISOR_STRATEGY", &cfg.Supervisor.Strategy)
	setInt("SUPERVISOR_MAX_RESTARTS", &cfg.Supervisor.MaxRestarts)
	setDuration("SUPERVISOR_RESTART_WINDOW", &cfg.Supervisor.RestartWindow)
	setDuration("SUPERVISOR_BACKOFF_BASE", &cfg.Supervisor.BackoffBase)
	setDuration("SUPERVISOR_BACKOFF_CAP", &cfg.Supervisor.BackoffCap)
	setDuration("SUPERVISOR_SHUTDOWN_TIMEOUT", &cfg.Supervisor.ShutdownTimeout)

	setBool("HEALTH_ENABLED", &cfg.Health.Enabled)
	setDuration("HEALTH_INTERVAL", &cfg.Health.Interval)
	setInt("HEALTH_THRESHOLD", &cfg.Health.Threshold)

	setBool("MONITOR_ENABLED", &cfg.Monitor.Enabled)
	setInt("MONITOR_BUFFER_SIZE", &cfg.Monitor.BufferSize)

	return err
}
