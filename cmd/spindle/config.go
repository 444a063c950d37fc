package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/spindle/internal/session"
)

// Config represents the spindle configuration file (~/.config/spindle/config.yaml).
// Scalar fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Server
	ServerAddress *string        `yaml:"server_address"`
	ReadTimeout   *time.Duration `yaml:"read_timeout"`
	WSRate        *float64       `yaml:"ws_rate"`
	WSBurst       *int64         `yaml:"ws_burst"`

	// Executor and scheduler
	Vocab        *string        `yaml:"vocab"`
	Hidden       *int64         `yaml:"hidden"`
	ModelSeed    *int64         `yaml:"model_seed"`
	Latency      *time.Duration `yaml:"latency"`
	MaxBatch     *int64         `yaml:"max_batch"`
	MaxQueue     *int64         `yaml:"max_queue"`
	QueueTimeout *time.Duration `yaml:"queue_timeout"`

	// Sessions and scripts
	MaxSessions   *int64         `yaml:"max_sessions"`
	IdleTimeout   *time.Duration `yaml:"idle_timeout"`
	MaxFaults     *int64         `yaml:"max_faults"`
	ScriptWorkers *int64         `yaml:"script_workers"`
	ScriptSteps   *int64         `yaml:"script_steps"`
	ScriptTimeout *time.Duration `yaml:"script_timeout"`

	// Defaults overrides the sampling params sessions start with. Keys left
	// out keep their built-in values.
	Defaults yaml.Node `yaml:"defaults"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	if dir := os.Getenv("SPINDLE_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "spindle", "config.yaml")
}

// LoadConfig reads the config file. A missing default file yields a zero
// Config; a missing file named with --config is an error.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && configFile == "" {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// sessionDefaults layers the config file's defaults over the built-in ones.
func (c Config) sessionDefaults() (session.Params, error) {
	p := session.DefaultParams()
	if c.Defaults.IsZero() {
		return p, nil
	}
	if err := c.Defaults.Decode(&p); err != nil {
		return p, fmt.Errorf("config defaults: %w", err)
	}
	if err := p.Validate(0); err != nil {
		return p, fmt.Errorf("config defaults: %w", err)
	}
	return p, nil
}

// applyRootConfig applies logging settings when the flags were not set.
func applyRootConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyStackConfig applies config file defaults to the shared stack options
// when the corresponding CLI flag was not explicitly set.
func applyStackConfig(c *cli.Command, cfg Config, o *stackOptions) {
	setFlag(c, "vocab", cfg.Vocab, &o.vocabPath)
	setFlag(c, "hidden", cfg.Hidden, &o.hidden)
	setFlag(c, "model-seed", cfg.ModelSeed, &o.modelSeed)
	setFlag(c, "latency", cfg.Latency, &o.latency)
	setFlag(c, "max-batch", cfg.MaxBatch, &o.maxBatch)
	setFlag(c, "max-queue", cfg.MaxQueue, &o.maxQueue)
	setFlag(c, "queue-timeout", cfg.QueueTimeout, &o.queueTimeout)
	setFlag(c, "max-sessions", cfg.MaxSessions, &o.maxSessions)
	setFlag(c, "idle-timeout", cfg.IdleTimeout, &o.idleTimeout)
	setFlag(c, "max-faults", cfg.MaxFaults, &o.maxFaults)
	setFlag(c, "script-workers", cfg.ScriptWorkers, &o.workers)
	setFlag(c, "script-steps", cfg.ScriptSteps, &o.scriptSteps)
	setFlag(c, "script-timeout", cfg.ScriptTimeout, &o.scriptTimeout)
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, readTimeout *time.Duration, wsRate *float64, wsBurst *int64) {
	setFlag(c, "addr", cfg.ServerAddress, addr)
	setFlag(c, "read-timeout", cfg.ReadTimeout, readTimeout)
	setFlag(c, "ws-rate", cfg.WSRate, wsRate)
	setFlag(c, "ws-burst", cfg.WSBurst, wsBurst)
}

// setFlag copies v into dst unless v is unset or the flag was given.
func setFlag[T any](c *cli.Command, flag string, v *T, dst *T) {
	if v != nil && !c.IsSet(flag) {
		*dst = *v
	}
}
