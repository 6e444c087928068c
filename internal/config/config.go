// Package config loads the gojotm configuration file.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotm/core/manager"
	"github.com/sushant-115/gojotm/pkg/logger"
	"github.com/sushant-115/gojotm/pkg/telemetry"
)

// Config is the whole configuration of a gojotm run.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Manager   manager.Config   `yaml:"manager"`

	// AuditLog is the file the transaction log is appended to.
	AuditLog string `yaml:"audit_log"`
	// DispatchRate caps how many operations per second the driver hands to
	// the manager. 0 means no limit.
	DispatchRate float64 `yaml:"dispatch_rate"`
	// DispatchBurst is the number of operations that may be dispatched
	// back to back before DispatchRate applies.
	DispatchBurst int `yaml:"dispatch_burst"`
	// Timeout bounds a whole run. 0 means no limit.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      logger.ServiceName,
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		Manager:       manager.DefaultConfig(),
		AuditLog:      "gojotm.log",
		DispatchBurst: 1,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config file %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no run can use.
func (c Config) Validate() error {
	switch {
	case c.Manager.NumObjects <= 0:
		return errors.Newf("manager.num_objects must be positive, got %d", c.Manager.NumObjects)
	case c.Manager.MaxLocks < 0:
		return errors.Newf("manager.max_locks must not be negative, got %d", c.Manager.MaxLocks)
	case c.Manager.OpDelay < 0:
		return errors.Newf("manager.op_delay must not be negative, got %s", c.Manager.OpDelay)
	case c.DispatchRate < 0:
		return errors.Newf("dispatch_rate must not be negative, got %g", c.DispatchRate)
	case c.DispatchRate > 0 && c.DispatchBurst < 1:
		return errors.Newf("dispatch_burst must be at least 1 when dispatch_rate is set, got %d", c.DispatchBurst)
	case c.Timeout < 0:
		return errors.Newf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}
