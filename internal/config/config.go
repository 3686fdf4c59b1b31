// Package config holds the observer's runtime configuration. Values come from
// BITCOIND_OBSERVER_* environment variables and are overridden by flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
	"github.com/mrzor/bitcoind-observer/internal/filter"
)

// EnvPrefix prefixes every observer environment variable.
const EnvPrefix = "BITCOIND_OBSERVER_"

// Config holds the observer configuration.
type Config struct {
	// Target is the bitcoind binary to instrument.
	Target string
	// MetricsAddr is the bind address of the scrape endpoint.
	MetricsAddr string

	// BPFObject is the compiled probe object.
	BPFObject string `env:"BPF_OBJECT" envDefault:"/usr/lib/bitcoind-observer/observer.bpf.o"`
	// PollTimeout bounds the wait on each channel per loop pass.
	PollTimeout time.Duration `env:"POLL_TIMEOUT" envDefault:"200ms"`
	// PollTimeouts overrides PollTimeout per channel, keyed by map name.
	PollTimeouts map[string]time.Duration `env:"POLL_TIMEOUTS" envSeparator:"," envKeyValSeparator:":"`
	// MaxBatch bounds the records drained from one channel per visit.
	MaxBatch int `env:"MAX_BATCH" envDefault:"64"`
	// PerfBufferPages is the per-CPU perf ring size in pages.
	PerfBufferPages int `env:"PERF_BUFFER_PAGES" envDefault:"64"`
	// Probes lists the enabled probe groups, bpf.DefaultGroups when unset.
	Probes []string `env:"PROBES" envSeparator:","`
	// AllowPartial keeps running when some probes fail to attach.
	AllowPartial bool `env:"ALLOW_PARTIAL" envDefault:"false"`
	// Namespace prefixes metric names.
	Namespace string `env:"NAMESPACE" envDefault:"bitcoindobserver"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// Filters are kind=expression rules.
	Filters []string `env:"FILTERS" envSeparator:";"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Probes) == 0 {
		cfg.Probes = slices.Clone(bpf.DefaultGroups)
	}
	return &cfg, nil
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Target == "" {
		errs = append(errs, errors.New("target binary is required"))
	}
	if c.MetricsAddr == "" {
		errs = append(errs, errors.New("metrics address is required"))
	}
	if c.BPFObject == "" {
		errs = append(errs, errors.New("BPF object path is required"))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("poll timeout must be positive, got %s", c.PollTimeout))
	}
	for name, d := range c.PollTimeouts {
		if !slices.ContainsFunc(bpf.Channels, func(ch bpf.Channel) bool { return ch.Map == name }) {
			errs = append(errs, fmt.Errorf("poll timeout for unknown channel %q", name))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("poll timeout for %s must be positive, got %s", name, d))
		}
	}
	if c.MaxBatch <= 0 {
		errs = append(errs, fmt.Errorf("max batch must be positive, got %d", c.MaxBatch))
	}
	if c.PerfBufferPages <= 0 {
		errs = append(errs, fmt.Errorf("perf buffer pages must be positive, got %d", c.PerfBufferPages))
	}
	if len(c.Probes) == 0 {
		errs = append(errs, errors.New("at least one probe group is required"))
	} else if _, _, err := bpf.Select(c.Probes); err != nil {
		errs = append(errs, err)
	}
	if c.Namespace == "" {
		errs = append(errs, errors.New("metric namespace is required"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := filter.ParseRules(c.Filters); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// PollTimeoutFor returns the poll timeout of the channel reading map name.
func (c *Config) PollTimeoutFor(name string) time.Duration {
	if d, ok := c.PollTimeouts[name]; ok {
		return d
	}
	return c.PollTimeout
}

// PerfBufferBytes is the per-CPU perf ring size in bytes.
func (c *Config) PerfBufferBytes() int {
	return c.PerfBufferPages * os.Getpagesize()
}
