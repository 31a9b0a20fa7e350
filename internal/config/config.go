// Package config holds the runqslower session configuration and loads it
// from flags, RUNQSLOWER_* environment variables and an optional YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/yairfalse/runqslower/internal/sampler"
)

// Output modes
const (
	ModeStream    = "stream"
	ModeHistogram = "histogram"
)

// Stream formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Histogram grouping keys
const (
	GroupNone = "none"
	GroupComm = "comm"
	GroupPID  = "pid"
	GroupTID  = "tid"
)

// Trigger sources
const (
	SourceEBPF     = "ebpf"
	SourceReplay   = "replay"
	SourceSimulate = "simulate"
)

// Config holds a sampling session's configuration
type Config struct {
	// Sampler tunables
	MinLatency time.Duration `mapstructure:"min_latency"`
	TargetPID  uint32        `mapstructure:"pid"`
	TargetTID  uint32        `mapstructure:"tid"`

	// Reporter
	Duration    time.Duration `mapstructure:"duration"`
	Mode        string        `mapstructure:"mode"`
	Format      string        `mapstructure:"format"`
	GroupBy     string        `mapstructure:"group_by"`
	Interval    time.Duration `mapstructure:"interval"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// Trigger source
	Source       string `mapstructure:"source"`
	ObjectPath   string `mapstructure:"object"`
	ReplayFile   string `mapstructure:"replay_file"`
	SimulateCPUs int    `mapstructure:"simulate_cpus"`

	// Capacities
	PendingCapacity int `mapstructure:"pending_capacity"`
	ChannelCapacity int `mapstructure:"channel_capacity"`

	// Ambient
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// NewDefaultConfig returns default configuration
func NewDefaultConfig() *Config {
	return &Config{
		MinLatency:      10 * time.Millisecond, // runqslower's 10000us default
		Mode:            ModeStream,
		Format:          FormatText,
		GroupBy:         GroupNone,
		ReadTimeout:     100 * time.Millisecond,
		Source:          SourceEBPF,
		ObjectPath:      "build/runqslower.bpf.o",
		SimulateCPUs:    4,
		PendingCapacity: sampler.DefaultPendingCapacity,
		ChannelCapacity: sampler.DefaultChannelCapacity,
		LogLevel:        "info",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.MinLatency < 0 {
		return fmt.Errorf("min latency must be non-negative")
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must be non-negative")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must be non-negative")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.PendingCapacity <= 0 {
		return fmt.Errorf("pending capacity must be positive")
	}
	if c.ChannelCapacity <= 0 {
		return fmt.Errorf("channel capacity must be positive")
	}

	switch c.Mode {
	case ModeStream, ModeHistogram:
	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", c.Mode, ModeStream, ModeHistogram)
	}
	switch c.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("unknown format %q (want %s or %s)", c.Format, FormatText, FormatJSON)
	}
	if c.Mode == ModeHistogram && c.Format == FormatJSON {
		return fmt.Errorf("format %s applies to %s mode only", FormatJSON, ModeStream)
	}
	switch c.GroupBy {
	case GroupNone, GroupComm, GroupPID, GroupTID:
	default:
		return fmt.Errorf("unknown group-by %q", c.GroupBy)
	}

	switch c.Source {
	case SourceEBPF:
		if c.ObjectPath == "" {
			return fmt.Errorf("ebpf source requires an object path")
		}
	case SourceReplay:
		if c.ReplayFile == "" {
			return fmt.Errorf("replay source requires a replay file")
		}
	case SourceSimulate:
		if c.SimulateCPUs <= 0 {
			return fmt.Errorf("simulate source requires at least one cpu")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	return nil
}

// Tunables returns the sampler tunables of this configuration
func (c *Config) Tunables() sampler.Tunables {
	return sampler.Tunables{
		MinLatency: c.MinLatency,
		TargetPID:  c.TargetPID,
		TargetTID:  c.TargetTID,
	}
}

// SetDefaults registers NewDefaultConfig values on v
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	v.SetDefault("min_latency", d.MinLatency)
	v.SetDefault("pid", d.TargetPID)
	v.SetDefault("tid", d.TargetTID)
	v.SetDefault("duration", d.Duration)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("format", d.Format)
	v.SetDefault("group_by", d.GroupBy)
	v.SetDefault("interval", d.Interval)
	v.SetDefault("read_timeout", d.ReadTimeout)
	v.SetDefault("source", d.Source)
	v.SetDefault("object", d.ObjectPath)
	v.SetDefault("replay_file", d.ReplayFile)
	v.SetDefault("simulate_cpus", d.SimulateCPUs)
	v.SetDefault("pending_capacity", d.PendingCapacity)
	v.SetDefault("channel_capacity", d.ChannelCapacity)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
