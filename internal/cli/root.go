// Package cli implements the runqslower command line.
package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yairfalse/runqslower/internal/config"
)

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"min-latency":      "min_latency",
	"pid":              "pid",
	"tid":              "tid",
	"duration":         "duration",
	"mode":             "mode",
	"format":           "format",
	"group-by":         "group_by",
	"interval":         "interval",
	"read-timeout":     "read_timeout",
	"source":           "source",
	"object":           "object",
	"replay-file":      "replay_file",
	"simulate-cpus":    "simulate_cpus",
	"pending-capacity": "pending_capacity",
	"channel-capacity": "channel_capacity",
	"metrics-addr":     "metrics_addr",
	"log-level":        "log_level",
}

// NewRootCommand builds the runqslower command tree. Each call owns its own
// viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "runqslower [min_us]",
		Short: "Trace high run queue latency",
		Long: `runqslower reports tasks that waited in a CPU run queue for longer than
a threshold before being switched in.

The optional min_us argument sets the threshold in microseconds and takes
precedence over --min-latency.`,
		Example: `  runqslower                  # trace latency above 10ms
  runqslower 1000             # trace latency above 1ms
  runqslower --pid 185        # trace pid 185 only
  runqslower --mode histogram --group-by comm --interval 5s`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(v, cfgFile); err != nil {
				return err
			}
			if len(args) == 1 {
				us, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid min_us %q: %w", args[0], err)
				}
				v.Set("min_latency", time.Duration(us)*time.Microsecond)
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	addSessionFlags(cmd.Flags())
	if err := bindFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	config.SetDefaults(v)

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func addSessionFlags(fs *pflag.FlagSet) {
	d := config.NewDefaultConfig()

	fs.Duration("min-latency", d.MinLatency, "minimum run queue latency to report")
	fs.Uint32("pid", d.TargetPID, "trace this pid only (0 = all)")
	fs.Uint32("tid", d.TargetTID, "trace this thread only (0 = all)")
	fs.Duration("duration", d.Duration, "stop after this long (0 = until interrupted)")
	fs.String("mode", d.Mode, "output mode: stream or histogram")
	fs.String("format", d.Format, "stream format: text or json")
	fs.String("group-by", d.GroupBy, "histogram grouping: none, comm, pid or tid")
	fs.Duration("interval", d.Interval, "print and reset histograms every interval (0 = at exit)")
	fs.Duration("read-timeout", d.ReadTimeout, "sample read timeout")
	fs.String("source", d.Source, "trigger source: ebpf, replay or simulate")
	fs.String("object", d.ObjectPath, "compiled BPF object for the ebpf source")
	fs.String("replay-file", d.ReplayFile, "YAML trigger trace for the replay source")
	fs.Int("simulate-cpus", d.SimulateCPUs, "simulated CPUs for the simulate source")
	fs.Int("pending-capacity", d.PendingCapacity, "maximum runnable tasks tracked at once")
	fs.Int("channel-capacity", d.ChannelCapacity, "sample channel capacity")
	fs.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn or error")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("flag %q is not defined", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}
	return nil
}

func initConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("RUNQSLOWER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
	}
	return nil
}
