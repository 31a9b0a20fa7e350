package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/yairfalse/runqslower/internal/config"
	"github.com/yairfalse/runqslower/internal/logging"
	"github.com/yairfalse/runqslower/internal/reporter"
	"github.com/yairfalse/runqslower/internal/sampler"
	"github.com/yairfalse/runqslower/internal/telemetry"
	"github.com/yairfalse/runqslower/internal/trigger"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

func run(ctx context.Context, cfg *config.Config, out io.Writer) (err error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var meter metric.Meter
	if cfg.MetricsAddr != "" {
		provider, err := telemetry.New(logger)
		if err != nil {
			return err
		}
		if err := provider.Serve(cfg.MetricsAddr); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = errors.Join(err, provider.Shutdown(shutdownCtx))
		}()
		meter = provider.Meter("runqslower/sampler")
	}

	smp, err := sampler.New(sampler.Config{
		PendingCapacity: cfg.PendingCapacity,
		Channel:         sampler.NewChannel(cfg.ChannelCapacity),
		Meter:           meter,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sampler: %w", err)
	}

	src, err := newSource(cfg, logger)
	if err != nil {
		return err
	}

	rep, err := reporter.New(cfg, smp, src, out, logger)
	if err != nil {
		return fmt.Errorf("failed to create reporter: %w", err)
	}
	return rep.Run(ctx)
}

func newSource(cfg *config.Config, logger *zap.Logger) (trigger.Source, error) {
	switch cfg.Source {
	case config.SourceEBPF:
		return trigger.NewEBPFSource(trigger.EBPFConfig{
			ObjectPath:  cfg.ObjectPath,
			ReadTimeout: cfg.ReadTimeout,
		}, logger), nil
	case config.SourceReplay:
		return trigger.NewReplaySource(cfg.ReplayFile, logger), nil
	case config.SourceSimulate:
		return trigger.NewSimulateSource(trigger.SimulateConfig{
			CPUs: cfg.SimulateCPUs,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}
