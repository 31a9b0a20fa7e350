// Package reporter drives a sampling session: it configures and attaches the
// sampler, drains the sample channel, and renders samples as a stream or as
// log2 histograms.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/runqslower/internal/config"
	"github.com/yairfalse/runqslower/internal/lifecycle"
	"github.com/yairfalse/runqslower/internal/sampler"
	"github.com/yairfalse/runqslower/internal/trigger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the reporter lifecycle state
type State int32

const (
	StateUnattached State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidState is returned when an operation is called out of order
var ErrInvalidState = errors.New("invalid reporter state")

const shutdownTimeout = 5 * time.Second

// Reporter consumes samples from one sampler
type Reporter struct {
	cfg     *config.Config
	sampler *sampler.Sampler
	channel *sampler.Channel
	source  trigger.Source
	logger  *zap.Logger
	tracer  trace.Tracer

	state      atomic.Int32
	attachment trigger.Attachment
	lifecycle  *lifecycle.Manager

	outMu      sync.Mutex
	out        io.Writer
	printer    *StreamPrinter
	histograms *HistogramSet

	received    atomic.Uint64
	printErrors atomic.Uint64

	stopOnce sync.Once
	stopped  atomic.Bool
	stopErr  error
}

// Stats summarizes a session
type Stats struct {
	State    State  `json:"state"`
	Received uint64 `json:"received"`
	// SourceLost counts triggers lost before reaching the sampler
	SourceLost uint64        `json:"source_lost"`
	Sampler    sampler.Stats `json:"sampler"`
}

// New creates an unattached reporter writing to out
func New(cfg *config.Config, smp *sampler.Sampler, src trigger.Source, out io.Writer, logger *zap.Logger) (*Reporter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if smp == nil {
		return nil, fmt.Errorf("sampler is required")
	}
	if src == nil {
		return nil, fmt.Errorf("trigger source is required")
	}
	if out == nil {
		return nil, fmt.Errorf("output writer is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Reporter{
		cfg:        cfg,
		sampler:    smp,
		channel:    smp.Channel(),
		source:     src,
		logger:     logger.Named("reporter"),
		tracer:     otel.Tracer("runqslower/reporter"),
		out:        out,
		printer:    NewStreamPrinter(out, cfg.Format),
		histograms: NewHistogramSet(cfg.GroupBy),
	}, nil
}

// State returns the current lifecycle state
func (r *Reporter) State() State {
	return State(r.state.Load())
}

// Start configures the sampler, attaches the trigger source and moves to
// Active. An attachment failure is returned as *trigger.AttachError and
// leaves the reporter Unattached.
func (r *Reporter) Start(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "reporter.start",
		trace.WithAttributes(attribute.String("source", r.source.Name())))
	defer span.End()

	if st := r.State(); st != StateUnattached || r.stopped.Load() {
		return fmt.Errorf("start in state %s: %w", st, ErrInvalidState)
	}
	if err := r.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := r.sampler.Configure(r.cfg.Tunables()); err != nil {
		return fmt.Errorf("failed to configure sampler: %w", err)
	}

	// Detachment is driven by Stop, not by the caller's cancellation.
	sessionCtx := context.WithoutCancel(ctx)

	r.sampler.Activate()
	att, err := r.source.Attach(sessionCtx, r.sampler)
	if err != nil {
		r.sampler.Deactivate()
		var ae *trigger.AttachError
		if !errors.As(err, &ae) {
			err = &trigger.AttachError{Source: r.source.Name(), Op: "attach", Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "attach failed")
		r.logger.Error("Failed to attach trigger source",
			zap.String("source", r.source.Name()),
			zap.Error(err))
		return err
	}
	r.attachment = att

	r.lifecycle = lifecycle.NewManager(sessionCtx, r.logger)
	if r.cfg.Mode == config.ModeHistogram && r.cfg.Interval > 0 {
		r.lifecycle.Go("histogram-flush", r.flushLoop)
	}

	r.state.Store(int32(StateActive))

	r.outMu.Lock()
	if r.cfg.Mode == config.ModeStream {
		r.printer.Header()
	} else {
		fmt.Fprintln(r.out, "Tracing run queue latency... Hit Ctrl-C to end.")
	}
	r.outMu.Unlock()

	r.logger.Info("Reporter started",
		zap.String("source", r.source.Name()),
		zap.String("mode", r.cfg.Mode),
		zap.Duration("min_latency", r.cfg.MinLatency),
		zap.Uint32("pid", r.cfg.TargetPID),
		zap.Duration("duration", r.cfg.Duration))
	return nil
}

// ReadLoop consumes samples until ctx is cancelled, the configured duration
// elapses, or a finite trigger source runs dry. It then moves to Draining.
func (r *Reporter) ReadLoop(ctx context.Context) error {
	if st := r.State(); st != StateActive {
		return fmt.Errorf("read loop in state %s: %w", st, ErrInvalidState)
	}

	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	var sourceDone <-chan struct{}
	if f, ok := r.attachment.(trigger.Finisher); ok {
		sourceDone = f.Done()
	}

loop:
	for {
		s, err := r.channel.Pop(ctx, r.cfg.ReadTimeout)
		switch {
		case err == nil:
			r.consume(s)
		case errors.Is(err, sampler.ErrReadTimeout):
			if isClosed(sourceDone) {
				r.logger.Debug("Trigger source finished")
				break loop
			}
		default:
			// cancellation, deadline or closed channel
			break loop
		}
	}

	r.state.CompareAndSwap(int32(StateActive), int32(StateDraining))
	return nil
}

// Stop detaches the source, drains buffered samples, flushes the final
// output and moves to Closed. Repeated calls return the first result.
//
// A reporter that never attached only releases its channel and stays
// Unattached; it cannot be started afterwards.
func (r *Reporter) Stop() error {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		r.stopErr = r.stop()
	})
	return r.stopErr
}

func (r *Reporter) stop() error {
	_, span := r.tracer.Start(context.Background(), "reporter.stop")
	defer span.End()

	if r.State() == StateUnattached {
		r.channel.Close()
		return nil
	}
	r.state.CompareAndSwap(int32(StateActive), int32(StateDraining))

	var errs []error
	if r.attachment != nil {
		if err := r.attachment.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detach %s source: %w", r.source.Name(), err))
		}
	}
	r.sampler.Deactivate()
	if r.lifecycle != nil {
		if err := r.lifecycle.Stop(shutdownTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	drained := r.channel.Drain()
	for _, s := range drained {
		r.consume(s)
	}
	r.channel.Close()

	r.flushFinal()
	r.state.Store(int32(StateClosed))

	stats := r.sampler.Stats()
	r.logger.Info("Reporter stopped",
		zap.Uint64("received", r.received.Load()),
		zap.Int("drained", len(drained)),
		zap.Uint64("emitted", stats.Emitted),
		zap.Uint64("pending_dropped", stats.PendingDropped),
		zap.Uint64("channel_dropped", stats.ChannelDropped),
		zap.Uint64("source_lost", r.sourceLost()),
		zap.Uint64("print_errors", r.printErrors.Load()))

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stop failed")
	}
	return err
}

// Run is Start, ReadLoop and Stop in sequence
func (r *Reporter) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		r.Stop()
		return err
	}
	loopErr := r.ReadLoop(ctx)
	return errors.Join(loopErr, r.Stop())
}

// Stats returns session statistics
func (r *Reporter) Stats() Stats {
	return Stats{
		State:      r.State(),
		Received:   r.received.Load(),
		SourceLost: r.sourceLost(),
		Sampler:    r.sampler.Stats(),
	}
}

func (r *Reporter) sourceLost() uint64 {
	if lc, ok := r.attachment.(trigger.LossCounter); ok {
		return lc.Lost()
	}
	return 0
}

// Histograms returns the histogram set used in histogram mode
func (r *Reporter) Histograms() *HistogramSet {
	return r.histograms
}

func (r *Reporter) consume(s sampler.LatencySample) {
	r.received.Add(1)

	if r.cfg.Mode == config.ModeHistogram {
		r.histograms.Add(s)
		return
	}

	r.outMu.Lock()
	err := r.printer.Print(s)
	r.outMu.Unlock()
	if err != nil {
		r.printErrors.Add(1)
		r.logger.Debug("Failed to print sample", zap.Error(err))
	}
}

func (r *Reporter) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.outMu.Lock()
			fmt.Fprintf(r.out, "\n%s\n", now.Format("15:04:05"))
			r.histograms.Flush(r.out, true)
			r.outMu.Unlock()
		}
	}
}

func (r *Reporter) flushFinal() {
	r.outMu.Lock()
	defer r.outMu.Unlock()

	if r.cfg.Mode == config.ModeHistogram {
		r.histograms.Flush(r.out, true)
	}
	if r.cfg.Format == config.FormatJSON && r.cfg.Mode == config.ModeStream {
		return
	}

	stats := r.sampler.Stats()
	sourceLost := r.sourceLost()
	lost := stats.PendingDropped + stats.ChannelDropped + sourceLost
	if lost == 0 {
		return
	}
	fmt.Fprintf(r.out, "Lost %d samples (pending table full: %d, channel full: %d",
		lost, stats.PendingDropped, stats.ChannelDropped)
	if sourceLost > 0 {
		fmt.Fprintf(r.out, ", %s source: %d", r.source.Name(), sourceLost)
	}
	fmt.Fprintln(r.out, ")")
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
