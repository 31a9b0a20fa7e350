package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrActive is returned when tunables are changed on an active sampler
var ErrActive = errors.New("sampler is active")

// Drop reasons reported on the dropped-samples counter
const (
	DropReasonPendingFull = "pending_full"
	DropReasonChannelFull = "channel_full"
)

// Config holds sampler construction parameters
type Config struct {
	PendingCapacity int
	Channel         *Channel
	Meter           metric.Meter
}

// Sampler turns runnable/scheduled trigger pairs into latency samples.
//
// OnRunnable, OnScheduled and OnExit may run concurrently from any number
// of goroutines. They never block and never return errors: every failure
// is a counted drop.
type Sampler struct {
	logger   *zap.Logger
	pending  *PendingTable
	out      *Channel
	tunables atomic.Pointer[Tunables]
	active   atomic.Bool

	runnable       atomic.Uint64
	scheduled      atomic.Uint64
	misses         atomic.Uint64
	filtered       atomic.Uint64
	belowThreshold atomic.Uint64
	skewed         atomic.Uint64
	emitted        atomic.Uint64
	exits          atomic.Uint64

	// OTEL instruments
	emittedCounter metric.Int64Counter
	droppedCounter metric.Int64Counter
	latencyHist    metric.Float64Histogram
	pendingFullOpts []metric.AddOption
	channelFullOpts []metric.AddOption
}

// Stats is a snapshot of the sampler counters
type Stats struct {
	Runnable       uint64 `json:"runnable"`
	Scheduled      uint64 `json:"scheduled"`
	Misses         uint64 `json:"misses"`
	Filtered       uint64 `json:"filtered"`
	BelowThreshold uint64 `json:"below_threshold"`
	Skewed         uint64 `json:"skewed"`
	Emitted        uint64 `json:"emitted"`
	Exits          uint64 `json:"exits"`
	PendingDropped uint64 `json:"pending_dropped"`
	ChannelDropped uint64 `json:"channel_dropped"`
	PendingInUse   int    `json:"pending_in_use"`
}

// New creates an inactive sampler with default tunables
func New(cfg Config, logger *zap.Logger) (*Sampler, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Channel == nil {
		cfg.Channel = NewChannel(DefaultChannelCapacity)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("runqslower/sampler")
	}

	s := &Sampler{
		logger:  logger.Named("sampler"),
		pending: NewPendingTable(cfg.PendingCapacity),
		out:     cfg.Channel,
	}
	s.tunables.Store(&Tunables{})

	var err error
	s.emittedCounter, err = meter.Int64Counter(
		"runqslower_samples_emitted_total",
		metric.WithDescription("Latency samples pushed to the reporter"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("Failed to create emitted counter", zap.Error(err))
	}

	s.droppedCounter, err = meter.Int64Counter(
		"runqslower_samples_dropped_total",
		metric.WithDescription("Latency samples lost to a full table or channel"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("Failed to create dropped counter", zap.Error(err))
	}

	s.latencyHist, err = meter.Float64Histogram(
		"runqslower_latency_seconds",
		metric.WithDescription("Run queue latency of emitted samples"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.0001, 0.001, 0.01, 0.1, 1.0),
	)
	if err != nil {
		s.logger.Warn("Failed to create latency histogram", zap.Error(err))
	}

	s.pendingFullOpts = []metric.AddOption{
		metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", DropReasonPendingFull))),
	}
	s.channelFullOpts = []metric.AddOption{
		metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", DropReasonChannelFull))),
	}

	return s, nil
}

// Configure installs the session tunables. It fails with ErrActive once
// the sampler is activated.
func (s *Sampler) Configure(t Tunables) error {
	if s.active.Load() {
		return ErrActive
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tunables: %w", err)
	}
	s.tunables.Store(&t)
	return nil
}

// Tunables returns the tunables in effect
func (s *Sampler) Tunables() Tunables {
	return *s.tunables.Load()
}

// Activate starts accepting trigger events
func (s *Sampler) Activate() {
	if s.active.CompareAndSwap(false, true) {
		t := s.tunables.Load()
		s.logger.Info("Sampler activated",
			zap.Duration("min_latency", t.MinLatency),
			zap.Uint32("target_pid", t.TargetPID),
			zap.Uint32("target_tid", t.TargetTID),
			zap.Int("pending_capacity", s.pending.Capacity()),
			zap.Int("channel_capacity", s.out.Cap()))
	}
}

// Deactivate stops accepting trigger events and abandons pending state
func (s *Sampler) Deactivate() {
	if s.active.CompareAndSwap(true, false) {
		abandoned := s.pending.Len()
		s.pending.Reset()
		s.logger.Info("Sampler deactivated", zap.Int("abandoned_pending", abandoned))
	}
}

// IsActive reports whether trigger events are processed
func (s *Sampler) IsActive() bool {
	return s.active.Load()
}

// Channel returns the output channel
func (s *Sampler) Channel() *Channel {
	return s.out
}

// OnRunnable records that tid became runnable at ts (monotonic ns).
// The idle task (tid 0) is ignored.
func (s *Sampler) OnRunnable(tid uint32, ts uint64) {
	if !s.active.Load() || tid == 0 {
		return
	}
	s.runnable.Add(1)
	if !s.pending.Put(tid, ts) {
		s.recordDrop(s.pendingFullOpts)
	}
}

// OnScheduled closes the runnable interval of tid, switched in at ts, and
// emits a sample when it passes the filters.
func (s *Sampler) OnScheduled(tid, pid uint32, comm Comm, ts uint64) {
	if !s.active.Load() {
		return
	}
	s.scheduled.Add(1)

	start, ok := s.pending.Take(tid)
	if !ok {
		s.misses.Add(1)
		return
	}
	// Timestamps from different CPUs can be slightly out of order
	if ts < start {
		s.skewed.Add(1)
		return
	}
	latency := time.Duration(ts - start)

	t := s.tunables.Load()
	if !t.matches(tid, pid) {
		s.filtered.Add(1)
		return
	}
	if latency < t.MinLatency {
		s.belowThreshold.Add(1)
		return
	}

	sample := LatencySample{
		TaskID:    tid,
		ProcessID: pid,
		Command:   comm,
		Latency:   latency,
		Timestamp: ts,
	}
	if !s.out.TryPush(sample) {
		s.recordDrop(s.channelFullOpts)
		return
	}
	s.emitted.Add(1)

	ctx := context.Background()
	if s.emittedCounter != nil {
		s.emittedCounter.Add(ctx, 1)
	}
	if s.latencyHist != nil {
		s.latencyHist.Record(ctx, latency.Seconds())
	}
}

// OnExit forgets any pending entry of an exiting task
func (s *Sampler) OnExit(tid uint32) {
	if !s.active.Load() {
		return
	}
	s.exits.Add(1)
	s.pending.Remove(tid)
}

func (s *Sampler) recordDrop(opts []metric.AddOption) {
	if s.droppedCounter != nil {
		s.droppedCounter.Add(context.Background(), 1, opts...)
	}
}

// Stats returns the sampler counters
func (s *Sampler) Stats() Stats {
	return Stats{
		Runnable:       s.runnable.Load(),
		Scheduled:      s.scheduled.Load(),
		Misses:         s.misses.Load(),
		Filtered:       s.filtered.Load(),
		BelowThreshold: s.belowThreshold.Load(),
		Skewed:         s.skewed.Load(),
		Emitted:        s.emitted.Load(),
		Exits:          s.exits.Load(),
		PendingDropped: s.pending.Dropped(),
		ChannelDropped: s.out.Dropped(),
		PendingInUse:   s.pending.Len(),
	}
}
