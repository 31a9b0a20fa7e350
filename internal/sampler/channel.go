package sampler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultChannelCapacity is the number of samples buffered between the
// sampler and the reporter.
const DefaultChannelCapacity = 4096

var (
	// ErrReadTimeout is returned by Pop when no sample arrived in time
	ErrReadTimeout = errors.New("sample channel read timeout")

	// ErrChannelClosed is returned by Pop once the channel is closed and empty
	ErrChannelClosed = errors.New("sample channel closed")
)

// Channel is the bounded hand-off between sampler producers and the single
// reporter consumer. Pushes never block; a full channel drops the sample.
type Channel struct {
	queue    *xsync.MPMCQueueOf[LatencySample]
	capacity int64

	// size reserves queue slots so a failed push always means "full"
	// and never a lost CAS race between producers.
	size atomic.Int64

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// ChannelStats is a point-in-time view of the channel counters
type ChannelStats struct {
	Capacity int    `json:"capacity"`
	Buffered int    `json:"buffered"`
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
}

// NewChannel creates a channel that buffers up to capacity samples
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &Channel{
		queue:    xsync.NewMPMCQueueOf[LatencySample](capacity),
		capacity: int64(capacity),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// TryPush enqueues s without blocking. It returns false and counts a drop
// when the channel is full or closed.
func (c *Channel) TryPush(s LatencySample) bool {
	if c.closed.Load() {
		c.dropped.Add(1)
		return false
	}
	if c.size.Add(1) > c.capacity {
		c.size.Add(-1)
		c.dropped.Add(1)
		return false
	}
	// A slot is reserved, so TryEnqueue only fails while racing another producer.
	for !c.queue.TryEnqueue(s) {
		runtime.Gosched()
	}
	c.pushed.Add(1)

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return true
}

// TryPop dequeues one sample without blocking
func (c *Channel) TryPop() (LatencySample, bool) {
	s, ok := c.queue.TryDequeue()
	if ok {
		c.size.Add(-1)
		c.popped.Add(1)
	}
	return s, ok
}

// Pop waits up to timeout for a sample. It returns ErrReadTimeout when the
// wait expires, the context error on cancellation, and ErrChannelClosed
// once the channel is closed and fully drained.
func (c *Channel) Pop(ctx context.Context, timeout time.Duration) (LatencySample, error) {
	if s, ok := c.TryPop(); ok {
		return s, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return LatencySample{}, ctx.Err()
		case <-timer.C:
			return LatencySample{}, ErrReadTimeout
		case <-c.done:
			if s, ok := c.TryPop(); ok {
				return s, nil
			}
			return LatencySample{}, ErrChannelClosed
		case <-c.ready:
		}

		if s, ok := c.TryPop(); ok {
			return s, nil
		}
	}
}

// Drain removes and returns everything currently buffered
func (c *Channel) Drain() []LatencySample {
	var out []LatencySample
	for {
		s, ok := c.TryPop()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

// Close stops accepting samples and wakes a blocked reader. Buffered
// samples can still be popped.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// Len returns the approximate number of buffered samples
func (c *Channel) Len() int {
	n := c.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the channel capacity
func (c *Channel) Cap() int {
	return int(c.capacity)
}

// Dropped returns the number of samples rejected by TryPush
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Stats returns channel statistics
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Capacity: int(c.capacity),
		Buffered: c.Len(),
		Pushed:   c.pushed.Load(),
		Popped:   c.popped.Load(),
		Dropped:  c.dropped.Load(),
	}
}
