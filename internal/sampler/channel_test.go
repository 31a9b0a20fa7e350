package sampler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFor(tid uint32) LatencySample {
	return LatencySample{TaskID: tid, ProcessID: tid, Command: CommFromString("t"), Latency: time.Duration(tid)}
}

func TestChannelFIFO(t *testing.T) {
	ch := NewChannel(8)
	for tid := uint32(1); tid <= 5; tid++ {
		require.True(t, ch.TryPush(sampleFor(tid)))
	}

	ctx := context.Background()
	for tid := uint32(1); tid <= 5; tid++ {
		s, err := ch.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, tid, s.TaskID)
	}
	assert.Equal(t, 0, ch.Len())
}

func TestChannelFullDrops(t *testing.T) {
	ch := NewChannel(2)
	assert.True(t, ch.TryPush(sampleFor(1)))
	assert.True(t, ch.TryPush(sampleFor(2)))
	assert.False(t, ch.TryPush(sampleFor(3)))

	stats := ch.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(2), stats.Pushed)
	assert.Equal(t, 2, stats.Buffered)

	// room again after a pop
	_, ok := ch.TryPop()
	require.True(t, ok)
	assert.True(t, ch.TryPush(sampleFor(4)))
}

func TestChannelPopTimeout(t *testing.T) {
	ch := NewChannel(1)
	start := time.Now()
	_, err := ch.Pop(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestChannelPopCancelled(t *testing.T) {
	ch := NewChannel(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Pop(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannelPopWakesOnPush(t *testing.T) {
	ch := NewChannel(4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ch.TryPush(sampleFor(9))
	}()

	s, err := ch.Pop(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), s.TaskID)
}

func TestChannelCloseDrainsThenReportsClosed(t *testing.T) {
	ch := NewChannel(4)
	require.True(t, ch.TryPush(sampleFor(1)))
	ch.Close()
	ch.Close()

	assert.False(t, ch.TryPush(sampleFor(2)), "closed channel rejects pushes")

	s, err := ch.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s.TaskID)

	_, err = ch.Pop(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelDrain(t *testing.T) {
	ch := NewChannel(4)
	assert.Empty(t, ch.Drain())

	ch.TryPush(sampleFor(1))
	ch.TryPush(sampleFor(2))
	drained := ch.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, uint32(1), drained[0].TaskID)
	assert.Equal(t, uint32(2), drained[1].TaskID)
}

func TestChannelConcurrentPushNeverSpuriouslyDrops(t *testing.T) {
	const (
		producers = 16
		each      = 200
	)
	ch := NewChannel(producers * each)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				ch.TryPush(sampleFor(uint32(p*each + i)))
			}
		}(p)
	}
	wg.Wait()

	assert.Zero(t, ch.Dropped())
	assert.Len(t, ch.Drain(), producers*each)
}

func TestChannelDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultChannelCapacity, NewChannel(0).Cap())
}
