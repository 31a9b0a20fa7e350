package sampler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTablePutTake(t *testing.T) {
	p := NewPendingTable(4)

	require.True(t, p.Put(1, 100))
	ts, ok := p.Take(1)
	require.True(t, ok)
	assert.Equal(t, uint64(100), ts)

	_, ok = p.Take(1)
	assert.False(t, ok, "entries are consumed once")
	assert.Equal(t, 0, p.Len())
}

func TestPendingTableCapacity(t *testing.T) {
	p := NewPendingTable(2)

	assert.True(t, p.Put(1, 1))
	assert.True(t, p.Put(2, 2))
	assert.False(t, p.Put(3, 3))
	assert.True(t, p.Put(1, 10), "overwriting an existing task succeeds when full")

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, uint64(1), p.Dropped())

	ts, ok := p.Take(1)
	require.True(t, ok)
	assert.Equal(t, uint64(10), ts)

	_, ok = p.Take(3)
	assert.False(t, ok)
}

func TestPendingTableRemoveAndReset(t *testing.T) {
	p := NewPendingTable(8)
	p.Put(1, 1)
	p.Put(2, 2)

	assert.True(t, p.Remove(1))
	assert.False(t, p.Remove(1))
	assert.Equal(t, 1, p.Len())

	p.Reset()
	assert.Equal(t, 0, p.Len())
	_, ok := p.Take(2)
	assert.False(t, ok)
}

func TestPendingTableConcurrentCapacity(t *testing.T) {
	const capacity = 100
	p := NewPendingTable(capacity)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.Put(uint32(g*50+i+1), uint64(i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, capacity, p.Len())
	assert.Equal(t, uint64(400-capacity), p.Dropped())
}

func TestPendingTableDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultPendingCapacity, NewPendingTable(0).Capacity())
}

func TestCommFromString(t *testing.T) {
	c := CommFromString("a-very-long-command-name")
	assert.Equal(t, "a-very-long-com", c.String())
	assert.Equal(t, "sh", CommFromString("sh").String())
}

func TestPendingTableShardedChurn(t *testing.T) {
	p := NewPendingTable(DefaultPendingCapacity)
	require.Greater(t, len(p.shards), 1)

	for tid := uint32(1); tid <= DefaultPendingCapacity; tid++ {
		require.True(t, p.Put(tid, uint64(tid)*10), "tid %d", tid)
	}
	assert.Equal(t, DefaultPendingCapacity, p.Len())
	assert.False(t, p.Put(DefaultPendingCapacity+1, 1))

	// remove every other entry, then check the survivors are still reachable
	for tid := uint32(1); tid <= DefaultPendingCapacity; tid += 2 {
		require.True(t, p.Remove(tid))
	}
	for tid := uint32(2); tid <= DefaultPendingCapacity; tid += 2 {
		ts, ok := p.Take(tid)
		require.True(t, ok, "tid %d", tid)
		require.Equal(t, uint64(tid)*10, ts)
	}
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, uint64(1), p.Dropped())
}

func TestPendingTableCollidingChain(t *testing.T) {
	// one shard with eight slots; tids congruent mod 8 share a home slot
	p := NewPendingTable(4)
	require.Len(t, p.shards, 1)
	require.Len(t, p.shards[0].slots, minShardSlots)

	tids := []uint32{11, 19, 27, 35}
	for i, tid := range tids {
		require.True(t, p.Put(tid, uint64(i)))
	}
	require.True(t, p.Remove(19))
	for i, tid := range tids {
		ts, ok := p.Take(tid)
		if tid == 19 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok, "tid %d", tid)
		assert.Equal(t, uint64(i), ts)
	}
	assert.Equal(t, 0, p.Len())
}

func TestPendingTableIgnoresIdleTask(t *testing.T) {
	p := NewPendingTable(4)
	assert.False(t, p.Put(0, 1))
	_, ok := p.Take(0)
	assert.False(t, ok)
	assert.Zero(t, p.Dropped())
}
