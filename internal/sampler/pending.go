package sampler

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// DefaultPendingCapacity is the number of concurrently runnable tasks tracked.
const DefaultPendingCapacity = 10240

const (
	maxPendingShards = 64
	// tasks per shard before the table is split further
	pendingShardSpan = 256
	minShardSlots    = 8
)

// tid 0 marks a free slot; the idle task is never tracked
type pendingSlot struct {
	tid uint32
	ts  uint64
}

// pendingShard is a linear probing table with backward-shift deletion, so
// it needs no tombstones and its probe chains never outgrow the live keys.
type pendingShard struct {
	mu    sync.Mutex
	slots []pendingSlot
	mask  uint32
	_     [32]byte
}

// PendingTable maps a task id to the monotonic time it became runnable.
// All slots are allocated up front; Put, Take and Remove never allocate.
// It never holds more than its capacity: inserting a new task into a full
// table is dropped and counted.
type PendingTable struct {
	shards    []pendingShard
	shardBits int
	capacity  int64

	occupied atomic.Int64
	dropped  atomic.Uint64
}

// NewPendingTable creates a table holding at most capacity entries
func NewPendingTable(capacity int) *PendingTable {
	if capacity <= 0 {
		capacity = DefaultPendingCapacity
	}

	nshards := 1
	if capacity >= 4*pendingShardSpan {
		nshards = min(nextPow2(capacity/pendingShardSpan), maxPendingShards)
	}
	perShard := (capacity + nshards - 1) / nshards
	// half full at most when tids spread evenly
	nslots := max(nextPow2(2*perShard), minShardSlots)

	p := &PendingTable{
		shards:    make([]pendingShard, nshards),
		shardBits: bits.TrailingZeros(uint(nshards)),
		capacity:  int64(capacity),
	}
	for i := range p.shards {
		p.shards[i].slots = make([]pendingSlot, nslots)
		p.shards[i].mask = uint32(nslots - 1)
	}
	return p
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Fibonacci hashing spreads sequential tids across shards and slots
func hashTID(tid uint32) uint32 {
	return tid * 0x9E3779B1
}

func (p *PendingTable) shardFor(h uint32) *pendingShard {
	if p.shardBits == 0 {
		return &p.shards[0]
	}
	return &p.shards[h>>(32-p.shardBits)]
}

// find returns the slot holding tid, or the free slot ending its probe
// chain. It returns -1 when the shard has neither.
func (sh *pendingShard) find(tid uint32, h uint32) (int, bool) {
	i := h & sh.mask
	for n := uint32(0); n <= sh.mask; n++ {
		switch sh.slots[i].tid {
		case tid:
			return int(i), true
		case 0:
			return int(i), false
		}
		i = (i + 1) & sh.mask
	}
	return -1, false
}

// deleteAt frees slot i and shifts later members of the probe chain back
// so that lookups never stop early on the hole.
func (sh *pendingShard) deleteAt(i uint32) {
	j := i
	for {
		sh.slots[i] = pendingSlot{}
		for {
			j = (j + 1) & sh.mask
			if sh.slots[j].tid == 0 {
				return
			}
			home := hashTID(sh.slots[j].tid) & sh.mask
			// keep j in place while its home lies cyclically in (i, j]
			if i <= j {
				if i < home && home <= j {
					continue
				}
			} else if i < home || home <= j {
				continue
			}
			break
		}
		sh.slots[i] = sh.slots[j]
		i = j
	}
}

// Put records ts for tid, overwriting an earlier entry for the same task.
// It reports false when tid is new and the table is full.
func (p *PendingTable) Put(tid uint32, ts uint64) bool {
	if tid == 0 {
		return false
	}
	h := hashTID(tid)
	sh := p.shardFor(h)

	sh.mu.Lock()
	i, found := sh.find(tid, h)
	if found {
		sh.slots[i].ts = ts
		sh.mu.Unlock()
		return true
	}
	if i < 0 || p.occupied.Add(1) > p.capacity {
		if i >= 0 {
			p.occupied.Add(-1)
		}
		sh.mu.Unlock()
		p.dropped.Add(1)
		return false
	}
	sh.slots[i] = pendingSlot{tid: tid, ts: ts}
	sh.mu.Unlock()
	return true
}

// Take removes and returns the entry for tid. An entry is returned at most once.
func (p *PendingTable) Take(tid uint32) (uint64, bool) {
	if tid == 0 {
		return 0, false
	}
	h := hashTID(tid)
	sh := p.shardFor(h)

	sh.mu.Lock()
	i, found := sh.find(tid, h)
	if !found {
		sh.mu.Unlock()
		return 0, false
	}
	ts := sh.slots[i].ts
	sh.deleteAt(uint32(i))
	sh.mu.Unlock()

	p.occupied.Add(-1)
	return ts, true
}

// Remove discards the entry for tid, if any
func (p *PendingTable) Remove(tid uint32) bool {
	_, ok := p.Take(tid)
	return ok
}

// Len returns the number of pending entries.
func (p *PendingTable) Len() int {
	return int(p.occupied.Load())
}

// Capacity returns the maximum number of entries.
func (p *PendingTable) Capacity() int {
	return int(p.capacity)
}

// Dropped returns how many insertions were refused because the table was full.
func (p *PendingTable) Dropped() uint64 {
	return p.dropped.Load()
}

// Reset empties the table. Callers must make sure no trigger is in flight.
func (p *PendingTable) Reset() {
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.Lock()
		clear(sh.slots)
		sh.mu.Unlock()
	}
	p.occupied.Store(0)
}
