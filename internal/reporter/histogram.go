package reporter

import (
	"fmt"
	"io"
	"math/bits"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yairfalse/runqslower/internal/config"
	"github.com/yairfalse/runqslower/internal/sampler"
)

// maxSlots bounds the log2 buckets; the last one absorbs everything larger
const maxSlots = 26

const starWidth = 40

// Histogram counts latencies in power-of-two microsecond buckets. Slot i
// holds values in [2^i, 2^(i+1)-1], with slot 0 also holding 0.
type Histogram struct {
	slots [maxSlots]uint64
	count uint64
	total time.Duration
	max   time.Duration
}

func slotFor(d time.Duration) int {
	us := d.Microseconds()
	if us <= 0 {
		return 0
	}
	slot := bits.Len64(uint64(us)) - 1
	if slot >= maxSlots {
		slot = maxSlots - 1
	}
	return slot
}

// Add records one latency
func (h *Histogram) Add(d time.Duration) {
	h.slots[slotFor(d)]++
	h.count++
	h.total += d
	if d > h.max {
		h.max = d
	}
}

// Count returns the number of recorded latencies
func (h *Histogram) Count() uint64 {
	return h.count
}

// Slot returns the count in bucket i
func (h *Histogram) Slot(i int) uint64 {
	if i < 0 || i >= maxSlots {
		return 0
	}
	return h.slots[i]
}

// Mean returns the average latency
func (h *Histogram) Mean() time.Duration {
	if h.count == 0 {
		return 0
	}
	return h.total / time.Duration(h.count)
}

// Max returns the largest latency
func (h *Histogram) Max() time.Duration {
	return h.max
}

// Render writes the histogram in the bcc log2 layout
func (h *Histogram) Render(w io.Writer) {
	last := -1
	var peak uint64
	for i, v := range h.slots {
		if v > 0 {
			last = i
		}
		if v > peak {
			peak = v
		}
	}
	if last < 0 {
		return
	}

	fmt.Fprintf(w, "%24s : count    distribution\n", "usecs")
	for i := 0; i <= last; i++ {
		low := uint64(1) << i
		if i == 0 {
			low = 0
		}
		high := (uint64(1) << (i + 1)) - 1
		fmt.Fprintf(w, "%10d -> %-10d : %-8d |%-*s|\n",
			low, high, h.slots[i], starWidth, stars(h.slots[i], peak))
	}
}

func stars(v, peak uint64) string {
	if peak == 0 {
		return ""
	}
	n := int(v * starWidth / peak)
	if v > 0 && n == 0 {
		n = 1
	}
	return strings.Repeat("*", n)
}

// HistogramSet keeps one histogram per group key. It is shared between the
// read loop and the periodic flush timer.
type HistogramSet struct {
	mu      sync.Mutex
	groupBy string
	groups  map[string]*Histogram
}

// NewHistogramSet groups samples by one of the config.Group* keys
func NewHistogramSet(groupBy string) *HistogramSet {
	return &HistogramSet{
		groupBy: groupBy,
		groups:  make(map[string]*Histogram),
	}
}

func (hs *HistogramSet) keyFor(s sampler.LatencySample) string {
	switch hs.groupBy {
	case config.GroupComm:
		return s.Command.String()
	case config.GroupPID:
		return strconv.FormatUint(uint64(s.ProcessID), 10)
	case config.GroupTID:
		return strconv.FormatUint(uint64(s.TaskID), 10)
	default:
		return ""
	}
}

// Add buckets one sample
func (hs *HistogramSet) Add(s sampler.LatencySample) {
	key := hs.keyFor(s)

	hs.mu.Lock()
	defer hs.mu.Unlock()

	h, ok := hs.groups[key]
	if !ok {
		h = &Histogram{}
		hs.groups[key] = h
	}
	h.Add(s.Latency)
}

// Len returns the number of groups
func (hs *HistogramSet) Len() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.groups)
}

// Get returns a copy of the histogram for key
func (hs *HistogramSet) Get(key string) (Histogram, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	h, ok := hs.groups[key]
	if !ok {
		return Histogram{}, false
	}
	return *h, true
}

// Flush renders every group in key order. With reset the groups are cleared.
func (hs *HistogramSet) Flush(w io.Writer, reset bool) int {
	hs.mu.Lock()
	groups := make(map[string]Histogram, len(hs.groups))
	for k, h := range hs.groups {
		groups[k] = *h
	}
	if reset {
		hs.groups = make(map[string]*Histogram)
	}
	hs.mu.Unlock()

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		h := groups[k]
		if hs.groupBy != config.GroupNone && hs.groupBy != "" {
			fmt.Fprintf(w, "\n%s = %s\n", hs.groupBy, k)
		}
		h.Render(w)
		fmt.Fprintf(w, "samples=%d avg=%dus max=%dus\n",
			h.Count(), h.Mean().Microseconds(), h.Max().Microseconds())
	}
	return len(keys)
}
