// Package sampler implements the run-queue latency sampler: a fixed-capacity
// table of pending wakeups, the bounded channel samples are emitted on, and
// the two trigger operations invoked from the scheduler hooks.
package sampler

import (
	"bytes"
	"fmt"
	"time"
)

// CommLen matches the kernel's TASK_COMM_LEN.
const CommLen = 16

// Comm is a fixed-size, NUL-padded task command name.
type Comm [CommLen]byte

// CommFromString truncates s to CommLen-1 bytes so the result stays NUL terminated.
func CommFromString(s string) Comm {
	var c Comm
	copy(c[:CommLen-1], s)
	return c
}

// String returns the command up to the first NUL byte
func (c Comm) String() string {
	idx := bytes.IndexByte(c[:], 0)
	if idx < 0 {
		return string(c[:])
	}
	return string(c[:idx])
}

// LatencySample is one runnable->running transition that passed the filters.
type LatencySample struct {
	TaskID    uint32
	ProcessID uint32
	Command   Comm
	Latency   time.Duration

	// Timestamp is the monotonic schedule-in time in nanoseconds. It only
	// orders samples approximately across producers.
	Timestamp uint64
}

// LatencyMicros returns the latency truncated to microseconds
func (s LatencySample) LatencyMicros() int64 {
	return s.Latency.Microseconds()
}

func (s LatencySample) String() string {
	return fmt.Sprintf("%s tid=%d pid=%d lat=%s", s.Command, s.TaskID, s.ProcessID, s.Latency)
}

// Tunables are the filters applied by OnScheduled. They are fixed for the
// lifetime of a sampling session.
type Tunables struct {
	// MinLatency suppresses samples whose latency is below it.
	MinLatency time.Duration
	// TargetPID restricts samples to one process; 0 matches all.
	TargetPID uint32
	// TargetTID restricts samples to one thread; 0 matches all.
	TargetTID uint32
}

// Validate checks the tunables
func (t Tunables) Validate() error {
	if t.MinLatency < 0 {
		return fmt.Errorf("min latency must be non-negative, got %s", t.MinLatency)
	}
	return nil
}

func (t *Tunables) matches(tid, pid uint32) bool {
	if t.TargetPID != 0 && pid != t.TargetPID {
		return false
	}
	if t.TargetTID != 0 && tid != t.TargetTID {
		return false
	}
	return true
}
