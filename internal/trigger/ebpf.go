package trigger

import (
	"time"

	"go.uber.org/zap"
)

// EBPFConfig configures the kernel trigger source.
//
// The object at ObjectPath must provide a BPF_MAP_TYPE_RINGBUF map named
// "events" and tp_btf programs for sched_wakeup, sched_wakeup_new and
// sched_switch (sched_process_exit is optional). Each program writes one
// RecordSize-byte record per event; on sched_switch it emits a runnable
// record for a preempted prev task followed by a scheduled record for next.
// An optional BPF_MAP_TYPE_PERCPU_ARRAY named "lost" counts records that did
// not fit in the ring buffer.
type EBPFConfig struct {
	ObjectPath  string
	ReadTimeout time.Duration
}

type tracepointProgram struct {
	program  string
	required bool
}

const (
	eventsMapName = "events"
	lostMapName   = "lost"
)

var tracepointPrograms = []tracepointProgram{
	{program: "handle_sched_wakeup", required: true},
	{program: "handle_sched_wakeup_new", required: true},
	{program: "handle_sched_switch", required: true},
	{program: "handle_sched_process_exit", required: false},
}

// EBPFSource attaches BPF programs to the scheduler trigger points and
// forwards their ring buffer records to the hooks.
type EBPFSource struct {
	cfg    EBPFConfig
	logger *zap.Logger
}

// NewEBPFSource creates a kernel trigger source
func NewEBPFSource(cfg EBPFConfig, logger *zap.Logger) *EBPFSource {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EBPFSource{cfg: cfg, logger: logger.Named("ebpf")}
}

// Name implements Source
func (s *EBPFSource) Name() string {
	return "ebpf"
}
