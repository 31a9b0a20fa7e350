package trigger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/yairfalse/runqslower/internal/sampler"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ReplayEvent is the YAML form of a trigger record:
//
//	events:
//	  - {kind: runnable, tid: 42, ts: 100}
//	  - {kind: scheduled, tid: 42, pid: 40, comm: worker, ts: 350}
//	  - {kind: exit, tid: 42}
type ReplayEvent struct {
	Kind string `yaml:"kind"`
	TID  uint32 `yaml:"tid"`
	PID  uint32 `yaml:"pid,omitempty"`
	Comm string `yaml:"comm,omitempty"`
	TS   uint64 `yaml:"ts,omitempty"`
}

// ReplayTrace is the top level of a replay file
type ReplayTrace struct {
	Events []ReplayEvent `yaml:"events"`
}

// ParseReplay decodes a YAML trace into records
func ParseReplay(r io.Reader) ([]Record, error) {
	var trace ReplayTrace
	if err := yaml.NewDecoder(r).Decode(&trace); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode replay trace: %w", err)
	}

	records := make([]Record, 0, len(trace.Events))
	for i, ev := range trace.Events {
		kind, err := ParseKind(ev.Kind)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		records = append(records, Record{
			Kind:      kind,
			TID:       ev.TID,
			PID:       ev.PID,
			Timestamp: ev.TS,
			Comm:      sampler.CommFromString(ev.Comm),
		})
	}
	return records, nil
}

// ReplaySource feeds a recorded trigger trace to the hooks, in order, once
type ReplaySource struct {
	path    string
	records []Record
	logger  *zap.Logger
}

// NewReplaySource replays the YAML trace at path
func NewReplaySource(path string, logger *zap.Logger) *ReplaySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplaySource{path: path, logger: logger.Named("replay")}
}

// NewRecordSource replays records held in memory
func NewRecordSource(records []Record, logger *zap.Logger) *ReplaySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplaySource{records: records, logger: logger.Named("replay")}
}

// Name implements Source
func (s *ReplaySource) Name() string {
	return "replay"
}

// Attach loads the trace and starts replaying it in the background
func (s *ReplaySource) Attach(ctx context.Context, hooks Hooks) (Attachment, error) {
	records := s.records
	if s.path != "" {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, attachErr(s.Name(), "open trace", err)
		}
		records, err = ParseReplay(f)
		f.Close()
		if err != nil {
			return nil, attachErr(s.Name(), "parse trace", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &replayAttachment{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(a.done)
		delivered := 0
		for _, r := range records {
			if ctx.Err() != nil {
				break
			}
			if err := Dispatch(hooks, r); err != nil {
				s.logger.Warn("Skipping replay record", zap.Error(err))
				continue
			}
			delivered++
		}
		s.logger.Debug("Replay finished",
			zap.Int("delivered", delivered),
			zap.Int("total", len(records)))
	}()

	return a, nil
}

type replayAttachment struct {
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (a *replayAttachment) Done() <-chan struct{} {
	return a.done
}

func (a *replayAttachment) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		<-a.done
	})
	return nil
}
