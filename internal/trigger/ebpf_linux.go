//go:build linux
// +build linux

package trigger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/yairfalse/runqslower/internal/lifecycle"
	"go.uber.org/zap"
)

// ebpfAttachment holds the loaded collection, its links and the reader
type ebpfAttachment struct {
	coll      *ebpf.Collection
	links     []link.Link
	reader    *ringbuf.Reader
	lifecycle *lifecycle.Manager
	logger    *zap.Logger

	readTimeout time.Duration
	closeOnce   sync.Once
	closed      atomic.Bool

	// kernel-side losses, frozen at Close
	lostMap *ebpf.Map
	lost    atomic.Uint64

	records      atomic.Uint64
	decodeErrors atomic.Uint64
}

var _ LossCounter = (*ebpfAttachment)(nil)

// Attach loads the BPF object, attaches its programs and starts reading
// the ring buffer. Any failure is returned as an *AttachError.
func (s *EBPFSource) Attach(ctx context.Context, hooks Hooks) (Attachment, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		s.logger.Warn("Failed to remove memlock limit", zap.Error(err))
	}

	spec, err := ebpf.LoadCollectionSpec(s.cfg.ObjectPath)
	if err != nil {
		return nil, attachErr(s.Name(), "load collection spec", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			s.logger.Error("eBPF verifier error", zap.String("details", fmt.Sprintf("%+v", ve)))
		}
		return nil, attachErr(s.Name(), "create collection", err)
	}

	events, ok := coll.Maps[eventsMapName]
	if !ok {
		coll.Close()
		return nil, attachErr(s.Name(), "find events map",
			fmt.Errorf("map %q not found in %s", eventsMapName, s.cfg.ObjectPath))
	}

	reader, err := ringbuf.NewReader(events)
	if err != nil {
		coll.Close()
		return nil, attachErr(s.Name(), "create ring buffer reader", err)
	}

	a := &ebpfAttachment{
		coll:        coll,
		reader:      reader,
		logger:      s.logger,
		readTimeout: s.cfg.ReadTimeout,
		lostMap:     coll.Maps[lostMapName],
	}
	if a.lostMap == nil {
		s.logger.Debug("Object has no lost counter map", zap.String("map", lostMapName))
	}

	for _, tp := range tracepointPrograms {
		prog := coll.Programs[tp.program]
		if prog == nil {
			if tp.required {
				a.release()
				return nil, attachErr(s.Name(), "find program",
					fmt.Errorf("program %s not found in %s", tp.program, s.cfg.ObjectPath))
			}
			s.logger.Debug("Optional program not present", zap.String("program", tp.program))
			continue
		}

		l, err := link.AttachTracing(link.TracingOptions{Program: prog})
		if err != nil {
			if tp.required {
				a.release()
				return nil, attachErr(s.Name(), "attach "+tp.program, err)
			}
			s.logger.Warn("Failed to attach optional program",
				zap.String("program", tp.program),
				zap.Error(err))
			continue
		}
		a.links = append(a.links, l)
	}

	a.lifecycle = lifecycle.NewManager(ctx, s.logger)
	a.lifecycle.Go("ringbuf-reader", func(ctx context.Context) {
		a.readLoop(ctx, hooks)
	})

	s.logger.Info("eBPF trigger points attached",
		zap.String("object", s.cfg.ObjectPath),
		zap.Int("links", len(a.links)))

	return a, nil
}

func (a *ebpfAttachment) readLoop(ctx context.Context, hooks Hooks) {
	var rec ringbuf.Record
	for {
		if ctx.Err() != nil {
			return
		}

		a.reader.SetDeadline(time.Now().Add(a.readTimeout))
		if err := a.reader.ReadInto(&rec); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			a.logger.Warn("Failed to read from ring buffer", zap.Error(err))
			continue
		}

		r, err := Decode(rec.RawSample)
		if err != nil {
			a.decodeErrors.Add(1)
			a.logger.Debug("Failed to decode trigger record", zap.Error(err))
			continue
		}
		if err := Dispatch(hooks, r); err != nil {
			a.decodeErrors.Add(1)
			a.logger.Debug("Dropping trigger record", zap.Error(err))
			continue
		}
		a.records.Add(1)
	}
}

// Close detaches the programs first so no new records are produced, then
// stops the reader and releases the collection.
func (a *ebpfAttachment) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for _, l := range a.links {
			if err := l.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close link: %w", err))
			}
		}
		a.links = nil

		if err := a.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ring buffer reader: %w", err))
		}
		if a.lifecycle != nil {
			if err := a.lifecycle.Stop(5 * time.Second); err != nil {
				errs = append(errs, err)
			}
		}
		a.lost.Store(a.readLost())
		a.closed.Store(true)
		a.coll.Close()

		a.logger.Info("eBPF trigger points detached",
			zap.Uint64("records", a.records.Load()),
			zap.Uint64("decode_errors", a.decodeErrors.Load()),
			zap.Uint64("lost", a.lost.Load()))
	})
	return errors.Join(errs...)
}

// Lost implements LossCounter: records the kernel could not reserve room
// for in the ring buffer.
func (a *ebpfAttachment) Lost() uint64 {
	if a.closed.Load() {
		return a.lost.Load()
	}
	return a.readLost()
}

// readLost sums the per-CPU lost counters
func (a *ebpfAttachment) readLost() uint64 {
	if a.lostMap == nil {
		return a.lost.Load()
	}
	var perCPU []uint64
	if err := a.lostMap.Lookup(uint32(0), &perCPU); err != nil {
		a.logger.Debug("Failed to read lost counter", zap.Error(err))
		return a.lost.Load()
	}
	var total uint64
	for _, n := range perCPU {
		total += n
	}
	return total
}

// release frees resources of a partially built attachment
func (a *ebpfAttachment) release() {
	for _, l := range a.links {
		l.Close()
	}
	a.reader.Close()
	a.coll.Close()
}
