// Package trigger connects scheduler trigger points to the sampler. A
// Source attaches to "task became runnable", "task scheduled onto a CPU"
// and "task exited" events and forwards each one to a Hooks implementation.
package trigger

import (
	"context"
	"fmt"

	"github.com/yairfalse/runqslower/internal/sampler"
)

// Hooks receives trigger events. Implementations must not block.
type Hooks interface {
	OnRunnable(tid uint32, ts uint64)
	OnScheduled(tid, pid uint32, comm sampler.Comm, ts uint64)
	OnExit(tid uint32)
}

// Source attaches hooks to a stream of trigger events
type Source interface {
	Name() string
	Attach(ctx context.Context, hooks Hooks) (Attachment, error)
}

// Attachment is a live registration returned by Source.Attach
type Attachment interface {
	// Close detaches the hooks. No hook runs after Close returns.
	Close() error
}

// Finisher is implemented by attachments whose event stream ends on its own
type Finisher interface {
	// Done is closed once no further events will be delivered
	Done() <-chan struct{}
}

// LossCounter is implemented by attachments that can lose triggers before
// they reach the hooks
type LossCounter interface {
	// Lost returns the number of triggers dropped at the source
	Lost() uint64
}

// AttachError reports a failed attachment. It is fatal at startup.
type AttachError struct {
	Source string
	Op     string
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s source: %s: %v", e.Source, e.Op, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

func attachErr(source, op string, err error) error {
	return &AttachError{Source: source, Op: op, Err: err}
}

var _ Hooks = (*sampler.Sampler)(nil)
