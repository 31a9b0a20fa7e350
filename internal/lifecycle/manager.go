// Package lifecycle runs background goroutines under a shared context and
// waits for them on shutdown.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShutdownTimeout is returned when goroutines outlive the stop timeout
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Manager owns a set of goroutines started with Go
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	stopOnce sync.Once
	running  atomic.Int32
}

// NewManager derives a cancellable context from parent
func NewManager(parent context.Context, logger *zap.Logger) *Manager {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Go runs fn in a goroutine. fn must return once ctx is done.
func (m *Manager) Go(name string, fn func(ctx context.Context)) {
	m.wg.Add(1)
	m.running.Add(1)

	go func() {
		defer m.wg.Done()
		defer m.running.Add(-1)

		m.logger.Debug("Starting goroutine", zap.String("name", name))
		defer m.logger.Debug("Goroutine stopped", zap.String("name", name))

		fn(m.ctx)
	}()
}

// Stop cancels the context and waits up to timeout for all goroutines.
// Calling Stop more than once only waits again.
func (m *Manager) Stop(timeout time.Duration) error {
	m.stopOnce.Do(m.cancel)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		m.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", m.running.Load()),
			zap.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}

// Context returns the managed context
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Running returns the number of live goroutines
func (m *Manager) Running() int32 {
	return m.running.Load()
}
