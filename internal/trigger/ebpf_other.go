//go:build !linux
// +build !linux

package trigger

import (
	"context"
	"errors"
)

// Attach always fails: kernel trigger points need Linux with eBPF support
func (s *EBPFSource) Attach(ctx context.Context, hooks Hooks) (Attachment, error) {
	return nil, attachErr(s.Name(), "load collection spec", errors.New("eBPF trigger points require linux"))
}
