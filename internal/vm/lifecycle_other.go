//go:build !linux

package vm

import (
	"context"
	"fmt"
	"io"
)

// Lifecycle is a non-Linux stub — VM mode requires Firecracker/KVM.
type Lifecycle struct{}

func NewLifecycle(_ *VMConfig, _ *VMPaths, _ io.Writer) *Lifecycle { return &Lifecycle{} }

func (l *Lifecycle) Restore(ctx context.Context, vmName, name string) error {
	return fmt.Errorf("VM mode requires Linux with KVM support")
}

func (l *Lifecycle) Reset(ctx context.Context, vmName string) error {
	return fmt.Errorf("VM mode requires Linux with KVM support")
}

func (l *Lifecycle) Boot(ctx context.Context, vmName, name string) error {
	return fmt.Errorf("VM mode requires Linux with KVM support")
}

func (l *Lifecycle) Close() {}
