//go:build linux

package vm

import (
	"context"
	"io"
	"sync"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
)

// Lifecycle adapts RestoreFromSnapshot/DestroyInstance to the three hook
// funcs guest.SSHTransport needs (RestoreSnapshotFunc/ResetFunc/BootFunc).
// Every hook restores a fresh instance from the target's single snapshot —
// Reset and Boot are both just a Restore under this single-snapshot design,
// matching the controller's own periodic-reset policy (internal/controller
// never boots from scratch mid-run, it restores).
type Lifecycle struct {
	cfg    *VMConfig
	paths  *VMPaths
	stderr io.Writer

	mu      sync.Mutex
	machine *firecracker.Machine
	info    *InstanceInfo
	closer  io.Closer
}

// NewLifecycle builds a Lifecycle bound to one target's paths and config.
func NewLifecycle(cfg *VMConfig, paths *VMPaths, stderr io.Writer) *Lifecycle {
	return &Lifecycle{cfg: cfg, paths: paths, stderr: stderr}
}

// Restore tears down any currently running instance and restores a fresh
// one from the target's snapshot. name is accepted for guest.SSHTransport's
// hook signature but ignored — this design keeps exactly one snapshot per
// target, named by VMConfig.Target.
func (l *Lifecycle) Restore(ctx context.Context, vmName, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.teardownLocked()

	info, machine, closer, err := RestoreFromSnapshot(ctx, l.cfg, l.paths, l.stderr)
	if err != nil {
		return err
	}
	l.info, l.machine, l.closer = info, machine, closer
	return nil
}

// Reset implements guest.SSHTransport's ResetFunc by restoring fresh.
func (l *Lifecycle) Reset(ctx context.Context, vmName string) error {
	return l.Restore(ctx, vmName, l.cfg.Target)
}

// Boot implements guest.SSHTransport's BootFunc by restoring fresh — there
// is no cold-boot path at run time, only the one-time BootAndSnapshot done
// by `fisyfuzz vm prepare`.
func (l *Lifecycle) Boot(ctx context.Context, vmName, name string) error {
	return l.Restore(ctx, vmName, name)
}

// Close tears down whatever instance is currently running.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.teardownLocked()
}

func (l *Lifecycle) teardownLocked() {
	if l.closer != nil {
		l.closer.Close()
		l.closer = nil
	}
	if l.machine != nil || l.info != nil {
		DestroyInstance(l.machine, l.info, l.paths)
		l.machine, l.info = nil, nil
	}
}
