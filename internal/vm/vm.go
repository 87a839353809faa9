// Package vm provides Firecracker microVM management for the fuzzing target
// guest. A guest boots once per target filesystem kind, is snapshotted
// right after its SSH daemon comes up, and is then restored fresh from that
// snapshot whenever the guest is reset (after a crash, and on the
// controller's periodic reset cadence) instead of rebooting — snapshot
// restore is what makes thousands of mount/crash cycles an hour feasible.
package vm

import (
	"fmt"
	"net"
	"path/filepath"
	"time"
)

const (
	// DefaultSSHPort is the guest SSH port the fuzz controller dials.
	DefaultSSHPort = 22

	// DefaultMemSizeMiB is the default VM memory size.
	// The snapshot is made sparse via balloon inflation + hole punching,
	// so this can be larger than the actual data without increasing
	// snapshot/restore cost.
	DefaultMemSizeMiB = 1024

	// DefaultVCPUCount is the default number of vCPUs.
	DefaultVCPUCount = 2

	// FileServerPort is a vsock port number for a host file server. No code
	// in this tree listens on or dials it; images reach the guest over SFTP
	// (guest.SSHTransport).
	FileServerPort = 10001

	// FirecrackerVersion is the version of Firecracker to download.
	FirecrackerVersion = "v1.12.0"

	// GuestIP and HostIP are the point-to-point link-local pair assigned to
	// the guest's single NIC and the host's TAP end of it. One tap per
	// target keeps the address stable across a boot-and-snapshot cycle and
	// every later restore, since the snapshot embeds the guest-side config.
	GuestIP       = "169.254.100.2"
	HostIP        = "169.254.100.1"
	GuestCIDRBits = 30
	GuestMAC      = "AA:FC:00:00:00:01"
)

// SSHAddr is the host:port the fuzz controller dials to reach a booted
// guest's sshd, once BootAndSnapshot's TAP device is up.
func SSHAddr() string {
	return net.JoinHostPort(GuestIP, fmt.Sprint(DefaultSSHPort))
}

// VMConfig holds configuration for VM operations.
type VMConfig struct {
	FuzzHome string // ~/.fisyfuzz
	Target   string // target filesystem kind, e.g. "ufs2"; keys the rootfs and snapshot paths
	Verbose  bool
	UseUffd  bool // use UFFD eager page population for snapshot restore
}

// VMPaths returns canonical paths for VM artifacts.
type VMPaths struct {
	Base        string // ~/.fisyfuzz/vm
	Firecracker string // ~/.fisyfuzz/vm/firecracker
	Kernel      string // ~/.fisyfuzz/vm/vmlinux
	RootfsDir   string // ~/.fisyfuzz/vm/rootfs
	SnapshotDir string // ~/.fisyfuzz/vm/snapshots
	RunDir      string // ~/.fisyfuzz/vm/run
}

// NewVMPaths creates VMPaths for a given fuzzer home directory.
func NewVMPaths(fuzzHome string) *VMPaths {
	base := filepath.Join(fuzzHome, "vm")
	return &VMPaths{
		Base:        base,
		Firecracker: filepath.Join(base, "firecracker"),
		Kernel:      filepath.Join(base, "vmlinux"),
		RootfsDir:   filepath.Join(base, "rootfs"),
		SnapshotDir: filepath.Join(base, "snapshots"),
		RunDir:      filepath.Join(base, "run"),
	}
}

// RootfsForTarget returns the path to the ext4 rootfs for a target image.
func (p *VMPaths) RootfsForTarget(target string) string {
	return filepath.Join(p.RootfsDir, target+".ext4")
}

// SnapshotDirForTarget returns the snapshot directory for a target image.
func (p *VMPaths) SnapshotDirForTarget(target string) string {
	return filepath.Join(p.SnapshotDir, target)
}

// InstanceDir returns the run directory for a specific instance.
func (p *VMPaths) InstanceDir(instanceID string) string {
	return filepath.Join(p.RunDir, instanceID)
}

// SnapshotMetadata is persisted alongside each snapshot.
type SnapshotMetadata struct {
	Target     string    `json:"target"`
	CreatedAt  time.Time `json:"created_at"`
	SSHPort    int       `json:"ssh_port"`
	MemSizeMiB int       `json:"mem_size_mib,omitempty"` // VM memory at snapshot time
	BalloonMiB int       `json:"balloon_mib,omitempty"`  // balloon inflation at snapshot time
}

// InstanceInfo tracks a running VM instance.
type InstanceInfo struct {
	ID        string `json:"id"`
	PID       int    `json:"pid"`
	Target    string `json:"target"`
	VsockPath string `json:"vsock_path"` // Path to the vsock UDS
}
