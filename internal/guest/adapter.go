package guest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

// MountResult is the outcome of a mount or unmount attempt. It deliberately
// mirrors the three-way (plus type-error) contract the fuzz controller
// branches on: 1 success, 0 clean failure, 2 guest crash.
type MountResult int

const (
	MountCleanFail MountResult = 0
	MountSuccess   MountResult = 1
	MountCrashed   MountResult = 2
)

// OSFamily names one of the four supported guest operating systems, each
// with its own block-device and mount command vocabulary.
type OSFamily int

const (
	FreeBSD OSFamily = iota
	NetBSD
	OpenBSD
	Linux
)

// Adapter is the remote guest adapter contract: make/destroy a block
// device, classify the filesystem on it, and mount/unmount it, with every
// command issued through a Transport.
type Adapter interface {
	MakeBlockDevice(ctx context.Context, imagePath string) (dev string, err error)
	DestroyBlockDevice(ctx context.Context, dev string) error
	DetermineFSType(ctx context.Context, imagePath string) (layout.Kind, error)
	MountFileSystem(ctx context.Context, imagePath, mountAt string) (MountResult, error)
	UnmountFileSystem(ctx context.Context, mountAt string) (MountResult, error)
}

// ParseOSFamily maps a fuzzer.toml target_os string onto its OSFamily,
// defaulting to Linux for "".
func ParseOSFamily(s string) (OSFamily, error) {
	switch s {
	case "", "linux":
		return Linux, nil
	case "freebsd":
		return FreeBSD, nil
	case "netbsd":
		return NetBSD, nil
	case "openbsd":
		return OpenBSD, nil
	default:
		return 0, fmt.Errorf("guest: unknown target OS %q", s)
	}
}

const execTimeout = 10 * time.Second

var extKindRE = regexp.MustCompile(`ext[2-4]`)

// osAdapter is shared plumbing for all four OS families; only the command
// templates differ, supplied by each constructor.
type osAdapter struct {
	t        Transport
	family   OSFamily
	fsKind   layout.Kind
	pool     string // ZFS pool name, set by DetermineFSType/mount
	blockDev string
}

// NewAdapter returns the Adapter for family, wrapping t.
func NewAdapter(family OSFamily, t Transport) Adapter {
	return &osAdapter{t: t, family: family}
}

func (a *osAdapter) exec(ctx context.Context, cmd string) (string, MountResult, bool) {
	out, outcome, err := a.t.Exec(ctx, cmd, execTimeout)
	if err != nil || outcome == ExecTransportError {
		return "", MountCrashed, false
	}
	if outcome == ExecDecodeError {
		return "", MountCleanFail, false
	}
	return strings.TrimSpace(out), MountSuccess, true
}

// DetermineFSType runs file(1) against imagePath on the guest and maps the
// description to a layout.Kind, mirroring the remote-side probe the
// original Manager_FreeBSD performs before choosing a mount flag.
func (a *osAdapter) DetermineFSType(ctx context.Context, imagePath string) (layout.Kind, error) {
	out, res, ok := a.exec(ctx, fmt.Sprintf("file %s", imagePath))
	if !ok {
		return 0, fmt.Errorf("guest: determining fs type: mount result %d", res)
	}
	switch {
	case extKindRE.MatchString(out):
		m := extKindRE.FindString(out)
		switch m {
		case "ext2":
			return layout.EXT2, nil
		case "ext3":
			return layout.EXT3, nil
		default:
			return layout.EXT4, nil
		}
	case strings.Contains(out, "Unix Fast File System") && strings.Contains(out, "[v1]"):
		return layout.UFS1, nil
	case strings.Contains(out, "Unix Fast File System"):
		return layout.UFS2, nil
	case strings.Contains(out, "data"):
		return layout.ZFS, nil
	}
	return 0, fmt.Errorf("guest: could not classify %s", imagePath)
}

// MakeBlockDevice binds imagePath to a loop/vnode device per the guest OS's
// convention and returns the device path.
func (a *osAdapter) MakeBlockDevice(ctx context.Context, imagePath string) (string, error) {
	switch a.family {
	case FreeBSD:
		out, res, ok := a.exec(ctx, fmt.Sprintf("mdconfig -a -t vnode -f %s", imagePath))
		if !ok {
			return "", fmt.Errorf("guest: mdconfig failed, mount result %d", res)
		}
		a.blockDev = "/dev/" + out
	case NetBSD:
		if _, res, ok := a.exec(ctx, fmt.Sprintf("vndconfig vnd0 %s", imagePath)); !ok {
			return "", fmt.Errorf("guest: vndconfig failed, mount result %d", res)
		}
		a.blockDev = "/dev/vnd0"
	case OpenBSD:
		if _, res, ok := a.exec(ctx, fmt.Sprintf("vnconfig vnd0 %s", imagePath)); !ok {
			return "", fmt.Errorf("guest: vnconfig failed, mount result %d", res)
		}
		if _, res, ok := a.exec(ctx, "disklabel -A vnd0"); !ok {
			return "", fmt.Errorf("guest: disklabel failed, mount result %d", res)
		}
		a.blockDev = "/dev/vnd0"
	case Linux:
		out, res, ok := a.exec(ctx, "losetup -f")
		if !ok {
			return "", fmt.Errorf("guest: losetup -f failed, mount result %d", res)
		}
		loop := strings.TrimSpace(out)
		if _, res, ok := a.exec(ctx, fmt.Sprintf("losetup %s %s", loop, imagePath)); !ok {
			return "", fmt.Errorf("guest: losetup bind failed, mount result %d", res)
		}
		a.blockDev = loop
	}
	return a.blockDev, nil
}

// DestroyBlockDevice releases the device created by MakeBlockDevice.
func (a *osAdapter) DestroyBlockDevice(ctx context.Context, dev string) error {
	var cmd string
	switch a.family {
	case FreeBSD:
		cmd = fmt.Sprintf("mdconfig -d -u %s", strings.TrimPrefix(dev, "/dev/md"))
	case NetBSD:
		cmd = "vndconfig -u vnd0"
	case OpenBSD:
		cmd = "vnconfig -u vnd0"
	case Linux:
		cmd = fmt.Sprintf("losetup -d %s", dev)
	}
	if _, _, ok := a.exec(ctx, cmd); !ok {
		return fmt.Errorf("guest: destroying block device %s", dev)
	}
	return nil
}

func (a *osAdapter) mountSwitch(kind layout.Kind) string {
	switch {
	case kind.IsEXT():
		if a.family == Linux {
			return map[layout.Kind]string{layout.EXT2: "ext2", layout.EXT3: "ext3", layout.EXT4: "ext4"}[kind]
		}
		return "ext2fs"
	case kind.IsUFS():
		if a.family == OpenBSD {
			return "ffs"
		}
		return "ufs"
	default:
		return "auto"
	}
}

// MountFileSystem removes and recreates mountAt, classifies the image,
// binds a block device, and mounts it — returning MountSuccess,
// MountCleanFail, or MountCrashed per the guest-adapter contract.
func (a *osAdapter) MountFileSystem(ctx context.Context, imagePath, mountAt string) (MountResult, error) {
	if _, _, ok := a.exec(ctx, fmt.Sprintf("rm -rf %s && mkdir -p %s", mountAt, mountAt)); !ok {
		if !a.t.Liveness(ctx) {
			return MountCrashed, nil
		}
		return MountCleanFail, nil
	}

	kind, err := a.DetermineFSType(ctx, imagePath)
	if err != nil {
		if !a.t.Liveness(ctx) {
			return MountCrashed, nil
		}
		return MountCleanFail, nil
	}
	a.fsKind = kind

	if kind == layout.ZFS {
		return a.mountZFS(ctx)
	}

	dev, err := a.MakeBlockDevice(ctx, imagePath)
	if err != nil {
		if !a.t.Liveness(ctx) {
			return MountCrashed, nil
		}
		return MountCleanFail, nil
	}

	cmd := fmt.Sprintf("mount -t %s %s %s", a.mountSwitch(kind), dev, mountAt)
	if _, _, ok := a.exec(ctx, cmd); ok {
		return MountSuccess, nil
	}
	if !a.t.Liveness(ctx) {
		return MountCrashed, nil
	}
	return MountCleanFail, nil
}

func (a *osAdapter) mountZFS(ctx context.Context) (MountResult, error) {
	out, _, ok := a.exec(ctx, "zpool import")
	if !ok {
		if !a.t.Liveness(ctx) {
			return MountCrashed, nil
		}
		return MountCleanFail, nil
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return MountCleanFail, nil
	}
	a.pool = fields[1]
	if _, _, ok := a.exec(ctx, fmt.Sprintf("zpool import %s -f", a.pool)); ok {
		return MountSuccess, nil
	}
	if !a.t.Liveness(ctx) {
		return MountCrashed, nil
	}
	return MountCleanFail, nil
}

// UnmountFileSystem unmounts the filesystem and releases its block device,
// returning MountSuccess on a clean teardown.
func (a *osAdapter) UnmountFileSystem(ctx context.Context, mountAt string) (MountResult, error) {
	if a.fsKind == layout.ZFS {
		if _, _, ok := a.exec(ctx, fmt.Sprintf("zpool export %s", a.pool)); !ok {
			if !a.t.Liveness(ctx) {
				return MountCrashed, nil
			}
			return MountCleanFail, nil
		}
		return MountSuccess, nil
	}

	if _, _, ok := a.exec(ctx, fmt.Sprintf("umount -f %s", mountAt)); !ok {
		if !a.t.Liveness(ctx) {
			return MountCrashed, nil
		}
		return MountCleanFail, nil
	}
	if err := a.DestroyBlockDevice(ctx, a.blockDev); err != nil {
		if !a.t.Liveness(ctx) {
			return MountCrashed, nil
		}
		return MountCleanFail, nil
	}
	return MountSuccess, nil
}
