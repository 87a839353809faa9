package guest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

// scriptedTransport replays canned outputs for each Exec call in order,
// used to drive osAdapter through deterministic command sequences without a
// real guest.
type scriptedTransport struct {
	outputs []string
	alive   bool
	call    int
}

func (s *scriptedTransport) Exec(ctx context.Context, cmd string, timeout time.Duration) (string, ExecOutcome, error) {
	if s.call >= len(s.outputs) {
		return "", ExecTransportError, nil
	}
	out := s.outputs[s.call]
	s.call++
	if out == "__crash__" {
		return "", ExecTransportError, nil
	}
	return out, ExecOK, nil
}

func (s *scriptedTransport) CopyToGuest(ctx context.Context, localDir string, files []string, remoteDir string) error {
	return nil
}
func (s *scriptedTransport) CopyToHost(ctx context.Context, remoteDir string, files []string, localDir string) error {
	return nil
}
func (s *scriptedTransport) Liveness(ctx context.Context) bool                   { return s.alive }
func (s *scriptedTransport) RestoreSnapshot(ctx context.Context, name string) error { return nil }
func (s *scriptedTransport) CurrentSnapshot() string                             { return "" }
func (s *scriptedTransport) Reset(ctx context.Context) error                     { return nil }
func (s *scriptedTransport) Boot(ctx context.Context, name string) error         { return nil }

func TestDetermineFSTypeClassifiesEXT(t *testing.T) {
	st := &scriptedTransport{outputs: []string{"seed.img: Linux rev 1.0 ext4 filesystem data"}}
	a := NewAdapter(Linux, st)
	kind, err := a.DetermineFSType(context.Background(), "/tmp/seed.img")
	if err != nil {
		t.Fatal(err)
	}
	if kind != layout.EXT4 {
		t.Errorf("kind = %v, want EXT4", kind)
	}
}

func TestDetermineFSTypeUnknownFails(t *testing.T) {
	st := &scriptedTransport{outputs: []string{"seed.img: ASCII text"}}
	a := NewAdapter(Linux, st)
	if _, err := a.DetermineFSType(context.Background(), "/tmp/seed.img"); err == nil {
		t.Fatal("expected classification failure")
	}
}

func TestMakeBlockDeviceLinux(t *testing.T) {
	st := &scriptedTransport{outputs: []string{"/dev/loop3", ""}}
	a := NewAdapter(Linux, st)
	dev, err := a.MakeBlockDevice(context.Background(), "/tmp/seed.img")
	if err != nil {
		t.Fatal(err)
	}
	if dev != "/dev/loop3" {
		t.Errorf("dev = %q, want /dev/loop3", dev)
	}
}

func TestMountFileSystemSuccessLinuxExt4(t *testing.T) {
	st := &scriptedTransport{alive: true, outputs: []string{
		"",                                              // rm -rf && mkdir -p
		"seed.img: Linux rev 1.0 ext4 filesystem data", // file probe
		"/dev/loop0",                                    // losetup -f
		"",                                               // losetup bind
		"",                                               // mount
	}}
	a := NewAdapter(Linux, st)
	res, err := a.MountFileSystem(context.Background(), "/tmp/seed.img", "/mnt/fuzz")
	if err != nil {
		t.Fatal(err)
	}
	if res != MountSuccess {
		t.Errorf("result = %v, want MountSuccess", res)
	}
}

func TestMountFileSystemCrashDuringMountIsCrashed(t *testing.T) {
	st := &scriptedTransport{alive: false, outputs: []string{
		"",
		"seed.img: Linux rev 1.0 ext4 filesystem data",
		"/dev/loop0",
		"",
		"__crash__",
	}}
	a := NewAdapter(Linux, st)
	res, err := a.MountFileSystem(context.Background(), "/tmp/seed.img", "/mnt/fuzz")
	if err != nil {
		t.Fatal(err)
	}
	if res != MountCrashed {
		t.Errorf("result = %v, want MountCrashed", res)
	}
}

func TestMountFileSystemCleanFailWhenGuestStillAlive(t *testing.T) {
	st := &scriptedTransport{alive: true, outputs: []string{
		"",
		"seed.img: Linux rev 1.0 ext4 filesystem data",
		"/dev/loop0",
		"",
		"__crash__",
	}}
	a := NewAdapter(Linux, st)
	res, err := a.MountFileSystem(context.Background(), "/tmp/seed.img", "/mnt/fuzz")
	if err != nil {
		t.Fatal(err)
	}
	if res != MountCleanFail {
		t.Errorf("result = %v, want MountCleanFail", res)
	}
}

func TestMountFileSystemZFS(t *testing.T) {
	st := &scriptedTransport{alive: true, outputs: []string{
		"",
		"seed.img: data",
		"pool: tank state: ONLINE",
		"",
	}}
	a := NewAdapter(Linux, st)
	res, err := a.MountFileSystem(context.Background(), "/tmp/seed.img", "/mnt/fuzz")
	if err != nil {
		t.Fatal(err)
	}
	if res != MountSuccess {
		t.Errorf("result = %v, want MountSuccess", res)
	}
}

func TestMountSwitchPicksPerOSNames(t *testing.T) {
	linux := &osAdapter{family: Linux}
	if got := linux.mountSwitch(layout.EXT3); got != "ext3" {
		t.Errorf("linux ext3 switch = %q", got)
	}
	openbsd := &osAdapter{family: OpenBSD}
	if got := openbsd.mountSwitch(layout.UFS1); got != "ffs" {
		t.Errorf("openbsd ufs switch = %q", got)
	}
	freebsd := &osAdapter{family: FreeBSD}
	if got := freebsd.mountSwitch(layout.UFS2); got != "ufs" {
		t.Errorf("freebsd ufs switch = %q", got)
	}
	if got := freebsd.mountSwitch(layout.EXT4); got != "ext2fs" {
		t.Errorf("freebsd ext switch = %q", got)
	}
}

func TestUnmountFileSystemZFSExportsPool(t *testing.T) {
	a := &osAdapter{t: &scriptedTransport{alive: true, outputs: []string{""}}, family: Linux, fsKind: layout.ZFS, pool: "tank"}
	res, err := a.UnmountFileSystem(context.Background(), "/mnt/fuzz")
	if err != nil {
		t.Fatal(err)
	}
	if res != MountSuccess {
		t.Errorf("result = %v, want MountSuccess", res)
	}
}

func TestUnmountFileSystemNonZFS(t *testing.T) {
	st := &scriptedTransport{alive: true, outputs: []string{"", fakeLosetupDestroy()}}
	a := &osAdapter{t: st, family: Linux, fsKind: layout.EXT4, blockDev: "/dev/loop0"}
	res, err := a.UnmountFileSystem(context.Background(), "/mnt/fuzz")
	if err != nil {
		t.Fatal(err)
	}
	if res != MountSuccess {
		t.Errorf("result = %v, want MountSuccess", res)
	}
}

func fakeLosetupDestroy() string { return "" }

func TestExtKindRegexMatchesAllThreeVariants(t *testing.T) {
	for _, s := range []string{"ext2 filesystem", "ext3 filesystem", "ext4 filesystem"} {
		if got := extKindRE.FindString(s); got == "" || !strings.HasPrefix(s, got) {
			t.Errorf("regex did not match %q", s)
		}
	}
}
