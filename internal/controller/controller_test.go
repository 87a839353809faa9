package controller

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xricksanchez/fisy-fuzz/internal/crashstore"
	"github.com/0xricksanchez/fisy-fuzz/internal/generator"
	"github.com/0xricksanchez/fisy-fuzz/internal/guest"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
	"github.com/0xricksanchez/fisy-fuzz/internal/mutate"
)

// fakeTransport is a scripted guest.Transport: Exec replays canned outputs
// in order, CopyToHost optionally drops a core.txt in localDir to simulate
// fetching a crash dump.
type fakeTransport struct {
	execOutputs []string
	execCall    int
	coreText    string
	alive       bool
	restores    int
}

func (f *fakeTransport) Exec(ctx context.Context, cmd string, timeout time.Duration) (string, guest.ExecOutcome, error) {
	if f.execCall >= len(f.execOutputs) {
		return "", guest.ExecOK, nil
	}
	out := f.execOutputs[f.execCall]
	f.execCall++
	return out, guest.ExecOK, nil
}
func (f *fakeTransport) CopyToGuest(ctx context.Context, localDir string, files []string, remoteDir string) error {
	return nil
}
func (f *fakeTransport) CopyToHost(ctx context.Context, remoteDir string, files []string, localDir string) error {
	if f.coreText != "" {
		return os.WriteFile(filepath.Join(localDir, "core.txt"), []byte(f.coreText), 0o644)
	}
	return nil
}
func (f *fakeTransport) Liveness(ctx context.Context) bool                   { return f.alive }
func (f *fakeTransport) RestoreSnapshot(ctx context.Context, name string) error {
	f.restores++
	return nil
}
func (f *fakeTransport) CurrentSnapshot() string                             { return "snap0" }
func (f *fakeTransport) Reset(ctx context.Context) error                     { return nil }
func (f *fakeTransport) Boot(ctx context.Context, name string) error         { return nil }

// fakeAdapter returns a fixed MountResult regardless of arguments.
type fakeAdapter struct {
	mountResult guest.MountResult
}

func (a *fakeAdapter) MakeBlockDevice(ctx context.Context, imagePath string) (string, error) {
	return "/dev/loop0", nil
}
func (a *fakeAdapter) DestroyBlockDevice(ctx context.Context, dev string) error { return nil }
func (a *fakeAdapter) DetermineFSType(ctx context.Context, imagePath string) (layout.Kind, error) {
	return layout.EXT4, nil
}
func (a *fakeAdapter) MountFileSystem(ctx context.Context, imagePath, mountAt string) (guest.MountResult, error) {
	return a.mountResult, nil
}
func (a *fakeAdapter) UnmountFileSystem(ctx context.Context, mountAt string) (guest.MountResult, error) {
	return guest.MountSuccess, nil
}

func fakeGeneratorExec(t *testing.T, seedPath string) func(ctx context.Context, name string, arg ...string) *exec.Cmd {
	script := `echo '{"image_path":"` + seedPath + `","kind":"ext4"}'`
	return func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func newTestController(t *testing.T, mountResult guest.MountResult, coreText string) (*Controller, string) {
	t.Helper()
	dir := t.TempDir()

	seedPath := filepath.Join(dir, "seed0.img")
	if err := os.WriteFile(seedPath, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}

	origExec := generator.ExecCommandContext
	t.Cleanup(func() { generator.ExecCommandContext = origExec })
	generator.ExecCommandContext = fakeGeneratorExec(t, seedPath)

	store, err := crashstore.Open(filepath.Join(dir, "crash.db"))
	if err != nil {
		t.Fatal(err)
	}

	transport := &fakeTransport{alive: true, coreText: coreText}
	adapter := &fakeAdapter{mountResult: mountResult}

	cfg := Config{
		FuzzerName:         "test-fuzzer",
		VMName:             "test-vm",
		GeneratorBin:       "fake-generator",
		GeneratorOutputDir: dir,
		MountAt:            "/mnt/fuzz",
		MutationEngine:     mutate.ByteFlipSeqKind,
		MutationN:          8,
	}
	params := Params{Kind: layout.EXT4, SizeMB: 15, FileCount: 10, MaxFileSizeKB: 1024}

	c := New(cfg, transport, adapter, store, params)
	return c, dir
}

func TestRunIterationCleanPassReturnsIdle(t *testing.T) {
	c, _ := newTestController(t, guest.MountSuccess, "")

	state, err := c.RunIteration(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateIdle {
		t.Errorf("state = %v, want IDLE", state)
	}
	if c.Stats.MountAttempts != 1 || c.Stats.MountSuccesses != 1 {
		t.Errorf("mount stats = %+v", c.Stats)
	}
	if c.Stats.Iteration != 1 {
		t.Errorf("Iteration = %d, want 1", c.Stats.Iteration)
	}
}

func TestRunIterationMountCrashedRecordsCrash(t *testing.T) {
	core := "panic: page fault\n" +
		"KDB: stack backtrace:\n" +
		"#0 0x0 at ffs_vget+0x10/frame 0x1\n" +
		"Uptime: 5s\n"
	c, _ := newTestController(t, guest.MountCrashed, core)

	state, err := c.RunIteration(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateCrashHandle {
		t.Errorf("state = %v, want CRASH-HANDLE", state)
	}
	if c.Stats.TotalCrashes != 1 || c.Stats.UniqueCrashes != 1 {
		t.Errorf("crash stats = %+v", c.Stats)
	}

	matches, globErr := filepath.Glob(filepath.Join(c.cfg.GeneratorOutputDir, "crash_dumps", "*_page_fault"))
	if globErr != nil {
		t.Fatal(globErr)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one crash dir, got %v", matches)
	}
	for _, want := range []string{"shasum256.txt", "sample.zip", "fs.json", "syscall.log", "core.txt"} {
		if _, err := os.Stat(filepath.Join(matches[0], want)); err != nil {
			t.Errorf("missing %s in crash dir: %v", want, err)
		}
	}
}

func TestRunIterationMountCleanFailReturnsIdleWithoutExercise(t *testing.T) {
	c, _ := newTestController(t, guest.MountCleanFail, "")

	state, err := c.RunIteration(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateIdle {
		t.Errorf("state = %v, want IDLE", state)
	}
	if c.Stats.MountSuccesses != 0 {
		t.Errorf("expected no mount success recorded on clean fail")
	}
}

func TestMaybeResetTriggersOnCadence(t *testing.T) {
	transport := &fakeTransport{alive: true}
	c := &Controller{cfg: Config{ResetEveryIter: 150, ResetGuardIters: 50}, transport: transport}

	c.Stats.Iteration = 150
	c.Stats.LastCrashIter = 90
	c.maybeReset(context.Background())
	if transport.restores != 1 {
		t.Errorf("restores at iteration 150, last crash 90 = %d, want 1", transport.restores)
	}

	c.Stats.Iteration = 150
	c.Stats.LastCrashIter = 120
	c.maybeReset(context.Background())
	if transport.restores != 1 {
		t.Errorf("restores at iteration 150, last crash 120 = %d, want still 1", transport.restores)
	}
}

func TestScaleParamsAdjustsFileCountOnHeads(t *testing.T) {
	p := &Params{Kind: layout.EXT4, SizeMB: 100, FileCount: 10, MaxFileSizeKB: 1024}
	stats := &Stats{LastUniqueIter: 1000}

	ScaleParams(p, stats, func() bool { return true })

	if p.SizeMB != 150 {
		t.Errorf("SizeMB = %d, want 150", p.SizeMB)
	}
	if p.FileCount != 147 {
		t.Errorf("FileCount = %d, want 147", p.FileCount)
	}
	if stats.LastUniqueIter != 16000 {
		t.Errorf("LastUniqueIter = %d, want 16000", stats.LastUniqueIter)
	}
}

func TestScaleParamsResetsAtSizeCeiling(t *testing.T) {
	p := &Params{Kind: layout.ZFS, SizeMB: 720, FileCount: 10, MaxFileSizeKB: 1024}
	stats := &Stats{}

	ScaleParams(p, stats, func() bool { return false })

	if p.SizeMB != 65 || p.FileCount != 20 || p.MaxFileSizeKB != 2048 {
		t.Errorf("params not reset for ZFS ceiling: %+v", p)
	}
}
