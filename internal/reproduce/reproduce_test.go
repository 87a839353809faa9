package reproduce

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xricksanchez/fisy-fuzz/internal/guest"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syscall.log")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGetCommandChainSkipsMountMarkerAndPrefixes(t *testing.T) {
	path := writeLog(t, "[!] mount", "[+] ls /mnt", "[!] rm -rf /mnt/a", "noise line")
	chain, err := GetCommandChain(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ls /mnt", "rm -rf /mnt/a"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i], want[i])
		}
	}
}

func TestGetCommandChainEmptyOnMountOnly(t *testing.T) {
	path := writeLog(t, "[!] mount")
	chain, err := GetCommandChain(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 0 {
		t.Errorf("chain = %v, want empty", chain)
	}
}

type fakeMounter struct {
	result guest.MountResult
}

func (f fakeMounter) MountFileSystem(ctx context.Context, imagePath, mountAt string) (guest.MountResult, error) {
	return f.result, nil
}

func TestRunNoChainMountCrashedIsMatch(t *testing.T) {
	path := writeLog(t, "[!] mount")
	job := Job{CrashDir: t.TempDir(), SampleImage: "seed.img", SyscallLog: path, MountAt: "/mnt"}

	transport := &stubTransport{}
	mounter := fakeMounter{result: guest.MountCrashed}

	v, err := Run(context.Background(), transport, mounter, nil, "snap0", job)
	if err != nil {
		t.Fatal(err)
	}
	if v != VerdictMatch {
		t.Errorf("verdict = %d, want VerdictMatch", v)
	}
}

func TestRunNoChainMountCleanIsNoRepro(t *testing.T) {
	path := writeLog(t, "[!] mount")
	job := Job{CrashDir: t.TempDir(), SampleImage: "seed.img", SyscallLog: path, MountAt: "/mnt"}

	transport := &stubTransport{}
	mounter := fakeMounter{result: guest.MountSuccess}

	v, err := Run(context.Background(), transport, mounter, nil, "snap0", job)
	if err != nil {
		t.Fatal(err)
	}
	if v != VerdictNoRepro {
		t.Errorf("verdict = %d, want VerdictNoRepro", v)
	}
}

// stubTransport implements guest.Transport with no-op success behavior for
// every method Run touches before handing off to executeChain.
type stubTransport struct{}

func (s *stubTransport) Exec(ctx context.Context, cmd string, timeout time.Duration) (string, guest.ExecOutcome, error) {
	return "", guest.ExecOK, nil
}
func (s *stubTransport) CopyToGuest(ctx context.Context, localDir string, files []string, remoteDir string) error {
	return nil
}
func (s *stubTransport) CopyToHost(ctx context.Context, remoteDir string, files []string, localDir string) error {
	return nil
}
func (s *stubTransport) Liveness(ctx context.Context) bool          { return true }
func (s *stubTransport) RestoreSnapshot(ctx context.Context, name string) error { return nil }
func (s *stubTransport) CurrentSnapshot() string                    { return "snap0" }
func (s *stubTransport) Reset(ctx context.Context) error            { return nil }
func (s *stubTransport) Boot(ctx context.Context, name string) error { return nil }
