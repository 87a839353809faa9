// Package guest implements the remote transport and per-OS mount adapters
// used to drive a fuzzing-target VM over SSH: command execution, file
// copy, liveness probing, and snapshot lifecycle, plus the FreeBSD/NetBSD/
// OpenBSD/Linux mount-family adapters built on top of that transport.
package guest

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
)

// ExecOutcome classifies how a remote command completed.
type ExecOutcome int

const (
	// ExecOK means the command ran and its stdout was decoded cleanly.
	ExecOK ExecOutcome = iota
	// ExecDecodeError means the command ran but its output could not be
	// decoded as UTF-8 text.
	ExecDecodeError
	// ExecTransportError means the SSH session itself failed (connection
	// reset, auth failure, timeout) — this is the controller's signal to
	// consider the guest dead.
	ExecTransportError
)

// Transport is the consumed guest interface: command execution, file
// transfer, liveness, and VM snapshot lifecycle. The controller never talks
// to the hypervisor directly — only through this interface.
type Transport interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (stdout string, outcome ExecOutcome, err error)
	CopyToGuest(ctx context.Context, localDir string, files []string, remoteDir string) error
	CopyToHost(ctx context.Context, remoteDir string, files []string, localDir string) error
	Liveness(ctx context.Context) bool
	RestoreSnapshot(ctx context.Context, name string) error
	CurrentSnapshot() string
	Reset(ctx context.Context) error
	Boot(ctx context.Context, name string) error
}

// DialFunc opens an SSH client connection; overridden in tests.
var DialFunc = ssh.Dial

// SSHConfig holds the connection parameters for an SSHTransport.
type SSHConfig struct {
	Addr     string // host:22
	User     string
	Password string
	Timeout  time.Duration
}

// SSHTransport is the production Transport, backed by golang.org/x/crypto/ssh.
// Sessions are opened fresh per Exec call; long-lived shells are explicitly
// avoided per the controller's periodic-reset policy.
type SSHTransport struct {
	cfg             SSHConfig
	vmName          string
	currentSnapshot string

	// Lifecycle hooks, injected by the VM adapter (internal/vm). These are
	// function values rather than an interface so tests can stub exactly
	// the operations they exercise.
	RestoreSnapshotFunc func(ctx context.Context, vmName, snapshot string) error
	ResetFunc           func(ctx context.Context, vmName string) error
	BootFunc            func(ctx context.Context, vmName, snapshot string) error
}

// NewSSHTransport builds a transport bound to one VM's SSH endpoint.
func NewSSHTransport(vmName string, cfg SSHConfig) *SSHTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SSHTransport{cfg: cfg, vmName: vmName}
}

func (t *SSHTransport) dial() (*ssh.Client, error) {
	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(t.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.Timeout,
	}
	return DialFunc("tcp", t.cfg.Addr, clientCfg)
}

// Exec opens a fresh SSH session, runs cmd, and classifies the result per
// the guest-transport contract. A dial or session failure is an
// ExecTransportError, not a Go error, because the controller treats guest
// unreachability as a crash signal rather than a caller-visible fault.
func (t *SSHTransport) Exec(ctx context.Context, cmd string, timeout time.Duration) (string, ExecOutcome, error) {
	client, err := t.dial()
	if err != nil {
		return "", ExecTransportError, nil
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", ExecTransportError, nil
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", ExecTransportError, nil
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return "", ExecTransportError, nil
	case r := <-done:
		if r.err != nil {
			if _, ok := r.err.(*ssh.ExitError); !ok {
				return "", ExecTransportError, nil
			}
		}
		if !utf8.Valid(r.out) {
			return "", ExecDecodeError, nil
		}
		return string(r.out), ExecOK, nil
	}
}

// CopyToGuest copies each named file from localDir to remoteDir over SFTP.
func (t *SSHTransport) CopyToGuest(ctx context.Context, localDir string, files []string, remoteDir string) error {
	client, err := t.dial()
	if err != nil {
		return fmt.Errorf("guest: dialing for copy: %w: %v", ferrors.ErrTransportTimeout, err)
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("guest: opening sftp session: %w: %v", ferrors.ErrTransportTimeout, err)
	}
	defer sc.Close()

	for _, name := range files {
		openDst := func(p string) (io.WriteCloser, error) { return sc.Create(p) }
		openSrc := func(p string) (io.ReadCloser, error) { return os.Open(p) }
		if err := copyOneFile(openDst, openSrc, filepath.Join(localDir, name), filepath.Join(remoteDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// CopyToHost copies each named file from remoteDir back to localDir over
// SFTP, the reverse direction used to fetch core dumps and syscall logs.
func (t *SSHTransport) CopyToHost(ctx context.Context, remoteDir string, files []string, localDir string) error {
	client, err := t.dial()
	if err != nil {
		return fmt.Errorf("guest: dialing for copy: %w: %v", ferrors.ErrTransportTimeout, err)
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("guest: opening sftp session: %w: %v", ferrors.ErrTransportTimeout, err)
	}
	defer sc.Close()

	for _, name := range files {
		if err := copyOneFile(func(p string) (io.WriteCloser, error) { return os.Create(p) },
			func(p string) (io.ReadCloser, error) { return sc.Open(p) },
			filepath.Join(remoteDir, name), filepath.Join(localDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func copyOneFile(openDst func(string) (io.WriteCloser, error), openSrc func(string) (io.ReadCloser, error), src, dst string) error {
	srcF, err := openSrc(src)
	if err != nil {
		return fmt.Errorf("guest: opening %s: %w: %v", src, ferrors.ErrIO, err)
	}
	defer srcF.Close()

	dstF, err := openDst(dst)
	if err != nil {
		return fmt.Errorf("guest: creating %s: %w: %v", dst, ferrors.ErrIO, err)
	}
	defer dstF.Close()

	if _, err := io.Copy(dstF, srcF); err != nil {
		return fmt.Errorf("guest: copying %s to %s: %w: %v", src, dst, ferrors.ErrIO, err)
	}
	return nil
}

// Liveness probes TCP connectivity on the SSH port with a 3-second
// deadline, matching the guest-transport contract.
func (t *SSHTransport) Liveness(ctx context.Context) bool {
	conn, err := net.DialTimeout("tcp", t.cfg.Addr, 3*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// CurrentSnapshot returns the name of the snapshot the guest was last
// restored from or booted with.
func (t *SSHTransport) CurrentSnapshot() string { return t.currentSnapshot }

// RestoreSnapshot asks the underlying VM adapter to restore name and, on
// success, records it as the current snapshot. It adds no wait of its own.
func (t *SSHTransport) RestoreSnapshot(ctx context.Context, name string) error {
	if t.RestoreSnapshotFunc == nil {
		return fmt.Errorf("guest: %w: no snapshot backend configured", ferrors.ErrIO)
	}
	if err := t.RestoreSnapshotFunc(ctx, t.vmName, name); err != nil {
		return err
	}
	t.currentSnapshot = name
	return nil
}

// Reset hands off to ResetFunc; with internal/vm's Lifecycle wired in, that
// is a fresh restore of the target's snapshot. With no ResetFunc it does
// nothing and returns nil.
func (t *SSHTransport) Reset(ctx context.Context) error {
	if t.ResetFunc == nil {
		return nil
	}
	return t.ResetFunc(ctx, t.vmName)
}

// Boot starts the VM fresh from snapshot name.
func (t *SSHTransport) Boot(ctx context.Context, name string) error {
	if t.BootFunc == nil {
		return fmt.Errorf("guest: %w: no boot backend configured", ferrors.ErrIO)
	}
	if err := t.BootFunc(ctx, t.vmName, name); err != nil {
		return err
	}
	t.currentSnapshot = name
	return nil
}
