//go:build linux

package vm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// VsockCID is the guest Context Identifier for the vsock device.
	// Must be >= 3 (0=hypervisor, 1=reserved, 2=host).
	VsockCID = 3

	// VsockPort is the port inside the VM where the runner daemon listens.
	VsockPort = 10000
)

// BootAndSnapshot boots a fresh guest, waits for its SSH daemon to come up,
// then pauses and creates a snapshot. Every later guest reset restores from
// this snapshot instead of rebooting, so the boot-and-settle cost is paid
// exactly once per target filesystem kind.
func BootAndSnapshot(ctx context.Context, cfg *VMConfig, paths *VMPaths, stderr io.Writer) error {
	target := cfg.Target
	rootfsPath := paths.RootfsForTarget(target)
	snapDir := paths.SnapshotDirForTarget(target)

	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	// Copy rootfs as the backing disk for the snapshot
	diskPath := filepath.Join(snapDir, "disk.ext4")
	if err := copyFile(rootfsPath, diskPath); err != nil {
		return fmt.Errorf("copying rootfs for snapshot: %w", err)
	}

	// Create instance directory
	instanceID := fmt.Sprintf("prepare-%d", time.Now().UnixNano())
	instanceDir := paths.InstanceDir(instanceID)
	if err := os.MkdirAll(instanceDir, 0o755); err != nil {
		return fmt.Errorf("creating instance dir: %w", err)
	}
	defer os.RemoveAll(instanceDir)

	socketPath := filepath.Join(instanceDir, "firecracker.sock")
	// Vsock UDS path goes in the snapshot directory because Firecracker embeds
	// the absolute path in the snapshot binary state. On restore, it re-binds
	// at that same path, so it must still be valid (not in a temp instance dir).
	vsockPath := filepath.Join(snapDir, "vsock.sock")

	// One TAP device per target, stable across this boot-and-snapshot cycle
	// and every later restore — the guest-side address config is baked into
	// the snapshot, so the host-side tap name and address must match exactly
	// on restore too.
	tap := tapName(target)
	if err := ensureTapDevice(tap, HostIP, GuestCIDRBits); err != nil {
		return fmt.Errorf("preparing guest network: %w", err)
	}
	defer removeTapDevice(tap)

	// Configure Firecracker — vsock carries the readiness signal, TAP carries
	// the guest's sshd that guest.SSHTransport dials for every iteration.
	vcpuCount := int64(DefaultVCPUCount)
	memSize := int64(DefaultMemSizeMiB)
	fcCfg := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: paths.Kernel,
		KernelArgs:      "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/init.sh",
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(diskPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
		NetworkInterfaces: []firecracker.NetworkInterface{
			{
				StaticConfiguration: &firecracker.StaticNetworkConfiguration{
					MacAddress:  GuestMAC,
					HostDevName: tap,
				},
			},
		},
		VsockDevices: []firecracker.VsockDevice{
			{
				ID:   "vsock0",
				Path: vsockPath,
				CID:  VsockCID,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  &vcpuCount,
			MemSizeMib: &memSize,
		},
	}

	if cfg.Verbose {
		fmt.Fprintf(stderr, "Booting VM (kernel=%s, rootfs=%s)...\n", paths.Kernel, diskPath)
	}

	// Build command — capture serial console output to stderr
	fcCmd := firecracker.VMCommandBuilder{}.
		WithBin(paths.Firecracker).
		WithSocketPath(socketPath).
		WithStdout(stderr).
		WithStderr(stderr).
		Build(ctx)

	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	machine, err := firecracker.NewMachine(ctx, fcCfg,
		firecracker.WithProcessRunner(fcCmd),
		firecracker.WithLogger(log.NewEntry(logger)),
	)
	if err != nil {
		return fmt.Errorf("creating firecracker machine: %w", err)
	}

	// Add balloon device handler before Start() — Firecracker requires balloon
	// to be configured before InstanceStart. Start with amount=0 (don't reclaim
	// anything yet), deflateOnOom=true so the guest can reclaim memory later.
	machine.Handlers.FcInit = machine.Handlers.FcInit.Append(
		firecracker.NewCreateBalloonHandler(0, true, 0),
	)

	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("starting VM: %w", err)
	}
	defer machine.StopVMM()

	fmt.Fprintf(stderr, "VM booted, waiting for guest control channel via vsock...\n")

	// Wait for the guest's readiness daemon. It starts AFTER sshd and the
	// block-device/mount tooling are confirmed present, so a successful
	// vsock connection means the guest is ready for the SSH transport to
	// take over.
	if err := waitForVsock(ctx, vsockPath, VsockPort, 120*time.Second); err != nil {
		return fmt.Errorf("guest control channel not reachable via vsock within 120s: %w", err)
	}

	// Give the readiness daemon a moment to fully enter its accept loop
	time.Sleep(500 * time.Millisecond)

	// The vsock signal only confirms vm_runner.py is up; confirm sshd is also
	// reachable over the new TAP link before snapshotting, since every later
	// restore relies on guest.SSHTransport rather than vsock.
	if err := waitForSSH(SSHAddr(), 30*time.Second, 200*time.Millisecond); err != nil {
		return fmt.Errorf("guest sshd not reachable over tap %s: %w", tap, err)
	}

	// Inflate balloon to reclaim unused guest memory before snapshotting.
	// Leave 512 MiB headroom for the kernel and mount tooling; deflateOnOom
	// reclaims on demand after restore if the fuzzing workload needs more.
	balloonMiB := int64(DefaultMemSizeMiB - 512)
	fmt.Fprintf(stderr, "Inflating balloon to %d MiB to reclaim unused pages...\n", balloonMiB)
	if err := machine.UpdateBalloon(ctx, balloonMiB); err != nil {
		return fmt.Errorf("inflating balloon: %w", err)
	}
	// Wait for guest balloon driver to reclaim pages
	time.Sleep(3 * time.Second)

	// Deflate balloon back to 0 before snapshotting. The inflation already
	// caused MADV_DONTNEED on reclaimed pages (they're now zeros). Deflating
	// returns those page ranges to the guest so the restored VM has full
	// memory available without needing deflateOnOom to kick in.
	fmt.Fprintf(stderr, "Deflating balloon before snapshot...\n")
	if err := machine.UpdateBalloon(ctx, 0); err != nil {
		return fmt.Errorf("deflating balloon: %w", err)
	}
	time.Sleep(500 * time.Millisecond)

	if cfg.Verbose {
		fmt.Fprintf(stderr, "Guest ready, pausing VM for snapshot...\n")
	}

	// Pause VM
	if err := machine.PauseVM(ctx); err != nil {
		return fmt.Errorf("pausing VM: %w", err)
	}

	// Create snapshot
	memPath := filepath.Join(snapDir, "snapshot_mem")
	statePath := filepath.Join(snapDir, "snapshot_vmstate")

	if err := machine.CreateSnapshot(ctx, memPath, statePath); err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}

	// Post-process the snapshot memory file: punch holes in zero-filled
	// regions to make it sparse. Firecracker writes all pages sequentially
	// (including balloon-freed zeros), so we need to retroactively convert
	// zero regions into filesystem holes.
	if err := punchHoles(memPath, stderr); err != nil {
		// Non-fatal: restore still works, just slower without sparse optimization
		fmt.Fprintf(stderr, "Warning: could not make snapshot sparse: %v\n", err)
	}

	// Clean up the vsock socket file — Firecracker already captured the path
	// in the snapshot state; leaving the stale socket would confuse restore.
	os.Remove(vsockPath)

	// Write metadata
	meta := &SnapshotMetadata{
		Target:     target,
		CreatedAt:  time.Now(),
		SSHPort:    DefaultSSHPort,
		MemSizeMiB: DefaultMemSizeMiB,
		BalloonMiB: int(balloonMiB),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(snapDir, "metadata.json"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintf(stderr, "Snapshot created at %s\n", snapDir)
	}

	return nil
}

// RestoreFromSnapshot restores a VM from snapshot and returns instance info,
// machine handle, and an optional io.Closer for the UFFD handler (nil when
// using the File backend). The caller must Close the UFFD handler after
// stopping the VM.
func RestoreFromSnapshot(ctx context.Context, cfg *VMConfig, paths *VMPaths, stderr io.Writer) (*InstanceInfo, *firecracker.Machine, io.Closer, error) {
	target := cfg.Target
	snapDir := paths.SnapshotDirForTarget(target)

	if err := CheckSnapshot(paths, target); err != nil {
		return nil, nil, nil, err
	}

	// Create instance directory
	instanceID := fmt.Sprintf("exec-%d", time.Now().UnixNano())
	instanceDir := paths.InstanceDir(instanceID)
	if err := os.MkdirAll(instanceDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("creating instance dir: %w", err)
	}

	socketPath := filepath.Join(instanceDir, "firecracker.sock")
	// Vsock UDS path must match the path embedded in the snapshot state —
	// Firecracker re-binds the vsock at the same absolute path on restore.
	vsockPath := filepath.Join(snapDir, "vsock.sock")

	// Use snapshot disk directly — the VM is ephemeral and destroyed after exec.
	// This avoids copying a multi-GB disk image on every invocation.
	diskPath := filepath.Join(snapDir, "disk.ext4")

	memPath := filepath.Join(snapDir, "snapshot_mem")
	statePath := filepath.Join(snapDir, "snapshot_vmstate")

	// Same tap device and address as the boot that produced this snapshot —
	// the guest-side network config is part of the restored memory state, so
	// the host-side end must match exactly or the guest's NIC won't line up
	// with the tap its driver already negotiated.
	tap := tapName(target)
	if err := ensureTapDevice(tap, HostIP, GuestCIDRBits); err != nil {
		return nil, nil, nil, fmt.Errorf("preparing guest network: %w", err)
	}

	// Configure Firecracker for snapshot restore — vsock for communication.
	// KernelImagePath and MachineCfg are required by SDK validation even for restore.
	vcpuCount := int64(DefaultVCPUCount)
	memSize := int64(DefaultMemSizeMiB)
	fcCfg := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: paths.Kernel,
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(diskPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
		NetworkInterfaces: []firecracker.NetworkInterface{
			{
				StaticConfiguration: &firecracker.StaticNetworkConfiguration{
					MacAddress:  GuestMAC,
					HostDevName: tap,
				},
			},
		},
		VsockDevices: []firecracker.VsockDevice{
			{
				ID:   "vsock0",
				Path: vsockPath,
				CID:  VsockCID,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  &vcpuCount,
			MemSizeMib: &memSize,
		},
	}

	fcCmd := firecracker.VMCommandBuilder{}.
		WithBin(paths.Firecracker).
		WithSocketPath(socketPath).
		Build(ctx)

	logger := log.New()
	logger.SetLevel(log.ErrorLevel)

	// Determine whether to use UFFD — probe the syscall to detect kernel support.
	useUffd := cfg.UseUffd
	if useUffd && !ProbeUffd() {
		if cfg.Verbose {
			fmt.Fprintf(stderr, "UFFD not available (try: sudo sysctl -w vm.unprivileged_userfaultfd=1), falling back to File backend\n")
		}
		useUffd = false
	}

	// Start UFFD handler before creating Machine (socket must exist for SDK validation).
	var uffd *uffdHandler
	if useUffd {
		uffdSocketPath := filepath.Join(instanceDir, "uffd.sock")
		var err error
		uffd, err = startUffdHandler(ctx, uffdSocketPath, memPath, stderr)
		if err != nil {
			os.RemoveAll(instanceDir)
			return nil, nil, nil, fmt.Errorf("starting UFFD handler: %w", err)
		}
	}

	// Build snapshot options. UFFD mode loads without auto-resume so we can
	// populate all pages first; File mode auto-resumes immediately.
	var snapshotOpts []firecracker.WithSnapshotOpt
	if useUffd {
		snapshotOpts = append(snapshotOpts,
			firecracker.WithMemoryBackend(
				models.MemoryBackendBackendTypeUffd,
				filepath.Join(instanceDir, "uffd.sock"),
			),
			func(sc *firecracker.SnapshotConfig) {
				sc.ResumeVM = false
			},
		)
	} else {
		snapshotOpts = append(snapshotOpts,
			func(sc *firecracker.SnapshotConfig) {
				sc.ResumeVM = true
			},
		)
	}

	// WithSnapshot swaps the SDK handler list from default (CreateBootSource, etc.)
	// to snapshot-specific (LoadSnapshot) — setting Config.Snapshot directly
	// does NOT do this swap.
	// UFFD mode: memFilePath must be empty (Firecracker rejects both mem_file_path
	// and mem_backend in the same request).
	snapshotMemArg := memPath
	if useUffd {
		snapshotMemArg = ""
	}
	machine, err := firecracker.NewMachine(ctx, fcCfg,
		firecracker.WithProcessRunner(fcCmd),
		firecracker.WithLogger(log.NewEntry(logger)),
		firecracker.WithSnapshot(snapshotMemArg, statePath, snapshotOpts...),
	)
	if err != nil {
		if uffd != nil {
			uffd.Close()
		}
		os.RemoveAll(instanceDir)
		return nil, nil, nil, fmt.Errorf("creating firecracker machine: %w", err)
	}

	// Remove unnecessary handlers — for snapshot restore we only need StartVMM,
	// SetupNetwork (to attach the tap to the restored guest NIC) and
	// LoadSnapshot. Vsock and logging are already captured in the snapshot.
	machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(firecracker.AddVsocksHandlerName)
	machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(firecracker.CreateLogFilesHandlerName)
	machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(firecracker.BootstrapLoggingHandlerName)

	// Remove stale vsock socket from previous runs — Firecracker will re-bind
	// this path during snapshot restore and fails with EADDRINUSE if it exists.
	os.Remove(vsockPath)

	// Page cache warming is started earlier by the caller (WarmSnapshotPageCacheAsync)
	// to maximize overlap. No additional warming needed here.

	// Start loads the snapshot. In UFFD mode, Firecracker connects to the
	// handler which eagerly populates all pages. In File mode, this also
	// resumes the VM (~10ms restore + demand paging during execution).
	if err := machine.Start(ctx); err != nil {
		if uffd != nil {
			uffd.Close()
		}
		os.RemoveAll(instanceDir)
		return nil, nil, nil, fmt.Errorf("restoring from snapshot: %w", err)
	}

	if useUffd {
		// Wait for UFFD handler to finish populating all pages.
		if err := uffd.Wait(ctx); err != nil {
			machine.StopVMM()
			uffd.Close()
			os.RemoveAll(instanceDir)
			return nil, nil, nil, fmt.Errorf("UFFD page population: %w", err)
		}

		// All pages populated — resume VM with zero pending page faults.
		if err := machine.ResumeVM(ctx); err != nil {
			machine.StopVMM()
			uffd.Close()
			os.RemoveAll(instanceDir)
			return nil, nil, nil, fmt.Errorf("resuming VM after UFFD population: %w", err)
		}
	}

	// Skip vsock probe — guest commands go over guest.SSHTransport, so
	// nothing after restore connects to the vsock daemon. Probing here
	// wastes a full connect/accept cycle + triggers page faults on a
	// throwaway connection.

	pid, _ := machine.PID()
	info := &InstanceInfo{
		ID:        instanceID,
		PID:       pid,
		Target:    target,
		VsockPath: vsockPath,
	}

	// Write instance info for crash recovery
	infoBytes, _ := json.Marshal(info)
	os.WriteFile(filepath.Join(instanceDir, "instance.json"), infoBytes, 0o644)

	var closer io.Closer
	if uffd != nil {
		closer = uffd
	}
	return info, machine, closer, nil
}

// DestroyInstance tears down a VM instance.
func DestroyInstance(machine *firecracker.Machine, info *InstanceInfo, paths *VMPaths) {
	if machine != nil {
		machine.StopVMM()
	}
	if info != nil {
		os.RemoveAll(paths.InstanceDir(info.ID))
	}
}

// waitForVsock polls a vsock port until it accepts connections.
func waitForVsock(ctx context.Context, udsPath string, port uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for vsock port %d", port)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn, err := connectVsock(udsPath, port)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(1 * time.Millisecond)
	}
}

// connectVsock connects to a vsock port on the VM through Firecracker's UDS.
func connectVsock(udsPath string, port uint32) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", udsPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to vsock UDS: %w", err)
	}

	// Firecracker vsock protocol: send "CONNECT <port>\n", expect "OK <local_port>\n"
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending vsock CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading vsock response: %w", err)
	}

	if !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", strings.TrimSpace(line))
	}

	return conn, nil
}

// punchHoles scans a file for zero-filled regions and converts them into
// filesystem holes using fallocate(FALLOC_FL_PUNCH_HOLE). This makes the
// file sparse so that SEEK_HOLE/SEEK_DATA can identify zero vs data regions.
func punchHoles(path string, stderr io.Writer) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	fileSize := fi.Size()

	// Read in 1 MiB chunks — large enough to amortize syscall overhead,
	// small enough to detect zero regions at MiB granularity.
	const chunkSize = 1024 * 1024
	buf := make([]byte, chunkSize)

	var holesBytes int64
	for offset := int64(0); offset < fileSize; offset += chunkSize {
		n, err := f.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading at offset %d: %w", offset, err)
		}
		if n == 0 {
			break
		}

		if isZero(buf[:n]) {
			// Punch a hole — converts this range to a filesystem hole
			err := unix.Fallocate(int(f.Fd()),
				unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
				offset, int64(n))
			if err != nil {
				return fmt.Errorf("fallocate punch hole at %d: %w", offset, err)
			}
			holesBytes += int64(n)
		}
	}

	fmt.Fprintf(stderr, "Punched holes: %d MiB of %d MiB are now sparse\n",
		holesBytes/(1024*1024), fileSize/(1024*1024))
	return nil
}

// isZero checks if a byte slice is entirely zeros.
func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// WarmSnapshotPageCacheAsync starts a background goroutine that reads the
// snapshot memory file's data extents into the kernel page cache.
// Called from exec as early as possible to maximize overlap with other work.
func WarmSnapshotPageCacheAsync(paths *VMPaths, target string) {
	memPath := filepath.Join(paths.SnapshotDirForTarget(target), "snapshot_mem")
	go warmSnapshotPageCache(memPath)
}

// warmSnapshotPageCache reads data extents of a snapshot memory file into the
// kernel page cache using parallel readers. On SSDs/NVMe, parallel reads
// saturate the device's I/O bandwidth better than a single sequential reader.
func warmSnapshotPageCache(memPath string) {
	f, err := os.Open(memPath)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return
	}
	fd := int(f.Fd())
	fileSize := fi.Size()

	// Hint sequential access + trigger kernel readahead
	unix.Fadvise(fd, 0, fileSize, unix.FADV_SEQUENTIAL)

	// Scan data extents (fast SEEK_HOLE/SEEK_DATA)
	extents, err := scanDataExtents(f, 0, uint64(fileSize))
	if err != nil {
		unix.Fadvise(fd, 0, fileSize, unix.FADV_WILLNEED)
		return
	}

	// FADV_WILLNEED for all extents first (non-blocking, starts kernel readahead)
	for _, ext := range extents {
		unix.Fadvise(fd, int64(ext.offset), int64(ext.length), unix.FADV_WILLNEED)
	}

	// Parallel explicit reads to guarantee page cache population.
	// 4 readers matches typical SSD queue depth for optimal throughput.
	const numReaders = 4
	if len(extents) == 0 {
		return
	}

	// Split extents across readers by total bytes (not count) for balance
	var totalBytes uint64
	for _, ext := range extents {
		totalBytes += ext.length
	}
	bytesPerReader := totalBytes / numReaders

	var wg sync.WaitGroup
	extIdx := 0
	for r := 0; r < numReaders && extIdx < len(extents); r++ {
		// Collect extents for this reader
		var readerExtents []dataExtent
		var readerBytes uint64
		for extIdx < len(extents) {
			readerExtents = append(readerExtents, extents[extIdx])
			readerBytes += extents[extIdx].length
			extIdx++
			if r < numReaders-1 && readerBytes >= bytesPerReader {
				break
			}
		}

		wg.Add(1)
		go func(exts []dataExtent) {
			defer wg.Done()
			// Each reader opens its own fd for independent I/O scheduling
			rf, err := os.Open(memPath)
			if err != nil {
				return
			}
			defer rf.Close()
			buf := make([]byte, 1024*1024)
			for _, ext := range exts {
				for off := ext.offset; off < ext.offset+ext.length; off += uint64(len(buf)) {
					readLen := ext.offset + ext.length - off
					if readLen > uint64(len(buf)) {
						readLen = uint64(len(buf))
					}
					rf.ReadAt(buf[:readLen], int64(off))
				}
			}
		}(readerExtents)
	}
	wg.Wait()
}

// copyFile copies src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
