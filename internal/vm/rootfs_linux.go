//go:build linux

package vm

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/diskfs/go-diskfs"
)

//go:embed vm_runner.py
var vmRunnerScript string

// dockerfileTemplate creates a minimal Linux image carrying the mount/block
// device tooling every fuzzing target needs, plus an sshd reachable once the
// guest control channel signals readiness.
const dockerfileTemplate = `FROM ubuntu:22.04

ENV DEBIAN_FRONTEND=noninteractive

RUN apt-get update && apt-get install -y --no-install-recommends \
    openssh-server \
    e2fsprogs util-linux mount \
    python3 \
    iproute2 \
    && rm -rf /var/lib/apt/lists/*

RUN mkdir -p /var/run/sshd /run/sshd
RUN ssh-keygen -A

COPY init.sh /sbin/init.sh
RUN chmod +x /sbin/init.sh
COPY vm_runner.py /opt/vm_runner.py
`

// initScriptTemplate is the VM init process: it brings up networking and
// sshd for the controller's guest.SSHTransport, and also starts a small
// readiness daemon on vsock so BootAndSnapshot knows when to pause and
// snapshot without racing sshd's own startup.
const initScriptTemplate = `#!/bin/bash
# Mount essential filesystems
mount -t proc proc /proc
mount -t sysfs sysfs /sys
mount -t devtmpfs devtmpfs /dev

# Ensure loopback interface is up (required for localhost TCP after snapshot restore)
ip link set lo up

# Static address on the tap-backed NIC — matches the host side assigned to
# the per-target tap device in internal/vm/network_linux.go.
ip link set eth0 up
ip addr add 169.254.100.2/30 dev eth0

/usr/sbin/sshd -D &

for i in $(seq 1 300); do
    pgrep sshd >/dev/null && break
    sleep 0.1
done

echo "SSH_READY" > /dev/ttyS0 2>/dev/null || true

# Start the readiness daemon. It listens on vsock port 10000 so the host can
# tell, without racing sshd's own startup, exactly when the guest is ready
# to be paused and snapshotted.
python3 /opt/vm_runner.py &

for i in $(seq 1 300); do
    [ -f /tmp/runner_ready ] && break
    sleep 0.1
done

echo "RUNNER_READY" > /dev/ttyS0 2>/dev/null || true

# Keep init alive
exec sleep infinity
`

// buildRootfsDocker builds an ext4 rootfs image using Docker.
func buildRootfsDocker(paths *VMPaths, target string, stderr io.Writer) error {
	rootfsPath := paths.RootfsForTarget(target)

	// Create temp build context
	tmpDir, err := os.MkdirTemp("", "fisyfuzz-vm-build-*")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	// Write Dockerfile
	dockerfile := dockerfileTemplate
	if err := os.WriteFile(filepath.Join(tmpDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("writing Dockerfile: %w", err)
	}

	// Write init script
	if err := os.WriteFile(filepath.Join(tmpDir, "init.sh"), []byte(initScriptTemplate), 0o755); err != nil {
		return fmt.Errorf("writing init.sh: %w", err)
	}

	// Write vm_runner.py (the in-VM execution daemon)
	if err := os.WriteFile(filepath.Join(tmpDir, "vm_runner.py"), []byte(vmRunnerScript), 0o644); err != nil {
		return fmt.Errorf("writing vm_runner.py: %w", err)
	}

	imageName := fmt.Sprintf("fisyfuzz-vm-%s", target)

	// Docker build
	fmt.Fprintf(stderr, "Building Docker image %s...\n", imageName)
	buildCmd := exec.Command("docker", "build", "-t", imageName, tmpDir)
	buildCmd.Stdout = stderr
	buildCmd.Stderr = stderr
	if err := buildCmd.Run(); err != nil {
		return fmt.Errorf("docker build failed: %w", err)
	}

	// Create container
	createCmd := exec.Command("docker", "create", "--name", "fisyfuzz-vm-export-tmp", imageName)
	createOut, err := createCmd.Output()
	if err != nil {
		return fmt.Errorf("docker create failed: %w", err)
	}
	containerID := string(createOut[:12])
	defer exec.Command("docker", "rm", "-f", "fisyfuzz-vm-export-tmp").Run()

	// Export container filesystem to tarball
	tarPath := filepath.Join(tmpDir, "rootfs.tar")
	fmt.Fprintf(stderr, "Exporting container %s filesystem...\n", containerID)
	exportCmd := exec.Command("docker", "export", "-o", tarPath, "fisyfuzz-vm-export-tmp")
	exportCmd.Stderr = stderr
	if err := exportCmd.Run(); err != nil {
		return fmt.Errorf("docker export failed: %w", err)
	}

	// Create ext4 image from tarball
	fmt.Fprintf(stderr, "Creating ext4 rootfs image...\n")
	if err := createExt4FromTar(tarPath, rootfsPath, stderr); err != nil {
		return fmt.Errorf("creating ext4 image: %w", err)
	}

	// Cleanup Docker image
	exec.Command("docker", "rmi", imageName).Run()

	fmt.Fprintf(stderr, "Rootfs created at %s\n", rootfsPath)
	return nil
}

// fixMergedUsr restores the merged-usr symlinks that Docker export breaks.
// On Ubuntu 22.04+, /lib is a symlink to /usr/lib (and similarly for /bin,
// /sbin, /lib64). Docker export stores files under both /lib/... and /usr/lib/...,
// so tar extraction creates /lib as a real directory. This function merges the
// contents back and restores the symlinks.
func fixMergedUsr(rootDir string, stderr io.Writer) {
	mergedDirs := []string{"lib", "lib64", "bin", "sbin"}
	for _, name := range mergedDirs {
		topDir := filepath.Join(rootDir, name)
		usrDir := filepath.Join(rootDir, "usr", name)

		// Check if topDir is a real directory (not a symlink)
		fi, err := os.Lstat(topDir)
		if err != nil || fi.Mode()&os.ModeSymlink != 0 {
			continue // doesn't exist or already a symlink
		}
		if !fi.IsDir() {
			continue
		}

		// Ensure /usr/<name> exists
		os.MkdirAll(usrDir, 0o755)

		// Merge contents from /<name>/ into /usr/<name>/
		// Use cp -a to preserve all attributes and handle nested structures
		cpCmd := exec.Command("cp", "-a", "--no-clobber", topDir+"/.", usrDir+"/")
		cpCmd.Stderr = stderr
		cpCmd.Run() // best-effort

		// Remove the real directory and replace with symlink
		os.RemoveAll(topDir)
		os.Symlink(filepath.Join("usr", name), topDir)

		fmt.Fprintf(stderr, "Fixed merged-usr: /%s -> /usr/%s\n", name, name)
	}
}

// createExt4FromTar creates an ext4 filesystem image from a tar archive.
// Uses fakeroot + mke2fs -d to build the image with correct root ownership,
// without needing sudo.
func createExt4FromTar(tarPath, outputPath string, stderr io.Writer) error {
	// Extract tar to a temp directory using fakeroot to preserve uid/gid from Docker
	extractDir, err := os.MkdirTemp("", "fisyfuzz-rootfs-extract-*")
	if err != nil {
		return fmt.Errorf("creating extract dir: %w", err)
	}
	defer os.RemoveAll(extractDir)

	// fakeroot state file â€” lets tar and mke2fs share the same fake uid/gid mappings
	fakerootState := filepath.Join(extractDir, ".fakeroot.state")

	fmt.Fprintf(stderr, "Extracting container filesystem (via fakeroot)...\n")
	tarCmd := exec.Command("fakeroot", "-s", fakerootState, "--",
		"tar", "xf", tarPath, "-C", extractDir)
	tarCmd.Stderr = stderr
	if err := tarCmd.Run(); err != nil {
		return fmt.Errorf("extracting tar: %w", err)
	}

	// Fix merged-usr symlinks broken by Docker export.
	// Ubuntu 22.04 uses merged-usr where /lib -> /usr/lib, /bin -> /usr/bin, etc.
	// Docker export stores files under both paths, so tar creates real directories
	// instead of symlinks. This breaks Python's sys.prefix detection.
	fixMergedUsr(extractDir, stderr)

	// Create init symlink so /sbin/init also works
	initPath := filepath.Join(extractDir, "sbin", "init")
	os.Remove(initPath)
	os.Symlink("/sbin/init.sh", initPath)

	// Remove the fakeroot state from the filesystem before imaging
	os.Remove(fakerootState)

	// Create ext4 image using fakeroot with the saved state so mke2fs -d
	// sees files as owned by root (uid 0) instead of the build user
	fmt.Fprintf(stderr, "Creating ext4 image from filesystem...\n")
	mkfsCmd := exec.Command("fakeroot", "-i", fakerootState, "--",
		"mke2fs",
		"-t", "ext4",
		"-d", extractDir,
		"-F",          // force, don't ask
		"-b", "4096",  // block size
		outputPath,
		"2G", // size
	)
	mkfsCmd.Stderr = stderr
	if err := mkfsCmd.Run(); err != nil {
		return fmt.Errorf("mke2fs failed: %w", err)
	}

	return verifyRootfsImage(outputPath)
}

// verifyRootfsImage opens the freshly built image in pure Go and confirms
// /sbin/init.sh landed where initScriptTemplate expects it, catching a
// broken fakeroot/tar/symlink step here instead of failing opaquely the
// first time the guest tries to boot from it. The image has no partition
// table — mke2fs wrote straight to the raw file — so partition 0 addresses
// the whole disk as one ext4 filesystem.
func verifyRootfsImage(path string) error {
	disk, err := diskfs.Open(path)
	if err != nil {
		return fmt.Errorf("verifying rootfs image: opening %s: %w", path, err)
	}
	defer disk.Close()

	fs, err := disk.GetFilesystem(0)
	if err != nil {
		return fmt.Errorf("verifying rootfs image: reading filesystem: %w", err)
	}

	f, err := fs.OpenFile("/sbin/init.sh", os.O_RDONLY)
	if err != nil {
		return fmt.Errorf("verifying rootfs image: /sbin/init.sh missing: %w", err)
	}
	_ = f.Close()
	return nil
}
