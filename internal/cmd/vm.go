package cmd

import (
	"fmt"
	"os"

	"github.com/0xricksanchez/fisy-fuzz/internal/config"
	"github.com/0xricksanchez/fisy-fuzz/internal/output"
	"github.com/0xricksanchez/fisy-fuzz/internal/vm"
	"github.com/spf13/cobra"
)

var vmTargetFlag string

func addVMCommands(parent *cobra.Command) {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage Firecracker microVMs for the fuzzing targets (experimental, Linux only)",
		Long: `Manage Firecracker microVMs snapshotted per filesystem target.

Subcommands:
  prepare  Build rootfs and create a snapshot for a target filesystem
  status   Show snapshot and prerequisite status
  clean    Remove VM artifacts (rootfs, snapshots, run state)`,
	}

	prepareCmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build rootfs and create a VM snapshot",
		Long: `Prepare a Firecracker VM snapshot for a target filesystem.

This command:
  1. Downloads the Firecracker binary and kernel (if needed)
  2. Builds an ext4 rootfs image with the mount/block-device tooling (via Docker)
  3. Boots a fresh Firecracker VM from the rootfs
  4. Waits for sshd and the vsock readiness daemon to come up
  5. Pauses the VM and creates a memory+state snapshot

First run takes a few minutes; later runs for the same target skip the
rootfs build.

Requirements: Linux, /dev/kvm access, Docker.`,
		RunE: runVMPrepare,
	}
	prepareCmd.Flags().StringVar(&vmTargetFlag, "target", "", "Target filesystem kind (ufs1, ufs2, ext2, ext3, ext4, zfs)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show VM prerequisites and snapshot status",
		RunE:  runVMStatus,
	}

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove VM artifacts",
		Long:  "Remove rootfs images, snapshots, and runtime state from ~/.fisyfuzz/vm/.",
		RunE:  runVMClean,
	}
	cleanCmd.Flags().StringVar(&vmTargetFlag, "target", "", "Clean only this target (default: all)")

	vmCmd.AddCommand(prepareCmd, statusCmd, cleanCmd)
	parent.AddCommand(vmCmd)
}

func runVMPrepare(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)
	fuzzHome := config.FuzzHome()

	if vmTargetFlag == "" {
		return fmt.Errorf("--target is required (ufs1, ufs2, ext2, ext3, ext4, zfs)")
	}
	target := vmTargetFlag

	paths := vm.NewVMPaths(fuzzHome)

	fmt.Fprintf(cmd.ErrOrStderr(), "Ensuring Firecracker binary...\n")
	if err := vm.EnsureFirecracker(paths, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("ensuring firecracker: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Ensuring kernel...\n")
	if err := vm.EnsureKernel(paths, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("ensuring kernel: %w", err)
	}

	prereqErrs := vm.CheckPrerequisites(paths)
	if len(prereqErrs) > 0 {
		if vm.HasNonAutoFixErrors(prereqErrs) {
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%s", vm.FormatPrereqErrors(prereqErrs))
			return fmt.Errorf("prerequisites not met (cannot auto-fix)")
		}

		if !vm.KVMAccessible() {
			fmt.Fprintf(cmd.ErrOrStderr(), "/dev/kvm is not accessible. Fixing...\n")
			if err := vm.FixKVMAccess(cmd.ErrOrStderr()); err != nil {
				return fmt.Errorf("fixing KVM access: %w", err)
			}
		}

		prereqErrs = vm.CheckPrerequisites(paths)
		if len(prereqErrs) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%s", vm.FormatPrereqErrors(prereqErrs))
			return fmt.Errorf("prerequisites not met")
		}
	}

	rootfsPath := paths.RootfsForTarget(target)
	if _, err := os.Stat(rootfsPath); os.IsNotExist(err) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Building rootfs for target %s (this may take a few minutes)...\n", target)
		if err := vm.EnsureRootfs(paths, target, cmd.ErrOrStderr()); err != nil {
			return fmt.Errorf("building rootfs: %w", err)
		}
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "Rootfs exists: %s\n", rootfsPath)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Booting VM and creating snapshot for target %s...\n", target)
	vmCfg := &vm.VMConfig{
		FuzzHome: fuzzHome,
		Target:   target,
		Verbose:  output.IsVerbose(),
	}
	if err := vm.BootAndSnapshot(cmd.Context(), vmCfg, paths, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Snapshot ready for target %s. Use 'fisyfuzz run' to start fuzzing it.\n", target)

	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"target":       target,
			"snapshot_dir": paths.SnapshotDirForTarget(target),
			"status":       "ready",
		})
	}

	return nil
}

func runVMStatus(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)
	paths := vm.NewVMPaths(config.FuzzHome())

	fmt.Fprintln(cmd.OutOrStdout(), "Prerequisites:")
	prereqErrs := vm.CheckPrerequisites(paths)
	if len(prereqErrs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "  All prerequisites met.")
	} else {
		fmt.Fprint(cmd.OutOrStdout(), vm.FormatPrereqErrors(prereqErrs))
	}

	fmt.Fprintln(cmd.OutOrStdout(), "\nSnapshots:")
	entries, err := os.ReadDir(paths.SnapshotDir)
	if err != nil || len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "  No snapshots found.")
	} else {
		for _, e := range entries {
			if e.IsDir() {
				target := e.Name()
				if err := vm.CheckSnapshot(paths, target); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: ready\n", target)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: incomplete\n", target)
				}
			}
		}
	}

	if output.IsJSON() {
		snapshots := []map[string]any{}
		if entries, err := os.ReadDir(paths.SnapshotDir); err == nil {
			for _, e := range entries {
				if e.IsDir() {
					status := "ready"
					if err := vm.CheckSnapshot(paths, e.Name()); err != nil {
						status = "incomplete"
					}
					snapshots = append(snapshots, map[string]any{
						"target": e.Name(),
						"status": status,
					})
				}
			}
		}
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"prerequisites_ok": len(prereqErrs) == 0,
			"snapshots":        snapshots,
		})
	}

	return nil
}

func runVMClean(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)
	paths := vm.NewVMPaths(config.FuzzHome())

	if vmTargetFlag != "" {
		snapDir := paths.SnapshotDirForTarget(vmTargetFlag)
		rootfs := paths.RootfsForTarget(vmTargetFlag)
		os.RemoveAll(snapDir)
		os.Remove(rootfs)
		fmt.Fprintf(cmd.ErrOrStderr(), "Cleaned VM artifacts for target %s\n", vmTargetFlag)
	} else {
		os.RemoveAll(paths.Base)
		fmt.Fprintf(cmd.ErrOrStderr(), "Cleaned all VM artifacts from %s\n", paths.Base)
	}
	return nil
}
