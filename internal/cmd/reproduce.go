package cmd

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xricksanchez/fisy-fuzz/internal/config"
	"github.com/0xricksanchez/fisy-fuzz/internal/crashstore"
	"github.com/0xricksanchez/fisy-fuzz/internal/guest"
	"github.com/0xricksanchez/fisy-fuzz/internal/output"
	"github.com/0xricksanchez/fisy-fuzz/internal/reproduce"
	"github.com/0xricksanchez/fisy-fuzz/internal/vm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	reproduceFuzzerFlag string
	reproduceWatchFlag  time.Duration
)

func addReproduceCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "reproduce",
		Short: "Replay recorded crashes against a fresh snapshot and verify them",
		Long: `Reproduce walks every crash.db entry that hasn't been verified yet
(no reprod.{0,1,2} marker in its crash directory), restores the fuzzing VM
from its snapshot, mounts the mutated image extracted from sample.zip,
replays the command chain recorded in the crash directory's syscall.log,
and writes the verdict back to the crash directory.

With --watch, it instead runs as a background worker: one pass immediately,
then one more pass every interval, re-reading crash.db each time so crashes
recorded by a concurrent 'fisyfuzz run' get picked up without restarting
this command.`,
		RunE: runReproduce,
	}
	cmd.Flags().StringVarP(&reproduceFuzzerFlag, "fuzzer", "f", "", "Fuzzer instance name (default: resolved same as `run`)")
	cmd.Flags().DurationVar(&reproduceWatchFlag, "watch", 0, "Re-run periodically at this interval instead of exiting after one pass (0 = single pass)")
	parent.AddCommand(cmd)
}

func runReproduce(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)

	name, err := config.ResolveFuzzerName(reproduceFuzzerFlag, os.Getenv("FISYFUZZ_FUZZER"))
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	spec, ok := cfg.Find(name)
	if !ok {
		return fmt.Errorf("no fuzzer instance named %q in %s", name, config.ConfigPath())
	}

	family, err := guest.ParseOSFamily(spec.TargetOS)
	if err != nil {
		return err
	}

	fuzzHome := config.FuzzHome()
	paths := vm.NewVMPaths(fuzzHome)
	if err := vm.CheckSnapshot(paths, spec.TargetFS); err != nil {
		return fmt.Errorf("fuzzing VM snapshot not ready: %w", err)
	}

	vmCfg := &vm.VMConfig{FuzzHome: fuzzHome, Target: spec.TargetFS, Verbose: output.IsVerbose()}
	lifecycle := vm.NewLifecycle(vmCfg, paths, cmd.ErrOrStderr())
	defer lifecycle.Close()

	transport := guest.NewSSHTransport(spec.FuzzingVM, guest.SSHConfig{
		Addr:     vm.SSHAddr(),
		User:     cfg.Credentials.User,
		Password: cfg.Credentials.Password,
		Timeout:  10 * time.Second,
	})
	transport.RestoreSnapshotFunc = lifecycle.Restore
	transport.ResetFunc = lifecycle.Reset
	transport.BootFunc = lifecycle.Boot

	ctx := cmd.Context()
	mounter := guest.NewAdapter(family, transport)

	crashDBPath := filepath.Join(fuzzHome, "crash_dumps", "crash.db")

	candidates, verified, err := reproducePass(ctx, transport, mounter, spec.TargetFS, crashDBPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	total, totalVerified := candidates, verified

	if reproduceWatchFlag > 0 {
		ticker := time.NewTicker(reproduceWatchFlag)
		defer ticker.Stop()
	watch:
		for {
			select {
			case <-ctx.Done():
				break watch
			case <-ticker.C:
				candidates, verified, err := reproducePass(ctx, transport, mounter, spec.TargetFS, crashDBPath, cmd.ErrOrStderr())
				if err != nil {
					log.WithField("error", err).Warn("reproduce pass failed, continuing to watch")
					continue
				}
				total += candidates
				totalVerified += verified
			}
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Verified %d/%d crash(es)\n", totalVerified, total)
	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{"candidates": total, "verified": totalVerified})
	}
	return nil
}

// reproducePass re-reads crashDBPath and replays every unverified entry's
// command chain once. It is the unit of work a single `fisyfuzz reproduce`
// invocation runs exactly once, and that --watch's ticker loop re-invokes on
// every tick.
func reproducePass(ctx context.Context, transport guest.Transport, mounter guest.Adapter, targetFS, crashDBPath string, stderr io.Writer) (candidates, verified int, err error) {
	store, err := crashstore.Open(crashDBPath)
	if err != nil {
		return 0, 0, err
	}

	checked := map[string]bool{}
	entries, err := store.Entries()
	if err != nil {
		return 0, 0, err
	}
	byDir := map[string]crashstore.Entry{}
	for _, e := range entries {
		byDir[e.CrashDir] = e
		for code := 0; code <= 2; code++ {
			if _, err := os.Stat(filepath.Join(e.CrashDir, fmt.Sprintf("reprod.%d", code))); err == nil {
				checked[e.CrashDir] = true
			}
		}
	}

	jobs, err := reproduce.Enqueue(store, checked, func(e crashstore.Entry) (reproduce.Job, bool) {
		return jobFromEntry(e)
	})
	if err != nil {
		return 0, 0, err
	}

	for _, job := range jobs {
		entry := byDir[job.CrashDir]
		v, err := reproduce.Run(ctx, transport, mounter, nil, targetFS, job)
		if err != nil {
			log.WithFields(log.Fields{"crash_dir": job.CrashDir, "error": err}).Warn("reproduction attempt failed")
			continue
		}
		if err := crashstore.WriteReproResult(job.CrashDir, int(v)); err != nil {
			return len(jobs), verified, err
		}
		log.WithFields(log.Fields{"crash_dir": job.CrashDir, "panic": entry.PanicLabel, "verdict": v}).Info("reproduction verdict recorded")
		verified++
	}

	fmt.Fprintf(stderr, "pass complete: verified %d/%d crash(es)\n", verified, len(jobs))
	return len(jobs), verified, nil
}

// jobFromEntry builds a reproduce.Job from a crash.db entry. syscall.log is
// already loose in the crash directory (controller.buildCrashDir writes it
// before zipping), but the mutated image only survives inside sample.zip —
// the generator's own scratch copy is not guaranteed to outlive the run
// that crashed — so it's extracted back out, flat, next to syscall.log.
// SampleImage is a basename: reproduce.Run resolves it against
// job.CrashDir for the host side of CopyToGuest and against "/tmp" for the
// guest side, so it must stay relative and un-nested. SyscallLog is read on
// the host exactly as given, so it carries the crash directory.
func jobFromEntry(e crashstore.Entry) (reproduce.Job, bool) {
	zipPath := filepath.Join(e.CrashDir, "sample.zip")

	mutatedImage, err := extractMutatedImage(zipPath, e.CrashDir, e.Engine)
	if err != nil {
		log.WithFields(log.Fields{"crash_dir": e.CrashDir, "error": err}).Warn("skipping crash: could not extract sample.zip")
		return reproduce.Job{}, false
	}

	return reproduce.Job{
		CrashDir:     e.CrashDir,
		SampleImage:  mutatedImage,
		SyscallLog:   filepath.Join(e.CrashDir, "syscall.log"),
		MountAt:      "/mnt/fuzz",
		OriginalHash: e.StackHash,
	}, true
}

// extractMutatedImage unzips sample.zip's mutated-image entry into dir and
// returns its basename. The mutated image is identified by the recorded
// mutation engine's filename tag (e.g. "_seq_" or "_radamsa_", per
// mutate.Kind's Derive naming; the name is matched with a leading "_" added,
// so "radamsa_fuzz3.img" matches "_radamsa_"). The syscall.log entry is
// skipped, and the seed image carries no engine tag.
func extractMutatedImage(zipPath, dir, engine string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", zipPath, err)
	}
	defer r.Close()

	var candidates []*zip.File
	for _, f := range r.File {
		if f.Name != "syscall.log" {
			candidates = append(candidates, f)
		}
	}

	var chosen *zip.File
	for _, f := range candidates {
		if strings.Contains("_"+f.Name, "_"+engine+"_") {
			chosen = f
			break
		}
	}
	if chosen == nil && len(candidates) > 0 {
		// Fall back to the last entry — the mutated image is added to the
		// zip after the seed image by controller.buildCrashDir.
		chosen = candidates[len(candidates)-1]
	}
	if chosen == nil {
		return "", fmt.Errorf("no image entries found in %s", zipPath)
	}

	if err := extractZipEntry(chosen, filepath.Join(dir, chosen.Name)); err != nil {
		return "", err
	}
	return chosen.Name, nil
}

func extractZipEntry(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
