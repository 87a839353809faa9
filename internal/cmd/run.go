package cmd

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/0xricksanchez/fisy-fuzz/internal/config"
	"github.com/0xricksanchez/fisy-fuzz/internal/controller"
	"github.com/0xricksanchez/fisy-fuzz/internal/crashstore"
	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/guest"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
	"github.com/0xricksanchez/fisy-fuzz/internal/mutate"
	"github.com/0xricksanchez/fisy-fuzz/internal/output"
	"github.com/0xricksanchez/fisy-fuzz/internal/vm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runFuzzerFlag string
	runIterFlag   int
)

func addRunCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a configured fuzzer instance",
		Long: `Run repeatedly drives the fuzz controller's per-iteration state
machine against a fuzzing VM snapshot: generate a seed image, mutate it,
transfer and mount it in the guest, exercise it with a workload, and record
any crash. Ctrl-C flushes statistics and exits cleanly.`,
		RunE: runRun,
	}
	cmd.Flags().StringVarP(&runFuzzerFlag, "fuzzer", "f", "", "Fuzzer instance name (default: resolved from .fisyfuzzrc / FISYFUZZ_FUZZER / sole entry)")
	cmd.Flags().IntVar(&runIterFlag, "iterations", 0, "Stop after N iterations (0 = run until interrupted)")
	parent.AddCommand(cmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)

	name, err := config.ResolveFuzzerName(runFuzzerFlag, os.Getenv("FISYFUZZ_FUZZER"))
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

	kind, err := layout.ParseKind(spec.TargetFS)
	if err != nil {
		return err
	}
	engine, err := mutate.ParseKind(spec.MutationEngine)
	if err != nil {
		return err
	}
	family, err := guest.ParseOSFamily(spec.TargetOS)
	if err != nil {
		return err
	}
	workloadFamily := ""
	if family != guest.Linux {
		workloadFamily = "freebsd"
	}

	fuzzHome := config.FuzzHome()
	paths := vm.NewVMPaths(fuzzHome)
	if err := vm.CheckSnapshot(paths, spec.TargetFS); err != nil {
		return fmt.Errorf("fuzzing VM snapshot not ready: %w (run `fisyfuzz vm prepare --target %s` first)", err, spec.TargetFS)
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

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := transport.Boot(ctx, spec.TargetFS); err != nil {
		return fmt.Errorf("booting fuzzing VM: %w", err)
	}

	adapter := guest.NewAdapter(family, transport)

	outputDir := filepath.Join(fuzzHome, "generator-output", spec.Name)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating generator output dir: %w", err)
	}

	store, err := crashstore.Open(filepath.Join(fuzzHome, "crash_dumps", "crash.db"))
	if err != nil {
		return err
	}

	ctrlCfg := controller.Config{
		FuzzerName:         spec.Name,
		VMName:             spec.FuzzingVM,
		GeneratorBin:       spec.FSCreatorVM,
		GeneratorOutputDir: outputDir,
		MountAt:            "/mnt/fuzz",
		WorkloadFamily:     workloadFamily,
		MutationEngine:     engine,
		MutationN:          spec.MutationN,
		ResetEveryIter:     150,
		ResetGuardIters:    50,
		DynamicScaling:     spec.EnableDynScaling,
	}
	params := controller.Params{
		Kind:          kind,
		SizeMB:        spec.TargetSizeMB,
		FileCount:     spec.PopulateWithFiles,
		MaxFileSizeKB: spec.MaxFileSizeKB,
	}
	ctrl := controller.New(ctrlCfg, transport, adapter, store, params)

	start := time.Now()
	log.WithFields(log.Fields{"fuzzer": spec.Name, "target": spec.TargetFS, "engine": engine.String()}).Info("starting fuzz run")

	var runErr error
loop:
	for runIterFlag == 0 || ctrl.Stats.Iteration < runIterFlag {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		state, iterErr := ctrl.RunIteration(ctx)
		if iterErr != nil {
			if isRecoverableIterationError(iterErr) {
				log.WithFields(log.Fields{"iteration": ctrl.Stats.Iteration, "error": iterErr}).Warn("iteration aborted, continuing")
				continue
			}
			runErr = iterErr
			break loop
		}
		if output.IsVerbose() {
			log.WithFields(log.Fields{"iteration": ctrl.Stats.Iteration, "state": state.String()}).Info("iteration complete")
		}

		if ctrlCfg.DynamicScaling && ctrl.Stats.Iteration-ctrl.Stats.LastUniqueIter >= 15000 {
			controller.ScaleParams(&ctrl.Params, &ctrl.Stats, coinFlip)
		}
	}

	end := time.Now()
	statsDir := filepath.Join(fuzzHome, "stats")
	if err := os.MkdirAll(statsDir, 0o755); err != nil {
		return fmt.Errorf("creating stats dir: %w", err)
	}
	statsPath := filepath.Join(statsDir, fmt.Sprintf("%s_%s.txt", start.UTC().Format("20060102T150405Z"), spec.Name))
	statsText := output.FormatRunStats(output.RunStats{
		FuzzerName:       spec.Name,
		Target:           spec.TargetFS,
		Engine:           engine.String(),
		Start:            start,
		End:              end,
		Iteration:        ctrl.Stats.Iteration,
		TotalWallTime:    ctrl.Stats.TotalWallTime,
		TotalCrashes:     ctrl.Stats.TotalCrashes,
		UniqueCrashes:    ctrl.Stats.UniqueCrashes,
		MountAttempts:    ctrl.Stats.MountAttempts,
		MountSuccesses:   ctrl.Stats.MountSuccesses,
		CommandsIssued:   ctrl.Stats.CommandsIssued,
		CommandsExecuted: ctrl.Stats.CommandsExecuted,
	})
	if err := os.WriteFile(statsPath, []byte(statsText), 0o644); err != nil {
		return fmt.Errorf("writing stats file: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Stats written to %s\n", statsPath)

	if runErr != nil {
		return runErr
	}
	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{"stats_file": statsPath, "iterations": ctrl.Stats.Iteration})
	}
	return nil
}

// coinFlip is ScaleParams' cryptographically random coin, matching the
// rest of the codebase's crypto/rand use for mutation randomness.
func coinFlip() bool {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]&1 == 0
}

// isRecoverableIterationError reports whether err is one of the per-iteration
// fault kinds spec.md §7 marks "iteration is aborted, controller proceeds"
// rather than fatal to the whole run. A guest that stops responding during
// TRANSFER, MOUNT or EXERCISE is routed into the controller's CRASH-HANDLE
// state and comes back as a terminal State, not an error. Failures inside
// CRASH-HANDLE itself (reset and restore both failing, the core not being
// fetched, no fingerprint in it) are returned as errors and are not
// recoverable here.
func isRecoverableIterationError(err error) bool {
	return errors.Is(err, ferrors.ErrMalformedImage) ||
		errors.Is(err, ferrors.ErrNoSuperblock) ||
		errors.Is(err, ferrors.ErrImageTooSmall) ||
		errors.Is(err, ferrors.ErrUnknownFilesystem)
}
