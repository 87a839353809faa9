// Package controller implements the per-iteration fuzz state machine:
// generate a seed image, mutate it, transfer it to the guest, mount it,
// exercise it with a workload, and handle any resulting crash. It is the
// only package that drives the generator, mutate, workload, guest, and
// crashstore packages together.
package controller

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xricksanchez/fisy-fuzz/internal/crashstore"
	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/fingerprint"
	"github.com/0xricksanchez/fisy-fuzz/internal/generator"
	"github.com/0xricksanchez/fisy-fuzz/internal/guest"
	"github.com/0xricksanchez/fisy-fuzz/internal/image"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
	"github.com/0xricksanchez/fisy-fuzz/internal/mutate"
	"github.com/0xricksanchez/fisy-fuzz/internal/workload"
)

// State names one stage of the per-iteration state machine.
type State int

const (
	StateIdle State = iota
	StateGenerate
	StateMutate
	StateTransfer
	StateMount
	StateExercise
	StateCrashHandle
)

func (s State) String() string {
	return [...]string{"IDLE", "GENERATE", "MUTATE", "TRANSFER", "MOUNT", "EXERCISE", "CRASH-HANDLE"}[s]
}

// Params are the image-generator parameters the controller currently uses;
// dynamic scaling (see ScaleParams) mutates a copy of these over time.
type Params struct {
	Kind          layout.Kind
	SizeMB        int
	FileCount     int
	MaxFileSizeKB int
}

// Stats accumulates the bookkeeping spec.md §4.5 calls for: iteration count,
// wall time, crash/unique counters, mount success rate, and the
// commands-executed ratio.
type Stats struct {
	Iteration        int
	TotalWallTime    time.Duration
	LastCrashIter    int
	LastUniqueIter   int
	TotalCrashes     int
	UniqueCrashes    int
	MountAttempts    int
	MountSuccesses   int
	CommandsIssued   int
	CommandsExecuted int
}

// Config bundles the fixed, non-scaling configuration a Controller needs.
type Config struct {
	FuzzerName         string
	VMName             string
	GeneratorBin       string
	GeneratorOutputDir string
	MountAt            string
	WorkloadFamily     string // "freebsd" or "" (linux default)
	MutationEngine     mutate.Kind
	MutationN          int
	RadamsaOptions     mutate.RadamsaOptions
	ResetEveryIter     int // 150 per spec.md §4.5
	ResetGuardIters    int // 50 per spec.md §4.5
	DynamicScaling     bool
}

// Controller runs the per-iteration state machine against one guest.
type Controller struct {
	cfg       Config
	transport guest.Transport
	adapter   guest.Adapter
	store     *crashstore.Store

	Params Params
	Stats  Stats
}

// New builds a Controller bound to one guest's transport/adapter pair and
// crash registry, starting from the given generator parameters.
func New(cfg Config, transport guest.Transport, adapter guest.Adapter, store *crashstore.Store, params Params) *Controller {
	return &Controller{cfg: cfg, transport: transport, adapter: adapter, store: store, Params: params}
}

// iterationResult carries through the state machine so CRASH-HANDLE has
// everything it needs without re-deriving it.
type iterationResult struct {
	seedImagePath    string
	mutatedImagePath string
	rawLayoutLog     []byte
	mutationSeed     *big.Int
	syscallLog       []string // "[+] cmd" / "[!] cmd" / "[!] mount" / "[!] transfer" lines
}

// RunIteration executes exactly one pass of the state machine in
// spec.md §4.5, returning the terminal state reached (StateIdle on a clean
// pass, StateCrashHandle if a crash was recorded).
func (c *Controller) RunIteration(ctx context.Context) (State, error) {
	start := time.Now()
	defer func() {
		c.Stats.Iteration++
		c.Stats.TotalWallTime += time.Since(start)
		c.maybeReset(ctx)
	}()

	res := iterationResult{}

	// GENERATE. The original fuzzer restores its separate fs-generator VM
	// from snapshot and retries the same generation once on failure; this
	// build's generator is a local subprocess with no VM to restore, so the
	// retry is a bare re-invocation. A second failure is fatal to the run.
	genReq := generator.Request{
		Kind: c.Params.Kind, SizeMB: c.Params.SizeMB, FileCount: c.Params.FileCount,
		MaxFileSizeK: c.Params.MaxFileSizeKB, Name: fmt.Sprintf("fuzz%d", c.Stats.Iteration),
		OutputDir: c.cfg.GeneratorOutputDir,
	}
	genRes, err := generator.Generate(ctx, c.cfg.GeneratorBin, genReq)
	if err != nil {
		genRes, err = generator.Generate(ctx, c.cfg.GeneratorBin, genReq)
		if err != nil {
			return StateIdle, fmt.Errorf("controller: generate: %w: %v", ferrors.ErrGeneratorFailed, err)
		}
	}
	res.seedImagePath = genRes.ImagePath
	res.rawLayoutLog = genRes.RawLayoutLog

	// MUTATE
	img, err := image.Open(res.seedImagePath)
	if err != nil {
		return StateIdle, fmt.Errorf("controller: opening seed image: %w", err)
	}
	mutated, ok, err := c.mutate(img)
	if err != nil {
		return StateIdle, fmt.Errorf("controller: mutate: %w", err)
	}
	if !ok {
		return StateIdle, nil // no output from the engine — skip to IDLE
	}
	res.mutatedImagePath = mutated.Path
	res.mutationSeed = mutated.Seed

	// TRANSFER
	mutatedDir := filepath.Dir(res.mutatedImagePath)
	mutatedName := filepath.Base(res.mutatedImagePath)
	if err := c.transport.CopyToGuest(ctx, mutatedDir, []string{mutatedName}, "/tmp"); err != nil {
		res.syscallLog = []string{"[!] transfer"}
		return c.crashHandle(ctx, res)
	}

	// MOUNT
	mountRes, err := c.adapter.MountFileSystem(ctx, "/tmp/"+mutatedName, c.cfg.MountAt)
	if err != nil {
		return StateIdle, fmt.Errorf("controller: mount: %w", err)
	}
	c.Stats.MountAttempts++

	switch mountRes {
	case guest.MountSuccess:
		c.Stats.MountSuccesses++
	case guest.MountCrashed:
		res.syscallLog = []string{"[!] mount"}
		return c.crashHandle(ctx, res)
	default: // MountCleanFail, guest still alive
		return StateIdle, nil
	}

	// EXERCISE
	crashed, err := c.exercise(ctx, &res)
	if err != nil {
		return StateIdle, fmt.Errorf("controller: exercise: %w", err)
	}
	if crashed {
		return c.crashHandle(ctx, res)
	}

	if _, err := c.adapter.UnmountFileSystem(ctx, c.cfg.MountAt); err != nil {
		return StateIdle, fmt.Errorf("controller: unmount: %w", err)
	}
	return StateIdle, nil
}

func (c *Controller) mutate(img *image.Image) (mutate.Result, bool, error) {
	switch c.cfg.MutationEngine {
	case mutate.ByteFlipSeqKind:
		r, err := mutate.ByteFlipSeq(img, c.cfg.MutationN)
		return r, err == nil, err
	case mutate.ByteFlipRndKind:
		r, err := mutate.ByteFlipRnd(img, c.cfg.MutationN)
		return r, err == nil, err
	case mutate.MetadataKind:
		r, err := mutate.Metadata(img, c.Params.Kind, c.cfg.MutationN)
		return r, err == nil, err
	case mutate.RadamsaKind:
		r, err := mutate.Radamsa(img, c.Params.Kind, c.cfg.RadamsaOptions)
		return r, err == nil, err
	default:
		return mutate.Result{}, false, fmt.Errorf("controller: unknown mutation engine %v", c.cfg.MutationEngine)
	}
}

// exercise issues every template command for the current workload family,
// substituting holes against a fresh guest directory listing, and reports
// whether the guest crashed.
func (c *Controller) exercise(ctx context.Context, res *iterationResult) (bool, error) {
	listing, err := c.listMount(ctx)
	if err != nil {
		if !c.transport.Liveness(ctx) {
			return true, nil // guest died before any workload command ran
		}
		return false, err
	}

	for _, cmd := range workload.Templates(c.cfg.WorkloadFamily) {
		rendered, err := workload.Render(cmd, listing)
		if err != nil {
			continue // hole resolution gave up — skip this command, not a crash
		}

		c.Stats.CommandsIssued++
		out, outcome, err := c.transport.Exec(ctx, rendered, 30*time.Second)
		if err != nil {
			return false, err
		}

		crashed := outcome == guest.ExecTransportError
		classified := workload.Classify(cmd, out, crashed)

		if classified == workload.OutcomeCrash {
			res.syscallLog = append(res.syscallLog, "[!] "+rendered)
			return true, nil
		}
		res.syscallLog = append(res.syscallLog, "[+] "+rendered)
		c.Stats.CommandsExecuted++
	}
	return false, nil
}

// listMount asks the guest for the current file/directory listing under the
// mount point, used to resolve workload.FileHole/DirHole placeholders.
func (c *Controller) listMount(ctx context.Context) (workload.Listing, error) {
	// %y emits the find(1) type letter (d for directory, f for file, ...) so
	// we can tell files and directories apart without a second pass.
	out, outcome, err := c.transport.Exec(ctx, fmt.Sprintf(`find %s -mindepth 1 -printf '%%y %%p\n'`, c.cfg.MountAt), 10*time.Second)
	if err != nil || outcome != guest.ExecOK {
		return workload.Listing{}, fmt.Errorf("controller: listing mount: transport error")
	}

	var listing workload.Listing
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		kind, path, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		if kind == "d" {
			listing.Dirs = append(listing.Dirs, path)
		} else {
			listing.Files = append(listing.Files, path)
		}
	}
	return listing, nil
}

// crashHandle implements spec.md §4.5's CRASH-HANDLE branch: reset the VM,
// fetch the core, fingerprint it, and record a new entry if the hash is
// unseen.
func (c *Controller) crashHandle(ctx context.Context, res iterationResult) (State, error) {
	c.Stats.TotalCrashes++
	c.Stats.LastCrashIter = c.Stats.Iteration

	if err := c.transport.Reset(ctx); err != nil {
		if rerr := c.transport.RestoreSnapshot(ctx, c.transport.CurrentSnapshot()); rerr != nil {
			return StateCrashHandle, fmt.Errorf("controller: crash-handle: reset and restore both failed: %w", rerr)
		}
	}

	// A second consecutive transport failure inside CRASH-HANDLE forces an
	// unconditional snapshot restore rather than a further bare retry.
	if err := c.transport.CopyToHost(ctx, "/var/crash", []string{"core.txt", "vmcore"}, c.cfg.GeneratorOutputDir); err != nil {
		if rerr := c.transport.RestoreSnapshot(ctx, c.transport.CurrentSnapshot()); rerr != nil {
			return StateCrashHandle, fmt.Errorf("controller: crash-handle: fetching core failed and restore failed: %w", rerr)
		}
		if err := c.transport.CopyToHost(ctx, "/var/crash", []string{"core.txt", "vmcore"}, c.cfg.GeneratorOutputDir); err != nil {
			return StateCrashHandle, fmt.Errorf("controller: fetching core: %w", err)
		}
	}

	coreTextPath := filepath.Join(c.cfg.GeneratorOutputDir, "core.txt")
	core, err := readCoreText(coreTextPath)
	if err != nil {
		return StateCrashHandle, err
	}
	fp, ok := fingerprint.Extract(core)
	if !ok {
		return StateCrashHandle, fmt.Errorf("controller: crash-handle: could not extract fingerprint")
	}

	dir, err := c.buildCrashDir(res, coreTextPath, fp)
	if err != nil {
		return StateCrashHandle, err
	}

	added, err := c.store.AppendIfNew(crashstore.Entry{
		FuzzerName: c.cfg.FuzzerName,
		VMName:     c.cfg.VMName,
		FSKind:     c.Params.Kind.String(),
		FSSizeMB:   fmt.Sprint(c.Params.SizeMB),
		Engine:     c.cfg.MutationEngine.String(),
		PanicLabel: fp.PanicLabel,
		StackHash:  fp.StackHash,
		CrashDir:   dir,
		Runtime:    c.Stats.TotalWallTime.String(),
		Iteration:  fmt.Sprint(c.Stats.Iteration),
	})
	if err != nil {
		return StateCrashHandle, err
	}
	if added {
		c.Stats.UniqueCrashes++
		c.Stats.LastUniqueIter = c.Stats.Iteration
	}

	return StateCrashHandle, nil
}

// buildCrashDir assembles the on-disk crash_dumps/<timestamp>_<panic_label>/
// bundle: core.txt (already fetched), shasum256.txt, sample.zip (seed +
// mutated image + syscall log), fs.json, and the compressed vmcore.
func (c *Controller) buildCrashDir(res iterationResult, coreTextPath string, fp fingerprint.Fingerprint) (string, error) {
	raw := filepath.Join(c.cfg.GeneratorOutputDir, "crash_dumps", time.Now().UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(raw, 0o755); err != nil {
		return "", fmt.Errorf("controller: crash-handle: creating crash dir: %w", err)
	}
	if err := os.Rename(coreTextPath, filepath.Join(raw, "core.txt")); err != nil {
		return "", fmt.Errorf("controller: crash-handle: moving core.txt: %w", err)
	}

	dir, err := crashstore.RenameWithLabel(raw, fp.PanicLabel)
	if err != nil {
		return "", fmt.Errorf("controller: crash-handle: %w", err)
	}

	if err := crashstore.WriteShasum256(dir, fp.StackHash); err != nil {
		return "", fmt.Errorf("controller: crash-handle: %w", err)
	}

	syscallLogPath := filepath.Join(dir, "syscall.log")
	if err := os.WriteFile(syscallLogPath, []byte(strings.Join(res.syscallLog, "\n")+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("controller: crash-handle: writing syscall log: %w", err)
	}

	if err := crashstore.WriteSampleZip(dir, res.seedImagePath, res.mutatedImagePath, syscallLogPath); err != nil {
		return "", fmt.Errorf("controller: crash-handle: %w", err)
	}

	seedLabel := ""
	if res.mutationSeed != nil {
		seedLabel = res.mutationSeed.String()
	}
	if err := crashstore.WriteLayoutLog(dir, res.rawLayoutLog, seedLabel, fp.PanicLabel); err != nil {
		return "", fmt.Errorf("controller: crash-handle: %w", err)
	}

	vmcorePath := filepath.Join(c.cfg.GeneratorOutputDir, "vmcore")
	if _, err := os.Stat(vmcorePath); err == nil {
		if _, err := crashstore.CompressVMCore(dir, vmcorePath); err != nil {
			return "", fmt.Errorf("controller: crash-handle: %w", err)
		}
	}

	return dir, nil
}

func readCoreText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("controller: reading core text: %w", err)
	}
	return string(data), nil
}

// maybeReset implements the 150-iteration automatic reset cadence: restore
// the current snapshot and re-invoke a fresh shell whenever iter%150==0 and
// more than 50 iterations have passed since the last crash.
func (c *Controller) maybeReset(ctx context.Context) {
	every := c.cfg.ResetEveryIter
	guardIters := c.cfg.ResetGuardIters
	if every <= 0 {
		every = 150
	}
	if guardIters <= 0 {
		guardIters = 50
	}
	if c.Stats.Iteration%every != 0 {
		return
	}
	if c.Stats.Iteration-c.Stats.LastCrashIter <= guardIters {
		return
	}
	snapshot := c.transport.CurrentSnapshot()
	_ = c.transport.RestoreSnapshot(ctx, snapshot)
}

// ScaleParams implements spec.md §4.5's dynamic-scaling rule, to be invoked
// by the caller's outer loop every 15,000 iterations without a new unique
// fingerprint. p is mutated in place and the guard on LastUniqueIter is
// advanced so the next recompute is due another 15,000 iterations out.
func ScaleParams(p *Params, stats *Stats, pickCoin func() bool) {
	p.SizeMB += 50
	if pickCoin() {
		budgetKB := (p.SizeMB << 10) - 3000
		if p.MaxFileSizeKB > 0 {
			p.FileCount = budgetKB / p.MaxFileSizeKB
		}
	} else {
		budgetKB := (p.SizeMB << 10) - 3000
		if p.FileCount > 0 {
			p.MaxFileSizeKB = budgetKB / p.FileCount
		}
	}
	stats.LastUniqueIter += 15000

	if p.SizeMB >= 750 {
		if p.Kind == layout.ZFS {
			p.SizeMB, p.FileCount, p.MaxFileSizeKB = 65, 20, 2048
		} else {
			p.SizeMB, p.FileCount, p.MaxFileSizeKB = 15, 10, 1024
		}
	}
}
