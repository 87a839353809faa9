// Package reproduce implements one pass of the reproducer: read the crash
// registry, replay each unverified crash's recorded command chain against a
// pristine VM snapshot, and return a reprod.{0,1,2} verdict per job. The
// package itself does not loop or sleep — the `fisyfuzz reproduce` command
// drives repeated passes with a time.Ticker when invoked with --watch,
// replacing the original's sleep-then-recurse worker with a flat loop whose
// call stack never grows with the number of polls.
package reproduce

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/0xricksanchez/fisy-fuzz/internal/crashstore"
	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/fingerprint"
	"github.com/0xricksanchez/fisy-fuzz/internal/guest"
)

// Verdict is the outcome written as crashstore's reprod.{0,1,2} marker.
type Verdict int

const (
	// VerdictNoRepro means no crash reproduced with the recorded chain.
	VerdictNoRepro Verdict = 0
	// VerdictMatch means the same command crashed and fingerprints match.
	VerdictMatch Verdict = 1
	// VerdictMismatch means a crash occurred at a different command or
	// with a different fingerprint — manual review is needed.
	VerdictMismatch Verdict = 2
)

// GetCommandChain parses a syscall log, returning every command line
// prefixed with "[+]" (executed successfully) or "[!]" (executed, then
// followed by a crash) — except the bare "[!] mount" and "[!] transfer"
// markers, which record a crash at mount or transfer time with no executed
// command.
func GetCommandChain(syscallLog string) ([]string, error) {
	f, err := os.Open(syscallLog)
	if err != nil {
		return nil, fmt.Errorf("reproduce: opening %s: %w: %v", syscallLog, ferrors.ErrIO, err)
	}
	defer f.Close()

	var chain []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "[!] mount" || line == "[!] transfer" {
			continue
		}
		if strings.HasPrefix(line, "[+] ") {
			chain = append(chain, strings.TrimPrefix(line, "[+] "))
		} else if strings.HasPrefix(line, "[!] ") {
			chain = append(chain, strings.TrimPrefix(line, "[!] "))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reproduce: scanning %s: %w: %v", syscallLog, ferrors.ErrIO, err)
	}
	return chain, nil
}

// Mounter is the subset of guest.Adapter the reproducer needs to bring a
// sample image onto a pristine guest.
type Mounter interface {
	MountFileSystem(ctx context.Context, imagePath, mountAt string) (guest.MountResult, error)
}

// CoreFetcher fetches the guest's latest kernel core summary after a
// suspected crash, returning its text and true if one was found.
type CoreFetcher func(ctx context.Context) (core string, found bool, err error)

// Job is one queued reproduction attempt.
type Job struct {
	CrashDir     string
	SampleImage  string
	SyscallLog   string
	MountAt      string
	OriginalHash string
}

// Run replays job's command chain (or, if empty, just the mount) against a
// freshly restored guest and returns the verdict.
func Run(ctx context.Context, transport guest.Transport, mounter Mounter, fetch CoreFetcher, snapshot string, job Job) (Verdict, error) {
	if err := transport.RestoreSnapshot(ctx, snapshot); err != nil {
		return 0, fmt.Errorf("reproduce: restoring snapshot: %w", err)
	}

	if err := transport.CopyToGuest(ctx, job.CrashDir, []string{job.SampleImage}, "/tmp"); err != nil {
		return 0, fmt.Errorf("reproduce: copying sample to guest: %w", err)
	}

	chain, err := GetCommandChain(job.SyscallLog)
	if err != nil {
		return 0, err
	}

	mountRes, err := mounter.MountFileSystem(ctx, "/tmp/"+job.SampleImage, job.MountAt)
	if err != nil {
		return 0, err
	}

	if len(chain) == 0 {
		if mountRes == guest.MountCrashed {
			return VerdictMatch, nil
		}
		return VerdictNoRepro, nil
	}

	if mountRes != guest.MountSuccess {
		return VerdictNoRepro, nil
	}

	return executeChain(ctx, transport, fetch, chain, job.OriginalHash)
}

func executeChain(ctx context.Context, transport guest.Transport, fetch CoreFetcher, chain []string, originalHash string) (Verdict, error) {
	for i, cmd := range chain {
		_, outcome, err := transport.Exec(ctx, cmd, 0)
		if err != nil {
			return 0, fmt.Errorf("reproduce: executing %q: %w", cmd, err)
		}
		last := i == len(chain)-1
		crashed := outcome == guest.ExecTransportError

		switch {
		case !crashed && !last:
			continue
		case crashed && !last:
			return VerdictMismatch, nil
		case !crashed && last:
			return VerdictNoRepro, nil
		case crashed && last:
			core, found, err := fetch(ctx)
			if err != nil || !found {
				return VerdictMismatch, nil
			}
			fp, ok := fingerprint.Extract(core)
			if !ok {
				return VerdictMismatch, nil
			}
			if fp.StackHash == originalHash {
				return VerdictMatch, nil
			}
			return VerdictMismatch, nil
		}
	}
	return VerdictNoRepro, nil
}

// Enqueue scans store for entries not yet in checked, returning the jobs
// that still need verification. jobFor builds the Job for one registry
// entry, or returns false to skip it.
func Enqueue(store *crashstore.Store, checked map[string]bool, jobFor func(crashstore.Entry) (Job, bool)) ([]Job, error) {
	entries, err := store.Entries()
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for _, e := range entries {
		if checked[e.CrashDir] {
			continue
		}
		job, ok := jobFor(e)
		if !ok {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
