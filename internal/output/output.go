package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitError       = 1
	ExitNetwork     = 2
	ExitTimeout     = 3
	ExitNotFound    = 4
	ExitInterrupted = 130
)

var (
	flagJSON    bool
	flagQuiet   bool
	flagVerbose bool
)

// SetFlags is called by the root command's PersistentPreRun to propagate flag values.
func SetFlags(jsonMode, quiet, verbose bool) {
	flagJSON = jsonMode
	flagQuiet = quiet
	flagVerbose = verbose
}

// IsJSON returns true when --json mode is active.
func IsJSON() bool { return flagJSON }

// IsQuiet returns true when --quiet mode is active.
func IsQuiet() bool { return flagQuiet }

// IsVerbose returns true when --verbose mode is active.
func IsVerbose() bool { return flagVerbose }

// PrintJSON marshals v as JSON and writes it to w.
func PrintJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// PrintError writes a JSON error envelope to w.
func PrintError(w io.Writer, code string, message string) error {
	return PrintJSON(w, map[string]string{
		"error":   code,
		"message": message,
	})
}

// RunStats is the subset of controller.Stats plus run identity that
// FormatRunStats renders, kept independent of the controller package so
// output stays a leaf dependency.
type RunStats struct {
	FuzzerName       string
	Target           string
	Engine           string
	Start            time.Time
	End              time.Time
	Iteration        int
	TotalWallTime    time.Duration
	TotalCrashes     int
	UniqueCrashes    int
	MountAttempts    int
	MountSuccesses   int
	CommandsIssued   int
	CommandsExecuted int
}

// FormatRunStats renders the stats/<start_ts>_<image_name>.txt contents:
// start/end timestamps, engine, runtime, fs parameters, iteration count,
// average iteration time, crash counts, mount success rate, and the
// commands-executed ratio.
func FormatRunStats(s RunStats) string {
	avgIter := time.Duration(0)
	if s.Iteration > 0 {
		avgIter = s.TotalWallTime / time.Duration(s.Iteration)
	}
	mountRate := 0.0
	if s.MountAttempts > 0 {
		mountRate = float64(s.MountSuccesses) / float64(s.MountAttempts) * 100
	}
	cmdRate := 0.0
	if s.CommandsIssued > 0 {
		cmdRate = float64(s.CommandsExecuted) / float64(s.CommandsIssued) * 100
	}

	return fmt.Sprintf(
		"fuzzer: %s\ntarget: %s\nengine: %s\nstart: %s\nend: %s\nruntime: %s\n"+
			"iterations: %d\navg_iteration: %s\ntotal_crashes: %d\nunique_crashes: %d\n"+
			"mount_success_rate: %.1f%% (%d/%d)\ncommands_executed_ratio: %.1f%% (%d/%d)\n",
		s.FuzzerName, s.Target, s.Engine,
		s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339), s.TotalWallTime,
		s.Iteration, avgIter, s.TotalCrashes, s.UniqueCrashes,
		mountRate, s.MountSuccesses, s.MountAttempts,
		cmdRate, s.CommandsExecuted, s.CommandsIssued,
	)
}
