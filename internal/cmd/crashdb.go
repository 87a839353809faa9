package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/0xricksanchez/fisy-fuzz/internal/config"
	"github.com/0xricksanchez/fisy-fuzz/internal/crashstore"
	"github.com/0xricksanchez/fisy-fuzz/internal/output"
	"github.com/spf13/cobra"
)

var crashdbFuzzerFlag string

func addCrashDBCommand(parent *cobra.Command) {
	top := &cobra.Command{
		Use:   "crashdb",
		Short: "Inspect the recorded crash registry",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every unique crash recorded in crash.db",
		RunE:  runCrashDBList,
	}
	show := &cobra.Command{
		Use:   "show <stack-hash>",
		Short: "Show the full crash.db entry and reproduction status for a stack hash",
		Args:  cobra.ExactArgs(1),
		RunE:  runCrashDBShow,
	}

	top.PersistentFlags().StringVarP(&crashdbFuzzerFlag, "fuzzer", "f", "", "Fuzzer instance name (does not change which file is read: crash.db is always <fuzz home>/crash_dumps/crash.db)")
	top.AddCommand(list, show)
	parent.AddCommand(top)
}

func openCrashDB() (*crashstore.Store, error) {
	config.SetConfigDir(ConfigDir)
	return crashstore.Open(filepath.Join(config.FuzzHome(), "crash_dumps", "crash.db"))
}

func runCrashDBList(cmd *cobra.Command, args []string) error {
	store, err := openCrashDB()
	if err != nil {
		return err
	}
	entries, err := store.Entries()
	if err != nil {
		return err
	}

	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No crashes recorded.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s %-6s %-8s %s\n", e.StackHash[:12], e.FSKind, e.Engine, e.PanicLabel, e.CrashDir)
	}
	return nil
}

func runCrashDBShow(cmd *cobra.Command, args []string) error {
	hash := args[0]
	store, err := openCrashDB()
	if err != nil {
		return err
	}
	entries, err := store.Entries()
	if err != nil {
		return err
	}

	var match *crashstore.Entry
	for i := range entries {
		if entries[i].StackHash == hash || (len(hash) >= 8 && len(entries[i].StackHash) >= len(hash) && entries[i].StackHash[:len(hash)] == hash) {
			match = &entries[i]
			break
		}
	}
	if match == nil {
		if output.IsJSON() {
			return output.PrintError(cmd.ErrOrStderr(), "not_found", fmt.Sprintf("no crash.db entry matching %q", hash))
		}
		return fmt.Errorf("no crash.db entry matching %q", hash)
	}

	verdict := "unverified"
	for code, label := range map[int]string{0: "no-repro", 1: "reproduced", 2: "inconclusive"} {
		if _, err := os.Stat(filepath.Join(match.CrashDir, fmt.Sprintf("reprod.%d", code))); err == nil {
			verdict = label
			break
		}
	}

	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"entry":   match,
			"verdict": verdict,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "fuzzer:       %s\n", match.FuzzerName)
	fmt.Fprintf(cmd.OutOrStdout(), "vm:           %s\n", match.VMName)
	fmt.Fprintf(cmd.OutOrStdout(), "fs:           %s (%s MB)\n", match.FSKind, match.FSSizeMB)
	fmt.Fprintf(cmd.OutOrStdout(), "engine:       %s\n", match.Engine)
	fmt.Fprintf(cmd.OutOrStdout(), "panic:        %s\n", match.PanicLabel)
	fmt.Fprintf(cmd.OutOrStdout(), "stack_hash:   %s\n", match.StackHash)
	fmt.Fprintf(cmd.OutOrStdout(), "crash_dir:    %s\n", match.CrashDir)
	fmt.Fprintf(cmd.OutOrStdout(), "runtime:      %s\n", match.Runtime)
	fmt.Fprintf(cmd.OutOrStdout(), "iteration:    %s\n", match.Iteration)
	fmt.Fprintf(cmd.OutOrStdout(), "verdict:      %s\n", verdict)
	return nil
}
