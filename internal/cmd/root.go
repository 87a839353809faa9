package cmd

import (
	"fmt"
	"os"

	"github.com/0xricksanchez/fisy-fuzz/internal/config"
	"github.com/0xricksanchez/fisy-fuzz/internal/output"
	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool
	ConfigDir   string
)

func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addRunCommand(cmd)
	addReproduceCommand(cmd)
	addCrashDBCommand(cmd)
	addVMCommands(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fisyfuzz",
		Short:         "Mutation-based fuzzer for kernel file-system code",
		Long:          "fisyfuzz — generates, mutates, and mounts file-system images inside disposable guest VMs to find kernel crashes in UFS1/UFS2/ext2/3/4/ZFS.",
		Version:       fmt.Sprintf("fisyfuzz v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if jsonFlag {
				quietFlag = true
			}
			output.SetFlags(jsonFlag, quietFlag, verboseFlag)
			config.SetConfigDir(ConfigDir)
			return nil
		},
	}

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Output as JSON")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Extra detail to stderr")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	pflags.StringVar(&ConfigDir, "config-dir", "", "Override config directory (default: ~/.fisyfuzz)")

	if v := os.Getenv("FISYFUZZ_HOME"); v != "" && ConfigDir == "" {
		ConfigDir = v
	}
	if os.Getenv("FISYFUZZ_JSON") == "1" {
		jsonFlag = true
	}

	return rootCmd
}

func Execute() error {
	cmd := NewRootCmd()
	return cmd.Execute()
}
