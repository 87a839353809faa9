// Package config loads the fuzzer.toml file describing one or more fuzzer
// instances: which generator/mutation parameters to run, which guest VM to
// target, and the root credentials used to reach it over SSH.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// FuzzerSpec is one [[fuzzer]] entry: the generator/mutation parameters and
// guest identity for a single fuzzing instance, matching the layout a
// fuzzer.toml file carries per-instance.
type FuzzerSpec struct {
	Name              string `toml:"name"`
	FSCreatorVM       string `toml:"fs_creator_vm"`
	FuzzingVM         string `toml:"fuzzing_vm"`
	TargetOS          string `toml:"target_os"` // "freebsd", "netbsd", "openbsd", "linux" (default)
	MutationEngine    string `toml:"mutation_engine"` // "seq", "rnd", "sb_meta", "radamsa"
	MutationN         int    `toml:"mutation_n"`
	TargetFS          string `toml:"target_fs"` // "ufs1", "ufs2", "ext2", "ext3", "ext4", "zfs"
	TargetSizeMB      int    `toml:"target_size"`
	PopulateWithFiles int    `toml:"populate_with_files"`
	MaxFileSizeKB     int    `toml:"max_file_size"`
	EnableDynScaling  bool   `toml:"enable_dyn_scaling"`
}

// Credentials holds the root login used to reach every fuzzing VM; these
// are expected to be identical across all fuzzer instances in one config.
type Credentials struct {
	User     string `toml:"user"`
	Password string `toml:"pw"`
}

// Config represents the fuzzer.toml file.
type Config struct {
	Fuzzer      []FuzzerSpec `toml:"fuzzer"`
	Credentials Credentials  `toml:"credentials"`
}

// configDirOverride is set by the --config-dir flag or FISYFUZZ_HOME env var.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --config-dir / FISYFUZZ_HOME value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// FuzzHome returns the config directory path.
// Precedence: --config-dir flag / SetConfigDir > FISYFUZZ_HOME env > ~/.fisyfuzz
func FuzzHome() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("FISYFUZZ_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".fisyfuzz")
	}
	return filepath.Join(home, ".fisyfuzz")
}

// ConfigPath returns the full path to fuzzer.toml.
func ConfigPath() string {
	return filepath.Join(FuzzHome(), "fuzzer.toml")
}

// EnsureDir creates the fuzzer home directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(FuzzHome(), 0o755)
}

// Load reads fuzzer.toml and returns a Config. If the file does not exist,
// it returns a zero-value Config (no fuzzer instances configured).
func Load() (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing fuzzer.toml: %w", err)
	}
	return cfg, nil
}

// Save writes the Config struct back to fuzzer.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}

// Find looks up a fuzzer instance by name, matching `fisyfuzz run <name>`
// against the [[fuzzer]] entries loaded from fuzzer.toml.
func (c *Config) Find(name string) (FuzzerSpec, bool) {
	for _, f := range c.Fuzzer {
		if f.Name == name {
			return f, true
		}
	}
	return FuzzerSpec{}, false
}
