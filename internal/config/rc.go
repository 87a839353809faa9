package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const rcFile = ".fisyfuzzrc"

// FindRC walks up from startDir looking for a .fisyfuzzrc file, which names
// the default fuzzer instance to run from that directory tree.
func FindRC(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	for {
		candidate := filepath.Join(dir, rcFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil // reached filesystem root
		}
		dir = parent
	}
}

// ReadRC reads the fuzzer instance name from a .fisyfuzzrc file.
func ReadRC(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading .fisyfuzzrc: %w", err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", fmt.Errorf(".fisyfuzzrc is empty: %s", path)
	}
	return name, nil
}

// WriteRC writes a fuzzer instance name to a .fisyfuzzrc file in dir.
func WriteRC(dir, name string) error {
	path := filepath.Join(dir, rcFile)
	return os.WriteFile(path, []byte(name+"\n"), 0o644)
}
