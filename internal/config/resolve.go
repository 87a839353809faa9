package config

import (
	"fmt"
	"os"
)

// ResolveFuzzerName determines which fuzzer instance to run.
// Precedence:
//  1. flagName (from --fuzzer flag)
//  2. envName (from FISYFUZZ_FUZZER env var)
//  3. .fisyfuzzrc walk-up from cwd
//  4. the sole entry, if fuzzer.toml defines exactly one
func ResolveFuzzerName(flagName, envName string) (string, error) {
	if flagName != "" {
		return flagName, nil
	}
	if envName != "" {
		return envName, nil
	}

	cwd, err := os.Getwd()
	if err == nil {
		if rcPath, err := FindRC(cwd); err == nil && rcPath != "" {
			if name, err := ReadRC(rcPath); err == nil {
				return name, nil
			}
		}
	}

	cfg, err := Load()
	if err == nil && len(cfg.Fuzzer) == 1 {
		return cfg.Fuzzer[0].Name, nil
	}

	return "", fmt.Errorf("no fuzzer instance configured; use --fuzzer, set FISYFUZZ_FUZZER, create .fisyfuzzrc, or define exactly one [[fuzzer]] in fuzzer.toml")
}
