package workload

import "strings"

// Outcome is the result of classifying one executed workload command.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeCrash
)

var readOnlySentinels = []string{"stat() failed", "No such", "Error"}

// Classify interprets a command's captured output per the contract in
// §4.5: read-only probes succeed unless their output contains one of the
// sentinel substrings; mutating commands succeed on empty output.
// crashed must be true when the guest's liveness probe already failed —
// it takes precedence over any output-based classification.
func Classify(cmd Command, output string, crashed bool) Outcome {
	if crashed {
		return OutcomeCrash
	}
	if cmd.ReadOnly {
		for _, s := range readOnlySentinels {
			if strings.Contains(output, s) {
				return OutcomeFailure
			}
		}
		return OutcomeSuccess
	}
	if strings.TrimSpace(output) == "" {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
