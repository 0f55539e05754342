package evidence

import "github.com/nilgrove/advisord/pkg/core"

// intrinsicReliability is the per-probe-kind trust weight: a /proc
// reader is high, a parsed CLI output is medium.
// Keyed by category since the orchestrator only has ProbeResults (not
// ProbeSpecs) in hand when scoring; categories are stable across the
// catalog's closed set.
var intrinsicReliability = map[string]float64{
	"hardware": 0.97,
	"network":  0.95,
	"storage":  0.85,
	"process":  0.80,
	"packages": 0.75,
	"logs":     0.70,
	"internal": 1.0,
}

const defaultIntrinsicReliability = 0.75

// EvidenceAxis computes the "evidence" axis as the mean intrinsic
// reliability of every successfully retrieved probe result, keyed by
// the category the caller supplies for each. Probes that did not
// return ExitOK are left out of the mean entirely (numerator and
// denominator); CoverageAxis is where they count against the score.
func EvidenceAxis(results map[core.ProbeId]core.ProbeResult, categoryOf func(core.ProbeId) string) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	var n int
	for id, res := range results {
		if res.ExitStatus != core.ExitOK {
			continue
		}
		weight, ok := intrinsicReliability[categoryOf(id)]
		if !ok {
			weight = defaultIntrinsicReliability
		}
		sum += weight
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// CoverageAxis is the fraction of validated probe requests that came
// back with exit_status == ok.
func CoverageAxis(requested int, results map[core.ProbeId]core.ProbeResult) float64 {
	if requested == 0 {
		return 0
	}
	ok := 0
	for _, res := range results {
		if res.ExitStatus == core.ExitOK {
			ok++
		}
	}
	return float64(ok) / float64(requested)
}
