package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nilgrove/advisord/pkg/core"
)

func TestComposeNeverExceedsMinAxis(t *testing.T) {
	score := Compose(1.0, 1.0, 0.0, nil)
	assert.LessOrEqual(t, score.Overall, 0.0+1e-9)
	assert.Equal(t, 0.0, score.Overall)
}

func TestComposeAllHighAxes(t *testing.T) {
	score := Compose(0.95, 0.9, 1.0, nil)
	assert.LessOrEqual(t, score.Overall, 0.9)
	assert.InDelta(t, 0.9, score.Overall, 1e-9)
}

func TestComposeAppliesDeductions(t *testing.T) {
	score := Compose(0.9, 0.9, 0.9, []Deduction{
		NewDeduction(DeductionHallucinatedProbe, "hallucinated probe %q", "cpu.microcode_temperature"),
	})
	assert.InDelta(t, 0.9-0.20, score.Overall, 1e-9)
	assert.Len(t, score.Deductions, 1)
}

func TestComposeClampsAtZero(t *testing.T) {
	score := Compose(0.1, 0.1, 0.1, []Deduction{
		NewDeduction(DeductionHallucinatedProbe, "x"),
		NewDeduction(DeductionRequiredRewrite, "y"),
		NewDeduction(DeductionDirectAnswerNoProbes, "z"),
	})
	assert.Equal(t, 0.0, score.Overall)
}

func TestComposeClampsInputsOutOfRange(t *testing.T) {
	score := Compose(1.5, -0.5, 0.5, nil)
	assert.LessOrEqual(t, score.Evidence, 1.0)
	assert.GreaterOrEqual(t, score.Reasoning, 0.0)
}

func categoryOf(id core.ProbeId) string {
	switch id {
	case "cpu.info", "mem.info":
		return "hardware"
	case "disk.lsblk":
		return "storage"
	default:
		return "unknown"
	}
}

func TestEvidenceAxisMeansSuccessfulOnly(t *testing.T) {
	results := map[core.ProbeId]core.ProbeResult{
		"cpu.info":   {ProbeId: "cpu.info", ExitStatus: core.ExitOK},
		"disk.lsblk": {ProbeId: "disk.lsblk", ExitStatus: core.ExitTimeout},
	}
	axis := EvidenceAxis(results, categoryOf)
	assert.InDelta(t, intrinsicReliability["hardware"], axis, 1e-9)
}

func TestEvidenceAxisEmptyIsZero(t *testing.T) {
	axis := EvidenceAxis(nil, categoryOf)
	assert.Equal(t, 0.0, axis)
}

func TestCoverageAxis(t *testing.T) {
	results := map[core.ProbeId]core.ProbeResult{
		"cpu.info":   {ExitStatus: core.ExitOK},
		"disk.lsblk": {ExitStatus: core.ExitTimeout},
	}
	axis := CoverageAxis(2, results)
	assert.InDelta(t, 0.5, axis, 1e-9)
}

func TestCoverageAxisZeroRequested(t *testing.T) {
	assert.Equal(t, 0.0, CoverageAxis(0, nil))
}
