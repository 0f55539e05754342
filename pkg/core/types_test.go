package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpisodeRecordAndFreeze(t *testing.T) {
	ep := NewEpisode("ep-1", Intent{Question: "how many cores", Kind: IntentHardware}, time.Now())

	ep.RecordRound(ProbeRound{
		Requests: []ProbeRequest{{ProbeId: "cpu.info", Reason: "answer core count"}},
		Results: []ProbeResult{
			{ProbeId: "cpu.info", ExitStatus: ExitOK, Data: map[string]any{"logical_cores": 16}},
		},
	})
	ep.RecordExchange(LLMExchange{Role: "junior", Model: "m1", RawText: "{}"})

	require.Len(t, ep.Rounds, 1)
	require.Len(t, ep.Exchanges, 1)
	assert.False(t, ep.Frozen())

	ep.Freeze(&Response{AnswerText: "16 cores", Reliability: 0.9})
	assert.True(t, ep.Frozen())
	require.NotNil(t, ep.Response)
	assert.Equal(t, "16 cores", ep.Response.AnswerText)

	// Mutations after freeze are no-ops.
	ep.RecordRound(ProbeRound{Requests: []ProbeRequest{{ProbeId: "mem.info"}}})
	ep.RecordExchange(LLMExchange{Role: "senior"})
	assert.Len(t, ep.Rounds, 1)
	assert.Len(t, ep.Exchanges, 1)
}

func TestEpisodeFreezeTwicePanics(t *testing.T) {
	ep := NewEpisode("ep-2", Intent{Question: "q"}, time.Now())
	ep.Freeze(&Response{AnswerText: "a"})

	assert.Panics(t, func() {
		ep.Freeze(&Response{AnswerText: "b"})
	})
}

func TestEpisodeDistinctProbeIds(t *testing.T) {
	ep := NewEpisode("ep-3", Intent{Question: "q"}, time.Now())
	ep.RecordRound(ProbeRound{Requests: []ProbeRequest{{ProbeId: "cpu.info"}, {ProbeId: "mem.info"}}})
	ep.RecordRound(ProbeRound{Requests: []ProbeRequest{{ProbeId: "cpu.info"}, {ProbeId: "disk.lsblk"}}})

	ids := ep.DistinctProbeIds()
	assert.ElementsMatch(t, []ProbeId{"cpu.info", "mem.info", "disk.lsblk"}, ids)
}

func TestEpisodeLatestResultsOverwrite(t *testing.T) {
	ep := NewEpisode("ep-4", Intent{Question: "q"}, time.Now())
	ep.RecordRound(ProbeRound{
		Results: []ProbeResult{{ProbeId: "cpu.info", ExitStatus: ExitTimeout}},
	})
	ep.RecordRound(ProbeRound{
		Results: []ProbeResult{{ProbeId: "cpu.info", ExitStatus: ExitOK}},
	})

	latest := ep.LatestResults()
	require.Contains(t, latest, ProbeId("cpu.info"))
	assert.Equal(t, ExitOK, latest["cpu.info"].ExitStatus)
}
