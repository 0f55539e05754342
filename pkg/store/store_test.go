package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilgrove/advisord/pkg/core"
)

func newTestStore(t *testing.T, retain int) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", Retain: retain})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func frozenEpisode(id string) *core.Episode {
	ep := core.NewEpisode(id, core.Intent{Question: "how many cores", Kind: core.IntentHardware}, time.Now())
	ep.RecordRound(core.ProbeRound{
		Requests: []core.ProbeRequest{{ProbeId: "cpu.info", Reason: "core count"}},
		Results:  []core.ProbeResult{{ProbeId: "cpu.info", ExitStatus: core.ExitOK}},
	})
	ep.Freeze(&core.Response{AnswerText: "8 cores", Reliability: 0.9, Citations: []core.Citation{{ProbeId: "cpu.info"}}})
	return ep
}

func TestAppendRejectsUnfrozenEpisode(t *testing.T) {
	s := newTestStore(t, 0)
	ep := core.NewEpisode("unfrozen", core.Intent{Question: "x"}, time.Now())
	err := s.Append(ep)
	assert.Error(t, err)
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Append(frozenEpisode("ep-1")))
	require.NoError(t, s.Append(frozenEpisode("ep-2")))

	rows, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ep-2", rows[0].ID)
	assert.InDelta(t, 0.9, rows[0].Reliability, 1e-9)
}

func TestRetentionPrunesOldestRows(t *testing.T) {
	s := newTestStore(t, 2)
	require.NoError(t, s.Append(frozenEpisode("ep-1")))
	require.NoError(t, s.Append(frozenEpisode("ep-2")))
	require.NoError(t, s.Append(frozenEpisode("ep-3")))

	rows, err := s.Recent(10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	ids := []string{rows[0].ID, rows[1].ID}
	assert.Contains(t, ids, "ep-2")
	assert.Contains(t, ids, "ep-3")
	assert.NotContains(t, ids, "ep-1")
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t, 0)
	assert.NoError(t, s.HealthCheck())
}
