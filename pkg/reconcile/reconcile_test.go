package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilgrove/advisord/pkg/core"
	"github.com/nilgrove/advisord/pkg/debug"
	"github.com/nilgrove/advisord/pkg/generative"
)

type stubAsker struct {
	episodes []*core.Episode
	calls    int
}

func (s *stubAsker) Ask(ctx context.Context, question string, emitter debug.Emitter) (*core.Episode, error) {
	ep := s.episodes[s.calls]
	s.calls++
	return ep, nil
}

func episodeWith(resp *core.Response) *core.Episode {
	ep := core.NewEpisode("e1", core.Intent{Question: "q"}, time.Now())
	ep.Freeze(resp)
	return ep
}

func TestJaccardAtThresholdAppliesMatchBonus(t *testing.T) {
	asker := &stubAsker{episodes: []*core.Episode{
		episodeWith(&core.Response{AnswerText: "you have 16 cores", Reliability: 0.8, Citations: []core.Citation{{ProbeId: "cpu.info"}}}),
		episodeWith(&core.Response{AnswerText: "you have 16 cores total", Reliability: 0.8, Citations: []core.Citation{{ProbeId: "cpu.info"}}}),
	}}
	r := New(asker, nil, Limits{JaccardThreshold: 0.8, BonusMatch: 0.10, BonusReconciled: 0.05})

	resp, err := r.Answer(context.Background(), "how many cores", debug.NoopEmitter{})
	require.NoError(t, err)
	assert.Equal(t, 2, asker.calls)
	assert.InDelta(t, 0.90, resp.Reliability, 1e-9)
	assert.Empty(t, resp.Warning)
}

func TestRefusalFirstRunShortCircuits(t *testing.T) {
	asker := &stubAsker{episodes: []*core.Episode{
		episodeWith(&core.Response{Refused: true, Warning: "no probes"}),
	}}
	r := New(asker, nil, Limits{JaccardThreshold: 0.8, BonusMatch: 0.10, BonusReconciled: 0.05})

	resp, err := r.Answer(context.Background(), "q", debug.NoopEmitter{})
	require.NoError(t, err)
	assert.Equal(t, 1, asker.calls)
	assert.True(t, resp.Refused)
}

func newTestLLM(t *testing.T, reply string) *generative.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"content": reply}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return generative.New(generative.Config{BaseURL: srv.URL, JuniorModel: "j", SeniorModel: "s", TimeoutSeconds: 5})
}

func TestDivergentAnswersReconciledBySenior(t *testing.T) {
	asker := &stubAsker{episodes: []*core.Episode{
		episodeWith(&core.Response{AnswerText: "you have 16 cores", Reliability: 0.85, Citations: []core.Citation{{ProbeId: "cpu.info"}}}),
		episodeWith(&core.Response{AnswerText: "there are eight physical processors installed", Reliability: 0.80}),
	}}
	llm := newTestLLM(t, `{"answer":{"text":"you have cores","citations":[{"probe_id":"cpu.info"}]}}`)
	r := New(asker, llm, Limits{JaccardThreshold: 0.8, BonusMatch: 0.10, BonusReconciled: 0.05})

	resp, err := r.Answer(context.Background(), "how many cores", debug.NoopEmitter{})
	require.NoError(t, err)
	assert.Equal(t, 2, asker.calls)
	assert.Equal(t, "you have cores", resp.AnswerText)
	assert.InDelta(t, 0.85, resp.Reliability, 1e-9, "min of the two runs plus the reconciled bonus")
	assert.Contains(t, resp.Warning, "reconciliation used")
}

func TestMalformedReconcileReplyFallsBackToConservativeRun(t *testing.T) {
	asker := &stubAsker{episodes: []*core.Episode{
		episodeWith(&core.Response{AnswerText: "you have 16 cores", Reliability: 0.85}),
		episodeWith(&core.Response{AnswerText: "there are eight physical processors installed", Reliability: 0.60}),
	}}
	llm := newTestLLM(t, "not json in any recoverable way")
	r := New(asker, llm, Limits{JaccardThreshold: 0.8, BonusMatch: 0.10, BonusReconciled: 0.05})

	resp, err := r.Answer(context.Background(), "how many cores", debug.NoopEmitter{})
	require.NoError(t, err)
	assert.Equal(t, "there are eight physical processors installed", resp.AnswerText)
	assert.InDelta(t, 0.60, resp.Reliability, 1e-9, "no bonus when reconciliation itself failed")
	assert.Contains(t, resp.Warning, "reconciliation used")
}

type recordingRecorder struct {
	appended []*core.Episode
}

func (r *recordingRecorder) Append(ep *core.Episode) error {
	r.appended = append(r.appended, ep)
	return nil
}

func TestRecorderReceivesBothEpisodes(t *testing.T) {
	asker := &stubAsker{episodes: []*core.Episode{
		episodeWith(&core.Response{AnswerText: "you have 16 cores", Reliability: 0.8}),
		episodeWith(&core.Response{AnswerText: "you have 16 cores", Reliability: 0.8}),
	}}
	rec := &recordingRecorder{}
	r := New(asker, nil, Limits{JaccardThreshold: 0.8, BonusMatch: 0.10, BonusReconciled: 0.05}).WithRecorder(rec)

	_, err := r.Answer(context.Background(), "how many cores", debug.NoopEmitter{})
	require.NoError(t, err)
	assert.Len(t, rec.appended, 2)
}
