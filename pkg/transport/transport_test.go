package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilgrove/advisord/pkg/core"
	"github.com/nilgrove/advisord/pkg/debug"
	"github.com/nilgrove/advisord/pkg/policy"
	"github.com/nilgrove/advisord/pkg/session"
)

type stubAnswerer struct {
	resp *core.Response
	err  error
}

func (s stubAnswerer) Answer(ctx context.Context, question string, emitter debug.Emitter) (*core.Response, error) {
	return s.resp, s.err
}

func newTestServer(t *testing.T, answerer Answerer) (*Server, *session.Manager) {
	t.Helper()
	mgr, err := session.NewManager("test-secret", time.Hour)
	require.NoError(t, err)
	pol, err := policy.Load("")
	require.NoError(t, err)
	stream := debug.NewStream()
	return New(answerer, mgr, pol, stream, 200*time.Millisecond), mgr
}

func issueToken(t *testing.T, mgr *session.Manager) string {
	t.Helper()
	id, err := session.NewSessionID()
	require.NoError(t, err)
	token, _, err := mgr.Issue(id)
	require.NoError(t, err)
	return token
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, stubAnswerer{})
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleAskRequiresBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, stubAnswerer{})
	req := httptest.NewRequest(http.MethodPost, "/v1/ask", bytes.NewBufferString(`{"question":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAskReturnsAnswer(t *testing.T) {
	answerer := stubAnswerer{resp: &core.Response{
		AnswerText:  "you have 16 cores",
		Reliability: 0.9,
		Citations:   []core.Citation{{ProbeId: "cpu.info"}},
	}}
	srv, mgr := newTestServer(t, answerer)
	token := issueToken(t, mgr)

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", bytes.NewBufferString(`{"question":"how many cores"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got askResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "you have 16 cores", got.AnswerText)
	assert.InDelta(t, 0.9, got.Reliability, 1e-9)
}

type blockingAnswerer struct {
	started chan struct{}
}

func (b *blockingAnswerer) Answer(ctx context.Context, question string, emitter debug.Emitter) (*core.Response, error) {
	close(b.started)
	<-ctx.Done()
	return &core.Response{Refused: true, Warning: "cancelled"}, nil
}

func TestHandleCancelAbortsInFlightQuestion(t *testing.T) {
	answerer := &blockingAnswerer{started: make(chan struct{})}
	srv, mgr := newTestServer(t, answerer)
	token := issueToken(t, mgr)

	askDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/ask", bytes.NewBufferString(`{"question":"slow question"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		srv.engine.ServeHTTP(rec, req)
		askDone <- rec
	}()

	select {
	case <-answerer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("ask never reached the answerer")
	}

	cancelReq := httptest.NewRequest(http.MethodPost, "/v1/cancel/"+token, nil)
	cancelRec := httptest.NewRecorder()
	srv.engine.ServeHTTP(cancelRec, cancelReq)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	select {
	case rec := <-askDone:
		require.Equal(t, http.StatusOK, rec.Code)
		var got askResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.True(t, got.Refused)
	case <-time.After(2 * time.Second):
		t.Fatal("ask did not unwind after cancel")
	}
}

func TestHandleCancelWithNothingInFlight(t *testing.T) {
	srv, mgr := newTestServer(t, stubAnswerer{})
	token := issueToken(t, mgr)

	req := httptest.NewRequest(http.MethodPost, "/v1/cancel/"+token, nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleAskRejectsSecondConcurrentRequestForSameSession(t *testing.T) {
	srv, mgr := newTestServer(t, stubAnswerer{})
	sessionID, err := session.NewSessionID()
	require.NoError(t, err)
	token, _, err := mgr.Issue(sessionID)
	require.NoError(t, err)

	require.True(t, mgr.TryAcquire(sessionID))
	defer mgr.Release(sessionID)

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", bytes.NewBufferString(`{"question":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleAskConfirmedMutationAppliesPolicyChange(t *testing.T) {
	hash, err := policy.HashConfirmationPhrase("yes i am sure")
	require.NoError(t, err)

	dir := t.TempDir()
	path := dir + "/policy.yaml"
	require.NoError(t, os.WriteFile(path, []byte("confirmation_phrase_hash: \""+hash+"\"\n"), 0o644))

	pol, err := policy.Load(path)
	require.NoError(t, err)

	mgr, err := session.NewManager("test-secret", time.Hour)
	require.NoError(t, err)
	srv := New(stubAnswerer{}, mgr, pol, debug.NewStream(), 200*time.Millisecond)
	token := issueToken(t, mgr)

	body := `{"question":"disable the packages probe","confirm_phrase":"yes i am sure"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/ask", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got askResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Applied)
	assert.Contains(t, pol.DisabledProbeIDs(), core.ProbeId("pkg.list"))
}

func TestHandleAskWrongConfirmationPhraseDoesNotMutate(t *testing.T) {
	hash, err := policy.HashConfirmationPhrase("yes i am sure")
	require.NoError(t, err)

	dir := t.TempDir()
	path := dir + "/policy.yaml"
	require.NoError(t, os.WriteFile(path, []byte("confirmation_phrase_hash: \""+hash+"\"\n"), 0o644))

	pol, err := policy.Load(path)
	require.NoError(t, err)

	mgr, err := session.NewManager("test-secret", time.Hour)
	require.NoError(t, err)
	answerer := stubAnswerer{resp: &core.Response{AnswerText: "proposal", Warning: "awaiting confirmation phrase"}}
	srv := New(answerer, mgr, pol, debug.NewStream(), 200*time.Millisecond)
	token := issueToken(t, mgr)

	body := `{"question":"disable the packages probe","confirm_phrase":"wrong phrase"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/ask", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got askResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Applied)
	assert.Empty(t, pol.DisabledProbeIDs())
}
