// Package transport is the daemon's request/response boundary: a Gin
// router binding loopback-only, exposing submit/cancel/health plus the
// debug event SSE stream, and enforcing the one-in-flight-question-
// per-session rule.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nilgrove/advisord/pkg/classify"
	"github.com/nilgrove/advisord/pkg/core"
	"github.com/nilgrove/advisord/pkg/debug"
	"github.com/nilgrove/advisord/pkg/policy"
	"github.com/nilgrove/advisord/pkg/session"
)

// Answerer is the subset of *reconcile.Reconciler the transport
// needs, defined locally so handlers depend on the narrowest
// interface that serves them.
type Answerer interface {
	Answer(ctx context.Context, question string, emitter debug.Emitter) (*core.Response, error)
}

// Server wires the Gin engine, enforces session affinity, and streams
// debug events.
type Server struct {
	engine   *gin.Engine
	answerer Answerer
	sessions *session.Manager
	policy   *policy.Policy
	stream   *debug.Stream

	busyWait time.Duration

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// Config controls the listen address. Run reads only Host and Port;
// the bounded busy wait is the busyWait passed to New.
type Config struct {
	Host     string
	Port     int
	BusyWait time.Duration
}

// New builds a Server with its routes registered. answerer is usually
// a *reconcile.Reconciler, which persists Episodes itself when built
// with WithRecorder; the transport boundary only ever sees the final
// Response.
func New(answerer Answerer, sessions *session.Manager, pol *policy.Policy, stream *debug.Stream, busyWait time.Duration) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		answerer: answerer,
		sessions: sessions,
		policy:   pol,
		stream:   stream,
		busyWait: busyWait,
		cancels:  make(map[string]context.CancelFunc),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/v1/health", s.handleHealth)
	s.engine.POST("/v1/session", s.handleNewSession)
	s.engine.POST("/v1/ask", s.handleAsk)
	s.engine.POST("/v1/cancel/:token", s.handleCancel)
	s.engine.GET("/v1/events", s.handleEvents)
}

// Run starts the HTTP server bound to host:port and blocks until ctx
// is cancelled, then shuts down gracefully. It is loopback-only by
// convention.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 170 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("transport: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("transport: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// handleNewSession mints a fresh session token.
func (s *Server) handleNewSession(c *gin.Context) {
	id, err := session.NewSessionID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not mint session"})
		return
	}
	token, expiresAt, err := s.sessions.Issue(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not sign session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiresAt})
}

type askRequest struct {
	Question      string `json:"question" binding:"required"`
	ConfirmPhrase string `json:"confirm_phrase,omitempty"`
}

type askResponse struct {
	AnswerText  string          `json:"answer_text"`
	Reliability float64         `json:"reliability"`
	Citations   []core.Citation `json:"citations"`
	Warning     string          `json:"warning,omitempty"`
	Refused     bool            `json:"refused"`
	Applied     bool            `json:"applied,omitempty"`
}

// handleAsk is the synchronous submit boundary. It enforces one
// in-flight question per session with a
// bounded wait before rejecting as busy, intercepts a confirmed
// configuration mutation before the orchestrator ever sees it,
// and otherwise delegates to the Stability Reconciler.
func (s *Server) handleAsk(c *gin.Context) {
	claims, ok := s.authenticate(c)
	if !ok {
		return
	}

	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	if !s.acquireOrWait(claims.SessionID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "busy", "session_id": claims.SessionID})
		return
	}
	defer s.sessions.Release(claims.SessionID)

	if req.ConfirmPhrase != "" {
		if applied, ok := s.tryApplyConfirmedMutation(req.Question, req.ConfirmPhrase); ok {
			c.JSON(http.StatusOK, askResponse{AnswerText: applied, Applied: true, Reliability: 1.0})
			return
		}
	}

	ctx, cancel := deadlineFromRequest(c)
	defer cancel()
	s.registerCancel(claims.SessionID, cancel)
	defer s.clearCancel(claims.SessionID)

	resp, err := s.answerer.Answer(ctx, req.Question, s.stream)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, askResponse{
		AnswerText:  resp.AnswerText,
		Reliability: resp.Reliability,
		Citations:   resp.Citations,
		Warning:     resp.Warning,
		Refused:     resp.Refused,
	})
}

// tryApplyConfirmedMutation applies a pending config mutation when
// question re-states a recognizable enable/disable intent and phrase
// matches the policy's confirmation hash.
// Returns ok=false when the question is not a mutation at all, letting
// the caller fall through to the normal orchestrator path.
func (s *Server) tryApplyConfirmedMutation(question, phrase string) (string, bool) {
	intent := classify.Classify(question)
	if intent.Kind != core.IntentConfigChange {
		return "", false
	}
	if s.policy == nil || !s.policy.VerifyConfirmationPhrase(phrase) {
		return "", false
	}
	action, _ := intent.Constraints["action"].(string)
	target, _ := intent.Constraints["target"].(string)
	if action == "" || target == "" {
		return "", false
	}
	if err := s.policy.Apply(policy.Mutation{Action: action, Target: core.ProbeId(target)}); err != nil {
		return "", false
	}
	return fmt.Sprintf("Applied: %s %s.", action, target), true
}

// handleCancel aborts the session's in-flight question, if any, by
// firing its context's cancel function; the probes and LLM call under
// that context unwind and the orchestrator emits a structured refusal.
// Best-effort: cancelling an idle session is a no-op.
func (s *Server) handleCancel(c *gin.Context) {
	token := c.Param("token")
	claims, err := s.sessions.Validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	fired := s.fireCancel(claims.SessionID)
	s.sessions.Release(claims.SessionID)
	c.JSON(http.StatusOK, gin.H{"cancelled": fired})
}

func (s *Server) registerCancel(sessionID string, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancels[sessionID] = cancel
}

func (s *Server) clearCancel(sessionID string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	delete(s.cancels, sessionID)
}

func (s *Server) fireCancel(sessionID string) bool {
	s.cancelMu.Lock()
	cancel, ok := s.cancels[sessionID]
	delete(s.cancels, sessionID)
	s.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// handleEvents streams the debug event stream over SSE.
func (s *Server) handleEvents(c *gin.Context) {
	ch, unsubscribe := s.stream.Subscribe(64)
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, canFlush := c.Writer.(http.Flusher)

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := io.WriteString(c.Writer, "data: "+string(payload)+"\n\n"); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) authenticate(c *gin.Context) (*session.Claims, bool) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return nil, false
	}
	claims, err := s.sessions.Validate(header[len(prefix):])
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
		return nil, false
	}
	return claims, true
}

// acquireOrWait tries to claim the session's in-flight slot, polling
// briefly before giving up.
func (s *Server) acquireOrWait(sessionID string) bool {
	if s.sessions.TryAcquire(sessionID) {
		return true
	}
	deadline := time.Now().Add(s.busyWait)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		<-ticker.C
		if s.sessions.TryAcquire(sessionID) {
			return true
		}
	}
	return false
}

func deadlineFromRequest(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 150*time.Second)
}
