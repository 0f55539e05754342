// Package generative is the sole adapter to the local generative
// backend reached over a loopback HTTP endpoint.
package generative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nilgrove/advisord/pkg/debug"
)

// ErrBusy is returned when a role's single in-flight slot stays
// occupied past the bounded wait. Callers do not retry. The
// orchestrator turns it into a refused answer whose warning carries the
// error text; it does not reach the transport as a busy (429) reply.
var ErrBusy = errors.New("generative: role busy")

// Role selects which independently configured model answers a call:
// junior for the planner stage, senior for the auditor stage.
type Role string

const (
	RoleJunior Role = "junior"
	RoleSenior Role = "senior"
)

// Config carries the per-role model names and connection settings.
type Config struct {
	BaseURL         string
	JuniorModel     string
	SeniorModel     string
	KeepAlive       string
	TimeoutSeconds  int
	BusyWaitSeconds int
}

// Client holds one HTTP connection pool and the mutex-guarded name of
// whichever model is currently resident in accelerator memory.
type Client struct {
	cfg        Config
	httpClient *http.Client
	busyWait   time.Duration

	// gates holds one single-slot semaphore per role: the backend is a
	// singleton resource with at most one in-flight request per role.
	// A second caller queues on the gate up to busyWait.
	gates map[Role]chan struct{}

	mu       sync.Mutex
	resident map[Role]string
}

func New(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	busyWait := time.Duration(cfg.BusyWaitSeconds) * time.Second
	if busyWait <= 0 {
		busyWait = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		busyWait:   busyWait,
		gates: map[Role]chan struct{}{
			RoleJunior: make(chan struct{}, 1),
			RoleSenior: make(chan struct{}, 1),
		},
		resident: make(map[Role]string),
	}
}

func (c *Client) gateFor(role Role) chan struct{} {
	if role == RoleSenior {
		return c.gates[RoleSenior]
	}
	return c.gates[RoleJunior]
}

// acquireRole claims role's in-flight slot, waiting up to the bounded
// busy window before giving up with ErrBusy.
func (c *Client) acquireRole(ctx context.Context, role Role) (func(), error) {
	gate := c.gateFor(role)
	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.busyWait):
		return nil, ErrBusy
	}
}

func (c *Client) modelFor(role Role) string {
	if role == RoleSenior {
		return c.cfg.SeniorModel
	}
	return c.cfg.JuniorModel
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	Format    string        `json:"format,omitempty"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

type chatResponseEnvelope struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Result is what Call returns: the raw text, its tolerant-parsed tree,
// and the elapsed wall-clock time.
type Result struct {
	RawText   string
	Parsed    Parsed
	ElapsedMs int64
}

// Call requests JSON mode from role's model, then tolerantly parses
// the reply. It enforces the client's wall-clock
// timeout and does not retry on failure.
func (c *Client) Call(ctx context.Context, role Role, systemPrompt, userPrompt string, emitter debug.Emitter, episodeID string) (Result, error) {
	release, err := c.acquireRole(ctx, role)
	if err != nil {
		return Result{}, fmt.Errorf("generative: acquire role %q: %w", role, err)
	}
	defer release()

	model := c.modelFor(role)
	keepAlive := c.cfg.KeepAlive
	if keepAlive == "" {
		keepAlive = "5m"
	}

	reqBody := chatRequest{
		Model:  model,
		Stream: false,
		Format: "json",
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		KeepAlive: keepAlive,
	}

	emitter.Emit(debug.Event{
		Kind:      debug.KindLLMPromptSent,
		EpisodeID: episodeID,
		Role:      string(role),
		Model:     model,
		System:    systemPrompt,
		User:      userPrompt,
	})

	start := time.Now()
	rawText, err := c.postChat(ctx, reqBody)
	elapsed := time.Since(start)

	if err != nil {
		return Result{}, fmt.Errorf("generative: call to role %q model %q failed: %w", role, model, err)
	}

	c.mu.Lock()
	c.resident[role] = model
	c.mu.Unlock()

	emitter.Emit(debug.Event{
		Kind:      debug.KindLLMResponseReceived,
		EpisodeID: episodeID,
		Role:      string(role),
		Model:     model,
		RawText:   rawText,
		ElapsedMs: elapsed.Milliseconds(),
	})

	parsed := Parse(rawText)
	return Result{RawText: rawText, Parsed: parsed, ElapsedMs: elapsed.Milliseconds()}, nil
}

func (c *Client) postChat(ctx context.Context, reqBody chatRequest) (string, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execute chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat backend returned status %d: %s", resp.StatusCode, truncate(string(body), 2048))
	}

	var envelope chatResponseEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("unmarshal chat envelope: %w", err)
	}
	return envelope.Message.Content, nil
}

// Unload evicts role's model immediately, used between orchestrator
// stages when memory pressure is configured.
func (c *Client) Unload(ctx context.Context, role Role) error {
	release, err := c.acquireRole(ctx, role)
	if err != nil {
		return fmt.Errorf("generative: acquire role %q for unload: %w", role, err)
	}
	defer release()

	model := c.modelFor(role)
	reqBody := chatRequest{
		Model:     model,
		Stream:    false,
		KeepAlive: "0",
	}
	if _, err := c.postChat(ctx, reqBody); err != nil {
		return fmt.Errorf("generative: unload role %q model %q failed: %w", role, model, err)
	}
	c.mu.Lock()
	delete(c.resident, role)
	c.mu.Unlock()
	return nil
}

// Resident reports the model name currently believed resident for
// role, or "" if none.
func (c *Client) Resident(role Role) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident[role]
}

// Ping hits the discovery endpoint for a liveness check.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build tags request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute tags request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tags endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
