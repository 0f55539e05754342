// Package debug implements the daemon's out-of-band event stream: an
// ordered sequence of pipeline events a consumer subscribes to once
// and observes all subsequent events on.
package debug

import (
	"sync"
	"time"

	"github.com/nilgrove/advisord/pkg/core"
)

// Kind is the tagged-union discriminator for Event.
type Kind string

const (
	KindProbeRequested      Kind = "probe_requested"
	KindProbeCompleted      Kind = "probe_completed"
	KindLLMPromptSent       Kind = "llm_prompt_sent"
	KindLLMResponseReceived Kind = "llm_response_received"
	KindAuditVerdict        Kind = "audit_verdict"
	KindReliabilityComputed Kind = "reliability_computed"
	KindRefusalEmitted      Kind = "refusal_emitted"
)

// Event is one entry in the debug stream. Only the fields relevant to
// Kind are populated; the rest are zero values.
type Event struct {
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
	EpisodeID string    `json:"episode_id"`

	ProbeId core.ProbeId `json:"probe_id,omitempty"`
	Reason  string       `json:"reason,omitempty"`

	Role      string `json:"role,omitempty"`
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
	User      string `json:"user,omitempty"`
	RawText   string `json:"raw_text,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`

	Verdict core.AuditVerdict `json:"verdict,omitempty"`

	Evidence  float64 `json:"evidence,omitempty"`
	Reasoning float64 `json:"reasoning,omitempty"`
	Coverage  float64 `json:"coverage,omitempty"`
	Overall   float64 `json:"overall,omitempty"`

	Message string `json:"message,omitempty"`
}

// Emitter is the capability the Orchestrator holds.
type Emitter interface {
	Emit(Event)
}

// Stream is an in-memory, fan-out Emitter: every subscriber gets its
// own buffered channel and observes every event emitted after it
// subscribes.
type Stream struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

func NewStream() *Stream {
	return &Stream{subscribers: make(map[int]chan Event)}
}

// Emit fans an event out to every current subscriber. A slow
// subscriber that would block is dropped from this send (buffered,
// non-blocking) rather than stalling the orchestrator.
func (s *Stream) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Event, buffer)
	s.subscribers[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			close(existing)
			delete(s.subscribers, id)
		}
	}
	return ch, unsubscribe
}

// NoopEmitter discards every event; used where an Emitter is required
// but the caller has no stream configured (tests, internal probes).
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
