// Package reconcile wraps the QA Orchestrator with a two-run
// stability check: run the orchestrator twice back-to-back, compare
// the answers with a token-set similarity measure, and on divergence
// ask the auditor to keep only the claims both runs agree on. This is
// the only component that calls the Orchestrator more than once for a
// single user question.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/nilgrove/advisord/pkg/core"
	"github.com/nilgrove/advisord/pkg/debug"
	"github.com/nilgrove/advisord/pkg/generative"
)

// Asker is the subset of *orchestrator.Orchestrator the Reconciler
// depends on; defined here so reconcile never imports orchestrator
// back.
type Asker interface {
	Ask(ctx context.Context, question string, emitter debug.Emitter) (*core.Episode, error)
}

// Limits carries the reconciler's own tunables, sourced from
// config.LimitsConfig so operators can retune the stability bonuses
// without a code change.
type Limits struct {
	JaccardThreshold float64
	BonusMatch       float64
	BonusReconciled  float64
}

// Recorder persists a completed Episode; satisfied by *store.Store.
// Defined locally (rather than imported) so reconcile never depends on
// store.
type Recorder interface {
	Append(ep *core.Episode) error
}

// Reconciler runs one Asker twice per question and reconciles
// divergent answers through a third, reconcile-mode call to the
// senior generative role.
type Reconciler struct {
	ask      Asker
	llm      *generative.Client
	limits   Limits
	recorder Recorder
}

func New(ask Asker, llm *generative.Client, limits Limits) *Reconciler {
	return &Reconciler{ask: ask, llm: llm, limits: limits}
}

// WithRecorder attaches an optional Episode recorder; every Episode
// this Reconciler obtains from its Asker is persisted once frozen.
// Persistence failures are not fatal to answering a question.
func (r *Reconciler) WithRecorder(rec Recorder) *Reconciler {
	r.recorder = rec
	return r
}

func (r *Reconciler) record(ep *core.Episode) {
	if r.recorder == nil || ep == nil || !ep.Frozen() {
		return
	}
	_ = r.recorder.Append(ep)
}

// Answer runs the wrapped Orchestrator twice, compares the two
// Episodes' answers, and emits either the first (with a stability
// bonus) or a reconciled answer (with a smaller bonus and a warning).
func (r *Reconciler) Answer(ctx context.Context, question string, emitter debug.Emitter) (*core.Response, error) {
	first, err := r.ask.Ask(ctx, question, emitter)
	if err != nil {
		return nil, fmt.Errorf("reconcile: first run: %w", err)
	}
	if first.Response == nil {
		return nil, fmt.Errorf("reconcile: first run produced no response")
	}
	r.record(first)
	if first.Response.Refused {
		// A refusal is not reliability noise to be smoothed over by a
		// second opinion; it already is the final word.
		return first.Response, nil
	}

	second, err := r.ask.Ask(ctx, question, emitter)
	if err != nil {
		return nil, fmt.Errorf("reconcile: second run: %w", err)
	}
	if second.Response == nil {
		return nil, fmt.Errorf("reconcile: second run produced no response")
	}
	r.record(second)
	if second.Response.Refused {
		// The second attempt found the question unanswerable; treat the
		// pair as divergent rather than silently preferring the first.
		return r.reconcileDivergent(ctx, question, first.Response, second.Response, emitter)
	}

	sim := jaccard(first.Response.AnswerText, second.Response.AnswerText)
	if sim >= r.limits.JaccardThreshold {
		resp := *first.Response
		resp.Reliability = clamp01(resp.Reliability + r.limits.BonusMatch)
		return &resp, nil
	}

	return r.reconcileDivergent(ctx, question, first.Response, second.Response, emitter)
}

// reconcileDivergent issues the third LLM-B call in reconcile mode,
// instructed to keep only claims present in both drafts, and emits the
// result with the smaller stability bonus and a warning.
func (r *Reconciler) reconcileDivergent(ctx context.Context, question string, first, second *core.Response, emitter debug.Emitter) (*core.Response, error) {
	result, err := r.llm.Call(ctx, generative.RoleSenior,
		reconcileSystemPrompt(), reconcileUserPrompt(question, first, second),
		emitter, "")
	if err != nil {
		return nil, fmt.Errorf("reconcile: reconcile call failed: %w", err)
	}
	if result.Parsed.Malformed || result.Parsed.Answer == nil {
		// The reconcile call itself is just another auditor-shaped call;
		// an unparseable or answer-less reply coerces to the more
		// conservative of the two inputs rather than inventing text.
		conservative := first
		if second.Reliability < first.Reliability {
			conservative = second
		}
		resp := *conservative
		resp.Warning = appendWarning(resp.Warning, "reconciliation used")
		return &resp, nil
	}

	reliability := minFloat(first.Reliability, second.Reliability)
	resp := &core.Response{
		AnswerText:  result.Parsed.Answer.Text,
		Reliability: clamp01(reliability + r.limits.BonusReconciled),
		Citations:   result.Parsed.Answer.Citations,
		Warning:     "reconciliation used",
	}
	return resp, nil
}

func reconcileSystemPrompt() string {
	return "You are reconciling two independently generated answers to the same question. " +
		"Keep only claims that appear, in substance, in BOTH drafts; drop anything unique to only one. " +
		"Reply as JSON only: {\"answer\":{\"text\":...,\"citations\":[{\"probe_id\":...,\"path\":...}]}}."
}

func reconcileUserPrompt(question string, first, second *core.Response) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\nDraft A: ")
	b.WriteString(first.AnswerText)
	b.WriteString("\nDraft B: ")
	b.WriteString(second.AnswerText)
	return b.String()
}

// jaccard computes whitespace-token set similarity: |A ∩ B| / |A ∪ B|
// over lowercased tokens.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	var intersection int
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

func appendWarning(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
