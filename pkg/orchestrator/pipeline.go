package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nilgrove/advisord/pkg/core"
	"github.com/nilgrove/advisord/pkg/debug"
	"github.com/nilgrove/advisord/pkg/evidence"
	"github.com/nilgrove/advisord/pkg/generative"
)

// pipelineState tracks the bounded-iteration counters one Episode is
// allowed to consume across planning and auditing: probe rounds used,
// hallucinated (or policy-blocked) probe requests, and whether any
// probe has actually run.
type pipelineState struct {
	roundsUsed   int
	hallucinated int
	anyProbeRun  bool
}

func (st *pipelineState) roundsRemaining(limits Limits) bool {
	return st.roundsUsed < limits.MaxProbeRounds
}

// runPipeline drives the general-question path: bounded PLAN /
// VALIDATE_PROBES / RUN_PROBES rounds until the planner commits to a
// draft, then AUDIT — which may itself spend remaining rounds on the
// probes the auditor asks for — then SCORE and EMIT.
func (o *Orchestrator) runPipeline(ctx context.Context, episode *core.Episode, emitter debug.Emitter) {
	st := &pipelineState{}

	draft, ok := o.plan(ctx, episode, st, emitter)
	if !ok {
		return
	}

	o.audit(ctx, episode, draft, st, emitter)
}

// plan loops the junior model until it offers a draft answer, runs out
// of probe budget, or dead-ends. ok=false means a refusal has already
// been emitted and the Episode is frozen.
func (o *Orchestrator) plan(ctx context.Context, episode *core.Episode, st *pipelineState, emitter debug.Emitter) (*core.DraftAnswer, bool) {
	for {
		result, err := o.llm.Call(ctx, generative.RoleJunior, plannerSystemPrompt(o.cat), plannerUserPrompt(episode), emitter, episode.ID)
		if err != nil {
			o.refuse(episode, emitter, fmt.Sprintf("planner call failed: %v", err))
			return nil, false
		}
		episode.RecordExchange(core.LLMExchange{
			Role: string(generative.RoleJunior), Model: "junior", RawText: result.RawText,
			ElapsedMs: result.ElapsedMs, At: time.Now(),
		})

		if result.Parsed.Malformed {
			o.refuse(episode, emitter, "planner reply could not be parsed")
			return nil, false
		}

		probeReqs, dropped := o.boundProbeRequests(episode, result.Parsed.ProbeRequests)
		st.hallucinated += dropped

		if len(probeReqs) > 0 && st.roundsRemaining(o.limits) {
			st.anyProbeRun = true
			o.runRound(ctx, episode, probeReqs, emitter)
			st.roundsUsed++
			if result.Parsed.Answer != nil && result.Parsed.Done {
				return result.Parsed.Answer, true
			}
			continue
		}

		// No runnable probes left this pass; the planner must stand on
		// the evidence it already has.
		if result.Parsed.Answer != nil {
			return result.Parsed.Answer, true
		}

		switch {
		case dropped > 0 && len(probeReqs) == 0:
			o.refuse(episode, emitter, o.refusalNamingProbes("planner requested only unknown probes and offered no answer"))
		case len(probeReqs) > 0:
			o.refuse(episode, emitter, o.refusalNamingProbes("no answer produced within the probe round budget"))
		default:
			o.refuse(episode, emitter, o.refusalNamingProbes("planner produced neither probe requests nor an answer"))
		}
		return nil, false
	}
}

// boundProbeRequests validates each requested probe against the
// catalog and the argument policy, counting hallucinated or blocked
// ids and dropping any requests once the Episode's distinct-probe cap
// is reached.
func (o *Orchestrator) boundProbeRequests(episode *core.Episode, reqs []core.ProbeRequest) ([]boundRequest, int) {
	distinct := make(map[core.ProbeId]struct{})
	for _, id := range episode.DistinctProbeIds() {
		distinct[id] = struct{}{}
	}

	var out []boundRequest
	var dropped int
	for _, req := range reqs {
		if _, already := distinct[req.ProbeId]; !already && len(distinct) >= o.limits.MaxDistinctProbes {
			continue
		}
		bound, err := o.cat.Validate(req)
		if err != nil {
			dropped++
			continue
		}
		if o.argBlocked(req.ProbeId, bound) {
			dropped++
			continue
		}
		distinct[req.ProbeId] = struct{}{}
		out = append(out, boundRequest{req: req, bound: bound})
	}
	return out, dropped
}

// argBlocked applies the policy file's blocked-argument list on top of
// the catalog's own allow lists. A blocked value is the same class of
// validation failure as a forbidden one: the request is dropped and
// the deduction recorded.
func (o *Orchestrator) argBlocked(id core.ProbeId, bound map[string]any) bool {
	if o.policy == nil {
		return false
	}
	for name, val := range bound {
		str, ok := val.(string)
		if !ok {
			continue
		}
		if o.policy.IsArgValueBlocked(id, name, str) {
			return true
		}
	}
	return false
}

type boundRequest struct {
	req   core.ProbeRequest
	bound map[string]any
}

// runRound executes one RUN_PROBES pass. Probes within a round run in
// parallel; the round is recorded only once every probe has completed
// or timed out. Results keep the request's insertion order.
func (o *Orchestrator) runRound(ctx context.Context, episode *core.Episode, reqs []boundRequest, emitter debug.Emitter) {
	deadline := time.Now().Add(30 * time.Second)
	results := make([]core.ProbeResult, len(reqs))

	var wg sync.WaitGroup
	for i, r := range reqs {
		emitter.Emit(debug.Event{Kind: debug.KindProbeRequested, EpisodeID: episode.ID, ProbeId: r.req.ProbeId, Reason: r.req.Reason})
		wg.Add(1)
		go func(i int, r boundRequest) {
			defer wg.Done()
			results[i] = o.exec.Execute(ctx, r.req, r.bound, deadline)
			emitter.Emit(debug.Event{Kind: debug.KindProbeCompleted, EpisodeID: episode.ID, ProbeId: r.req.ProbeId})
		}(i, r)
	}
	wg.Wait()

	round := core.ProbeRound{Results: results}
	for _, r := range reqs {
		round.Requests = append(round.Requests, r.req)
	}
	episode.RecordRound(round)
}

// audit runs the senior pass over the draft answer and the accumulated
// probe evidence. A needs_more_probes verdict spends remaining rounds
// on the probes the auditor names, sends the planner back over the
// fresh evidence, and re-audits the new draft; with no rounds (or no
// valid probes) left it becomes a refusal.
func (o *Orchestrator) audit(ctx context.Context, episode *core.Episode, draft *core.DraftAnswer, st *pipelineState, emitter debug.Emitter) {
	if o.limits.UnloadJuniorBeforeAudit {
		// Best-effort eviction; a failed unload just means the backend
		// swaps the models itself.
		_ = o.llm.Unload(ctx, generative.RoleJunior)
	}

	for {
		result, err := o.llm.Call(ctx, generative.RoleSenior, auditorSystemPrompt(), auditorUserPrompt(episode, draft), emitter, episode.ID)
		if err != nil {
			o.refuse(episode, emitter, fmt.Sprintf("auditor call failed: %v", err))
			return
		}
		episode.RecordExchange(core.LLMExchange{
			Role: string(generative.RoleSenior), Model: "senior", RawText: result.RawText,
			ElapsedMs: result.ElapsedMs, At: time.Now(),
		})

		parsed := result.Parsed
		if parsed.Malformed {
			o.refuse(episode, emitter, "auditor reply could not be parsed")
			return
		}

		emitter.Emit(debug.Event{Kind: debug.KindAuditVerdict, EpisodeID: episode.ID, Verdict: parsed.Verdict})

		switch parsed.Verdict {
		case core.VerdictApprove, core.VerdictFixAndAccept:
			o.score(episode, draft, parsed, st, emitter)
			return
		case core.VerdictNeedsMoreProbes:
			reqs, dropped := o.boundProbeRequests(episode, parsed.RequestedMore)
			st.hallucinated += dropped
			if len(reqs) == 0 || !st.roundsRemaining(o.limits) {
				o.refuse(episode, emitter, o.refusalNamingProbes("auditor needed more evidence than the probe budget allowed"))
				return
			}
			st.anyProbeRun = true
			o.runRound(ctx, episode, reqs, emitter)
			st.roundsUsed++

			redraft, ok := o.plan(ctx, episode, st, emitter)
			if !ok {
				return
			}
			draft = redraft
		default:
			o.refuse(episode, emitter, "auditor refused the draft answer")
			return
		}
	}
}

// score composes the reliability record and freezes the Episode with
// its final Response.
func (o *Orchestrator) score(episode *core.Episode, draft *core.DraftAnswer, parsed generative.Parsed, st *pipelineState, emitter debug.Emitter) {
	var deductions []evidence.Deduction
	for i := 0; i < st.hallucinated; i++ {
		deductions = append(deductions, evidence.NewDeduction(evidence.DeductionHallucinatedProbe, "planner requested an unknown or forbidden probe"))
	}

	final := *draft
	if parsed.Verdict == core.VerdictFixAndAccept {
		if parsed.CorrectedText != "" {
			final.Text = parsed.CorrectedText
		}
		deductions = append(deductions, evidence.NewDeduction(evidence.DeductionRequiredRewrite, "auditor rewrote the draft answer"))
	}

	if !st.anyProbeRun || len(final.Citations) == 0 {
		deductions = append(deductions, evidence.NewDeduction(evidence.DeductionDirectAnswerNoProbes, "final answer carries no probe citations"))
	}

	results := episode.LatestResults()
	evidenceAxis := evidence.EvidenceAxis(results, o.categoryOf)
	coverageAxis := evidence.CoverageAxis(len(episode.DistinctProbeIds()), results)
	score := evidence.Compose(evidenceAxis, parsed.ReasoningScore, coverageAxis, deductions)

	emitter.Emit(debug.Event{
		Kind: debug.KindReliabilityComputed, EpisodeID: episode.ID,
		Evidence: score.Evidence, Reasoning: score.Reasoning, Coverage: score.Coverage, Overall: score.Overall,
	})

	resp := &core.Response{
		AnswerText:  final.Text,
		Reliability: score.Overall,
		Citations:   final.Citations,
	}
	if score.Overall < o.limits.ReliabilityThreshold {
		resp.Refused = true
		resp.Warning = o.refusalNamingProbes("reliability below the configured threshold")
		emitter.Emit(debug.Event{Kind: debug.KindRefusalEmitted, EpisodeID: episode.ID, Message: resp.Warning})
	}
	episode.Freeze(resp)
}

func (o *Orchestrator) categoryOf(id core.ProbeId) string {
	if spec, ok := o.cat.Get(id); ok {
		return spec.Category
	}
	return ""
}

func plannerSystemPrompt(cat interface{ IDs() []core.ProbeId }) string {
	ids := cat.IDs()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return "You are a system-health planner. You may only request probes from this closed set: " +
		strings.Join(names, ", ") +
		". Reply as JSON only: {\"probe_requests\":[{\"probe_id\":...,\"reason\":...,\"args\":{...}}],\"answer\":{\"text\":...,\"citations\":[{\"probe_id\":...,\"path\":...}]},\"done\":bool}. " +
		"Set done=true only once you have enough probe evidence to answer; every claim in answer.text must cite a probe_id you actually requested."
}

func plannerUserPrompt(episode *core.Episode) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(episode.Intent.Question)
	if results := episode.LatestResults(); len(results) > 0 {
		b.WriteString("\nProbe results so far:\n")
		encoded, _ := json.Marshal(results)
		b.Write(encoded)
	}
	return b.String()
}

func auditorSystemPrompt() string {
	return "You are a skeptical auditor reviewing a draft answer against the probe evidence that backs it. " +
		"Reply as JSON only: {\"verdict\":\"approve\"|\"fix_and_accept\"|\"needs_more_probes\"|\"refuse\",\"corrected_text\":...,\"requested_probes\":[{\"probe_id\":...,\"reason\":...}],\"reasoning\":...,\"scores\":{\"evidence\":0..1,\"reasoning\":0..1,\"coverage\":0..1}}. " +
		"Refuse if the draft claims anything the probe evidence does not support."
}

func auditorUserPrompt(episode *core.Episode, draft *core.DraftAnswer) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(episode.Intent.Question)
	b.WriteString("\nDraft answer: ")
	b.WriteString(draft.Text)
	encoded, _ := json.Marshal(episode.LatestResults())
	b.WriteString("\nProbe evidence: ")
	b.Write(encoded)
	return b.String()
}
