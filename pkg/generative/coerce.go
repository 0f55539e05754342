package generative

import (
	"encoding/json"
	"strings"

	"github.com/nilgrove/advisord/pkg/core"
)

// Parsed is the union of every field either role's JSON reply might
// carry. Only the fields relevant to the calling stage are populated;
// callers read the ones they expect and ignore the rest.
type Parsed struct {
	// Planner (junior) fields.
	ProbeRequests []core.ProbeRequest
	Answer        *core.DraftAnswer
	Done          bool

	// Auditor (senior) fields.
	Verdict        core.AuditVerdict
	CorrectedText  string
	Reasoning      string
	RequestedMore  []core.ProbeRequest
	Evidence       float64
	ReasoningScore float64
	Coverage       float64

	// Malformed is set when neither the strict nor the tolerant parse
	// produced usable JSON; callers must treat the reply as empty and
	// fall back to a refusal.
	Malformed bool
}

const defaultScore = 0.75

// Parse applies the tolerant-parsing contract: a strict json.Unmarshal
// first; on failure, the outermost brace-delimited slice of the text
// is located and re-parsed; the resulting tree is then coerced field by
// field with permissive defaults. Nulls are treated as absent rather
// than as errors. If both attempts fail, Parse returns a Parsed with
// only Malformed set; nothing is coerced or defaulted.
func Parse(raw string) Parsed {
	tree, ok := strictParse(raw)
	if !ok {
		tree, ok = braceSliceParse(raw)
	}
	if !ok {
		return Parsed{Malformed: true}
	}
	return coerce(tree)
}

func strictParse(raw string) (map[string]any, bool) {
	var tree map[string]any
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, false
	}
	return tree, true
}

// braceSliceParse finds the outermost matched {...} region by tracking
// brace depth (ignoring braces inside quoted strings) and re-parses
// just that slice. Models wrapped in JSON mode occasionally prepend or
// append prose despite the format constraint; this recovers the
// payload without discarding the call.
func braceSliceParse(raw string) (map[string]any, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	end := -1
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return nil, false
	}
	return strictParse(raw[start : end+1])
}

func coerce(tree map[string]any) Parsed {
	p := Parsed{}

	if v, ok := tree["done"].(bool); ok {
		p.Done = v
	}

	if rawReqs, ok := tree["probe_requests"].([]any); ok {
		p.ProbeRequests = coerceProbeRequests(rawReqs)
	}
	if rawReqs, ok := tree["requested_probes"].([]any); ok {
		p.RequestedMore = coerceProbeRequests(rawReqs)
	}

	if rawAnswer, ok := tree["answer"].(map[string]any); ok {
		p.Answer = coerceAnswer(rawAnswer)
	}

	if v, ok := tree["verdict"].(string); ok {
		p.Verdict = coerceVerdict(v)
	} else if _, present := tree["verdict"]; present {
		p.Verdict = core.VerdictRefuse
	}

	if v, ok := tree["corrected_text"].(string); ok {
		p.CorrectedText = v
	}
	if v, ok := tree["reasoning"].(string); ok {
		p.Reasoning = v
	}

	p.Evidence, p.ReasoningScore, p.Coverage = coerceScores(tree)

	return p
}

func coerceVerdict(raw string) core.AuditVerdict {
	switch core.AuditVerdict(strings.ToLower(strings.TrimSpace(raw))) {
	case core.VerdictApprove:
		return core.VerdictApprove
	case core.VerdictFixAndAccept:
		return core.VerdictFixAndAccept
	case core.VerdictNeedsMoreProbes:
		return core.VerdictNeedsMoreProbes
	case core.VerdictRefuse:
		return core.VerdictRefuse
	default:
		return core.VerdictRefuse
	}
}

func coerceProbeRequests(raw []any) []core.ProbeRequest {
	out := make([]core.ProbeRequest, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := obj["probe_id"].(string)
		if id == "" {
			continue
		}
		reason, _ := obj["reason"].(string)
		args, _ := obj["args"].(map[string]any)
		out = append(out, core.ProbeRequest{
			ProbeId: core.ProbeId(id),
			Reason:  reason,
			Args:    args,
		})
	}
	return out
}

func coerceAnswer(raw map[string]any) *core.DraftAnswer {
	text, _ := raw["text"].(string)
	ans := &core.DraftAnswer{Text: text}
	if rawCites, ok := raw["citations"].([]any); ok {
		for _, item := range rawCites {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			probeID, _ := obj["probe_id"].(string)
			path, _ := obj["path"].(string)
			if probeID == "" {
				continue
			}
			ans.Citations = append(ans.Citations, core.Citation{
				ProbeId: core.ProbeId(probeID),
				Path:    path,
			})
		}
	}
	return ans
}

// coerceScores reads a "scores" sub-object if present, otherwise falls
// back to top-level evidence/reasoning/coverage keys, and defaults any
// field still missing to defaultScore.
func coerceScores(tree map[string]any) (evidence, reasoning, coverage float64) {
	scores, hasNested := tree["scores"].(map[string]any)
	get := func(key string) (float64, bool) {
		if hasNested {
			if v, ok := numberOf(scores[key]); ok {
				return v, true
			}
		}
		return numberOf(tree[key])
	}
	var ok bool
	if evidence, ok = get("evidence"); !ok {
		evidence = defaultScore
	}
	if reasoning, ok = get("reasoning"); !ok {
		reasoning = defaultScore
	}
	if coverage, ok = get("coverage"); !ok {
		coverage = defaultScore
	}
	return
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
