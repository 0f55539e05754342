// Package orchestrator runs the CLASSIFY -> PLAN -> VALIDATE_PROBES ->
// RUN_PROBES -> AUDIT -> SCORE -> EMIT state machine for one question.
// It owns an Episode exclusively for the lifetime of one Ask call;
// nothing outside this package ever mutates one.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nilgrove/advisord/pkg/catalog"
	"github.com/nilgrove/advisord/pkg/classify"
	"github.com/nilgrove/advisord/pkg/core"
	"github.com/nilgrove/advisord/pkg/debug"
	"github.com/nilgrove/advisord/pkg/evidence"
	"github.com/nilgrove/advisord/pkg/executor"
	"github.com/nilgrove/advisord/pkg/generative"
)

// Limits bounds the state machine's iteration.
type Limits struct {
	MaxProbeRounds       int
	MaxDistinctProbes    int
	ReliabilityThreshold float64
	// UnloadJuniorBeforeAudit evicts the planner's model before the
	// auditor's first call, for hosts whose accelerator cannot hold
	// both models at once.
	UnloadJuniorBeforeAudit bool
}

// PolicyView is the read side of the policy document the orchestrator
// consults: which argument values are blocked beyond the catalog's own
// allow lists, and which probes are currently disabled (used to render
// a config-mutation proposal as an actual before/after diff).
// Satisfied by *policy.Policy; defined locally so orchestrator never
// imports policy.
type PolicyView interface {
	IsArgValueBlocked(id core.ProbeId, argName, value string) bool
	DisabledProbeIDs() []core.ProbeId
}

// Orchestrator wires the catalog, executor and generative client
// together. It is safe for concurrent Ask calls: each call builds its
// own Episode and touches no shared mutable state besides the
// dependencies it was built with, which are themselves safe for
// concurrent use.
type Orchestrator struct {
	cat    *catalog.Catalog
	exec   *executor.Executor
	llm    *generative.Client
	limits Limits
	policy PolicyView

	mu      sync.RWMutex
	running bool

	recentMu sync.Mutex
	recent   map[string]*core.Episode
}

func New(cat *catalog.Catalog, exec *executor.Executor, llm *generative.Client, limits Limits) *Orchestrator {
	return &Orchestrator{
		cat:    cat,
		exec:   exec,
		llm:    llm,
		limits: limits,
		recent: make(map[string]*core.Episode),
	}
}

// WithPolicy attaches the optional policy document view. A nil policy
// blocks nothing beyond the catalog's own validation.
func (o *Orchestrator) WithPolicy(p PolicyView) *Orchestrator {
	o.policy = p
	return o
}

// Start marks the orchestrator ready to accept Ask calls. There is no
// background work to launch; the method exists so daemon startup reads
// the same way across every owned subsystem.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator is already running")
	}
	log.Println("🧠 Orchestrator ready")
	o.running = true
	return nil
}

// Stop marks the orchestrator as no longer accepting new Episodes. In-
// flight Ask calls are not interrupted; callers are expected to have
// cancelled their own contexts first.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	log.Println("🛑 Orchestrator stopped accepting new questions")
	o.running = false
}

func (o *Orchestrator) isRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Ask runs one question through the full state machine and returns its
// frozen Episode. The caller reads Episode.Response for the answer.
func (o *Orchestrator) Ask(ctx context.Context, question string, emitter debug.Emitter) (*core.Episode, error) {
	if !o.isRunning() {
		return nil, fmt.Errorf("orchestrator: not running")
	}
	if emitter == nil {
		emitter = debug.NoopEmitter{}
	}

	intent := classify.Classify(question)
	episode := core.NewEpisode(uuid.New().String(), intent, time.Now())
	o.remember(episode)

	if intent.Kind == core.IntentInternal {
		o.runInternal(episode, emitter)
		return episode, nil
	}
	if intent.Kind == core.IntentConfigChange {
		o.runConfigChange(episode, emitter)
		return episode, nil
	}

	o.runPipeline(ctx, episode, emitter)
	return episode, nil
}

func (o *Orchestrator) remember(ep *core.Episode) {
	o.recentMu.Lock()
	defer o.recentMu.Unlock()
	o.recent[ep.ID] = ep
	const maxRecent = 200
	if len(o.recent) > maxRecent {
		for id, old := range o.recent {
			if id != ep.ID && old.Frozen() {
				delete(o.recent, id)
				break
			}
		}
	}
}

// Episode returns a previously recorded Episode by id, for the debug
// surface and for cancellation lookups.
func (o *Orchestrator) Episode(id string) (*core.Episode, bool) {
	o.recentMu.Lock()
	defer o.recentMu.Unlock()
	ep, ok := o.recent[id]
	return ep, ok
}

// runInternal answers version/help/config questions with a single
// synthetic, always-successful probe and never involves the generative
// client.
func (o *Orchestrator) runInternal(episode *core.Episode, emitter debug.Emitter) {
	probeID := internalProbeFor(episode.Intent)
	req := core.ProbeRequest{ProbeId: probeID, Reason: "internal query"}

	bound, err := o.cat.Validate(req)
	if err != nil {
		o.refuse(episode, emitter, fmt.Sprintf("internal probe %q is not available", probeID))
		return
	}

	emitter.Emit(debug.Event{Kind: debug.KindProbeRequested, EpisodeID: episode.ID, ProbeId: probeID, Reason: req.Reason})
	result := o.exec.Execute(context.Background(), req, bound, time.Time{})
	emitter.Emit(debug.Event{Kind: debug.KindProbeCompleted, EpisodeID: episode.ID, ProbeId: probeID})

	episode.RecordRound(core.ProbeRound{Requests: []core.ProbeRequest{req}, Results: []core.ProbeResult{result}})

	if result.ExitStatus != core.ExitOK {
		o.refuse(episode, emitter, fmt.Sprintf("internal probe %q failed: %s", probeID, result.ExitStatus))
		return
	}

	score := evidence.Compose(1.0, 1.0, 1.0, nil)
	resp := &core.Response{
		AnswerText:  renderInternal(episode.Intent, result),
		Reliability: score.Overall,
		Citations:   []core.Citation{{ProbeId: probeID}},
	}
	emitter.Emit(debug.Event{Kind: debug.KindReliabilityComputed, EpisodeID: episode.ID, Evidence: score.Evidence, Reasoning: score.Reasoning, Coverage: score.Coverage, Overall: score.Overall})
	episode.Freeze(resp)
}

func internalProbeFor(intent core.Intent) core.ProbeId {
	topic, _ := intent.Constraints["topic"].(string)
	switch topic {
	case "version":
		return "version.info"
	case "config":
		return "config.show"
	case "status":
		return "self.status"
	default:
		return "help.topics"
	}
}

func renderInternal(intent core.Intent, result core.ProbeResult) string {
	topic, _ := intent.Constraints["topic"].(string)
	switch topic {
	case "version":
		return fmt.Sprintf("Running version %v.", result.Data["version"])
	case "config":
		return "Here is the current (redacted) configuration."
	case "status":
		return renderStatusWindows(result.Data)
	default:
		return "Here is what I can look up for you."
	}
}

// renderStatusWindows summarizes the self.status probe's windowed
// self-telemetry, preserving "insufficient" as a named
// state rather than silently omitting a window with too few samples.
func renderStatusWindows(data map[string]any) string {
	windows, _ := data["windows"].(map[string]any)
	if len(windows) == 0 {
		return "No self-telemetry windows are available yet."
	}
	labels := make([]string, 0, len(windows))
	for label := range windows {
		labels = append(labels, label)
	}
	for i := 1; i < len(labels); i++ {
		for j := i; j > 0 && labels[j] < labels[j-1]; j-- {
			labels[j], labels[j-1] = labels[j-1], labels[j]
		}
	}
	var b strings.Builder
	for i, label := range labels {
		w, _ := windows[label].(map[string]any)
		if i > 0 {
			b.WriteString(" ")
		}
		if status, _ := w["status"].(string); status == "insufficient" {
			fmt.Fprintf(&b, "%s: insufficient data.", label)
			continue
		}
		fmt.Fprintf(&b, "%s: %v questions, %v refused, mean reliability %v.", label, w["count"], w["refused_count"], w["mean_reliability"])
	}
	return b.String()
}

// runConfigChange recognizes a configuration-mutation request and
// replies describing the change plus the confirmation phrase it needs
// before acting; it never mutates policy itself.
func (o *Orchestrator) runConfigChange(episode *core.Episode, emitter debug.Emitter) {
	action, _ := episode.Intent.Constraints["action"].(string)
	target, _ := episode.Intent.Constraints["target"].(string)

	resp := &core.Response{
		AnswerText:  o.proposeMutation(action, core.ProbeId(target)),
		Reliability: 1.0,
		Warning:     "awaiting confirmation phrase",
	}
	emitter.Emit(debug.Event{Kind: debug.KindReliabilityComputed, EpisodeID: episode.ID, Overall: 1.0})
	episode.Freeze(resp)
}

// proposeMutation renders the pending policy change as a unified diff
// of the disabled_probes list plus the confirmation request. Without
// a policy view the proposal still names the change, just without the
// before/after rendering.
func (o *Orchestrator) proposeMutation(action string, target core.ProbeId) string {
	if o.policy == nil {
		return fmt.Sprintf("This will %s %s. Reply with the confirmation phrase to proceed.", action, target)
	}

	current := o.policy.DisabledProbeIDs()
	proposed := make([]core.ProbeId, 0, len(current)+1)
	for _, id := range current {
		if !(action == "enable" && id == target) {
			proposed = append(proposed, id)
		}
	}
	if action == "disable" {
		found := false
		for _, id := range proposed {
			if id == target {
				found = true
				break
			}
		}
		if !found {
			proposed = append(proposed, target)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Proposed policy change (%s %s):\n", action, target)
	b.WriteString("--- policy.yaml\n+++ policy.yaml\n")
	fmt.Fprintf(&b, "-disabled_probes: %s\n", renderIDList(current))
	fmt.Fprintf(&b, "+disabled_probes: %s\n", renderIDList(proposed))
	b.WriteString("Reply with the confirmation phrase to proceed.")
	return b.String()
}

func renderIDList(ids []core.ProbeId) string {
	if len(ids) == 0 {
		return "[]"
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	sort.Strings(names)
	return "[" + strings.Join(names, ", ") + "]"
}

// refusalNamingProbes appends the catalog's currently available probe
// ids to a refusal reason, or calls out an empty catalog explicitly.
func (o *Orchestrator) refusalNamingProbes(reason string) string {
	ids := o.cat.IDs()
	if len(ids) == 0 {
		return reason + "; the probe catalog is empty, nothing can be observed"
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return reason + "; available probes: " + strings.Join(names, ", ")
}

func (o *Orchestrator) refuse(episode *core.Episode, emitter debug.Emitter, reason string) {
	emitter.Emit(debug.Event{Kind: debug.KindRefusalEmitted, EpisodeID: episode.ID, Message: reason})
	episode.Freeze(&core.Response{
		Refused: true,
		Warning: reason,
	})
}
