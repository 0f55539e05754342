// Package classify performs deterministic, non-LLM recognition of
// internal and configuration-mutation questions before the generative
// pipeline ever runs.
// Keeping this pattern matching out of the LLM keeps "what is my
// version" and "stop collecting logs every 5 minutes" free of the
// probe round-trip and the reliability-score machinery entirely.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nilgrove/advisord/pkg/core"
)

var (
	versionRe    = regexp.MustCompile(`(?i)\b(version|what version|build)\b`)
	helpRe       = regexp.MustCompile(`(?i)\b(help|what can you do|commands|capabilities)\b`)
	configShowRe = regexp.MustCompile(`(?i)\b(show|dump|print)\b.*\b(config|configuration|settings)\b`)
	statusRe     = regexp.MustCompile(`(?i)\b(how are you doing|how have you been|self[- ]check|your (own )?reliability|your refusal rate)\b`)

	intervalRe   = regexp.MustCompile(`(?i)every\s+(\d+)\s*(second|sec|minute|min|hour|hr)s?`)
	enableRe     = regexp.MustCompile(`(?i)\b(enable|turn on|start)\b`)
	disableRe    = regexp.MustCompile(`(?i)\b(disable|turn off|stop)\b`)
)

// Classify assigns an Intent to a raw question using only deterministic
// pattern matching, without involving the generative client. A question
// that is neither internal nor a config change gets a coarse
// keyword-based domain kind from guessDomainKind (IntentGeneral when no
// keyword matches).
func Classify(question string) core.Intent {
	q := strings.TrimSpace(question)

	if kind, constraints := classifyInternal(q); kind != "" {
		return core.Intent{Question: question, Kind: kind, Constraints: constraints}
	}
	if constraints, ok := classifyConfigChange(q); ok {
		return core.Intent{Question: question, Kind: core.IntentConfigChange, Constraints: constraints}
	}
	return core.Intent{Question: question, Kind: guessDomainKind(q)}
}

func classifyInternal(q string) (core.IntentKind, map[string]any) {
	switch {
	case configShowRe.MatchString(q):
		return core.IntentInternal, map[string]any{"topic": "config"}
	case statusRe.MatchString(q):
		return core.IntentInternal, map[string]any{"topic": "status"}
	case versionRe.MatchString(q):
		return core.IntentInternal, map[string]any{"topic": "version"}
	case helpRe.MatchString(q):
		return core.IntentInternal, map[string]any{"topic": "help"}
	default:
		return "", nil
	}
}

// classifyConfigChange recognizes phrasings like "enable journal
// collection every 5 minutes" or "disable packages probe" and extracts
// the action/target/interval so the orchestrator can route to the
// confirmation-phrase flow without a probe round at all.
func classifyConfigChange(q string) (map[string]any, bool) {
	var action string
	switch {
	case enableRe.MatchString(q):
		action = "enable"
	case disableRe.MatchString(q):
		action = "disable"
	default:
		return nil, false
	}

	constraints := map[string]any{"action": action}

	if m := intervalRe.FindStringSubmatch(q); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			constraints["interval_value"] = n
			constraints["interval_unit"] = normalizeUnit(m[2])
		}
	}

	target := extractTarget(q)
	if target == "" {
		return nil, false
	}
	constraints["target"] = target
	return constraints, true
}

func normalizeUnit(unit string) string {
	switch strings.ToLower(unit) {
	case "second", "sec":
		return "second"
	case "minute", "min":
		return "minute"
	case "hour", "hr":
		return "hour"
	default:
		return unit
	}
}

// targetKeywords maps the phrasing a user would actually type ("stop
// collecting logs", "disable network probes") to the catalog probe id
// the mutation targets. Longer, more specific phrases are listed
// before the short words they contain so a phrase like "log
// collection" doesn't get pre-empted by a bare "logs" match ordering
// accident — iteration order below is significant.
var targetKeywords = []struct {
	phrase  string
	probeID string
}{
	{"log collection", "journal.tail"},
	{"journal", "journal.tail"},
	{"logs", "journal.tail"},
	{"packages", "pkg.list"},
	{"package list", "pkg.list"},
	{"network", "net.interfaces"},
	{"interfaces", "net.interfaces"},
	{"storage", "disk.lsblk"},
	{"disk", "disk.lsblk"},
	{"processes", "proc.top"},
	{"process", "proc.top"},
	{"hardware", "cpu.info"},
}

// extractTarget returns the catalog probe id a recognized phrase
// names, or "" if the question doesn't mention one of them.
func extractTarget(q string) string {
	lower := strings.ToLower(q)
	for _, kw := range targetKeywords {
		if strings.Contains(lower, kw.phrase) {
			return kw.probeID
		}
	}
	return ""
}

// guessDomainKind is a coarse, keyword-based fallback classification
// used only to pick a sensible default category for telemetry before
// the planner produces its own, richer classification. It never gates
// probe selection directly.
func guessDomainKind(q string) core.IntentKind {
	lower := strings.ToLower(q)
	switch {
	case strings.Contains(lower, "disk") || strings.Contains(lower, "mount") || strings.Contains(lower, "space"):
		return core.IntentStorage
	case strings.Contains(lower, "package") || strings.Contains(lower, "installed"):
		return core.IntentPackages
	case strings.Contains(lower, "network") || strings.Contains(lower, "interface") || strings.Contains(lower, "ip address"):
		return core.IntentNetwork
	case strings.Contains(lower, "process") || strings.Contains(lower, "memory") && strings.Contains(lower, "using"):
		return core.IntentProcess
	case strings.Contains(lower, "cpu") || strings.Contains(lower, "memory") || strings.Contains(lower, "hardware"):
		return core.IntentHardware
	case strings.Contains(lower, "yesterday") || strings.Contains(lower, "last week") || strings.Contains(lower, "history"):
		return core.IntentHistorical
	default:
		return core.IntentGeneral
	}
}
