// Package catalog is the single source of truth for what the host is
// permitted to observe. No probe may be executed whose id does not
// resolve here. The registry is built once at process start from the
// static table in tools.go plus an optional on-disk override that may
// only disable entries.
package catalog

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/nilgrove/advisord/pkg/core"
)

// RiskClass is always ReadOnly for this core.
type RiskClass string

const RiskReadOnly RiskClass = "read_only"

// RunnerKind selects how the Executor dispatches a ProbeSpec, avoiding
// a virtual class hierarchy.
type RunnerKind string

const (
	RunnerProc RunnerKind = "proc"
	RunnerArgv RunnerKind = "argv"
)

// ArgSpec describes one positional or keyword probe argument.
type ArgSpec struct {
	Name     string
	Kind     string // "string" | "int" | "enum"
	Required bool
	// Allowed is the enumerated set of permitted values. Free-text
	// arguments (Allowed == nil && Kind == "string") are rejected by
	// Validate unless AllowFreeText is set for a narrow, documented case.
	Allowed       []string
	AllowFreeText bool
	// AllowedFunc lazily computes a host-derived allowed set (e.g. the
	// mountpoints disk.df may query), resolved once per catalog
	// lifetime and cached.
	AllowedFunc func() []string
}

// ProbeSpec is immutable after registration.
type ProbeSpec struct {
	ID           core.ProbeId
	Description  string
	Category     string
	Capabilities []string
	Args         []ArgSpec
	OutputSchema string // human/LLM-readable description of the Data shape
	Risk         RiskClass
	SoftTimeout  time.Duration
	CostHint     int
	Runner       RunnerKind
	// ArgvPath is the fixed absolute helper path for RunnerArgv specs.
	ArgvPath string
	// ArgvTemplate maps bound args to a clean argv tail.
	ArgvTemplate func(args map[string]any) ([]string, error)
	// ProcRead is the RunnerProc implementation: reads /proc or /sys
	// and returns the structured Data payload.
	ProcRead func() (map[string]any, error)
	// ProcReadArgs is an alternative RunnerProc implementation for specs
	// whose in-process reader needs the caller's bound arguments (e.g.
	// telemetry.window's name/window selectors). When set, the executor
	// prefers it over ProcRead.
	ProcReadArgs func(args map[string]any) (map[string]any, error)

	schemaVersion int
}

// Fingerprint is a stable, non-cryptographic hash of id + output
// schema version so Episodes remain interpretable across upgrades.
func (p ProbeSpec) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", p.ID, p.schemaVersion)
	return fmt.Sprintf("%x", h.Sum64())
}

// ValidationError enumerates the ways a ProbeRequest can fail catalog
// validation.
type ValidationError struct {
	Kind    string // "unknown_probe" | "bad_arg" | "forbidden_arg_value"
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Catalog is read-only after New returns; no synchronization is
// needed for lookups, only for the lazily-resolved AllowedFunc cache.
type Catalog struct {
	specs    map[core.ProbeId]ProbeSpec
	order    []core.ProbeId
	disabled map[core.ProbeId]bool

	allowedCacheMu sync.Mutex
	allowedCache   map[string][]string
}

// New builds the catalog from the static table, applying disabled-ids
// from an override (nil means no override). Overrides may only narrow
// the static table; unknown ids in the override are ignored.
func New(disabledIDs []core.ProbeId) *Catalog {
	c := &Catalog{
		specs:        make(map[core.ProbeId]ProbeSpec),
		disabled:     make(map[core.ProbeId]bool),
		allowedCache: make(map[string][]string),
	}
	for _, s := range staticTable() {
		c.specs[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })

	for _, id := range disabledIDs {
		if _, ok := c.specs[id]; ok {
			c.disabled[id] = true
		}
	}

	c.bindHelpTopics()
	return c
}

// bindHelpTopics wires help.topics's ProcRead to the catalog's own
// id/description table, built once the static table is loaded so the
// synthetic probe always reflects the live (possibly override-narrowed)
// catalog.
func (c *Catalog) bindHelpTopics() {
	spec, ok := c.specs["help.topics"]
	if !ok {
		return
	}
	spec.ProcRead = func() (map[string]any, error) {
		topics := make([]map[string]any, 0, len(c.order))
		for _, id := range c.IDs() {
			topics = append(topics, map[string]any{
				"probe_id":    string(id),
				"description": c.specs[id].Description,
			})
		}
		return map[string]any{"topics": topics}, nil
	}
	c.specs["help.topics"] = spec
}

// BindConfigProbe wires the config.show synthetic probe's ProcRead to
// the owning daemon's redacted configuration snapshot.
func (c *Catalog) BindConfigProbe(fn func() (map[string]any, error)) {
	spec, ok := c.specs["config.show"]
	if !ok {
		return
	}
	spec.ProcRead = fn
	c.specs["config.show"] = spec
}

// BindStatusProbe wires the self.status synthetic probe's ProcRead to
// the owning daemon's own windowed self-telemetry.
func (c *Catalog) BindStatusProbe(fn func() (map[string]any, error)) {
	spec, ok := c.specs["self.status"]
	if !ok {
		return
	}
	spec.ProcRead = fn
	c.specs["self.status"] = spec
}

// BindTelemetryProbe wires the telemetry.window synthetic probe's
// args-aware reader to the owning daemon's windowed-stat store
//, so historical questions can cite a
// real aggregate instead of the planner guessing.
func (c *Catalog) BindTelemetryProbe(fn func(args map[string]any) (map[string]any, error)) {
	spec, ok := c.specs["telemetry.window"]
	if !ok {
		return
	}
	spec.ProcReadArgs = fn
	c.specs["telemetry.window"] = spec
}

// Get returns the ProbeSpec for id, or false if it does not resolve
// (or has been disabled by policy).
func (c *Catalog) Get(id core.ProbeId) (ProbeSpec, bool) {
	spec, ok := c.specs[id]
	if !ok || c.disabled[id] {
		return ProbeSpec{}, false
	}
	return spec, true
}

// IDs returns every enabled probe id, sorted, for building LLM-A's
// prompt.
func (c *Catalog) IDs() []core.ProbeId {
	out := make([]core.ProbeId, 0, len(c.order))
	for _, id := range c.order {
		if !c.disabled[id] {
			out = append(out, id)
		}
	}
	return out
}

// Validate resolves a ProbeRequest against its ProbeSpec and checks
// every bound argument against the schema, returning the coerced
// bindings on success.
func (c *Catalog) Validate(req core.ProbeRequest) (map[string]any, error) {
	spec, ok := c.Get(req.ProbeId)
	if !ok {
		return nil, &ValidationError{Kind: "unknown_probe", Detail: string(req.ProbeId)}
	}

	bound := make(map[string]any, len(spec.Args))
	for _, arg := range spec.Args {
		val, present := req.Args[arg.Name]
		if !present {
			if arg.Required {
				return nil, &ValidationError{Kind: "bad_arg", Detail: fmt.Sprintf("%s: missing required arg %q", req.ProbeId, arg.Name)}
			}
			continue
		}

		str, isString := val.(string)
		if !isString {
			bound[arg.Name] = val
			continue
		}

		allowed := arg.Allowed
		if arg.AllowedFunc != nil {
			allowed = c.resolveAllowed(string(spec.ID)+"."+arg.Name, arg.AllowedFunc)
		}
		if len(allowed) == 0 && !arg.AllowFreeText {
			return nil, &ValidationError{Kind: "forbidden_arg_value", Detail: fmt.Sprintf("%s: arg %q accepts no free text", req.ProbeId, arg.Name)}
		}
		if len(allowed) > 0 && !contains(allowed, str) {
			return nil, &ValidationError{Kind: "forbidden_arg_value", Detail: fmt.Sprintf("%s: %q is not an allowed value for %q", req.ProbeId, str, arg.Name)}
		}
		bound[arg.Name] = str
	}

	return bound, nil
}

func (c *Catalog) resolveAllowed(key string, fn func() []string) []string {
	c.allowedCacheMu.Lock()
	defer c.allowedCacheMu.Unlock()
	if v, ok := c.allowedCache[key]; ok {
		return v
	}
	v := fn()
	c.allowedCache[key] = v
	return v
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
