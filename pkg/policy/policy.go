// Package policy loads and enforces the on-disk guardrails layered on
// top of the catalog's closed probe set: which probes are disabled,
// which argument values are additionally blocked, the confirmation
// phrase required before a configuration mutation takes effect, and
// the minimum reliability score required per risk level.
package policy

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/nilgrove/advisord/pkg/core"
)

// Document is the on-disk shape of the policy file.
type Document struct {
	DisabledProbes         []string            `yaml:"disabled_probes"`
	BlockedArgValues       map[string][]string `yaml:"blocked_arg_values"`
	ConfirmationPhraseHash string              `yaml:"confirmation_phrase_hash"`
	MinReliabilityByRisk   map[string]float64  `yaml:"min_reliability_by_risk"`
}

// Policy is the live, mutex-guarded in-memory form of Document. A
// configuration mutation applied through Apply updates this copy and
// rewrites the backing file so the change survives a restart.
type Policy struct {
	path string

	mu                     sync.RWMutex
	disabledProbes         map[core.ProbeId]bool
	blockedArgValues       map[string]map[string]bool
	confirmationPhraseHash string
	minReliabilityByRisk   map[string]float64
}

// Load reads path and builds a Policy. A missing file is not an error:
// it yields an empty, permissive Policy.
func Load(path string) (*Policy, error) {
	doc := Document{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("policy: read %s: %w", path, err)
			}
			if err := yaml.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("policy: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("policy: stat %s: %w", path, err)
		}
	}
	return fromDocument(path, doc), nil
}

func fromDocument(path string, doc Document) *Policy {
	p := &Policy{
		path:                   path,
		disabledProbes:         make(map[core.ProbeId]bool),
		blockedArgValues:       make(map[string]map[string]bool),
		confirmationPhraseHash: doc.ConfirmationPhraseHash,
		minReliabilityByRisk:   doc.MinReliabilityByRisk,
	}
	for _, id := range doc.DisabledProbes {
		p.disabledProbes[core.ProbeId(id)] = true
	}
	for key, values := range doc.BlockedArgValues {
		set := make(map[string]bool, len(values))
		for _, v := range values {
			set[v] = true
		}
		p.blockedArgValues[key] = set
	}
	if p.minReliabilityByRisk == nil {
		p.minReliabilityByRisk = make(map[string]float64)
	}
	return p
}

// DisabledProbeIDs returns the probe ids this policy disables, for
// feeding catalog.New's override.
func (p *Policy) DisabledProbeIDs() []core.ProbeId {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]core.ProbeId, 0, len(p.disabledProbes))
	for id := range p.disabledProbes {
		out = append(out, id)
	}
	return out
}

// IsArgValueBlocked reports whether probeID's argName may not take
// value under this policy, layered on top of the catalog's own
// per-argument allow-list.
func (p *Policy) IsArgValueBlocked(probeID core.ProbeId, argName, value string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.blockedArgValues[string(probeID)+"."+argName]
	return ok && set[value]
}

// MinReliability returns the minimum reliability score configured for
// risk, falling back to ok=false when unset.
func (p *Policy) MinReliability(risk string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.minReliabilityByRisk[risk]
	return v, ok
}

// VerifyConfirmationPhrase reports whether phrase matches the
// configured confirmation-phrase hash. An unconfigured hash always
// rejects — there is no way to confirm a mutation on a policy that
// never set one.
func (p *Policy) VerifyConfirmationPhrase(phrase string) bool {
	p.mu.RLock()
	hash := p.confirmationPhraseHash
	p.mu.RUnlock()
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(phrase)) == nil
}

// Snapshot renders the policy for the config.show synthetic probe:
// every field an operator might plausibly ask about, with the
// confirmation-phrase hash reduced to a boolean presence flag rather
// than the hash itself.
func (p *Policy) Snapshot() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	disabled := make([]string, 0, len(p.disabledProbes))
	for id := range p.disabledProbes {
		disabled = append(disabled, string(id))
	}
	return map[string]any{
		"disabled_probes":         disabled,
		"min_reliability_by_risk": p.minReliabilityByRisk,
		"confirmation_phrase_set": p.confirmationPhraseHash != "",
		"blocked_arg_value_count": len(p.blockedArgValues),
	}
}

// HashConfirmationPhrase produces a bcrypt hash suitable for the
// confirmation_phrase_hash field of a policy file.
func HashConfirmationPhrase(phrase string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(phrase), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("policy: hash confirmation phrase: %w", err)
	}
	return string(hash), nil
}

// Mutation describes an enable/disable request extracted by
// pkg/classify from a configuration-change question.
type Mutation struct {
	Action string // "enable" | "disable"
	Target core.ProbeId
}

// Apply disables or re-enables Target and persists the updated policy
// back to disk. Callers must have already verified the confirmation
// phrase.
func (p *Policy) Apply(m Mutation) error {
	p.mu.Lock()
	switch m.Action {
	case "disable":
		p.disabledProbes[m.Target] = true
	case "enable":
		delete(p.disabledProbes, m.Target)
	default:
		p.mu.Unlock()
		return fmt.Errorf("policy: unknown mutation action %q", m.Action)
	}
	doc := p.toDocumentLocked()
	p.mu.Unlock()

	if p.path == "" {
		return nil
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("policy: marshal updated policy: %w", err)
	}
	if err := os.WriteFile(p.path, raw, 0o644); err != nil {
		return fmt.Errorf("policy: write updated policy: %w", err)
	}
	return nil
}

func (p *Policy) toDocumentLocked() Document {
	doc := Document{
		ConfirmationPhraseHash: p.confirmationPhraseHash,
		MinReliabilityByRisk:   p.minReliabilityByRisk,
	}
	for id := range p.disabledProbes {
		doc.DisabledProbes = append(doc.DisabledProbes, string(id))
	}
	doc.BlockedArgValues = make(map[string][]string, len(p.blockedArgValues))
	for key, set := range p.blockedArgValues {
		values := make([]string, 0, len(set))
		for v := range set {
			values = append(values, v)
		}
		doc.BlockedArgValues[key] = values
	}
	return doc
}
