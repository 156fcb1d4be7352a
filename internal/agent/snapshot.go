package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/courier-ai/courier/internal/workspace"
)

// Policy filters which registered tools are eligible at all. Patterns
// match tool names (exact, "prefix*", "*suffix", "*") or whole groups via
// "group:<name>". Deny wins over allow; an empty allow list allows
// everything not denied.
type Policy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// permits reports whether the policy lets the registration through.
func (p Policy) permits(reg Registration) bool {
	name := reg.Tool.Name()
	if matchAny(p.Deny, name, reg.Group) {
		return false
	}
	if len(p.Allow) == 0 {
		return true
	}
	return matchAny(p.Allow, name, reg.Group)
}

func matchAny(patterns []string, name, group string) bool {
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if g, ok := strings.CutPrefix(pat, "group:"); ok {
			if g == group || g == "*" {
				return true
			}
			continue
		}
		if matchPattern(pat, name) {
			return true
		}
	}
	return false
}

// matchPattern supports exact, "*", "prefix*", and "*suffix" forms.
func matchPattern(pat, name string) bool {
	switch {
	case pat == "*":
		return true
	case pat == name:
		return true
	case len(pat) > 1 && strings.HasSuffix(pat, "*"):
		return strings.HasPrefix(name, pat[:len(pat)-1])
	case len(pat) > 1 && strings.HasPrefix(pat, "*"):
		return strings.HasSuffix(name, pat[1:])
	}
	return false
}

// Entry is one tool admitted into a snapshot.
type Entry struct {
	Tool             Tool
	Group            string
	Risk             RiskLevel
	RequiresApproval bool
}

// Snapshot is the immutable per-turn view of the registry. Once built it
// never changes: tools registered mid-turn are invisible, and a tool that
// was visible at snapshot time stays resolvable for the whole turn.
type Snapshot struct {
	entries map[string]Entry
	names   []string
}

// SnapshotBuilder builds snapshots from a registry, a policy, and the
// workspace invariants captured at turn start.
type SnapshotBuilder struct {
	registry *Registry
	policy   Policy
}

// NewSnapshotBuilder wires a builder.
func NewSnapshotBuilder(registry *Registry, policy Policy) *SnapshotBuilder {
	return &SnapshotBuilder{registry: registry, policy: policy}
}

// Build assembles the snapshot for one turn. allowed, when non-empty,
// restricts the snapshot to exactly those names; requesting anything
// outside it later fails, it does not fall back to the full registry.
func (b *SnapshotBuilder) Build(inv workspace.Invariants, allowed []string) *Snapshot {
	allowedSet := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		allowedSet[n] = true
	}

	s := &Snapshot{entries: make(map[string]Entry)}
	for _, reg := range b.registry.All() {
		name := reg.Tool.Name()
		if reg.RequiresGitRepo && !inv.IsGitRepo {
			continue
		}
		if !b.policy.permits(reg) {
			continue
		}
		if len(allowedSet) > 0 && !allowedSet[name] {
			continue
		}
		requiresApproval := reg.RequiresApproval || reg.Risk == RiskHigh
		s.entries[name] = Entry{
			Tool:             reg.Tool,
			Group:            reg.Group,
			Risk:             reg.Risk,
			RequiresApproval: requiresApproval,
		}
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s
}

// Lookup resolves a tool by name. Unknown or excluded names return
// ErrToolNotAllowed; there is no fallback path.
func (s *Snapshot) Lookup(name string) (Entry, error) {
	e, ok := s.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrToolNotAllowed, name)
	}
	return e, nil
}

// Names returns the sorted tool names in the snapshot.
func (s *Snapshot) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of admitted tools.
func (s *Snapshot) Len() int { return len(s.entries) }

// Catalog renders a compact one-line-per-tool listing capped at budget
// characters, for prompt embedding.
func (s *Snapshot) Catalog(budget int) string {
	var b strings.Builder
	for _, name := range s.names {
		line := name + ": " + s.entries[name].Tool.Description()
		if b.Len() > 0 {
			line = "\n" + line
		}
		if budget > 0 && b.Len()+len(line) > budget {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// Schemas renders the JSON schemas of the named tools, capped at budget
// characters.
func (s *Snapshot) Schemas(names []string, budget int) string {
	var b strings.Builder
	for _, name := range names {
		e, ok := s.entries[name]
		if !ok {
			continue
		}
		chunk := name + " " + string(e.Tool.Schema())
		if b.Len() > 0 {
			chunk = "\n" + chunk
		}
		if budget > 0 && b.Len()+len(chunk) > budget {
			break
		}
		b.WriteString(chunk)
	}
	return b.String()
}
