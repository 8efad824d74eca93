package authority

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/agentsh/execgate/pkg/types"
)

// RuleSet is the on-disk rule document the authority evaluates requests
// against. Explicit vnode verdicts beat path rules; path rules are evaluated
// in order, first match wins; the client mode decides everything else.
type RuleSet struct {
	Mode  types.ClientMode `yaml:"mode"`
	Rules []Rule           `yaml:"rules"`

	AllowVnodes []uint64 `yaml:"allow_vnodes"`
	DenyVnodes  []uint64 `yaml:"deny_vnodes"`
}

type Rule struct {
	Name    string        `yaml:"name"`
	Verdict types.Verdict `yaml:"verdict"`
	Paths   []string      `yaml:"paths"`
}

type compiledRule struct {
	rule  Rule
	globs []glob.Glob
}

// CompiledRules is an immutable, evaluate-ready rule set. Swapped atomically
// on reload so in-flight evaluations see a consistent document.
type CompiledRules struct {
	mode        types.ClientMode
	rules       []compiledRule
	allowVnodes map[uint64]struct{}
	denyVnodes  map[uint64]struct{}
}

// Compile validates and compiles a rule set.
func Compile(rs RuleSet) (*CompiledRules, error) {
	mode := rs.Mode
	if mode == "" {
		mode = types.ModeMonitor
	}
	if mode != types.ModeMonitor && mode != types.ModeLockdown {
		return nil, fmt.Errorf("rules: unknown mode %q", rs.Mode)
	}

	c := &CompiledRules{
		mode:        mode,
		allowVnodes: make(map[uint64]struct{}, len(rs.AllowVnodes)),
		denyVnodes:  make(map[uint64]struct{}, len(rs.DenyVnodes)),
	}
	for _, id := range rs.AllowVnodes {
		c.allowVnodes[id] = struct{}{}
	}
	for _, id := range rs.DenyVnodes {
		c.denyVnodes[id] = struct{}{}
	}

	for _, r := range rs.Rules {
		if !r.Verdict.Valid() {
			return nil, fmt.Errorf("rules: rule %q has invalid verdict %q", r.Name, r.Verdict)
		}
		cr := compiledRule{rule: r}
		for _, pat := range r.Paths {
			g, err := glob.Compile(pat, '/')
			if err != nil {
				return nil, fmt.Errorf("rules: compile rule %q glob %q: %w", r.Name, pat, err)
			}
			cr.globs = append(cr.globs, g)
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// LoadFile reads and compiles a YAML rule file.
func LoadFile(path string) (*CompiledRules, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", path, err)
	}
	return Compile(rs)
}

// Mode returns the client mode the rules were compiled with.
func (c *CompiledRules) Mode() types.ClientMode { return c.mode }

// Evaluate returns the verdict for an identity and path, and the name of the
// rule that decided it ("" for an explicit vnode entry or the mode default).
func (c *CompiledRules) Evaluate(vnodeID uint64, path string) (types.Verdict, string) {
	if _, ok := c.denyVnodes[vnodeID]; ok {
		return types.VerdictDeny, ""
	}
	if _, ok := c.allowVnodes[vnodeID]; ok {
		return types.VerdictAllow, ""
	}
	for _, cr := range c.rules {
		for _, g := range cr.globs {
			if g.Match(path) {
				return cr.rule.Verdict, cr.rule.Name
			}
		}
	}
	if c.mode == types.ModeLockdown {
		return types.VerdictDeny, ""
	}
	return types.VerdictAllow, ""
}
