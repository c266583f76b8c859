// Package zerotrust implements the session and authorization engine.
//
// No operation is implicitly authorized: every sensitive action
// re-checks session validity, application integrity, the account
// lockout list, and the privilege resolved for the (operation, context)
// pair. Sessions are time-bounded tokens that never survive a process
// restart; the in-memory token half is lost, forcing
// re-authentication.
package zerotrust

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// BasicPrivilege is the fallback privilege when no rule matches.
const BasicPrivilege = "basic"

// Rule maps an (operation, context) pattern pair to the privilege it
// requires. Non-empty fields must all match (AND logic); within a list
// field, any pattern matching is sufficient (OR logic). Patterns are
// globs, so "*read*" matches any operation containing "read".
type Rule struct {
	Name      string       `yaml:"name"`
	Operation stringOrList `yaml:"operation"`
	Context   stringOrList `yaml:"context"`
	Privilege string       `yaml:"privilege"`

	compiled *compiledRule
}

// compiledRule holds pre-compiled glob matchers for a rule.
type compiledRule struct {
	opGlobs  []glob.Glob
	ctxGlobs []glob.Glob
}

// stringOrList handles YAML fields that can be either a single string
// or a list of strings:
//
//	operation: "*read*"
//	operation: ["*read*", "*export*"]
type stringOrList []string

// UnmarshalYAML handles both the scalar and the sequence form.
func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// builtinRules returns the default privilege policy. Ordered; first
// match wins:
//
//	read on settings   -> settings_read
//	write on settings  -> settings_write
//	any delete         -> admin
//	everything else    -> basic (fallback, not a rule)
func builtinRules() []Rule {
	return []Rule{
		{Name: "settings-read", Operation: stringOrList{"*read*"}, Context: stringOrList{"*settings*"}, Privilege: "settings_read"},
		{Name: "settings-write", Operation: stringOrList{"*write*"}, Context: stringOrList{"*settings*"}, Privilege: "settings_write"},
		{Name: "delete-any", Operation: stringOrList{"*delete*"}, Privilege: "admin"},
	}
}

// compileRule pre-compiles the glob patterns of a rule.
func compileRule(r *Rule) error {
	r.compiled = &compiledRule{}
	for _, p := range r.Operation {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid operation glob %q: %w", r.Name, p, err)
		}
		r.compiled.opGlobs = append(r.compiled.opGlobs, g)
	}
	for _, p := range r.Context {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid context glob %q: %w", r.Name, p, err)
		}
		r.compiled.ctxGlobs = append(r.compiled.ctxGlobs, g)
	}
	return nil
}

// matchesRule reports whether an (operation, context) pair satisfies a
// rule's conditions.
func matchesRule(r *Rule, operation, context string) bool {
	if r.compiled == nil {
		return false
	}
	if len(r.compiled.opGlobs) > 0 {
		matched := false
		for _, g := range r.compiled.opGlobs {
			if g.Match(operation) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(r.compiled.ctxGlobs) > 0 {
		matched := false
		for _, g := range r.compiled.ctxGlobs {
			if g.Match(context) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// policyFile is the YAML envelope for policy.yaml.
type policyFile struct {
	Rules []Rule `yaml:"rules"`
}

// loadPolicyRules reads custom rules from the given YAML path. A
// missing file yields no custom rules (not an error).
func loadPolicyRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	return file.Rules, nil
}

// WriteDefaultPolicy writes a commented policy.yaml documenting the
// rule schema. Used by `custodia config init`.
func WriteDefaultPolicy(path string) error {
	header := `# Custodia privilege policy.
# Custom rules are evaluated before the built-in rules; first match wins.
# Patterns are globs over the operation and context strings.
#
# rules:
#   - name: export-requires-admin
#     operation: "*export*"
#     privilege: admin
`
	return os.WriteFile(path, []byte(header), 0o644)
}
