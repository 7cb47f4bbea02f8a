// Package traits applies per-identity text substitutions to outbound chat
// messages. Patterns use ECMAScript regular expression syntax and every rule
// replaces all matches, in the order the rules are listed.
package traits

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/gluk-w/claworc/chat-bridge/internal/config"
)

// matchTimeout bounds a single rule against pathological backtracking.
const matchTimeout = 250 * time.Millisecond

type rule struct {
	re          *regexp2.Regexp
	replacement string
}

// Replacer is a compiled, ordered list of substitution rules.
type Replacer struct {
	rules []rule
}

// Compile builds a Replacer from configured rules.
func Compile(rules []config.Replacer) (*Replacer, error) {
	r := &Replacer{rules: make([]rule, 0, len(rules))}
	for i, cfg := range rules {
		if cfg.Match == "" {
			return nil, fmt.Errorf("replacer %d: empty match", i)
		}
		re, err := regexp2.Compile(cfg.Match, regexp2.ECMAScript)
		if err != nil {
			return nil, fmt.Errorf("replacer %d: compile %q: %w", i, cfg.Match, err)
		}
		re.MatchTimeout = matchTimeout
		r.rules = append(r.rules, rule{re: re, replacement: cfg.Replacer})
	}
	return r, nil
}

// Apply runs every rule over text. A rule that fails (a timeout) leaves the
// text as the previous rule produced it.
func (r *Replacer) Apply(text string) string {
	if r == nil {
		return text
	}
	for _, rl := range r.rules {
		out, err := rl.re.Replace(text, rl.replacement, -1, -1)
		if err != nil {
			continue
		}
		text = out
	}
	return text
}

// Set holds the replacer for each identity.
type Set map[string]*Replacer

// CompileAll compiles the replacer rules of every identity in t.
func CompileAll(t config.Traits) (Set, error) {
	s := make(Set, len(t))
	for id, trait := range t {
		r, err := Compile(trait.Replacers)
		if err != nil {
			return nil, fmt.Errorf("traits %s: %w", id, err)
		}
		s[id] = r
	}
	return s, nil
}

// Apply rewrites text with identity's rules. Identities without rules get
// the text back unchanged.
func (s Set) Apply(identity, text string) string {
	return s[identity].Apply(text)
}
