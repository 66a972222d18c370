package gate

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchKind is the closed set of things a matcher can detect.
type MatchKind int

const (
	KindActionClaim MatchKind = iota + 1
	KindEscalation
)

func (k MatchKind) String() string {
	switch k {
	case KindActionClaim:
		return "action_claim"
	case KindEscalation:
		return "escalation"
	}
	return "unknown"
}

// Matcher is one tagged pattern. Tag is the claim verb for action-claim
// matchers and the risk category for escalation matchers.
type Matcher struct {
	Kind    MatchKind
	Tag     string
	Pattern *regexp.Regexp
}

// Matchers is evaluated in declaration order; the first match wins.
type Matchers []Matcher

// First returns the first matcher whose pattern occurs in text.
func (ms Matchers) First(text string) (Matcher, bool) {
	for _, m := range ms {
		if m.Pattern.MatchString(text) {
			return m, true
		}
	}
	return Matcher{}, false
}

// claimAuxiliaries may sit between the first-person pronoun and the verb.
const claimAuxiliaries = `(?:\s*['’]ve|\s+have|\s+had|\s+just|\s+already|\s+successfully|\s+also|\s+now)*`

func compileClaimMatchers(verbs []string) (Matchers, error) {
	out := make(Matchers, 0, len(verbs))
	seen := map[string]bool{}
	for _, verb := range verbs {
		v := strings.ToLower(strings.TrimSpace(verb))
		if v == "" {
			return nil, fmt.Errorf("action verb list contains an empty verb")
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		re, err := regexp.Compile(`(?i)\bI` + claimAuxiliaries + `\s+` + regexp.QuoteMeta(v) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("action verb %q: %w", verb, err)
		}
		out = append(out, Matcher{Kind: KindActionClaim, Tag: v, Pattern: re})
	}
	return out, nil
}

// compileEscalationMatchers keeps the patterns of enabled categories. Custom
// patterns must name an enabled category; only built-in ones are skipped.
func compileEscalationMatchers(patterns []EscalationPattern, categories []string, custom bool) (Matchers, error) {
	enabled := map[string]bool{}
	for _, c := range categories {
		enabled[strings.ToLower(strings.TrimSpace(c))] = true
	}
	out := make(Matchers, 0, len(patterns))
	for _, p := range patterns {
		cat := strings.ToLower(strings.TrimSpace(p.Category))
		if custom && cat == "" {
			return nil, fmt.Errorf("escalation pattern %q has no category", p.Pattern)
		}
		if len(enabled) > 0 && !enabled[cat] {
			if custom {
				return nil, fmt.Errorf("escalation pattern %q: category %q is not enabled", p.Pattern, p.Category)
			}
			continue
		}
		if strings.TrimSpace(p.Pattern) == "" {
			return nil, fmt.Errorf("escalation pattern in category %q is empty", p.Category)
		}
		re, err := regexp.Compile(`(?i)` + p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("escalation pattern %q: %w", p.Pattern, err)
		}
		out = append(out, Matcher{Kind: KindEscalation, Tag: cat, Pattern: re})
	}
	return out, nil
}
