package check

import (
	"fmt"
	"regexp"
	"strings"

	"failkit/internal/domain"
	"failkit/internal/schema"
)

const regexPrefix = "re:"

// Pattern is one forbidden final_text pattern: a regular expression when
// written with the re: prefix, otherwise a case-insensitive substring.
type Pattern struct {
	Source string
	re     *regexp.Regexp
	needle string
}

func (p Pattern) Match(text string) bool {
	if p.re != nil {
		return p.re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), p.needle)
}

func CompilePatterns(sources []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(sources))
	for _, src := range sources {
		if expr, ok := strings.CutPrefix(src, regexPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return out, fmt.Errorf("pattern %q: %w", src, err)
			}
			out = append(out, Pattern{Source: src, re: re})
			continue
		}
		if strings.TrimSpace(src) == "" {
			return out, fmt.Errorf("empty forbidden pattern")
		}
		out = append(out, Pattern{Source: src, needle: strings.ToLower(src)})
	}
	return out, nil
}

// ValidateCase reports configuration errors in a case that must stop a run
// before any case executes.
func ValidateCase(tc domain.TestCase, schemas *schema.Registry) error {
	if strings.TrimSpace(tc.ID) == "" {
		return fmt.Errorf("case id is required")
	}
	if tc.Severity != "" {
		if _, err := domain.ParseSeverity(string(tc.Severity)); err != nil {
			return fmt.Errorf("case %s: %w", tc.ID, err)
		}
	}
	if name := tc.Expect.OutputSchema; name != "" && schemas != nil && !schemas.Has(name) {
		return fmt.Errorf("case %s: %w: %s", tc.ID, schema.ErrUnknownSchema, name)
	}
	for _, d := range tc.Expect.Decision {
		if !d.Valid() {
			return fmt.Errorf("case %s: invalid expected decision %q", tc.ID, d)
		}
	}
	if _, err := CompilePatterns(tc.EffectiveChecks().MustNotMatchPatterns); err != nil {
		return fmt.Errorf("case %s: %w", tc.ID, err)
	}
	return nil
}
