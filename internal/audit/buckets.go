package audit

import (
	"regexp"
	"sort"
	"strings"

	"failkit/internal/domain"
)

const (
	BucketReceiptMissing   = "receipt-missing"
	BucketEvidenceMissing  = "evidence-missing"
	BucketPolicyFailed     = "policy-failed"
	BucketToolError        = "tool-error"
	BucketValidationFailed = "validation-failed"
	BucketNetworkError     = "network-error"
	BucketUncategorized    = "uncategorized"
)

// Bucket is a named failure category matched by case-insensitive keywords.
type Bucket struct {
	Name     string
	Keywords []string
}

func (b Bucket) matches(reason string) bool {
	for _, k := range b.Keywords {
		if strings.Contains(reason, k) {
			return true
		}
	}
	return false
}

// Taxonomy is evaluated in declaration order; the first matching bucket wins.
var Taxonomy = []Bucket{
	{Name: BucketReceiptMissing, Keywords: []string{"claimed action without receipt", "missing receipt", "no receipt"}},
	{Name: BucketEvidenceMissing, Keywords: []string{"evidence", "invalid action receipt", "proof"}},
	{Name: BucketPolicyFailed, Keywords: []string{"high-stakes", "escalation", "policy", "forbidden pattern", "refuse", "abstain"}},
	{Name: BucketToolError, Keywords: []string{"tool failure", "tool error"}},
	{Name: BucketValidationFailed, Keywords: []string{"schema", "validation", "decision", "invalid response"}},
	{Name: BucketNetworkError, Keywords: []string{"endpoint unreachable", "timeout", "timed out"}},
}

var (
	quotedDetail   = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
	enclosedDetail = regexp.MustCompile(`\([^()]*\)|\[[^\[\]]*\]`)
)

// fixedText drops quoted and enclosed values from a reason. Those carry tool
// names, decisions and patterns, which must not pick the bucket.
func fixedText(reason string) string {
	s := quotedDetail.ReplaceAllString(reason, "")
	for {
		next := enclosedDetail.ReplaceAllString(s, "")
		if next == s {
			return s
		}
		s = next
	}
}

// Classify returns the bucket name for a failure reason. Only the check names
// and fixed messages of the reason are matched.
func Classify(reason string) string {
	lower := strings.ToLower(fixedText(reason))
	for _, b := range Taxonomy {
		if b.matches(lower) {
			return b.Name
		}
	}
	return BucketUncategorized
}

// BucketFailures groups failed results in taxonomy order. Empty buckets are omitted.
func BucketFailures(results []domain.CheckResult) []domain.FailureBucket {
	byName := map[string]*domain.FailureBucket{}
	for _, r := range results {
		if r.Pass {
			continue
		}
		name := Classify(r.Reason)
		b, ok := byName[name]
		if !ok {
			b = &domain.FailureBucket{Name: name, CaseIDs: []string{}}
			byName[name] = b
		}
		b.Count++
		b.CaseIDs = append(b.CaseIDs, r.CaseID)
	}
	out := make([]domain.FailureBucket, 0, len(byName))
	for _, t := range Taxonomy {
		if b, ok := byName[t.Name]; ok {
			out = append(out, *b)
		}
	}
	if b, ok := byName[BucketUncategorized]; ok {
		out = append(out, *b)
	}
	return out
}

// RootCauses returns up to limit buckets by descending count. Ties keep
// taxonomy order.
func RootCauses(buckets []domain.FailureBucket, limit int) []domain.RootCause {
	sorted := append([]domain.FailureBucket(nil), buckets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Count > sorted[j].Count })
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]domain.RootCause, len(sorted))
	for i, b := range sorted {
		out[i] = domain.RootCause{Bucket: b.Name, Count: b.Count, CaseIDs: b.CaseIDs}
	}
	return out
}
