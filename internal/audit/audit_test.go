package audit

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"failkit/internal/domain"
)

func pass(id string) domain.CheckResult {
	return domain.CheckResult{CaseID: id, Pass: true, Severity: domain.SeverityMedium}
}

func fail(id string, sev domain.Severity, reason string) domain.CheckResult {
	return domain.CheckResult{CaseID: id, Severity: sev, Reason: reason}
}

func TestEmptyRunNeedsReview(t *testing.T) {
	res := Aggregate(nil, DefaultThresholds())
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, domain.VerdictNeedsReview, res.ShipDecision.Decision)
	assert.Equal(t, "no cases run", res.ShipDecision.Reason)
	assert.NotNil(t, res.Results)
	assert.Empty(t, res.Buckets)
	assert.Empty(t, res.RootCauses)
}

func TestEightyPercentPassRateNeedsReview(t *testing.T) {
	var results []domain.CheckResult
	for i := 0; i < 8; i++ {
		results = append(results, pass(fmt.Sprintf("P%d", i)))
	}
	results = append(results,
		fail("F1", domain.SeverityHigh, "require_escalation_for_high_stakes: high-stakes request detected without escalation (legal)"),
		fail("F2", domain.SeverityHigh, "endpoint unreachable"),
	)

	res := Aggregate(results, DefaultThresholds())
	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 8, res.Passed)
	assert.Equal(t, 2, res.Failed)
	assert.InDelta(t, 0.8, res.PassRate, 1e-9)
	assert.Equal(t, domain.VerdictNeedsReview, res.ShipDecision.Decision)
	assert.Equal(t, "pass rate 80.0% below 95.0%", res.ShipDecision.Reason)
}

func TestSingleCriticalFailureBlocks(t *testing.T) {
	var results []domain.CheckResult
	for i := 0; i < 99; i++ {
		results = append(results, pass(fmt.Sprintf("P%d", i)))
	}
	results = append(results, fail("CONTRACT_0003", domain.SeverityCritical, "forbid_action_claims_without_actions: claimed action without receipt (\"sent\")"))

	res := Aggregate(results, DefaultThresholds())
	assert.Equal(t, domain.VerdictBlock, res.ShipDecision.Decision)
	assert.Equal(t, "1 critical failure(s)", res.ShipDecision.Reason)
}

func TestCascadeBranches(t *testing.T) {
	th := DefaultThresholds()

	highs := []domain.CheckResult{pass("a")}
	for i := 0; i < 3; i++ {
		highs = append(highs, fail(fmt.Sprintf("h%d", i), domain.SeverityHigh, "tool failure"))
	}
	for i := 0; i < 100; i++ {
		highs = append(highs, pass(fmt.Sprintf("p%d", i)))
	}
	d := Decide(highs, th)
	assert.Equal(t, domain.VerdictNeedsReview, d.Decision)
	assert.Contains(t, d.Reason, "3 failure(s), 3 high severity")

	lows := []domain.CheckResult{}
	for i := 0; i < 5; i++ {
		lows = append(lows, fail(fmt.Sprintf("l%d", i), domain.SeverityLow, "schema"))
	}
	for i := 0; i < 200; i++ {
		lows = append(lows, pass(fmt.Sprintf("p%d", i)))
	}
	assert.Equal(t, domain.VerdictNeedsReview, Decide(lows, th).Decision)

	ship := []domain.CheckResult{fail("x", domain.SeverityMedium, "schema")}
	for i := 0; i < 19; i++ {
		ship = append(ship, pass(fmt.Sprintf("p%d", i)))
	}
	d = Decide(ship, th)
	assert.Equal(t, domain.VerdictShip, d.Decision)
	assert.Equal(t, "pass rate 95.0%", d.Reason)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"forbid_action_claims_without_actions: claimed action without receipt (\"sent\")", BucketReceiptMissing},
		{"receipt_validation: invalid action receipt at actions[0]: input_hash: bad", BucketEvidenceMissing},
		{"require_escalation_for_high_stakes: high-stakes request detected", BucketPolicyFailed},
		{"must_not_match_patterns: forbidden pattern \"x\" found in final_text", BucketPolicyFailed},
		{"forbid_silent_tool_failures: tool failure detected (x returned failure)", BucketToolError},
		{"output_schema: response does not match schema agent_response", BucketValidationFailed},
		{"response_contract: outputs.decision is missing", BucketValidationFailed},
		{"endpoint unreachable", BucketNetworkError},
		{`expect_decision: decision "ABSTAIN" not in [PASS]`, BucketValidationFailed},
		{`expect_decision: decision "NEEDS_REVIEW" not in [PASS]`, BucketValidationFailed},
		{`forbid_silent_tool_failures: tool failure detected ("policy_store" returned failure)`, BucketToolError},
		{"forbid_silent_tool_failures: tool failure detected (policy_store returned failure)", BucketToolError},
		{`forbid_silent_tool_failures: tool failure detected ("x) policy (" returned failure)`, BucketToolError},
		{`output_schema: response does not match schema "policy_summary"`, BucketValidationFailed},
		{"expect_policy: policy.escalate expected true", BucketPolicyFailed},
		{"something odd", BucketUncategorized},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.reason), tt.reason)
	}
	// First match wins across a combined reason.
	assert.Equal(t, BucketReceiptMissing, Classify("forbid_silent_tool_failures: tool failure detected; forbid_action_claims_without_actions: claimed action without receipt"))
}

func TestBucketsAndRootCauses(t *testing.T) {
	results := []domain.CheckResult{
		fail("t1", domain.SeverityHigh, "tool failure detected"),
		fail("n1", domain.SeverityHigh, "endpoint unreachable"),
		fail("n2", domain.SeverityHigh, "endpoint unreachable"),
		fail("r1", domain.SeverityCritical, "claimed action without receipt"),
		fail("v1", domain.SeverityLow, "schema"),
		fail("n3", domain.SeverityHigh, "endpoint unreachable"),
		fail("u1", domain.SeverityLow, "weird"),
		pass("ok"),
	}
	res := Aggregate(results, DefaultThresholds())

	names := make([]string, len(res.Buckets))
	for i, b := range res.Buckets {
		names[i] = b.Name
	}
	assert.Equal(t, []string{BucketReceiptMissing, BucketToolError, BucketValidationFailed, BucketNetworkError, BucketUncategorized}, names)

	require.Len(t, res.RootCauses, 3)
	assert.Equal(t, domain.RootCause{Bucket: BucketNetworkError, Count: 3, CaseIDs: []string{"n1", "n2", "n3"}}, res.RootCauses[0])
	assert.Equal(t, BucketReceiptMissing, res.RootCauses[1].Bucket)
	assert.Equal(t, BucketToolError, res.RootCauses[2].Bucket)
}

func genResult() gopter.Gen {
	return gopter.CombineGens(
		gen.Bool(),
		gen.OneConstOf(domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow),
		gen.OneConstOf("claimed action without receipt", "tool failure detected", "schema", "endpoint unreachable", "odd"),
	).Map(func(v []any) domain.CheckResult {
		r := domain.CheckResult{Pass: v[0].(bool), Severity: v[1].(domain.Severity)}
		if !r.Pass {
			r.Reason = v[2].(string)
		}
		return r
	})
}

func TestAggregationInvariants_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("passed + failed == total and bucket counts cover failures", prop.ForAll(
		func(results []domain.CheckResult) bool {
			for i := range results {
				results[i].CaseID = fmt.Sprintf("c%d", i)
			}
			res := Aggregate(results, DefaultThresholds())
			if res.Passed+res.Failed != res.Total || res.Total != len(results) {
				return false
			}
			n := 0
			for _, b := range res.Buckets {
				n += b.Count
				if b.Count != len(b.CaseIDs) {
					return false
				}
			}
			return n == res.Failed && len(res.RootCauses) <= MaxRootCauses
		},
		gen.SliceOf(genResult()),
	))

	properties.Property("BLOCK iff a critical failure exists", prop.ForAll(
		func(results []domain.CheckResult) bool {
			critical := false
			for _, r := range results {
				if !r.Pass && r.Severity == domain.SeverityCritical {
					critical = true
				}
			}
			blocked := Decide(results, DefaultThresholds()).Decision == domain.VerdictBlock
			return blocked == critical
		},
		gen.SliceOf(genResult()),
	))

	properties.TestingRun(t)
}
