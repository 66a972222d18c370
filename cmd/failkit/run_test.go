package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"failkit/internal/domain"
	"failkit/internal/engine"
)

func TestCheckFailOn(t *testing.T) {
	cases := []struct {
		failOn   string
		decision domain.Verdict
		fail     bool
	}{
		{"block", domain.VerdictBlock, true},
		{"block", domain.VerdictNeedsReview, false},
		{"review", domain.VerdictNeedsReview, true},
		{"review", domain.VerdictShip, false},
		{"never", domain.VerdictBlock, false},
	}
	for _, tc := range cases {
		err := checkFailOn(tc.failOn, tc.decision)
		if tc.fail {
			assert.True(t, errors.Is(err, errShipGate), "%s/%s", tc.failOn, tc.decision)
		} else {
			assert.NoError(t, err, "%s/%s", tc.failOn, tc.decision)
		}
	}
}

func TestPrintReportListsFailuresAndRegressions(t *testing.T) {
	report := engine.RunReport{
		Audit: domain.AuditResult{
			RunID: "run-1", Total: 2, Passed: 1, Failed: 1, PassRate: 0.5,
			Results: []domain.CheckResult{
				{CaseID: "ok", Pass: true, Severity: domain.SeverityLow},
				{CaseID: "claim", Severity: domain.SeverityCritical, Reason: "claimed action without receipt",
					Violations: []domain.GateViolation{{Rule: "receipt_claim"}}},
			},
			Buckets:      []domain.FailureBucket{{Name: "receipt_claim", Count: 1, CaseIDs: []string{"claim"}}},
			ShipDecision: domain.ShipDecision{Decision: domain.VerdictBlock, Reason: "1 critical failure"},
		},
		Regression: &domain.RegressionResult{BaselineRunID: "run-0", Regressions: []domain.CaseDelta{{CaseID: "claim"}}},
	}
	var buf bytes.Buffer
	printReport(&buf, report, false)
	out := buf.String()
	require.Contains(t, out, "claim")
	assert.Contains(t, out, "receipt_claim")
	assert.Contains(t, out, "regressed")
	assert.Contains(t, out, "Decision: BLOCK")
	assert.False(t, strings.Contains(out, "| ok "), "passing cases are hidden by default")
}
