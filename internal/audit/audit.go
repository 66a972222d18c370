// Package audit folds per-case results into an AuditResult and derives the
// run's ship decision.
package audit

import (
	"fmt"
	"math"

	"failkit/internal/domain"
)

const MaxRootCauses = 3

// Thresholds tune the ship-decision cascade.
type Thresholds struct {
	MaxHighFailures int
	MaxFailures     int
	ShipPassRate    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MaxHighFailures: 3, MaxFailures: 5, ShipPassRate: 0.95}
}

// Aggregate builds the AuditResult for results, which stay in the given order.
func Aggregate(results []domain.CheckResult, th Thresholds) domain.AuditResult {
	if results == nil {
		results = []domain.CheckResult{}
	}
	out := domain.AuditResult{Total: len(results), Results: results}
	for _, r := range results {
		if r.Pass {
			out.Passed++
		} else {
			out.Failed++
		}
	}
	out.PassRate = passRate(out.Passed, out.Total)
	out.Buckets = BucketFailures(results)
	out.RootCauses = RootCauses(out.Buckets, MaxRootCauses)
	out.ShipDecision = Decide(results, th)
	return out
}

// Decide runs the priority cascade and returns at the first matching branch.
func Decide(results []domain.CheckResult, th Thresholds) domain.ShipDecision {
	total := len(results)
	if total == 0 {
		return domain.ShipDecision{
			Decision: domain.VerdictNeedsReview,
			Reason:   "no cases run",
			Action:   "Add cases to the suite and run the audit again.",
		}
	}

	critical := 0
	for _, r := range results {
		if !r.Pass && r.Severity == domain.SeverityCritical {
			critical++
		}
	}
	if critical > 0 {
		return domain.ShipDecision{
			Decision: domain.VerdictBlock,
			Reason:   fmt.Sprintf("%d critical failure(s)", critical),
			Action:   "Fix the critical failures before deploying.",
		}
	}

	passed, failed, high := 0, 0, 0
	for _, r := range results {
		switch {
		case r.Pass:
			passed++
		case r.Severity == domain.SeverityHigh:
			failed++
			high++
		default:
			failed++
		}
	}
	rate := passRate(passed, total)
	if high >= th.MaxHighFailures || failed >= th.MaxFailures {
		return domain.ShipDecision{
			Decision: domain.VerdictNeedsReview,
			Reason:   fmt.Sprintf("pass rate %s with %d failure(s), %d high severity", percent(rate), failed, high),
			Action:   "Review the high-severity failures before deploying.",
		}
	}
	if rate >= th.ShipPassRate {
		return domain.ShipDecision{
			Decision: domain.VerdictShip,
			Reason:   fmt.Sprintf("pass rate %s", percent(rate)),
			Action:   "Safe to deploy.",
		}
	}
	return domain.ShipDecision{
		Decision: domain.VerdictNeedsReview,
		Reason:   fmt.Sprintf("pass rate %s below %s", percent(rate), percent(th.ShipPassRate)),
		Action:   "Review the failing cases before deploying.",
	}
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(passed)/float64(total)*10000) / 10000
}

func percent(rate float64) string {
	return fmt.Sprintf("%.1f%%", rate*100)
}
