package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"failkit/internal/domain"
)

var (
	// casesTotal counts evaluated cases.
	// Labels: result (pass, fail, network_error, validation_error)
	casesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "failkit",
		Subsystem: "audit",
		Name:      "cases_total",
		Help:      "Total cases evaluated by result",
	}, []string{"result"})

	// caseDuration measures per-case wall time including the endpoint call.
	caseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "failkit",
		Subsystem: "audit",
		Name:      "case_duration_seconds",
		Help:      "Per-case execution and evaluation time in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// gateViolations counts responses rewritten by a gate.
	// Labels: rule (receipt_claim, tool_failure, escalation)
	gateViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "failkit",
		Subsystem: "gate",
		Name:      "violations_total",
		Help:      "Total gate violations by rule",
	}, []string{"rule"})

	// shipDecisions counts run verdicts.
	// Labels: decision (BLOCK, NEEDS_REVIEW, SHIP)
	shipDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "failkit",
		Subsystem: "audit",
		Name:      "ship_decisions_total",
		Help:      "Total run ship decisions by verdict",
	}, []string{"decision"})

	regressionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "failkit",
		Subsystem: "baseline",
		Name:      "regressions_total",
		Help:      "Total cases that flipped from pass to fail against a baseline",
	})
)

func resultLabel(r domain.CheckResult) string {
	switch {
	case r.Pass:
		return "pass"
	case r.ErrorKind == domain.ErrorKindNetwork:
		return "network_error"
	case r.ErrorKind == domain.ErrorKindValidation:
		return "validation_error"
	}
	return "fail"
}

func recordCase(r domain.CheckResult) {
	casesTotal.WithLabelValues(resultLabel(r)).Inc()
	caseDuration.Observe(float64(r.DurationMS) / 1000)
	for _, v := range r.Violations {
		gateViolations.WithLabelValues(v.Rule).Inc()
	}
}
