package domain

import "fmt"

// Severity classifies how bad a failed case is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities; higher is worse. Unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AtLeast returns the worse of s and floor.
func (s Severity) AtLeast(floor Severity) Severity {
	if floor.Rank() > s.Rank() {
		return floor
	}
	return s
}

// ParseSeverity validates a severity name.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(v)
	if s.Rank() == 0 {
		return "", fmt.Errorf("invalid severity %q (must be critical, high, medium or low)", v)
	}
	return s, nil
}

// ErrorKind tags failed results that came from an execution error rather
// than a failed check.
type ErrorKind string

const (
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindValidation ErrorKind = "validation"
)

// GateViolation records which gate rule rewrote a response.
type GateViolation struct {
	Rule     string `json:"rule"`
	Reason   string `json:"reason"`
	Category string `json:"category,omitempty"`
}

// CheckResult is one case's verdict. Reason is non-empty exactly when Pass is false.
type CheckResult struct {
	CaseID        string          `json:"case_id"`
	Pass          bool            `json:"pass"`
	Severity      Severity        `json:"severity"`
	Reason        string          `json:"reason,omitempty"`
	FailedChecks  []string        `json:"failed_checks,omitempty"`
	Violations    []GateViolation `json:"violations,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     string          `json:"started_at,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	Request       *AgentRequest   `json:"request,omitempty"`
	Response      *AgentResponse  `json:"response,omitempty"`
	GatedResponse *AgentResponse  `json:"gated_response,omitempty"`
}

// FailureBucket groups failed results sharing a root-cause category.
type FailureBucket struct {
	Name    string   `json:"name"`
	Count   int      `json:"count"`
	CaseIDs []string `json:"case_ids"`
}

// RootCause is a bucket ranked among the most frequent failure causes.
type RootCause struct {
	Bucket  string   `json:"bucket"`
	Count   int      `json:"count"`
	CaseIDs []string `json:"case_ids"`
}

// Verdict is the run-level deployment decision.
type Verdict string

const (
	VerdictBlock       Verdict = "BLOCK"
	VerdictNeedsReview Verdict = "NEEDS_REVIEW"
	VerdictShip        Verdict = "SHIP"
)

type ShipDecision struct {
	Decision Verdict `json:"decision"`
	Reason   string  `json:"reason"`
	Action   string  `json:"action"`
}

// AuditResult is the exported result of a full run.
type AuditResult struct {
	RunID        string          `json:"runId,omitempty"`
	StartedAt    string          `json:"startedAt,omitempty"`
	DurationMS   int64           `json:"durationMs"`
	Total        int             `json:"total"`
	Passed       int             `json:"passed"`
	Failed       int             `json:"failed"`
	PassRate     float64         `json:"passRate"`
	Partial      bool            `json:"partial,omitempty"`
	Results      []CheckResult   `json:"results"`
	Buckets      []FailureBucket `json:"buckets"`
	RootCauses   []RootCause     `json:"rootCauses"`
	ShipDecision ShipDecision    `json:"shipDecision"`
}

// Baseline holds a previous run's results keyed by case id.
type Baseline struct {
	RunID   string                 `json:"run_id,omitempty"`
	Order   []string               `json:"order"`
	Results map[string]CheckResult `json:"results"`
}

// CaseDelta describes a case whose verdict flipped between runs.
type CaseDelta struct {
	CaseID   string   `json:"case_id"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason,omitempty"`
}

type RegressionResult struct {
	BaselineRunID string      `json:"baseline_run_id,omitempty"`
	CurrentRunID  string      `json:"current_run_id,omitempty"`
	Regressions   []CaseDelta `json:"regressions"`
	Fixes         []CaseDelta `json:"fixes"`
	New           []string    `json:"new"`
	Removed       []string    `json:"removed"`
	Unchanged     int         `json:"unchanged"`
}

// HasRegressions reports whether any case flipped from pass to fail.
func (r RegressionResult) HasRegressions() bool {
	return len(r.Regressions) > 0
}
