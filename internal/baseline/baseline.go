// Package baseline diffs a run against a previous one by case id.
package baseline

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"failkit/internal/domain"
)

// FromAudit indexes an audit result's check results by case id.
func FromAudit(a domain.AuditResult) domain.Baseline {
	return FromResults(a.RunID, a.Results)
}

func FromResults(runID string, results []domain.CheckResult) domain.Baseline {
	b := domain.Baseline{RunID: runID, Order: make([]string, 0, len(results)), Results: make(map[string]domain.CheckResult, len(results))}
	for _, r := range results {
		if _, dup := b.Results[r.CaseID]; !dup {
			b.Order = append(b.Order, r.CaseID)
		}
		b.Results[r.CaseID] = r
	}
	return b
}

// Load reads an exported AuditResult JSON file as a baseline.
func Load(path string) (domain.Baseline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Baseline{}, fmt.Errorf("read baseline: %w", err)
	}
	var a domain.AuditResult
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Baseline{}, fmt.Errorf("parse baseline %s: %w", path, err)
	}
	if a.Results == nil {
		return domain.Baseline{}, fmt.Errorf("parse baseline %s: no results", path)
	}
	return FromAudit(a), nil
}

// Compare reports which cases flipped between base and current. Regressions
// and fixes follow the current run's case order; new and removed ids are sorted.
func Compare(current domain.AuditResult, base domain.Baseline) domain.RegressionResult {
	out := domain.RegressionResult{
		BaselineRunID: base.RunID,
		CurrentRunID:  current.RunID,
		Regressions:   []domain.CaseDelta{},
		Fixes:         []domain.CaseDelta{},
		New:           []string{},
		Removed:       []string{},
	}
	seen := make(map[string]bool, len(current.Results))
	for _, r := range current.Results {
		if seen[r.CaseID] {
			continue
		}
		seen[r.CaseID] = true
		prev, ok := base.Results[r.CaseID]
		switch {
		case !ok:
			out.New = append(out.New, r.CaseID)
		case prev.Pass && !r.Pass:
			out.Regressions = append(out.Regressions, domain.CaseDelta{CaseID: r.CaseID, Severity: r.Severity, Reason: r.Reason})
		case !prev.Pass && r.Pass:
			out.Fixes = append(out.Fixes, domain.CaseDelta{CaseID: r.CaseID, Severity: prev.Severity, Reason: prev.Reason})
		default:
			out.Unchanged++
		}
	}
	for id := range base.Results {
		if !seen[id] {
			out.Removed = append(out.Removed, id)
		}
	}
	sort.Strings(out.New)
	sort.Strings(out.Removed)
	return out
}
