package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"failkit/internal/domain"
)

// InsertRunTx stores a finished audit run and every per-case result.
func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, projectID, actorID string, res domain.AuditResult) error {
	if res.RunID == "" {
		return errors.New("run id required")
	}
	if projectID == "" {
		return errors.New("project_id required")
	}
	buckets, err := json.Marshal(res.Buckets)
	if err != nil {
		return err
	}
	causes, err := json.Marshal(res.RootCauses)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(id,project_id,started_at,duration_ms,total,passed,failed,pass_rate,partial,decision,reason,action,buckets_json,root_causes_json,actor_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.RunID, projectID, res.StartedAt, res.DurationMS, res.Total, res.Passed, res.Failed, res.PassRate, boolInt(res.Partial),
		string(res.ShipDecision.Decision), res.ShipDecision.Reason, nullable(res.ShipDecision.Action), string(buckets), string(causes), actorID)
	if err != nil {
		return err
	}
	for i, cr := range res.Results {
		payload, err := json.Marshal(cr)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO check_results(run_id,position,case_id,pass,severity,reason,result_json) VALUES (?,?,?,?,?,?,?)`,
			res.RunID, i, cr.CaseID, boolInt(cr.Pass), string(cr.Severity), nullable(cr.Reason), string(payload)); err != nil {
			return err
		}
	}
	return nil
}

const runColumns = `id,project_id,started_at,duration_ms,total,passed,failed,pass_rate,partial,decision,reason,actor_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (domain.RunSummary, error) {
	var run domain.RunSummary
	var partial int
	var decision string
	err := s.Scan(&run.ID, &run.ProjectID, &run.StartedAt, &run.DurationMS, &run.Total, &run.Passed, &run.Failed,
		&run.PassRate, &partial, &decision, &run.Reason, &run.ActorID)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	run.Partial = partial != 0
	run.Decision = domain.Verdict(decision)
	return run, err
}

// GetRun returns a run header. An empty projectID matches any project.
func (r Repo) GetRun(ctx context.Context, projectID, runID string) (domain.RunSummary, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id=?`
	args := []any{runID}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	return scanRun(r.DB.QueryRowContext(ctx, query, args...))
}

// ListRuns returns the newest runs of a project first.
func (r Repo) ListRuns(ctx context.Context, projectID string, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id=? ORDER BY started_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RunSummary{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// LatestRun returns the most recent run of a project other than excludeID.
func (r Repo) LatestRun(ctx context.Context, projectID, excludeID string) (domain.RunSummary, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id=? AND id<>? ORDER BY started_at DESC, id DESC LIMIT 1`, projectID, excludeID))
}

// ListRunResults returns the per-case results of a run in case order.
func (r Repo) ListRunResults(ctx context.Context, runID string) ([]domain.CheckResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT result_json FROM check_results WHERE run_id=? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.CheckResult{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cr domain.CheckResult
		if err := json.Unmarshal([]byte(payload), &cr); err != nil {
			return nil, err
		}
		res = append(res, cr)
	}
	return res, rows.Err()
}

// GetAuditResult rebuilds the exported audit result of a stored run.
func (r Repo) GetAuditResult(ctx context.Context, projectID, runID string) (domain.AuditResult, error) {
	run, err := r.GetRun(ctx, projectID, runID)
	if err != nil {
		return domain.AuditResult{}, err
	}
	var action sql.NullString
	var buckets, causes string
	if err := r.DB.QueryRowContext(ctx, `SELECT action,buckets_json,root_causes_json FROM runs WHERE id=?`, runID).
		Scan(&action, &buckets, &causes); err != nil {
		return domain.AuditResult{}, err
	}
	res := domain.AuditResult{
		RunID:      run.ID,
		StartedAt:  run.StartedAt,
		DurationMS: run.DurationMS,
		Total:      run.Total,
		Passed:     run.Passed,
		Failed:     run.Failed,
		PassRate:   run.PassRate,
		Partial:    run.Partial,
		ShipDecision: domain.ShipDecision{
			Decision: run.Decision,
			Reason:   run.Reason,
			Action:   action.String,
		},
	}
	if err := json.Unmarshal([]byte(buckets), &res.Buckets); err != nil {
		return domain.AuditResult{}, err
	}
	if err := json.Unmarshal([]byte(causes), &res.RootCauses); err != nil {
		return domain.AuditResult{}, err
	}
	if res.Results, err = r.ListRunResults(ctx, runID); err != nil {
		return domain.AuditResult{}, err
	}
	return res, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
