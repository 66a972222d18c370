package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"failkit/internal/audit"
	"failkit/internal/baseline"
	"failkit/internal/check"
	"failkit/internal/config"
	"failkit/internal/domain"
	"failkit/internal/events"
	"failkit/internal/executor"
	"failkit/internal/gate"
	"failkit/internal/receipt"
	"failkit/internal/repo"
	"failkit/internal/runner"
	"failkit/internal/schema"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	// Workspace anchors relative schema and replay paths.
	Workspace string
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) path(p string) string {
	if p == "" || filepath.IsAbs(p) || e.Workspace == "" {
		return p
	}
	return filepath.Join(e.Workspace, p)
}

// Toolkit is the set of pure components built from one config. It holds no
// state between runs and is safe for concurrent use.
type Toolkit struct {
	Receipts   receipt.Validator
	Gates      *gate.Pipeline
	Schemas    *schema.Registry
	Evaluator  *check.Evaluator
	Thresholds audit.Thresholds
}

// Toolkit builds the validator, gate pipeline, schema registry and evaluator
// for the engine config. Every failure is a config error.
func (e Engine) Toolkit() (*Toolkit, error) {
	if e.Config == nil {
		return nil, config.Wrap("", errors.New("config not loaded"))
	}
	cfg := e.Config
	opts, err := cfg.ReceiptOptions()
	if err != nil {
		return nil, err
	}
	validator := receipt.NewValidator(opts)
	gates, err := gate.New(cfg.GateConfig(validator))
	if err != nil {
		return nil, config.Wrap("gates", err)
	}
	schemas := schema.NewRegistry()
	for name, p := range cfg.Schemas {
		if err := schemas.LoadFile(name, e.path(p)); err != nil {
			return nil, config.Wrap("schemas."+name, err)
		}
	}
	return &Toolkit{
		Receipts:  validator,
		Gates:     gates,
		Schemas:   schemas,
		Evaluator: check.New(gates, validator, schemas),
		Thresholds: audit.Thresholds{
			MaxHighFailures: cfg.Decision.MaxHighFailures,
			MaxFailures:     cfg.Decision.MaxFailures,
			ShipPassRate:    cfg.Decision.ShipPassRate,
		},
	}, nil
}

// ValidateCases rejects malformed cases and duplicate ids before anything runs.
func (t *Toolkit) ValidateCases(cases []domain.TestCase) error {
	seen := make(map[string]bool, len(cases))
	for _, tc := range cases {
		if err := check.ValidateCase(tc, t.Schemas); err != nil {
			return config.Wrap("cases", err)
		}
		if seen[tc.ID] {
			return config.Wrap("cases", fmt.Errorf("duplicate case id %q", tc.ID))
		}
		seen[tc.ID] = true
	}
	return nil
}

// RunOptions are parameters for an audit run.
type RunOptions struct {
	ProjectID string
	ActorID   string
	Cases     []domain.TestCase
	// Executor replaces the configured endpoint when set.
	Executor executor.Executor
	// Replay answers from recorded fixtures in the configured replay dir.
	Replay bool
	// RecordDir stores every successful exchange as a replay fixture.
	RecordDir string
	// Baseline, or BaselineRunID, is compared against the finished run.
	Baseline      *domain.Baseline
	BaselineRunID string
	OnResult      func(tc domain.TestCase, r domain.CheckResult)
}

// RunReport is the outcome of RunAudit.
type RunReport struct {
	Audit      domain.AuditResult       `json:"audit"`
	Regression *domain.RegressionResult `json:"regression,omitempty"`
}

// RunAudit validates cases, runs them through the worker pool, aggregates
// the results and persists the run. Config errors abort before any case runs.
// A cancelled ctx yields a partial run over the completed cases.
func (e Engine) RunAudit(ctx context.Context, opts RunOptions) (RunReport, error) {
	tk, err := e.Toolkit()
	if err != nil {
		return RunReport{}, err
	}
	projectID := opts.ProjectID
	if projectID == "" {
		projectID = e.Config.Project.ID
	}
	if projectID == "" {
		return RunReport{}, errors.New("project is required")
	}
	if err := tk.ValidateCases(opts.Cases); err != nil {
		return RunReport{}, err
	}
	exec, err := e.executor(opts)
	if err != nil {
		return RunReport{}, err
	}
	base, err := e.resolveBaseline(ctx, projectID, opts)
	if err != nil {
		return RunReport{}, err
	}

	// Bookkeeping outlives cancellation; partial runs are still results.
	store := context.WithoutCancel(ctx)
	log := e.logger()
	runID := uuid.NewString()
	started := e.now().UTC()
	if err := e.Events.Append(store, nil, events.RunStarted, projectID, events.EntityRun, runID, opts.ActorID,
		events.EventPayload{"cases": len(opts.Cases)}); err != nil {
		return RunReport{}, err
	}
	log.Info("audit run started", "run_id", runID, "project_id", projectID, "cases", len(opts.Cases),
		"concurrency", e.Config.Runner.Concurrency)

	r := runner.New(exec, tk.Evaluator, runner.Options{
		Concurrency: e.Config.Runner.Concurrency,
		Timeout:     e.Config.Runner.Timeout,
		Now:         e.now,
		OnResult: func(tc domain.TestCase, res domain.CheckResult) {
			recordCase(res)
			for _, v := range res.Violations {
				log.Warn("gate violation", "case_id", res.CaseID, "rule", v.Rule, "reason", v.Reason)
			}
			log.Debug("case finished", "case_id", res.CaseID, "pass", res.Pass, "severity", res.Severity,
				"duration_ms", res.DurationMS)
			if opts.OnResult != nil {
				opts.OnResult(tc, res)
			}
		},
	})
	outcome := r.Run(ctx, opts.Cases)

	res := audit.Aggregate(outcome.Results, tk.Thresholds)
	res.RunID = runID
	res.StartedAt = started.Format(time.RFC3339Nano)
	res.DurationMS = e.now().UTC().Sub(started).Milliseconds()
	res.Partial = outcome.Partial

	if err := e.persistRun(store, projectID, opts.ActorID, res); err != nil {
		return RunReport{Audit: res}, err
	}
	shipDecisions.WithLabelValues(string(res.ShipDecision.Decision)).Inc()
	log.Info("audit run completed", "run_id", runID, "total", res.Total, "passed", res.Passed, "failed", res.Failed,
		"pass_rate", res.PassRate, "decision", res.ShipDecision.Decision, "partial", res.Partial)

	report := RunReport{Audit: res}
	if base != nil {
		diff, err := e.compare(store, projectID, opts.ActorID, res, *base)
		if err != nil {
			return report, err
		}
		report.Regression = &diff
	}
	return report, nil
}

func (e Engine) executor(opts RunOptions) (executor.Executor, error) {
	cfg := e.Config
	exec := opts.Executor
	switch {
	case exec != nil:
	case opts.Replay:
		if cfg.Replay.Dir == "" {
			return nil, config.Wrap("replay.dir", errors.New("is required for replay"))
		}
		exec = executor.Replay{Dir: e.path(cfg.Replay.Dir)}
	default:
		if cfg.Endpoint.URL == "" {
			return nil, config.Wrap("endpoint.url", errors.New("is required"))
		}
		exec = executor.NewHTTP(executor.HTTPOptions{
			URL:       cfg.Endpoint.URL,
			Headers:   cfg.Endpoint.Headers,
			Timeout:   cfg.Endpoint.Timeout,
			RateLimit: cfg.Runner.RateLimit,
			Burst:     cfg.Runner.Burst,
		})
	}
	exec = executor.WithRetry(exec, cfg.Runner.Retries+1, cfg.Runner.RetryBackoff)
	if opts.RecordDir != "" {
		exec = executor.Recorder{Next: exec, Dir: opts.RecordDir}
	}
	return exec, nil
}

func (e Engine) resolveBaseline(ctx context.Context, projectID string, opts RunOptions) (*domain.Baseline, error) {
	if opts.Baseline != nil {
		return opts.Baseline, nil
	}
	if opts.BaselineRunID == "" {
		return nil, nil
	}
	prev, err := e.Repo.GetAuditResult(ctx, projectID, opts.BaselineRunID)
	if err != nil {
		return nil, fmt.Errorf("baseline run %s: %w", opts.BaselineRunID, err)
	}
	b := baseline.FromAudit(prev)
	return &b, nil
}

func (e Engine) persistRun(ctx context.Context, projectID, actorID string, res domain.AuditResult) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, projectID, actorID, res); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, cr := range res.Results {
		if len(cr.Violations) == 0 {
			continue
		}
		rules := make([]string, 0, len(cr.Violations))
		for _, v := range cr.Violations {
			rules = append(rules, v.Rule)
		}
		if err := e.Events.Append(ctx, tx, events.CaseGateViolation, projectID, events.EntityCase, cr.CaseID, actorID,
			events.EventPayload{"run_id": res.RunID, "rules": rules, "pass": cr.Pass}); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.RunCompleted, projectID, events.EntityRun, res.RunID, actorID, events.EventPayload{
		"total":     res.Total,
		"passed":    res.Passed,
		"failed":    res.Failed,
		"pass_rate": res.PassRate,
		"partial":   res.Partial,
		"decision":  res.ShipDecision.Decision,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) compare(ctx context.Context, projectID, actorID string, current domain.AuditResult, base domain.Baseline) (domain.RegressionResult, error) {
	diff := baseline.Compare(current, base)
	regressionsTotal.Add(float64(len(diff.Regressions)))
	if diff.HasRegressions() {
		e.logger().Warn("regressions against baseline", "run_id", current.RunID, "baseline_run_id", base.RunID,
			"regressions", len(diff.Regressions))
	}
	if current.RunID == "" {
		return diff, nil
	}
	err := e.Events.Append(ctx, nil, events.BaselineCompared, projectID, events.EntityRun, current.RunID, actorID, events.EventPayload{
		"baseline_run_id": base.RunID,
		"regressions":     len(diff.Regressions),
		"fixes":           len(diff.Fixes),
		"new":             len(diff.New),
		"removed":         len(diff.Removed),
	})
	return diff, err
}

// CompareRuns diffs two stored runs of a project.
func (e Engine) CompareRuns(ctx context.Context, projectID, runID, baselineRunID, actorID string) (domain.RegressionResult, error) {
	current, err := e.Repo.GetAuditResult(ctx, projectID, runID)
	if err != nil {
		return domain.RegressionResult{}, fmt.Errorf("run %s: %w", runID, err)
	}
	prev, err := e.Repo.GetAuditResult(ctx, projectID, baselineRunID)
	if err != nil {
		return domain.RegressionResult{}, fmt.Errorf("baseline run %s: %w", baselineRunID, err)
	}
	return e.compare(ctx, projectID, actorID, current, baseline.FromAudit(prev))
}

// CompareBaseline diffs a stored run against an exported baseline.
func (e Engine) CompareBaseline(ctx context.Context, projectID, runID, actorID string, base domain.Baseline) (domain.RegressionResult, error) {
	current, err := e.Repo.GetAuditResult(ctx, projectID, runID)
	if err != nil {
		return domain.RegressionResult{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return e.compare(ctx, projectID, actorID, current, base)
}

// ApplyGates runs the configured gate pipeline over one response.
func (e Engine) ApplyGates(requestText string, resp domain.AgentResponse) (gate.Result, error) {
	tk, err := e.Toolkit()
	if err != nil {
		return gate.Result{}, err
	}
	return tk.Gates.Apply(requestText, resp), nil
}

// EvaluateCase checks an already obtained response against a case. body is
// the raw response used for schema checks; it may be empty.
func (e Engine) EvaluateCase(tc domain.TestCase, resp domain.AgentResponse, body []byte) (domain.CheckResult, error) {
	tk, err := e.Toolkit()
	if err != nil {
		return domain.CheckResult{}, err
	}
	if err := tk.ValidateCases([]domain.TestCase{tc}); err != nil {
		return domain.CheckResult{}, err
	}
	res := tk.Evaluator.Evaluate(tc, domain.Exchange{Request: tc.Request(), Response: resp, Body: body})
	recordCase(res)
	return res, nil
}

// UpdateConfig validates and stores a project's config.
func (e Engine) UpdateConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ConfigUpdated, projectID, events.EntityProject, projectID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey issues a key for actorID and returns the raw secret once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, createdBy string) (domain.APIKey, string, error) {
	key, secret, err := repo.NewAPIKey(actorID, name)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", events.EntityAPIKey, key.ID, createdBy,
		events.EventPayload{"actor_id": actorID, "name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyDeleted, "", events.EntityAPIKey, id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
