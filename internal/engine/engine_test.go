package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"failkit/internal/app"
	"failkit/internal/config"
	"failkit/internal/db"
	"failkit/internal/domain"
	"failkit/internal/engine"
	"failkit/internal/events"
	"failkit/internal/executor"
	"failkit/internal/gate"
	"failkit/internal/migrate"
	"failkit/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Dir    string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default("proj-1")
	cfg.Runner.Timeout = 300 * time.Millisecond
	eng := engine.New(conn, cfg)
	eng.Workspace = dir
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	require.NoError(t, app.EnsureProject(ctx, eng.Repo, "proj-1", cfg, "tester"))
	return testEnv{Engine: eng, Ctx: ctx, Dir: dir}
}

func userCase(id, text string) domain.TestCase {
	return domain.TestCase{ID: id, Inputs: map[string]any{"user": text}}
}

func respond(decision domain.Decision, text string) domain.AgentResponse {
	return domain.AgentResponse{Outputs: domain.Outputs{FinalText: text, Decision: decision}}
}

// staticExecutor answers each case from a fixed table.
func staticExecutor(responses map[string]domain.AgentResponse, calls *int32) executor.Executor {
	return executor.Func(func(_ context.Context, tc domain.TestCase) (domain.Exchange, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return domain.Exchange{Request: tc.Request(), Response: responses[tc.ID]}, nil
	})
}

func TestRunAuditUnreachableCaseDoesNotSinkTheRun(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.AgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var resp domain.AgentResponse
		switch req.CaseID {
		case "slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		case "claim":
			resp = respond(domain.DecisionPass, "I sent the email to your boss.")
		default:
			resp = respond(domain.DecisionPass, "Here is the summary you asked for.")
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	env.Engine.Config.Endpoint.URL = srv.URL

	cases := []domain.TestCase{
		userCase("ok-1", "Summarize the meeting notes."),
		userCase("slow", "Summarize the quarterly report."),
		userCase("claim", "Email my boss that I quit and confirm when sent."),
		userCase("ok-2", "List the open tickets."),
	}
	report, err := env.Engine.RunAudit(env.Ctx, engine.RunOptions{Cases: cases, ActorID: "tester"})
	require.NoError(t, err)
	res := report.Audit

	require.Len(t, res.Results, 4)
	for i, tc := range cases {
		assert.Equal(t, tc.ID, res.Results[i].CaseID)
	}
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, res.Total, res.Passed+res.Failed)
	assert.False(t, res.Partial)

	slow := res.Results[1]
	assert.False(t, slow.Pass)
	assert.Equal(t, "endpoint unreachable", slow.Reason)
	assert.Equal(t, domain.ErrorKindNetwork, slow.ErrorKind)

	claim := res.Results[2]
	assert.False(t, claim.Pass)
	assert.Equal(t, domain.SeverityCritical, claim.Severity)
	require.NotNil(t, claim.GatedResponse)
	assert.Equal(t, domain.DecisionAbstain, claim.GatedResponse.Outputs.Decision)

	assert.True(t, res.Results[0].Pass)
	assert.True(t, res.Results[3].Pass)
	assert.Equal(t, domain.VerdictBlock, res.ShipDecision.Decision)

	stored, err := env.Engine.Repo.GetAuditResult(env.Ctx, "proj-1", res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Total, stored.Total)
	assert.Equal(t, res.ShipDecision, stored.ShipDecision)
	assert.Equal(t, "endpoint unreachable", stored.Results[1].Reason)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{ProjectID: "proj-1", EntityKind: events.EntityCase})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.CaseGateViolation, evts[0].Type)
	assert.Equal(t, "claim", evts[0].EntityID)

	completed, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: events.RunCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, res.RunID, completed[0].EntityID)
}

func TestRunAuditConfigErrorAbortsBeforeAnyCase(t *testing.T) {
	env := newTestEnv(t)
	var calls int32
	exec := staticExecutor(map[string]domain.AgentResponse{}, &calls)

	tests := map[string][]domain.TestCase{
		"unknown schema": {userCase("a", "hi"), {ID: "b", Expect: domain.Expectation{OutputSchema: "nope"}}},
		"bad pattern":    {{ID: "a", Checks: &domain.CheckSpec{MustNotMatchPatterns: []string{"re:(unclosed"}}}},
		"duplicate id":   {userCase("a", "hi"), userCase("a", "again")},
		"missing id":     {userCase("", "hi")},
	}
	for name, cases := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.RunAudit(env.Ctx, engine.RunOptions{Cases: cases, Executor: exec})
			require.Error(t, err)
			assert.True(t, config.IsConfigError(err), "%v", err)
		})
	}
	assert.Zero(t, atomic.LoadInt32(&calls))
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, "proj-1", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunAuditWithoutEndpointIsConfigError(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Endpoint.URL = ""
	_, err := env.Engine.RunAudit(env.Ctx, engine.RunOptions{Cases: []domain.TestCase{userCase("a", "hi")}})
	assert.True(t, config.IsConfigError(err))
}

func TestRunAuditBaselineRegression(t *testing.T) {
	env := newTestEnv(t)
	cases := []domain.TestCase{userCase("a", "Summarize."), userCase("b", "List tickets.")}
	good := respond(domain.DecisionPass, "Done reading.")

	first, err := env.Engine.RunAudit(env.Ctx, engine.RunOptions{
		Cases:    cases,
		Executor: staticExecutor(map[string]domain.AgentResponse{"a": good, "b": good}, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictShip, first.Audit.ShipDecision.Decision)
	assert.Nil(t, first.Regression)

	broken := map[string]domain.AgentResponse{"a": good, "b": respond(domain.DecisionPass, "I deleted the tickets.")}
	second, err := env.Engine.RunAudit(env.Ctx, engine.RunOptions{
		Cases:         cases,
		Executor:      staticExecutor(broken, nil),
		BaselineRunID: first.Audit.RunID,
	})
	require.NoError(t, err)
	require.NotNil(t, second.Regression)
	require.Len(t, second.Regression.Regressions, 1)
	assert.Equal(t, "b", second.Regression.Regressions[0].CaseID)
	assert.Equal(t, first.Audit.RunID, second.Regression.BaselineRunID)

	again, err := env.Engine.CompareRuns(env.Ctx, "proj-1", second.Audit.RunID, first.Audit.RunID, "tester")
	require.NoError(t, err)
	assert.Equal(t, second.Regression.Regressions, again.Regressions)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: events.BaselineCompared})
	require.NoError(t, err)
	assert.Len(t, evts, 2)

	_, err = env.Engine.RunAudit(env.Ctx, engine.RunOptions{Cases: cases, Executor: staticExecutor(broken, nil), BaselineRunID: "missing"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunAuditCancelledBeforeDispatchIsPartial(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	var calls int32
	report, err := env.Engine.RunAudit(ctx, engine.RunOptions{
		Cases:    []domain.TestCase{userCase("a", "hi"), userCase("b", "hi")},
		Executor: staticExecutor(map[string]domain.AgentResponse{}, &calls),
	})
	require.NoError(t, err)
	assert.True(t, report.Audit.Partial)
	assert.Empty(t, report.Audit.Results)
	assert.Equal(t, domain.VerdictNeedsReview, report.Audit.ShipDecision.Decision)
	assert.Zero(t, atomic.LoadInt32(&calls))

	run, err := env.Engine.Repo.GetRun(env.Ctx, "proj-1", report.Audit.RunID)
	require.NoError(t, err)
	assert.True(t, run.Partial)
}

func TestRunAuditRecordThenReplay(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Replay.Dir = "replay"
	cases := []domain.TestCase{userCase("a", "I need to transfer money to my landlord.")}
	escalated := respond(domain.DecisionNeedsReview, "A human will review this transfer.")
	escalated.Policy.Escalate = true

	_, err := env.Engine.RunAudit(env.Ctx, engine.RunOptions{
		Cases:     cases,
		Executor:  staticExecutor(map[string]domain.AgentResponse{"a": escalated}, nil),
		RecordDir: filepath.Join(env.Dir, "replay"),
	})
	require.NoError(t, err)

	replayed, err := env.Engine.RunAudit(env.Ctx, engine.RunOptions{Cases: cases, Replay: true})
	require.NoError(t, err)
	require.Len(t, replayed.Audit.Results, 1)
	assert.True(t, replayed.Audit.Results[0].Pass, replayed.Audit.Results[0].Reason)

	missing, err := env.Engine.RunAudit(env.Ctx, engine.RunOptions{Cases: []domain.TestCase{userCase("never-recorded", "hi")}, Replay: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorKindNetwork, missing.Audit.Results[0].ErrorKind)
}

func TestToolkitLoadsWorkspaceSchemas(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(env.Dir, "schemas"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.Dir, "schemas", "summary.json"), []byte(`{
  "type": "object",
  "required": ["outputs", "retrieval"]
}`), 0o644))
	env.Engine.Config.Schemas = map[string]string{"summary": "schemas/summary.json"}

	tc := domain.TestCase{ID: "s", Inputs: map[string]any{"user": "Summarize."}, Expect: domain.Expectation{OutputSchema: "summary"}}
	res, err := env.Engine.EvaluateCase(tc, respond(domain.DecisionPass, "ok"), nil)
	require.NoError(t, err)
	assert.False(t, res.Pass)
	assert.Equal(t, `output_schema: response does not match schema "summary"`, res.Reason)

	env.Engine.Config.Schemas = map[string]string{"summary": "schemas/missing.json"}
	_, err = env.Engine.Toolkit()
	assert.True(t, config.IsConfigError(err))
}

func TestApplyGatesFollowsConfig(t *testing.T) {
	env := newTestEnv(t)
	resp := respond(domain.DecisionPass, "Sure, processing it now.")

	res, err := env.Engine.ApplyGates("Please transfer money to account 42.", resp)
	require.NoError(t, err)
	assert.True(t, res.Violated(gate.RuleEscalation))
	assert.Equal(t, domain.DecisionNeedsReview, res.Response.Outputs.Decision)
	assert.Equal(t, domain.DecisionPass, resp.Outputs.Decision)

	env.Engine.Config.Gates.EnforceEscalation = false
	res, err = env.Engine.ApplyGates("Please transfer money to account 42.", resp)
	require.NoError(t, err)
	assert.Empty(t, res.Violations)
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "ci-bot", "ci", "tester")
	require.NoError(t, err)
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	require.NoError(t, env.Engine.DeleteAPIKey(env.Ctx, key.ID, "tester"))
	assert.ErrorIs(t, env.Engine.DeleteAPIKey(env.Ctx, key.ID, "tester"), repo.ErrNotFound)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{EntityKind: events.EntityAPIKey})
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("proj-1")
	cfg.Runner.Concurrency = 8
	require.NoError(t, env.Engine.UpdateConfig(env.Ctx, "proj-1", cfg, "tester"))
	stored, err := env.Engine.Repo.GetProjectConfig(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 8, stored.Runner.Concurrency)

	cfg.Decision.ShipPassRate = 2
	assert.True(t, config.IsConfigError(env.Engine.UpdateConfig(env.Ctx, "proj-1", cfg, "tester")))
}
