package runner

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"failkit/internal/check"
	"failkit/internal/domain"
	"failkit/internal/executor"
	"failkit/internal/gate"
	"failkit/internal/receipt"
	"failkit/internal/schema"
)

func evaluator(t *testing.T) *check.Evaluator {
	t.Helper()
	p, err := gate.New(gate.DefaultConfig())
	require.NoError(t, err)
	return check.New(p, receipt.Validator{}, schema.NewRegistry())
}

func makeCases(n int) []domain.TestCase {
	cases := make([]domain.TestCase, n)
	for i := range cases {
		cases[i] = domain.TestCase{ID: fmt.Sprintf("CASE_%02d", i), Inputs: map[string]any{"user": "hello"}}
	}
	return cases
}

func okResponse(tc domain.TestCase) domain.Exchange {
	return domain.Exchange{
		Request:  tc.Request(),
		Response: domain.AgentResponse{Outputs: domain.Outputs{FinalText: "Hi.", Decision: domain.DecisionPass}},
	}
}

func TestResultsFollowCaseOrder(t *testing.T) {
	var inFlight, peak atomic.Int32
	exec := executor.Func(func(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return okResponse(tc), nil
	})

	cases := makeCases(20)
	out := New(exec, evaluator(t), Options{Concurrency: 3}).Run(context.Background(), cases)
	require.False(t, out.Partial)
	require.Len(t, out.Results, 20)
	for i, r := range out.Results {
		assert.Equal(t, cases[i].ID, r.CaseID)
		assert.True(t, r.Pass)
		assert.NotEmpty(t, r.StartedAt)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestTimedOutCaseDoesNotAbortRun(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
		if tc.ID == "CASE_02" {
			<-ctx.Done()
			return domain.Exchange{Request: tc.Request()}, &executor.NetworkError{CaseID: tc.ID, URL: "http://agent", Err: ctx.Err()}
		}
		return okResponse(tc), nil
	})

	var seen atomic.Int32
	r := New(exec, evaluator(t), Options{
		Concurrency: 2,
		Timeout:     50 * time.Millisecond,
		OnResult:    func(domain.TestCase, domain.CheckResult) { seen.Add(1) },
	})
	out := r.Run(context.Background(), makeCases(5))

	require.Len(t, out.Results, 5)
	assert.False(t, out.Partial)
	assert.Equal(t, int32(5), seen.Load())
	failed := out.Results[2]
	assert.False(t, failed.Pass)
	assert.Equal(t, "endpoint unreachable", failed.Reason)
	assert.Equal(t, domain.SeverityHigh, failed.Severity)
	assert.Equal(t, domain.ErrorKindNetwork, failed.ErrorKind)
	for _, i := range []int{0, 1, 3, 4} {
		assert.True(t, out.Results[i].Pass)
	}
}

func TestCancellationReturnsCompletedCases(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	exec := executor.Func(func(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
		calls.Add(1)
		if tc.ID == "CASE_00" {
			close(started)
			<-release
			if ctx.Err() != nil {
				return domain.Exchange{}, ctx.Err()
			}
		}
		return okResponse(tc), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := New(exec, evaluator(t), Options{Concurrency: 1, Timeout: 5 * time.Second})
	done := make(chan Outcome)
	go func() { done <- r.Run(ctx, makeCases(5)) }()

	<-started
	cancel()
	close(release)
	out := <-done

	assert.True(t, out.Partial)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "CASE_00", out.Results[0].CaseID)
	assert.True(t, out.Results[0].Pass)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDefaults(t *testing.T) {
	r := New(executor.Func(func(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
		return okResponse(tc), nil
	}), evaluator(t), Options{})
	assert.Equal(t, DefaultConcurrency, r.opts.Concurrency)
	assert.Equal(t, DefaultTimeout, r.opts.Timeout)

	out := r.Run(context.Background(), nil)
	assert.Empty(t, out.Results)
	assert.False(t, out.Partial)
}
