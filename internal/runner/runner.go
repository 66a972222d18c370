// Package runner executes cases through a bounded worker pool.
//
// Each worker runs executor, gate pipeline and check evaluator for one case
// with its own timeout. Results land in a slice indexed by case order, so the
// output does not depend on scheduling. Cancelling the parent context stops
// dispatch; cases already in flight run to completion or to their timeout.
package runner

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"failkit/internal/check"
	"failkit/internal/domain"
	"failkit/internal/executor"
)

const (
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second
)

type Options struct {
	Concurrency int
	Timeout     time.Duration
	Now         func() time.Time
	// OnResult is called from worker goroutines as each case finishes.
	OnResult func(tc domain.TestCase, r domain.CheckResult)
}

type Runner struct {
	exec executor.Executor
	eval *check.Evaluator
	opts Options
}

func New(exec executor.Executor, eval *check.Evaluator, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{exec: exec, eval: eval, opts: opts}
}

// Outcome holds results in case order. When Partial is set, Results covers
// only the cases that were dispatched before cancellation.
type Outcome struct {
	Results []domain.CheckResult
	Partial bool
}

func (r *Runner) Run(ctx context.Context, cases []domain.TestCase) Outcome {
	results := make([]domain.CheckResult, len(cases))
	done := make([]bool, len(cases))
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)

	for i, tc := range cases {
		if ctx.Err() != nil {
			break
		}
		// Go blocks while the pool is full, so a slot can open after
		// cancellation; the worker re-checks before starting the case.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = r.RunCase(ctx, tc)
			done[i] = true
			if r.opts.OnResult != nil {
				r.opts.OnResult(tc, results[i])
			}
			return nil
		})
	}

	// Workers never return errors; a failed case is a failed CheckResult.
	_ = g.Wait()

	completed := make([]domain.CheckResult, 0, len(cases))
	for i := range cases {
		if done[i] {
			completed = append(completed, results[i])
		}
	}
	if len(completed) == len(cases) {
		return Outcome{Results: results}
	}
	return Outcome{Results: completed, Partial: true}
}

// RunCase executes and evaluates a single case. Parent cancellation does not
// interrupt it; only its own timeout does.
func (r *Runner) RunCase(parent context.Context, tc domain.TestCase) domain.CheckResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.opts.Timeout)
	defer cancel()

	start := r.opts.Now()
	ex, err := r.exec.Execute(ctx, tc)
	var result domain.CheckResult
	if err != nil {
		req := ex.Request
		if req.CaseID == "" {
			req = tc.Request()
		}
		result = r.eval.Failure(tc, req, err)
	} else {
		result = r.eval.Evaluate(tc, ex)
	}
	result.StartedAt = start.UTC().Format(time.RFC3339Nano)
	result.DurationMS = r.opts.Now().Sub(start).Milliseconds()
	return result
}
