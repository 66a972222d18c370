// Package executor dispatches test cases to the endpoint under test, or to a
// recorded replay, and returns the raw pre-gate response.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"failkit/internal/domain"
)

// Executor runs one case. Errors are either *NetworkError (the endpoint could
// not be reached in time) or *ResponseError (it answered with something that
// is not an agent response).
type Executor interface {
	Execute(ctx context.Context, tc domain.TestCase) (domain.Exchange, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, tc domain.TestCase) (domain.Exchange, error)

func (f Func) Execute(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
	return f(ctx, tc)
}

// NetworkError reports an unreachable endpoint, a non-2xx status, a timeout,
// or a missing replay fixture.
type NetworkError struct {
	CaseID     string
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("case %s: %s returned status %d", e.CaseID, e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("case %s: %s: %v", e.CaseID, e.URL, e.Err)
	}
	return fmt.Sprintf("case %s: %s unreachable", e.CaseID, e.URL)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *NetworkError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ResponseError reports a reachable endpoint that returned an undecodable body.
type ResponseError struct {
	CaseID string
	Err    error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("case %s: invalid response body: %v", e.CaseID, e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a *NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// DecodeResponse parses an agent response body. Unknown fields are kept in the
// raw body and ignored here.
func DecodeResponse(body []byte) (domain.AgentResponse, error) {
	var resp domain.AgentResponse
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return resp, errors.New("empty body")
	}
	if trimmed[0] != '{' {
		return resp, errors.New("body is not a JSON object")
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}
