package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"failkit/internal/domain"
	"failkit/internal/receipt"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FixturePath returns the replay file for a case id inside dir.
func FixturePath(dir, caseID string) string {
	return filepath.Join(dir, unsafeFileChars.ReplaceAllString(caseID, "_")+".json")
}

// fixture is the on-disk replay shape. A file holding a bare agent response
// is also accepted. ToolIO is keyed by action_id.
type fixture struct {
	Request  *domain.AgentRequest `json:"request,omitempty"`
	Response json.RawMessage      `json:"response"`
	ToolIO   map[string]ToolIO    `json:"tool_io,omitempty"`
}

// ToolIO is the actual input and output of one recorded tool call.
type ToolIO struct {
	Input  any `json:"input"`
	Output any `json:"output"`
}

// Replay answers each case from <dir>/<case_id>.json.
type Replay struct {
	Dir string
}

func (r Replay) Execute(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
	ex := domain.Exchange{Request: tc.Request()}
	path := FixturePath(r.Dir, tc.ID)
	if err := ctx.Err(); err != nil {
		return ex, &NetworkError{CaseID: tc.ID, URL: path, Err: err}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("no recorded fixture")
		}
		return ex, &NetworkError{CaseID: tc.ID, URL: path, Err: err}
	}

	body := raw
	var f fixture
	if json.Unmarshal(raw, &f) == nil && len(f.Response) > 0 {
		body = f.Response
	}
	ex.Body = body
	ex.Response, err = DecodeResponse(body)
	if err != nil {
		return ex, &ResponseError{CaseID: tc.ID, Err: err}
	}
	ex.Unverified = verifyToolIO(ex.Response.Actions, f.ToolIO)
	return ex, nil
}

func verifyToolIO(actions []domain.ActionReceipt, recorded map[string]ToolIO) []int {
	var out []int
	for i, a := range actions {
		rec, ok := recorded[a.ActionID]
		if !ok {
			continue
		}
		if match, err := receipt.VerifyHashes(a, rec.Input, rec.Output); err != nil || !match {
			out = append(out, i)
		}
	}
	return out
}

// Recorder stores every successful exchange from Next as a replay fixture.
type Recorder struct {
	Next Executor
	Dir  string
}

func (r Recorder) Execute(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
	ex, err := r.Next.Execute(ctx, tc)
	if err != nil {
		return ex, err
	}
	if err := WriteFixture(r.Dir, ex); err != nil {
		return ex, fmt.Errorf("record case %s: %w", tc.ID, err)
	}
	return ex, nil
}

// WriteFixture writes ex in the replay format.
func WriteFixture(dir string, ex domain.Exchange) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	body := ex.Body
	if len(body) == 0 {
		b, err := json.Marshal(ex.Response)
		if err != nil {
			return err
		}
		body = b
	}
	req := ex.Request
	out, err := json.MarshalIndent(fixture{Request: &req, Response: body}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(FixturePath(dir, ex.Request.CaseID), append(out, '\n'), 0o644)
}
