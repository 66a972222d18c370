package failkitsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal failkit HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   60 * time.Second,
	}
}

// Case is a test case as accepted by the runs endpoint (partial).
type Case struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Expect      map[string]any `json:"expect,omitempty"`
	Checks      map[string]any `json:"checks,omitempty"`
}

// GateViolation names the gate rule that rewrote a response.
type GateViolation struct {
	Rule     string `json:"rule"`
	Reason   string `json:"reason"`
	Category string `json:"category,omitempty"`
}

// CheckResult is one case's verdict (partial).
type CheckResult struct {
	CaseID       string          `json:"case_id"`
	Pass         bool            `json:"pass"`
	Severity     string          `json:"severity"`
	Reason       string          `json:"reason,omitempty"`
	FailedChecks []string        `json:"failed_checks,omitempty"`
	Violations   []GateViolation `json:"violations,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
}

type ShipDecision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Action   string `json:"action"`
}

// AuditResult is a full run.
type AuditResult struct {
	RunID        string        `json:"runId"`
	StartedAt    string        `json:"startedAt"`
	Total        int           `json:"total"`
	Passed       int           `json:"passed"`
	Failed       int           `json:"failed"`
	PassRate     float64       `json:"passRate"`
	Partial      bool          `json:"partial,omitempty"`
	Results      []CheckResult `json:"results"`
	ShipDecision ShipDecision  `json:"shipDecision"`
}

type CaseDelta struct {
	CaseID   string `json:"case_id"`
	Severity string `json:"severity"`
	Reason   string `json:"reason,omitempty"`
}

// Regression lists cases that flipped between a run and its baseline.
type Regression struct {
	BaselineRunID string      `json:"baseline_run_id"`
	CurrentRunID  string      `json:"current_run_id"`
	Regressions   []CaseDelta `json:"regressions"`
	Fixes         []CaseDelta `json:"fixes"`
	New           []string    `json:"new"`
	Removed       []string    `json:"removed"`
	Unchanged     int         `json:"unchanged"`
}

// RunReport is returned when a run is created.
type RunReport struct {
	Audit      AuditResult `json:"audit"`
	Regression *Regression `json:"regression,omitempty"`
}

// RunSummary is one row of the run history.
type RunSummary struct {
	ID        string  `json:"id"`
	StartedAt string  `json:"started_at"`
	Total     int     `json:"total"`
	Passed    int     `json:"passed"`
	PassRate  float64 `json:"pass_rate"`
	Partial   bool    `json:"partial"`
	Decision  string  `json:"decision"`
}

// ReceiptResult is the outcome of validating a receipt.
type ReceiptResult struct {
	Valid  bool `json:"valid"`
	Errors []struct {
		Field   string `json:"field"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Warnings []string `json:"warnings"`
	Missing  []string `json:"missing"`
}

// GateResult is the gated response and the rules that fired.
type GateResult struct {
	Response   map[string]any  `json:"response"`
	Violations []GateViolation `json:"violations"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RunOptions configures CreateRun. Responses answers cases inline by id;
// without it the server calls the project's configured endpoint.
type RunOptions struct {
	Responses     map[string]map[string]any
	Replay        bool
	BaselineRunID string
}

// CreateRun runs an audit over cases.
func (c *Client) CreateRun(ctx context.Context, cases []Case, opts RunOptions) (RunReport, error) {
	body := map[string]any{"cases": cases}
	if opts.Responses != nil {
		body["responses"] = opts.Responses
	}
	if opts.Replay {
		body["replay"] = true
	}
	if opts.BaselineRunID != "" {
		body["baseline_run_id"] = opts.BaselineRunID
	}
	var resp RunReport
	err := c.do(ctx, http.MethodPost, c.projectPath("runs"), body, &resp)
	return resp, err
}

// Runs lists recent runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	endpoint := c.projectPath("runs")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []RunSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Run fetches a stored run with every case result.
func (c *Client) Run(ctx context.Context, runID string) (AuditResult, error) {
	var resp AuditResult
	err := c.do(ctx, http.MethodGet, c.projectPath("runs/"+url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// Compare diffs runID against baselineID.
func (c *Client) Compare(ctx context.Context, runID, baselineID string) (Regression, error) {
	var resp Regression
	endpoint := c.projectPath(fmt.Sprintf("runs/%s/compare/%s", url.PathEscape(runID), url.PathEscape(baselineID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ValidateReceipt validates a candidate receipt.
func (c *Client) ValidateReceipt(ctx context.Context, candidate map[string]any, strict bool, compliance ...string) (ReceiptResult, error) {
	body := map[string]any{"receipt": candidate, "strict": strict}
	if len(compliance) > 0 {
		body["compliance"] = compliance
	}
	var resp ReceiptResult
	err := c.do(ctx, http.MethodPost, "v0/receipts/validate", body, &resp)
	return resp, err
}

// ApplyGates runs the project's gate pipeline over one response.
func (c *Client) ApplyGates(ctx context.Context, requestText string, response map[string]any) (GateResult, error) {
	body := map[string]any{"request_text": requestText, "response": response}
	var resp GateResult
	err := c.do(ctx, http.MethodPost, c.projectPath("gates/apply"), body, &resp)
	return resp, err
}

// Evaluate checks one response against a case.
func (c *Client) Evaluate(ctx context.Context, tc Case, response map[string]any) (CheckResult, error) {
	body := map[string]any{"case": tc, "response": response}
	var resp CheckResult
	err := c.do(ctx, http.MethodPost, c.projectPath("checks/evaluate"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
