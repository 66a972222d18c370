package domain

import (
	"encoding/json"
	"sort"
	"strings"
)

// ReceiptStatus is the outcome recorded by an action receipt.
type ReceiptStatus string

const (
	StatusSuccess ReceiptStatus = "success"
	StatusFailure ReceiptStatus = "failure"
	StatusPartial ReceiptStatus = "partial"
	StatusPending ReceiptStatus = "pending"
	StatusTimeout ReceiptStatus = "timeout"
)

// ReceiptStatuses lists every valid receipt status in declaration order.
var ReceiptStatuses = []ReceiptStatus{StatusSuccess, StatusFailure, StatusPartial, StatusPending, StatusTimeout}

// ReceiptError describes why a tool invocation did not succeed.
type ReceiptError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ActionReceipt is proof that a tool invocation happened. Receipts are
// produced by the agent under test and are never mutated by the engine.
type ActionReceipt struct {
	ActionID   string         `json:"action_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
	Status     ReceiptStatus  `json:"status,omitempty"`
	InputHash  string         `json:"input_hash,omitempty"`
	OutputHash string         `json:"output_hash,omitempty"`
	Proof      string         `json:"proof,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      *ReceiptError  `json:"error,omitempty"`
	DurationMS *float64       `json:"duration_ms,omitempty"`
	Signature  string         `json:"signature,omitempty"`
}

// Decision is the outcome an agent reports for a single case.
type Decision string

const (
	DecisionPass        Decision = "PASS"
	DecisionFail        Decision = "FAIL"
	DecisionNeedsReview Decision = "NEEDS_REVIEW"
	DecisionAbstain     Decision = "ABSTAIN"
)

// Valid reports whether d is one of the four known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionPass, DecisionFail, DecisionNeedsReview, DecisionAbstain:
		return true
	}
	return false
}

type Outputs struct {
	FinalText string   `json:"final_text"`
	Decision  Decision `json:"decision"`
}

type Policy struct {
	Refuse   bool     `json:"refuse,omitempty"`
	Abstain  bool     `json:"abstain,omitempty"`
	Escalate bool     `json:"escalate,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
}

// AgentResponse is the object returned by the endpoint under test for one case.
// Everything except Outputs is optional and defaults to empty.
type AgentResponse struct {
	_         struct{}         `json:"-" additionalProperties:"true"`
	Outputs   Outputs          `json:"outputs"`
	Policy    Policy           `json:"policy,omitempty"`
	Actions   []ActionReceipt  `json:"actions,omitempty"`
	Steps     []map[string]any `json:"steps,omitempty"`
	Retrieval map[string]any   `json:"retrieval,omitempty"`
}

// Clone returns a copy that shares no slices with r. Receipts are immutable
// so their metadata maps are shared.
func (r AgentResponse) Clone() AgentResponse {
	out := r
	if r.Policy.Reasons != nil {
		out.Policy.Reasons = append([]string(nil), r.Policy.Reasons...)
	}
	if r.Actions != nil {
		out.Actions = append([]ActionReceipt(nil), r.Actions...)
	}
	if r.Steps != nil {
		out.Steps = append([]map[string]any(nil), r.Steps...)
	}
	return out
}

type RequestOptions struct {
	Trace         bool `json:"trace" yaml:"trace"`
	Deterministic bool `json:"deterministic" yaml:"deterministic"`
}

// AgentRequest is the exact payload POSTed to the endpoint under test.
type AgentRequest struct {
	CaseID   string         `json:"case_id"`
	Inputs   map[string]any `json:"inputs"`
	Context  map[string]any `json:"context,omitempty"`
	Fixtures map[string]any `json:"fixtures,omitempty"`
	Options  RequestOptions `json:"options"`
}

type PolicyExpectation struct {
	Refuse   bool `json:"refuse,omitempty" yaml:"refuse"`
	Abstain  bool `json:"abstain,omitempty" yaml:"abstain"`
	Escalate bool `json:"escalate,omitempty" yaml:"escalate"`
}

type Expectation struct {
	OutputSchema string             `json:"output_schema,omitempty" yaml:"output_schema"`
	Decision     []Decision         `json:"decision,omitempty" yaml:"decision"`
	Policy       *PolicyExpectation `json:"policy,omitempty" yaml:"policy"`
}

// CheckSpec declares which case-specific checks a fixture runs.
type CheckSpec struct {
	ForbidActionClaimsWithoutActions bool     `json:"forbid_action_claims_without_actions,omitempty" yaml:"forbid_action_claims_without_actions"`
	ForbidSilentToolFailures         bool     `json:"forbid_silent_tool_failures,omitempty" yaml:"forbid_silent_tool_failures"`
	RequireEscalationForHighStakes   bool     `json:"require_escalation_for_high_stakes,omitempty" yaml:"require_escalation_for_high_stakes"`
	MustNotMatchPatterns             []string `json:"must_not_match_patterns,omitempty" yaml:"must_not_match_patterns"`
}

// DefaultChecks is applied to cases that declare no checks block.
func DefaultChecks() CheckSpec {
	return CheckSpec{
		ForbidActionClaimsWithoutActions: true,
		ForbidSilentToolFailures:         true,
		RequireEscalationForHighStakes:   true,
	}
}

// TestCase is an audit fixture. It is read-only to the engine.
type TestCase struct {
	ID          string          `json:"id" yaml:"id"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Severity    Severity        `json:"severity,omitempty" yaml:"severity"`
	Inputs      map[string]any  `json:"inputs,omitempty" yaml:"inputs"`
	Context     map[string]any  `json:"context,omitempty" yaml:"context"`
	Fixtures    map[string]any  `json:"fixtures,omitempty" yaml:"fixtures"`
	Options     *RequestOptions `json:"options,omitempty" yaml:"options"`
	Expect      Expectation     `json:"expect,omitempty" yaml:"expect"`
	Checks      *CheckSpec      `json:"checks,omitempty" yaml:"checks"`
}

// EffectiveChecks returns the declared checks or the defaults.
func (c TestCase) EffectiveChecks() CheckSpec {
	if c.Checks == nil {
		return DefaultChecks()
	}
	return *c.Checks
}

// Risk returns the declared severity, defaulting to medium.
func (c TestCase) Risk() Severity {
	if c.Severity == "" {
		return SeverityMedium
	}
	return c.Severity
}

// Request builds the payload sent to the endpoint for this case.
func (c TestCase) Request() AgentRequest {
	opts := RequestOptions{Trace: true, Deterministic: true}
	if c.Options != nil {
		opts = *c.Options
	}
	inputs := c.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	return AgentRequest{
		CaseID:   c.ID,
		Inputs:   inputs,
		Context:  c.Context,
		Fixtures: c.Fixtures,
		Options:  opts,
	}
}

// RequestText extracts the user-facing text of a request: inputs.user, then
// inputs.prompt, then every string input joined in key order.
func (r AgentRequest) RequestText() string {
	for _, key := range []string{"user", "prompt"} {
		if s, ok := r.Inputs[key].(string); ok && s != "" {
			return s
		}
	}
	keys := make([]string, 0, len(r.Inputs))
	for k := range r.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		switch v := r.Inputs[k].(type) {
		case string:
			parts = append(parts, v)
		case map[string]any, []any:
			b, _ := json.Marshal(v)
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, "\n")
}

// Exchange is one request/response round trip with the endpoint under test.
// Body is the raw response as received, kept for schema checks and replay.
// Unverified lists the indexes of actions whose hashes did not match the tool
// I/O recorded alongside a replay fixture.
type Exchange struct {
	Request    AgentRequest    `json:"request"`
	Response   AgentResponse   `json:"response"`
	Body       json.RawMessage `json:"-"`
	Unverified []int           `json:"-"`
}
