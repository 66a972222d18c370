// Package gate implements the ordered rules that downgrade an agent's
// response when it cannot prove what it claims.
//
// Rules run in a fixed order: receipt claim, tool failure, escalation. Each
// rule observes the output of the previous one. Rules never mutate their
// input; a rewrite builds a new response and is reported as a violation
// alongside it rather than as a tag inside it.
package gate

import (
	"fmt"

	"failkit/internal/domain"
	"failkit/internal/receipt"
)

const (
	RuleReceiptClaim = "receipt_claim"
	RuleToolFailure  = "tool_failure"
	RuleEscalation   = "escalation"
)

const (
	ReasonClaimWithoutReceipt = "claimed action without receipt"
	ReasonToolFailure         = "tool failure detected"
	ReasonHighStakes          = "high-stakes request detected"
)

const (
	refusalNoReceipt   = "I cannot confirm that action was completed. No execution receipt available."
	refusalToolFailure = "I encountered an error while processing your request. Please try again or contact support."
	refusalEscalation  = "This request requires human review before I can proceed."
)

// DefaultActionVerbs are the verbs treated as claims of a completed action.
var DefaultActionVerbs = []string{
	"sent", "send", "emailed", "email",
	"updated", "update", "modified", "modify",
	"deleted", "delete", "removed", "remove",
	"created", "create", "added", "add",
	"transferred", "transfer", "moved", "move",
	"scheduled", "schedule", "booked", "book",
	"cancelled", "cancel", "revoked", "revoke",
}

// EscalationPattern is a high-stakes request pattern tagged with its risk category.
type EscalationPattern struct {
	Category string `yaml:"category" json:"category"`
	Pattern  string `yaml:"pattern" json:"pattern"`
}

// DefaultEscalationPatterns covers money movement, legal commitments,
// employment actions, credentials and hostile language.
var DefaultEscalationPatterns = []EscalationPattern{
	{Category: "financial", Pattern: `transfer.*money`},
	{Category: "financial", Pattern: `send.*payment`},
	{Category: "financial", Pattern: `withdraw`},
	{Category: "financial", Pattern: `purchase`},
	{Category: "legal", Pattern: `sign.*contract`},
	{Category: "legal", Pattern: `legal.*document`},
	{Category: "legal", Pattern: `terminate.*agreement`},
	{Category: "employment", Pattern: `fire.*employee`},
	{Category: "credentials", Pattern: `social security`},
	{Category: "credentials", Pattern: `credit card`},
	{Category: "credentials", Pattern: `password`},
	{Category: "hostile", Pattern: `go to hell`},
	{Category: "hostile", Pattern: `fuck`},
}

// DefaultEscalationCategories leaves hostile language out of escalation.
var DefaultEscalationCategories = []string{"financial", "legal", "employment", "credentials"}

// Config is the caller-owned gate configuration.
type Config struct {
	EnforceReceipts      bool
	EnforceToolFailures  bool
	EnforceEscalation    bool
	ActionVerbs          []string
	EscalationPatterns   []EscalationPattern
	EscalationCategories []string
	Receipts             receipt.Validator
}

func DefaultConfig() Config {
	return Config{
		EnforceReceipts:      true,
		EnforceToolFailures:  true,
		EnforceEscalation:    true,
		ActionVerbs:          DefaultActionVerbs,
		EscalationPatterns:   DefaultEscalationPatterns,
		EscalationCategories: DefaultEscalationCategories,
	}
}

// Result pairs the gated response with the violations that produced it.
type Result struct {
	Original   domain.AgentResponse
	Response   domain.AgentResponse
	Violations []domain.GateViolation
}

// Violated reports whether rule fired.
func (r Result) Violated(rule string) bool {
	for _, v := range r.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

type ruleFunc func(p *Pipeline, requestText string, resp domain.AgentResponse) (domain.AgentResponse, *domain.GateViolation)

type rule struct {
	name    string
	enabled bool
	apply   ruleFunc
}

// Pipeline holds compiled matchers. It has no mutable state and is safe for
// concurrent use.
type Pipeline struct {
	claims      Matchers
	escalations Matchers
	receipts    receipt.Validator
	rules       []rule
}

// New compiles cfg. It fails on malformed verbs or patterns.
func New(cfg Config) (*Pipeline, error) {
	verbs := cfg.ActionVerbs
	if len(verbs) == 0 {
		verbs = DefaultActionVerbs
	}
	claims, err := compileClaimMatchers(verbs)
	if err != nil {
		return nil, err
	}
	patterns := cfg.EscalationPatterns
	if len(patterns) == 0 {
		patterns = DefaultEscalationPatterns
	}
	escalations, err := compileEscalationMatchers(patterns, cfg.EscalationCategories, len(cfg.EscalationPatterns) > 0)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		claims:      claims,
		escalations: escalations,
		receipts:    cfg.Receipts,
		rules: []rule{
			{name: RuleReceiptClaim, enabled: cfg.EnforceReceipts, apply: applyReceiptClaim},
			{name: RuleToolFailure, enabled: cfg.EnforceToolFailures, apply: applyToolFailure},
			{name: RuleEscalation, enabled: cfg.EnforceEscalation, apply: applyEscalation},
		},
	}, nil
}

// MustNew is New for static configurations known to compile.
func MustNew(cfg Config) *Pipeline {
	p, err := New(cfg)
	if err != nil {
		panic(fmt.Sprintf("gate: %v", err))
	}
	return p
}

// Apply runs every enabled rule in order.
func (p *Pipeline) Apply(requestText string, resp domain.AgentResponse) Result {
	out := resp.Clone()
	var violations []domain.GateViolation
	for _, r := range p.rules {
		if !r.enabled {
			continue
		}
		next, v := r.apply(p, requestText, out)
		if v == nil {
			continue
		}
		out = next
		violations = append(violations, *v)
	}
	return Result{Original: resp, Response: out, Violations: violations}
}

// ClaimWithoutReceipt reports the claimed verb when final_text claims an
// action and no valid successful receipt backs it.
func (p *Pipeline) ClaimWithoutReceipt(resp domain.AgentResponse) (string, bool) {
	m, ok := p.claims.First(resp.Outputs.FinalText)
	if !ok {
		return "", false
	}
	if p.hasProof(resp.Actions) {
		return "", false
	}
	return m.Tag, true
}

func (p *Pipeline) hasProof(actions []domain.ActionReceipt) bool {
	for _, a := range actions {
		if a.Status == domain.StatusSuccess && p.receipts.IsValid(a) {
			return true
		}
	}
	return false
}

// SilentToolFailure returns the first non-success receipt when the response
// still reports PASS.
func SilentToolFailure(resp domain.AgentResponse) (domain.ActionReceipt, bool) {
	if resp.Outputs.Decision != domain.DecisionPass {
		return domain.ActionReceipt{}, false
	}
	for _, a := range resp.Actions {
		if a.Status != domain.StatusSuccess {
			return a, true
		}
	}
	return domain.ActionReceipt{}, false
}

// HighStakes returns the first escalation matcher hit by the request text.
func (p *Pipeline) HighStakes(requestText string) (Matcher, bool) {
	if requestText == "" {
		return Matcher{}, false
	}
	return p.escalations.First(requestText)
}

// MissingEscalation reports a high-stakes request the response did not escalate.
func (p *Pipeline) MissingEscalation(requestText string, resp domain.AgentResponse) (Matcher, bool) {
	if resp.Policy.Escalate {
		return Matcher{}, false
	}
	return p.HighStakes(requestText)
}

func applyReceiptClaim(p *Pipeline, _ string, resp domain.AgentResponse) (domain.AgentResponse, *domain.GateViolation) {
	verb, ok := p.ClaimWithoutReceipt(resp)
	if !ok {
		return resp, nil
	}
	out := rewrite(resp, domain.DecisionAbstain, refusalNoReceipt, ReasonClaimWithoutReceipt)
	out.Policy.Abstain = true
	return out, &domain.GateViolation{Rule: RuleReceiptClaim, Reason: ReasonClaimWithoutReceipt, Category: verb}
}

func applyToolFailure(_ *Pipeline, _ string, resp domain.AgentResponse) (domain.AgentResponse, *domain.GateViolation) {
	failed, ok := SilentToolFailure(resp)
	if !ok {
		return resp, nil
	}
	out := rewrite(resp, domain.DecisionFail, refusalToolFailure, ReasonToolFailure)
	out.Policy.Escalate = true
	return out, &domain.GateViolation{Rule: RuleToolFailure, Reason: ReasonToolFailure, Category: failed.ToolName}
}

func applyEscalation(p *Pipeline, requestText string, resp domain.AgentResponse) (domain.AgentResponse, *domain.GateViolation) {
	m, ok := p.MissingEscalation(requestText, resp)
	if !ok {
		return resp, nil
	}
	out := rewrite(resp, domain.DecisionNeedsReview, refusalEscalation, ReasonHighStakes)
	out.Policy.Escalate = true
	return out, &domain.GateViolation{Rule: RuleEscalation, Reason: ReasonHighStakes, Category: m.Tag}
}

func rewrite(resp domain.AgentResponse, decision domain.Decision, text, reason string) domain.AgentResponse {
	out := resp.Clone()
	out.Outputs = domain.Outputs{FinalText: text, Decision: decision}
	for _, r := range out.Policy.Reasons {
		if r == reason {
			return out
		}
	}
	out.Policy.Reasons = append(out.Policy.Reasons, reason)
	return out
}
