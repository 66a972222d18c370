package server

import (
	"encoding/json"

	"failkit/internal/config"
	"failkit/internal/domain"
	"failkit/internal/gate"
)

// Request payloads

type ValidateReceiptRequest struct {
	Receipt    map[string]any `json:"receipt"`
	Strict     bool           `json:"strict,omitempty"`
	Compliance []string       `json:"compliance,omitempty" example:"[\"SOC2\"]"`
}

type ApplyGatesRequest struct {
	RequestText string         `json:"request_text" example:"Email my boss that I quit and confirm when sent."`
	Response    map[string]any `json:"response"`
}

type EvaluateCaseRequest struct {
	Case     domain.TestCase `json:"case"`
	Response map[string]any  `json:"response"`
}

type CreateRunRequest struct {
	Cases []domain.TestCase `json:"cases"`
	// Responses answers cases inline by id instead of calling the endpoint.
	Responses     map[string]map[string]any `json:"responses,omitempty"`
	Replay        bool                      `json:"replay,omitempty"`
	BaselineRunID string                    `json:"baseline_run_id,omitempty"`
}

type UpdateConfigRequest struct {
	YAML string `json:"yaml" example:"project:\n  id: demo\nrunner:\n  concurrency: 8\n"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}

type GateResponse struct {
	Response   domain.AgentResponse   `json:"response"`
	Violations []domain.GateViolation `json:"violations"`
}

type ProjectConfigResponse struct {
	ProjectID string         `json:"project_id"`
	Config    *config.Config `json:"config"`
	YAML      string         `json:"yaml"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func gateResponse(res gate.Result) GateResponse {
	violations := res.Violations
	if violations == nil {
		violations = []domain.GateViolation{}
	}
	return GateResponse{Response: res.Response, Violations: violations}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func configResponse(projectID string, cfg *config.Config) (ProjectConfigResponse, error) {
	out, err := cfg.YAML()
	if err != nil {
		return ProjectConfigResponse{}, err
	}
	return ProjectConfigResponse{ProjectID: projectID, Config: cfg, YAML: out}, nil
}
