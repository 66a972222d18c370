// Package schema holds the named JSON Schemas a case can require its
// response to satisfy through expect.output_schema.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	AgentResponse = "agent_response"
	ActionReceipt = "action_receipt"
)

// ErrUnknownSchema is returned for names that were never registered.
var ErrUnknownSchema = errors.New("unknown schema")

const agentResponseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outputs"],
  "properties": {
    "outputs": {
      "type": "object",
      "required": ["final_text", "decision"],
      "properties": {
        "final_text": {"type": "string"},
        "decision": {"enum": ["PASS", "FAIL", "NEEDS_REVIEW", "ABSTAIN"]}
      }
    },
    "policy": {
      "type": "object",
      "properties": {
        "refuse": {"type": "boolean"},
        "abstain": {"type": "boolean"},
        "escalate": {"type": "boolean"},
        "reasons": {"type": "array", "items": {"type": "string"}}
      }
    },
    "actions": {"type": "array", "items": {"type": "object"}},
    "steps": {"type": "array"}
  }
}`

const actionReceiptSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action_id", "tool_name", "timestamp", "status", "input_hash", "output_hash"],
  "properties": {
    "action_id": {"type": "string", "pattern": "^[A-Za-z0-9_-]+$"},
    "tool_name": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "minLength": 1},
    "status": {"enum": ["success", "failure", "partial", "pending", "timeout"]},
    "input_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "output_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "proof": {"type": "string"},
    "metadata": {"type": "object"},
    "error": {
      "type": "object",
      "required": ["code", "message"],
      "properties": {"code": {"type": "string"}, "message": {"type": "string"}}
    },
    "duration_ms": {"type": "number", "minimum": 0},
    "signature": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"}
  }
}`

// Registry maps schema names to compiled schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns a registry preloaded with the built-in schemas.
func NewRegistry() *Registry {
	r := &Registry{schemas: map[string]*jsonschema.Schema{}}
	for name, raw := range map[string]string{AgentResponse: agentResponseSchema, ActionReceipt: actionReceiptSchema} {
		if err := r.Register(name, []byte(raw)); err != nil {
			panic(fmt.Sprintf("schema: builtin %s: %v", name, err))
		}
	}
	return r
}

// Register compiles raw and stores it under name, replacing any previous schema.
func (r *Registry) Register(name string, raw []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("schema name is required")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://failkit.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("schema %s load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema %s compile failed: %w", name, err)
	}
	r.mu.Lock()
	r.schemas[name] = compiled
	r.mu.Unlock()
	return nil
}

// LoadFile registers the schema stored at path.
func (r *Registry) LoadFile(name, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", name, err)
	}
	return r.Register(name, raw)
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a decoded JSON value against the named schema.
func (r *Registry) Validate(name string, v any) error {
	r.mu.RLock()
	s, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	return s.Validate(v)
}

// ValidateJSON decodes data and validates it against the named schema.
func (r *Registry) ValidateJSON(name string, data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return r.Validate(name, v)
}
