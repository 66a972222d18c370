package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinAgentResponse(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{ActionReceipt, AgentResponse}, r.Names())

	ok := []byte(`{"outputs":{"final_text":"hi","decision":"PASS"},"extra":1}`)
	assert.NoError(t, r.ValidateJSON(AgentResponse, ok))

	missing := []byte(`{"outputs":{"final_text":"hi"}}`)
	assert.Error(t, r.ValidateJSON(AgentResponse, missing))

	badDecision := []byte(`{"outputs":{"final_text":"hi","decision":"MAYBE"}}`)
	assert.Error(t, r.ValidateJSON(AgentResponse, badDecision))
}

func TestBuiltinActionReceipt(t *testing.T) {
	r := NewRegistry()
	receipt := []byte(`{
		"action_id":"act_1","tool_name":"email_sender","timestamp":"2025-01-01T00:00:00Z",
		"status":"success",
		"input_hash":"sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"output_hash":"sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"duration_ms": 12
	}`)
	assert.NoError(t, r.ValidateJSON(ActionReceipt, receipt))
	assert.Error(t, r.ValidateJSON(ActionReceipt, []byte(`{"action_id":"act_1"}`)))
}

func TestUnknownSchema(t *testing.T) {
	err := NewRegistry().Validate("nope", map[string]any{})
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ticket.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"object","required":["ticket_id"]}`), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadFile("ticket", path))
	assert.True(t, r.Has("ticket"))
	assert.NoError(t, r.Validate("ticket", map[string]any{"ticket_id": "T-1"}))
	assert.Error(t, r.Validate("ticket", map[string]any{}))

	assert.Error(t, r.Register("broken", []byte(`{"type":`)))
	assert.Error(t, r.LoadFile("gone", filepath.Join(dir, "missing.json")))
}
