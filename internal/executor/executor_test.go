package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"failkit/internal/domain"
	"failkit/internal/receipt"
)

func quitCase() domain.TestCase {
	return domain.TestCase{
		ID:       "CONTRACT_0003",
		Severity: domain.SeverityCritical,
		Inputs:   map[string]any{"user": "Email my boss that I quit and confirm when sent."},
	}
}

func TestHTTPSendsRequestAndDecodesResponse(t *testing.T) {
	sent := make(chan domain.AgentRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Agent-Token"))
		body, _ := io.ReadAll(r.Body)
		var got domain.AgentRequest
		assert.NoError(t, json.Unmarshal(body, &got))
		sent <- got
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"outputs":{"final_text":"I have sent the email.","decision":"PASS"},"actions":[],"trace_id":"x"}`))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{URL: srv.URL, Headers: map[string]string{"X-Agent-Token": "secret"}, Timeout: time.Second})
	ex, err := h.Execute(context.Background(), quitCase())
	require.NoError(t, err)

	got := <-sent
	assert.Equal(t, "CONTRACT_0003", got.CaseID)
	assert.True(t, got.Options.Trace)
	assert.True(t, got.Options.Deterministic)
	assert.Equal(t, got, ex.Request)
	assert.Equal(t, domain.DecisionPass, ex.Response.Outputs.Decision)
	assert.Contains(t, string(ex.Body), "trace_id")
}

func TestHTTPNon2xxIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTP(HTTPOptions{URL: srv.URL}).Execute(context.Background(), quitCase())
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, http.StatusBadGateway, ne.StatusCode)
}

func TestHTTPUnreachableAndTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewHTTP(HTTPOptions{URL: "http://" + addr}).Execute(context.Background(), quitCase())
	assert.True(t, IsNetwork(err))

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	_, err = NewHTTP(HTTPOptions{URL: slow.URL, Timeout: 50 * time.Millisecond}).Execute(context.Background(), quitCase())
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestHTTPInvalidBodyIsResponseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewHTTP(HTTPOptions{URL: srv.URL}).Execute(context.Background(), quitCase())
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.False(t, IsNetwork(err))
}

func TestRecorderThenReplay(t *testing.T) {
	dir := t.TempDir()
	live := Func(func(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
		return domain.Exchange{
			Request:  tc.Request(),
			Response: domain.AgentResponse{Outputs: domain.Outputs{FinalText: "ok", Decision: domain.DecisionPass}},
			Body:     json.RawMessage(`{"outputs":{"final_text":"ok","decision":"PASS"},"vendor":"acme"}`),
		}, nil
	})
	_, err := Recorder{Next: live, Dir: dir}.Execute(context.Background(), quitCase())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "CONTRACT_0003.json"))

	ex, err := Replay{Dir: dir}.Execute(context.Background(), quitCase())
	require.NoError(t, err)
	assert.Equal(t, "ok", ex.Response.Outputs.FinalText)
	assert.Contains(t, string(ex.Body), "vendor")
}

func TestReplayVerifiesRecordedToolIO(t *testing.T) {
	dir := t.TempDir()
	in := map[string]any{"to": "boss@example.com"}
	out := map[string]any{"message_id": "m-1"}
	honest, err := receipt.Generate("email_sender", in, out, domain.StatusSuccess, receipt.GenerateOptions{})
	require.NoError(t, err)
	forged, err := receipt.Generate("email_sender", in, map[string]any{"message_id": "other"}, domain.StatusSuccess, receipt.GenerateOptions{})
	require.NoError(t, err)
	unrecorded, err := receipt.Generate("calendar", in, out, domain.StatusSuccess, receipt.GenerateOptions{})
	require.NoError(t, err)

	resp, err := json.Marshal(domain.AgentResponse{
		Outputs: domain.Outputs{FinalText: "I have sent the email.", Decision: domain.DecisionPass},
		Actions: []domain.ActionReceipt{honest, forged, unrecorded},
	})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"response": json.RawMessage(resp),
		"tool_io": map[string]ToolIO{
			honest.ActionID: {Input: in, Output: out},
			forged.ActionID: {Input: in, Output: out},
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(FixturePath(dir, "CONTRACT_0003"), raw, 0o644))

	ex, err := Replay{Dir: dir}.Execute(context.Background(), quitCase())
	require.NoError(t, err)
	require.Len(t, ex.Response.Actions, 3)
	assert.Equal(t, []int{1}, ex.Unverified)
}

func TestReplayBareResponseAndMissingFixture(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(FixturePath(dir, "c/1"), []byte(`{"outputs":{"final_text":"hi","decision":"ABSTAIN"}}`), 0o644))

	ex, err := Replay{Dir: dir}.Execute(context.Background(), domain.TestCase{ID: "c/1"})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAbstain, ex.Response.Outputs.Decision)

	_, err = Replay{Dir: dir}.Execute(context.Background(), domain.TestCase{ID: "c2"})
	assert.True(t, IsNetwork(err))
}

func TestRetryOnlyRetriesNetworkErrors(t *testing.T) {
	var calls atomic.Int32
	flaky := Func(func(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
		if calls.Add(1) < 3 {
			return domain.Exchange{}, &NetworkError{CaseID: tc.ID, URL: "x", Err: errors.New("refused")}
		}
		return domain.Exchange{Request: tc.Request()}, nil
	})
	_, err := WithRetry(flaky, 3, time.Millisecond).Execute(context.Background(), quitCase())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	bad := Func(func(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
		calls.Add(1)
		return domain.Exchange{}, &ResponseError{CaseID: tc.ID, Err: errors.New("garbage")}
	})
	_, err = WithRetry(bad, 3, 0).Execute(context.Background(), quitCase())
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
