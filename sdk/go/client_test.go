package failkitsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateRunSendsCasesWithAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/projects/demo/runs" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "fk_test" {
			t.Errorf("missing api key header")
		}
		var body struct {
			Cases     []Case                    `json:"cases"`
			Responses map[string]map[string]any `json:"responses"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(body.Cases) != 1 || body.Responses["a"] == nil {
			t.Errorf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(RunReport{Audit: AuditResult{RunID: "r1", Total: 1, Passed: 1, ShipDecision: ShipDecision{Decision: "SHIP"}}})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "demo")
	c.APIKey = "fk_test"
	report, err := c.CreateRun(context.Background(), []Case{{ID: "a", Inputs: map[string]any{"user": "hi"}}}, RunOptions{
		Responses: map[string]map[string]any{"a": {"outputs": map[string]any{"final_text": "hello", "decision": "PASS"}}},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if report.Audit.RunID != "r1" || report.Audit.ShipDecision.Decision != "SHIP" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestErrorStatusReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "demo").Run(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}
