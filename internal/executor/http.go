package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"failkit/internal/domain"
)

const maxResponseBytes = 8 << 20

// HTTPOptions configures the HTTP executor.
type HTTPOptions struct {
	URL     string
	Headers map[string]string
	// Timeout bounds each request when the caller's context has no deadline.
	Timeout time.Duration
	// RateLimit is requests per second across all workers; zero disables it.
	RateLimit float64
	Burst     int
	Client    *http.Client
}

// HTTP POSTs each case to the agent endpoint.
type HTTP struct {
	url     string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTP(opts HTTPOptions) *HTTP {
	h := &HTTP{
		url:     opts.URL,
		headers: opts.Headers,
		timeout: opts.Timeout,
		client:  opts.Client,
	}
	if h.client == nil {
		h.client = &http.Client{}
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return h
}

func (h *HTTP) Execute(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
	ex := domain.Exchange{Request: tc.Request()}
	if h.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return ex, &NetworkError{CaseID: tc.ID, URL: h.url, Err: err}
		}
	}

	payload, err := json.Marshal(ex.Request)
	if err != nil {
		return ex, fmt.Errorf("encode request for case %s: %w", tc.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return ex, &NetworkError{CaseID: tc.ID, URL: h.url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return ex, &NetworkError{CaseID: tc.ID, URL: h.url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return ex, &NetworkError{CaseID: tc.ID, URL: h.url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return ex, &NetworkError{CaseID: tc.ID, URL: h.url, Err: err}
	}
	ex.Body = body
	ex.Response, err = DecodeResponse(body)
	if err != nil {
		return ex, &ResponseError{CaseID: tc.ID, Err: err}
	}
	return ex, nil
}
