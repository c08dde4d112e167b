package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/docflow/internal/template"
	"github.com/rendis/docflow/pkg/schema"
)

const (
	defaultAPITimeout   = 30 * time.Second
	defaultMaxRetries   = 3
	defaultBackoff      = 1 * time.Second
	maxBackoff          = 30 * time.Second
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB
)

// APIActionExecutor issues a templated HTTP call with bounded retries.
// Retry policy: 5xx responses, timeouts, and transport errors are
// transient and retried with doubling backoff; 4xx responses are
// terminal and route the failure edge immediately. maxRetries bounds
// the retries, so total attempts are maxRetries + 1.
type APIActionExecutor struct {
	resolver *template.Resolver
	client   *http.Client
}

func NewAPIActionExecutor(resolver *template.Resolver, client *http.Client) *APIActionExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &APIActionExecutor{resolver: resolver, client: client}
}

func (e *APIActionExecutor) Type() schema.StepType { return schema.StepTypeAPIAction }

func (e *APIActionExecutor) Execute(ctx context.Context, step *schema.Step, run *schema.Run) (*Result, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	ac := cfg.(*schema.APIActionConfig)

	req, err := e.buildRequest(ctx, step, ac, run.Context)
	if err != nil {
		return nil, err
	}

	timeout := defaultAPITimeout
	if ac.TimeoutMs > 0 {
		timeout = time.Duration(ac.TimeoutMs) * time.Millisecond
	}
	maxRetries := defaultMaxRetries
	if ac.RetryConfig.MaxRetries != nil {
		maxRetries = *ac.RetryConfig.MaxRetries
	}
	backoff := defaultBackoff
	if ac.RetryConfig.BackoffMs > 0 {
		backoff = time.Duration(ac.RetryConfig.BackoffMs) * time.Millisecond
	}

	var lastErr *schema.FlowError
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff); err != nil {
				lastErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry backoff").
					WithStep(step.ID).WithCause(err)
				break
			}
			backoff = min(backoff*2, maxBackoff)
		}
		attempts++

		result, ferr := e.attempt(ctx, req, timeout, step)
		if ferr == nil {
			result.Attempts = attempts
			return result, nil
		}
		lastErr = ferr
		if !ferr.Retryable() {
			break
		}
	}

	res := failure(lastErr)
	res.Attempts = attempts
	return res, nil
}

// request holds the fully resolved call, rebuilt per attempt so the
// body reader is fresh.
type request struct {
	method  string
	url     string
	headers map[string]string
	body    string
}

func (e *APIActionExecutor) buildRequest(ctx context.Context, step *schema.Step, ac *schema.APIActionConfig, ec schema.ExecutionContext) (*request, error) {
	resolvedURL, err := e.resolver.Resolve(ctx, ac.URL, ec)
	if err != nil {
		return nil, wrapTemplateErr(err, step.ID)
	}
	if u, err := url.ParseRequestURI(resolvedURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid url %q after resolution", resolvedURL).
			WithStep(step.ID)
	}

	headers, err := e.resolver.ResolveMap(ctx, ac.Headers, ec)
	if err != nil {
		return nil, wrapTemplateErr(err, step.ID)
	}

	body := ""
	if ac.BodyTemplate != "" {
		body, err = e.resolver.Resolve(ctx, ac.BodyTemplate, ec)
		if err != nil {
			return nil, wrapTemplateErr(err, step.ID)
		}
		// The resolved body must still be valid JSON. Retrying a broken
		// template can never succeed.
		if !json.Valid([]byte(body)) {
			return nil, schema.NewError(schema.ErrCodeConfig,
				"resolved bodyTemplate is not valid JSON").WithStep(step.ID)
		}
	}

	return &request{
		method:  strings.ToUpper(ac.Method),
		url:     resolvedURL,
		headers: headers,
		body:    body,
	}, nil
}

// attempt performs one HTTP call. Returns a FlowError classified as
// transient or terminal on failure.
func (e *APIActionExecutor) attempt(ctx context.Context, req *request, timeout time.Duration, step *schema.Step) (*Result, *schema.FlowError) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.body != "" {
		bodyReader = strings.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.method, req.url, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "build request: %v", err).
			WithStep(step.ID).WithCause(err)
	}
	if req.body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		// Timeouts and transport failures are transient.
		return nil, schema.NewErrorf(schema.ErrCodeTransientAPI, "request failed: %v", err).
			WithStep(step.ID).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransientAPI, "read response: %v", err).
			WithStep(step.ID).WithCause(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeTransientAPI, "server returned %d", resp.StatusCode).
			WithStep(step.ID).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(bodyBytes), 1024)})
	case resp.StatusCode >= 400:
		return nil, schema.NewErrorf(schema.ErrCodeTerminalAPI, "server returned %d", resp.StatusCode).
			WithStep(step.ID).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(bodyBytes), 1024)})
	}

	var parsedBody any
	if len(bodyBytes) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
			parsedBody = string(bodyBytes)
		}
	} else if len(bodyBytes) > 0 {
		parsedBody = string(bodyBytes)
	}

	res := success()
	res.Patch = schema.ExecutionContext{schema.NSTransformed: map[string]any{
		step.ID + "_response": map[string]any{
			"status_code": resp.StatusCode,
			"body":        parsedBody,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}}
	res.Detail = fmt.Sprintf("%s %s returned %d", req.method, req.url, resp.StatusCode)
	return res, nil
}

func wrapTemplateErr(err error, stepID string) error {
	if ferr, ok := err.(*schema.FlowError); ok {
		return ferr.WithStep(stepID)
	}
	return schema.NewError(schema.ErrCodeTemplate, err.Error()).WithStep(stepID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
