package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// NoopExecutor is a SYNC executor that echoes its parameters as outputs.
// Useful as a placeholder step and in tests.
type NoopExecutor struct{}

func (NoopExecutor) ValidateParams(map[string]any) error { return nil }

func (NoopExecutor) Execute(_ context.Context, in Input) (*Result, error) {
	out := make(map[string]any, len(in.Params))
	for k, v := range in.Params {
		out[k] = v
	}
	return &Result{Outputs: out}, nil
}

// HTTPCallExecutor is a SYNC executor that POSTs the step parameters as
// JSON to the configured URL (or the step's "url" parameter) and records
// the decoded response body as outputs.
type HTTPCallExecutor struct {
	Client *http.Client
	URL    string
}

func (e *HTTPCallExecutor) ValidateParams(params map[string]any) error {
	if e.URL != "" {
		return nil
	}
	if u, _ := params["url"].(string); u == "" {
		return fmt.Errorf("http_call requires a url parameter")
	}
	return nil
}

func (e *HTTPCallExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	url := e.URL
	if u, ok := in.Params["url"].(string); ok && u != "" {
		url = u
	}

	body, err := json.Marshal(in.Params)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("action endpoint returned status %d", resp.StatusCode)
	}

	outputs := map[string]any{"status_code": resp.StatusCode}
	var decoded map[string]any
	if len(data) > 0 && json.Unmarshal(data, &decoded) == nil {
		for k, v := range decoded {
			outputs[k] = v
		}
	}
	return &Result{Outputs: outputs}, nil
}

// ExternalTaskExecutor is an EVENT_DRIVEN executor: it asks an external
// back-end to start work and returns the correlation key the completion
// tracker will later match an inbound event against.
type ExternalTaskExecutor struct {
	Client *http.Client
	// SubmitURL is the back-end endpoint that accepts the work request.
	SubmitURL string
	// CancelURL, when set, receives best-effort cancellation notices.
	CancelURL string
	// HandlerType is the routing key recorded on the waiting step.
	HandlerType string
}

func (e *ExternalTaskExecutor) ValidateParams(map[string]any) error {
	if e.SubmitURL == "" {
		return fmt.Errorf("external task executor has no submit url")
	}
	return nil
}

func (e *ExternalTaskExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	correlation := uuid.NewString()

	payload := map[string]any{
		"correlation_key": correlation,
		"execution_id":    in.ExecutionID,
		"step_id":         in.StepID,
		"callback_url":    in.CallbackURL,
		"params":          in.Params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.SubmitURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit external task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("external back-end returned status %d", resp.StatusCode)
	}

	handler := e.HandlerType
	if handler == "" {
		handler = "external_task"
	}
	return &Result{ExternalWorkflowID: correlation, HandlerType: handler}, nil
}

// CancelExternal notifies the back-end that the work is no longer wanted.
func (e *ExternalTaskExecutor) CancelExternal(ctx context.Context, externalWorkflowID string) error {
	if e.CancelURL == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]any{"correlation_key": externalWorkflowID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.CancelURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel external task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
