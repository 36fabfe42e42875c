package action

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Descriptor{
		Type:           "noop",
		Mode:           ModeSync,
		DefaultTimeout: 10 * time.Second,
		Idempotent:     true,
		Executor:       NoopExecutor{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Register(Descriptor{Type: "noop", Mode: ModeSync, Executor: NoopExecutor{}}); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register(Descriptor{Type: "broken", Mode: ModeSync}); err == nil {
		t.Error("registration without executor should fail")
	}
	if err := r.Register(Descriptor{Type: "odd", Mode: "async", Executor: NoopExecutor{}}); err == nil {
		t.Error("invalid mode should fail")
	}

	d, err := r.Lookup("noop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Mode != ModeSync || !d.Idempotent {
		t.Errorf("unexpected descriptor: %+v", d)
	}

	_, err = r.Lookup("ghost")
	if !errors.Is(err, ErrActionNotFound) {
		t.Errorf("expected ErrActionNotFound, got %v", err)
	}
}

func TestRegistry_Seal(t *testing.T) {
	r := NewRegistry()
	r.Seal()
	if err := r.Register(Descriptor{Type: "late", Mode: ModeSync, Executor: NoopExecutor{}}); err == nil {
		t.Error("registration after seal should fail")
	}
}

func TestValidateAgainstSchema(t *testing.T) {
	schema := map[string]ParamSpec{
		"url":   {Type: "string", Required: true},
		"count": {Type: "number"},
	}

	if err := ValidateAgainstSchema(schema, map[string]any{"url": "http://x"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateAgainstSchema(schema, map[string]any{}); err == nil {
		t.Error("missing required parameter should fail")
	}
	if err := ValidateAgainstSchema(schema, map[string]any{"url": "x", "count": "three"}); err == nil {
		t.Error("type mismatch should fail")
	}
}

func TestHTTPCallExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": in["value"]})
	}))
	defer srv.Close()

	e := &HTTPCallExecutor{URL: srv.URL}
	res, err := e.Execute(context.Background(), Input{Params: map[string]any{"value": "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outputs["echo"] != "hi" {
		t.Errorf("expected echoed output, got %v", res.Outputs)
	}
	if res.Outputs["status_code"] != http.StatusOK {
		t.Errorf("expected status_code output, got %v", res.Outputs["status_code"])
	}
}

func TestExternalTaskExecutor(t *testing.T) {
	var submitted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&submitted)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := &ExternalTaskExecutor{SubmitURL: srv.URL, HandlerType: "helm_deploy"}
	res, err := e.Execute(context.Background(), Input{
		ExecutionID: "exec-1",
		StepID:      "deploy",
		Params:      map[string]any{"chart": "web"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExternalWorkflowID == "" || res.HandlerType != "helm_deploy" {
		t.Errorf("expected correlation data, got %+v", res)
	}
	if submitted["correlation_key"] != res.ExternalWorkflowID {
		t.Errorf("back-end did not receive the correlation key: %v", submitted)
	}
}
