package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
	"github.com/google/uuid"
)

// testExecution создаёт Execution с параметрами на воркере без зависимостей.
func testExecution(params map[string]any) *Execution {
	w := New(Config{})
	inst := &domain.TaskInstance{
		ID:          domain.NewInstanceID(),
		TraceID:     uuid.New(),
		Status:      domain.TaskStatusRunning,
		DispatchSeq: 1,
		InputParams: params,
	}
	return newExecution(w, inst, slog.Default())
}

// --- HTTPExecutor Tests ---

func TestHTTPExecutor_GET_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	executor := &HTTPExecutor{}
	result, err := executor.Execute(context.Background(), testExecution(map[string]any{
		"method": "GET",
		"url":    server.URL,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected execution error: %s", result.Error)
	}
	if result.OutputRef != server.URL {
		t.Errorf("expected output_ref %s, got %s", server.URL, result.OutputRef)
	}
	if result.Outputs["status_code"] != http.StatusOK {
		t.Errorf("expected status 200, got %v", result.Outputs["status_code"])
	}

	headers, ok := result.Outputs["headers"].(map[string]string)
	if !ok {
		t.Fatal("headers should be map[string]string")
	}
	if headers["X-Custom"] != "test-value" {
		t.Errorf("expected X-Custom header, got %v", headers["X-Custom"])
	}

	body, ok := result.Outputs["body"].(map[string]any)
	if !ok {
		t.Fatalf("body should be map, got %T", result.Outputs["body"])
	}
	if body["result"] != "ok" {
		t.Errorf("expected result=ok, got %v", body["result"])
	}
}

func TestHTTPExecutor_POST_WithBody(t *testing.T) {
	var receivedBody map[string]any
	var receivedContentType, receivedAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		receivedAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	executor := &HTTPExecutor{}
	result, err := executor.Execute(context.Background(), testExecution(map[string]any{
		"method":  "POST",
		"url":     server.URL,
		"body":    map[string]any{"name": "test"},
		"headers": map[string]any{"Authorization": "Bearer token123"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedBody["name"] != "test" {
		t.Errorf("server should receive body, got %v", receivedBody)
	}
	if receivedContentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", receivedContentType)
	}
	if receivedAuth != "Bearer token123" {
		t.Errorf("expected Authorization header, got %q", receivedAuth)
	}
	if result.Outputs["status_code"] != http.StatusCreated {
		t.Errorf("expected status 201, got %v", result.Outputs["status_code"])
	}
}

func TestHTTPExecutor_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "internal"}`))
	}))
	defer server.Close()

	executor := &HTTPExecutor{}
	result, err := executor.Execute(context.Background(), testExecution(map[string]any{"url": server.URL}))
	if err != nil {
		t.Fatalf("HTTP errors should not be infrastructure errors: %v", err)
	}
	if result.Error == "" {
		t.Error("expected execution error for 500")
	}
	if result.Outputs["status_code"] != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %v", result.Outputs["status_code"])
	}
}

func TestHTTPExecutor_RequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	executor := &HTTPExecutor{}
	_, err := executor.Execute(context.Background(), testExecution(map[string]any{
		"url":                 server.URL,
		"request_timeout_sec": 0.1,
	}))
	if !errors.Is(err, ErrHTTPRequest) {
		t.Errorf("expected ErrHTTPRequest, got %v", err)
	}
}

func TestHTTPExecutor_MissingURL(t *testing.T) {
	executor := &HTTPExecutor{}
	_, err := executor.Execute(context.Background(), testExecution(map[string]any{"method": "GET"}))
	if !errors.Is(err, ErrHTTPRequest) {
		t.Errorf("expected ErrHTTPRequest for missing URL, got %v", err)
	}
}

// --- DelayExecutor Tests ---

func TestDelayExecutor_Success(t *testing.T) {
	executor := &DelayExecutor{}

	start := time.Now()
	result, err := executor.Execute(context.Background(), testExecution(map[string]any{"duration_sec": 0.05}))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outputs["delayed_sec"] != 0.05 {
		t.Errorf("expected delayed_sec=0.05, got %v", result.Outputs["delayed_sec"])
	}
	if elapsed < 40*time.Millisecond {
		t.Error("should have waited at least 40ms")
	}
}

func TestDelayExecutor_ContextCause(t *testing.T) {
	executor := &DelayExecutor{}
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("stop")
	cancel(cause)

	_, err := executor.Execute(ctx, testExecution(map[string]any{"duration_sec": 10.0}))
	if !errors.Is(err, cause) {
		t.Errorf("expected cancel cause, got %v", err)
	}
}

// --- TransformExecutor Tests ---

func TestTransformExecutor_Success(t *testing.T) {
	executor := &TransformExecutor{}
	result, err := executor.Execute(context.Background(), testExecution(map[string]any{
		"key1":       "value1",
		"key2":       42,
		"output_ref": "s3://bucket/out.json",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outputs["key1"] != "value1" || result.Outputs["key2"] != 42 {
		t.Errorf("outputs should mirror params, got %v", result.Outputs)
	}
	if result.OutputRef != "s3://bucket/out.json" {
		t.Errorf("expected output_ref from params, got %q", result.OutputRef)
	}
}

func TestTransformExecutor_NilParams(t *testing.T) {
	executor := &TransformExecutor{}
	result, err := executor.Execute(context.Background(), testExecution(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outputs == nil || len(result.Outputs) != 0 {
		t.Errorf("expected empty outputs, got %v", result.Outputs)
	}
}

// --- FanOutExecutor Tests ---

func TestFanOutExecutor_InvalidChildren(t *testing.T) {
	executor := &FanOutExecutor{}
	result, err := executor.Execute(context.Background(), testExecution(map[string]any{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected execution error for missing children")
	}
}

func TestFanOutExecutor_AggregatePhase(t *testing.T) {
	exec := testExecution(nil)
	exec.Instance.SplitCount = 3
	exec.Instance.CompletedChildren = 3

	result, err := (&FanOutExecutor{}).Execute(context.Background(), exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outputs["children"] != 3 {
		t.Errorf("expected children=3, got %v", result.Outputs["children"])
	}
}

func TestChildSpecs(t *testing.T) {
	defID := uuid.New()
	specs, err := childSpecs(map[string]any{
		"children": []any{
			map[string]any{"key": "a", "definition_id": defID.String()},
			map[string]any{"key": "b", "definition_id": defID.String(), "depends_on": []any{"a"}},
		},
	})
	if err != nil {
		t.Fatalf("childSpecs: %v", err)
	}
	want := []lifecycle.ChildSpec{
		{Key: "a", DefinitionID: defID},
		{Key: "b", DefinitionID: defID, DependsOn: []string{"a"}},
	}
	if len(specs) != len(want) {
		t.Fatalf("expected %d specs, got %d", len(want), len(specs))
	}
	for i := range want {
		if specs[i].Key != want[i].Key || specs[i].DefinitionID != want[i].DefinitionID || len(specs[i].DependsOn) != len(want[i].DependsOn) {
			t.Errorf("spec %d: expected %+v, got %+v", i, want[i], specs[i])
		}
	}
}

// --- Registry Tests ---

func TestNewRegistry_DefaultExecutors(t *testing.T) {
	r := NewRegistry()
	for _, codeRef := range []string{CodeRefHTTP, CodeRefDelay, CodeRefTransform, CodeRefFanOut} {
		executor, err := r.Get(codeRef)
		if err != nil {
			t.Errorf("expected executor for %s, got error: %v", codeRef, err)
		}
		if executor == nil {
			t.Errorf("executor for %s should not be nil", codeRef)
		}
	}
}

func TestRegistry_Unknown(t *testing.T) {
	_, err := NewRegistry().Get("custom.unknown")
	if !errors.Is(err, ErrExecutorNotFound) {
		t.Errorf("expected ErrExecutorNotFound, got %v", err)
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register("custom.noop", ExecutorFunc(func(context.Context, *Execution) (*ExecutionResult, error) {
		return &ExecutionResult{OutputRef: "noop"}, nil
	}))

	executor, err := r.Get("custom.noop")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	result, _ := executor.Execute(context.Background(), testExecution(nil))
	if result.OutputRef != "noop" {
		t.Errorf("expected custom executor result, got %+v", result)
	}
}
