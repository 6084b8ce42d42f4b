package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
)

// --- Response types (повторяют api/dto.go, CLI не импортирует internal/api) ---

// CancelTraceResponse — итог отмены trace.
type CancelTraceResponse struct {
	TraceID   string `json:"trace_id"`
	Status    string `json:"status"`
	Cancelled int    `json:"cancelled"`
}

// TraceSignalResponse — итог pause/resume trace.
type TraceSignalResponse struct {
	TraceID   string `json:"trace_id"`
	Signal    string `json:"signal"`
	Scheduled int    `json:"scheduled,omitempty"`
}

// ResumeTaskResponse — куда был отправлен RESUME.
type ResumeTaskResponse struct {
	TaskID  string `json:"task_id"`
	Address string `json:"address"`
}

// --- Request types ---

// CreateDefinitionRequest — создание определения. Поля совпадают с
// YAML-файлом определения.
type CreateDefinitionRequest struct {
	Name              string             `json:"name" yaml:"name"`
	ActorType         string             `json:"actor_type" yaml:"actor_type"`
	CodeRef           string             `json:"code_ref" yaml:"code_ref"`
	ScheduleType      string             `json:"schedule_type" yaml:"schedule_type"`
	CronExpr          string             `json:"cron_expr,omitempty" yaml:"cron_expr"`
	LoopConfig        *domain.LoopConfig `json:"loop_config,omitempty" yaml:"loop_config"`
	DefaultParams     map[string]any     `json:"default_params,omitempty" yaml:"default_params"`
	AggregationPolicy string             `json:"aggregation_policy,omitempty" yaml:"aggregation_policy"`
	TimeoutSec        int                `json:"timeout_sec,omitempty" yaml:"timeout_sec"`
	MaxRetries        int                `json:"max_retries,omitempty" yaml:"max_retries"`
	IsActive          *bool              `json:"is_active,omitempty" yaml:"is_active"`
}

// ListTasksOpts — параметры фильтрации экземпляров trace.
type ListTasksOpts struct {
	Status string
	Layer  *int
	Limit  int
}

// ListDefinitionsOpts — параметры фильтрации определений.
type ListDefinitionsOpts struct {
	ScheduleType string
	ActiveOnly   bool
	Limit        int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, которую вернул API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Tower API.
//
// Client также реализует worker.SplitRegistrar: удалённый воркер
// регистрирует детей через POST /tasks/{taskId}/children.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Traces ---

// StartTrace запускает trace и возвращает его ID.
func (c *Client) StartTrace(ctx context.Context, definitionID string, params map[string]any) (string, error) {
	body := map[string]any{"definitionId": definitionID, "params": params}
	var resp struct {
		TraceID string `json:"traceId"`
	}
	err := c.post(ctx, "/api/v1/traces/start", body, &resp)
	return resp.TraceID, err
}

// CancelTrace отменяет trace.
func (c *Client) CancelTrace(ctx context.Context, traceID string) (*CancelTraceResponse, error) {
	var resp CancelTraceResponse
	err := c.post(ctx, "/api/v1/traces/"+traceID+"/cancel", nil, &resp)
	return &resp, err
}

// PauseTrace приостанавливает trace.
func (c *Client) PauseTrace(ctx context.Context, traceID string) (*TraceSignalResponse, error) {
	var resp TraceSignalResponse
	err := c.post(ctx, "/api/v1/traces/"+traceID+"/pause", nil, &resp)
	return &resp, err
}

// ResumeTrace снимает паузу trace.
func (c *Client) ResumeTrace(ctx context.Context, traceID string) (*TraceSignalResponse, error) {
	var resp TraceSignalResponse
	err := c.post(ctx, "/api/v1/traces/"+traceID+"/resume", nil, &resp)
	return &resp, err
}

// ListTraceTasks возвращает экземпляры trace.
func (c *Client) ListTraceTasks(ctx context.Context, traceID string, opts ListTasksOpts) ([]domain.TaskInstance, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Layer != nil {
		params.Set("layer", strconv.Itoa(*opts.Layer))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var tasks []domain.TaskInstance
	err := c.get(ctx, withQuery("/api/v1/traces/"+traceID+"/tasks", params), &tasks)
	return tasks, err
}

// --- Tasks ---

// GetTask возвращает экземпляр по ID.
func (c *Client) GetTask(ctx context.Context, taskID string) (*domain.TaskInstance, error) {
	var task domain.TaskInstance
	err := c.get(ctx, "/api/v1/tasks/"+taskID, &task)
	return &task, err
}

// ResumeTask отправляет RESUME припаркованной задаче.
func (c *Client) ResumeTask(ctx context.Context, taskID string, params map[string]any) (*ResumeTaskResponse, error) {
	var resp ResumeTaskResponse
	err := c.post(ctx, "/api/v1/tasks/"+taskID+"/resume", map[string]any{"params": params}, &resp)
	return &resp, err
}

// RegisterChildren регистрирует детей RUNNING-экземпляра.
func (c *Client) RegisterChildren(ctx context.Context, parentID string, specs []lifecycle.ChildSpec) ([]domain.TaskInstance, error) {
	var children []domain.TaskInstance
	err := c.post(ctx, "/api/v1/tasks/"+parentID+"/children", map[string]any{"children": specs}, &children)
	return children, err
}

// --- Definitions ---

// CreateDefinition создаёт определение.
func (c *Client) CreateDefinition(ctx context.Context, req CreateDefinitionRequest) (*domain.TaskDefinition, error) {
	var def domain.TaskDefinition
	err := c.post(ctx, "/api/v1/definitions", req, &def)
	return &def, err
}

// ListDefinitions возвращает определения.
func (c *Client) ListDefinitions(ctx context.Context, opts ListDefinitionsOpts) ([]domain.TaskDefinition, error) {
	params := url.Values{}
	if opts.ScheduleType != "" {
		params.Set("schedule_type", opts.ScheduleType)
	}
	if opts.ActiveOnly {
		params.Set("active", "true")
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var defs []domain.TaskDefinition
	err := c.get(ctx, withQuery("/api/v1/definitions", params), &defs)
	return defs, err
}

// GetDefinition возвращает определение по ID.
func (c *Client) GetDefinition(ctx context.Context, id string) (*domain.TaskDefinition, error) {
	var def domain.TaskDefinition
	err := c.get(ctx, "/api/v1/definitions/"+id, &def)
	return &def, err
}

// SetDefinitionActive включает или выключает определение.
func (c *Client) SetDefinitionActive(ctx context.Context, id string, active bool) (*domain.TaskDefinition, error) {
	var def domain.TaskDefinition
	err := c.put(ctx, "/api/v1/definitions/"+id+"/active", map[string]bool{"is_active": active}, &def)
	return &def, err
}

// --- HTTP helpers ---

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doData(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPost, path, body, result)
}

func (c *Client) put(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPut, path, body, result)
}

func (c *Client) doData(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil && len(dr.Data) > 0 {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}
