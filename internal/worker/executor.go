package worker

import (
	"context"
	"fmt"
	"sync"
)

// Executor — внешняя логика задачи, найденная по codeRef.
//
// ctx отменяется по timeout_sec экземпляра и по флагу CANCEL его trace.
// exec даёт доступ к параметрам и к операциям ядра (Split, Pause).
type Executor interface {
	Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error)
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, exec *Execution) (*ExecutionResult, error)

// Execute вызывает f.
func (f ExecutorFunc) Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error) {
	return f(ctx, exec)
}

// ExecutionResult — результат выполнения.
type ExecutionResult struct {
	// OutputRef — ссылка на результат (ядро хранит её как есть).
	OutputRef string

	// Outputs — небольшие выходные данные, уходят в payload события.
	Outputs map[string]any

	// Error — логическая ошибка выполнения.
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Встроенные исполнители.
const (
	CodeRefHTTP      = "builtin.http"
	CodeRefDelay     = "builtin.delay"
	CodeRefTransform = "builtin.transform"
	CodeRefFanOut    = "builtin.fanout"
)

// Registry — реестр исполнителей по codeRef.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry создаёт реестр со встроенными исполнителями
// (builtin.http, builtin.delay, builtin.transform, builtin.fanout).
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register(CodeRefHTTP, &HTTPExecutor{})
	r.Register(CodeRefDelay, &DelayExecutor{})
	r.Register(CodeRefTransform, &TransformExecutor{})
	r.Register(CodeRefFanOut, &FanOutExecutor{})
	return r
}

// Register добавляет исполнителя для codeRef.
func (r *Registry) Register(codeRef string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[codeRef] = executor
}

// Get возвращает исполнителя для codeRef.
func (r *Registry) Get(codeRef string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[codeRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotFound, codeRef)
	}
	return executor, nil
}
