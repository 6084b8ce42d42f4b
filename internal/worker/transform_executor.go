package worker

import (
	"context"
)

// TransformExecutor — исполнитель builtin.transform.
//
// Возвращает входные параметры как outputs. Поле output_ref, если есть,
// становится OutputRef результата.
type TransformExecutor struct{}

// Execute возвращает параметры как outputs.
func (e *TransformExecutor) Execute(_ context.Context, exec *Execution) (*ExecutionResult, error) {
	params := exec.Params()
	outputs := make(map[string]any, len(params))
	for k, v := range params {
		outputs[k] = v
	}
	return &ExecutionResult{
		OutputRef: getString(params, "output_ref", ""),
		Outputs:   outputs,
	}, nil
}
