package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
)

// FanOutExecutor — исполнитель builtin.fanout.
//
// В фазе EXECUTE дробит экземпляр на детей из параметра children
// (список ChildSpec в JSON-виде). В фазе AGGREGATE возвращает число детей.
type FanOutExecutor struct{}

// Execute выполняет split или агрегацию.
func (e *FanOutExecutor) Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error) {
	if exec.Phase() == PhaseAggregate {
		return &ExecutionResult{
			OutputRef: getString(exec.Params(), "output_ref", ""),
			Outputs:   map[string]any{"children": exec.Instance.SplitCount},
		}, nil
	}

	specs, err := childSpecs(exec.Params())
	if err != nil {
		return &ExecutionResult{Error: err.Error()}, nil
	}
	if _, err := exec.Split(ctx, specs); err != nil {
		return nil, err
	}
	return nil, nil
}

func childSpecs(params map[string]any) ([]lifecycle.ChildSpec, error) {
	raw, ok := params["children"]
	if !ok {
		return nil, fmt.Errorf("children is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal children: %w", err)
	}
	var specs []lifecycle.ChildSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decode children: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("children is empty")
	}
	return specs, nil
}
