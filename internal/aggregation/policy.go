package aggregation

import "github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"

// Decision — итог оценки детей при достижении порога.
type Decision string

const (
	// DecisionActivate — родитель переходит в фазу агрегации.
	DecisionActivate Decision = "activate"

	// DecisionFail — родитель завершается с ошибкой.
	DecisionFail Decision = "fail"
)

// Decide применяет политику к счётчикам статусов детей раунда.
func Decide(policy domain.AggregationPolicy, counts map[domain.TaskStatus]int, split int) Decision {
	succeeded := counts[domain.TaskStatusSuccess]
	switch policy.OrDefault() {
	case domain.PolicyBestEffort:
		return DecisionActivate
	case domain.PolicyMajority:
		if succeeded*2 > split {
			return DecisionActivate
		}
		return DecisionFail
	default:
		if succeeded >= split {
			return DecisionActivate
		}
		return DecisionFail
	}
}
