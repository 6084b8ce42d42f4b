package domain

import "fmt"

// ActorType — закрытый набор типов исполнителей.
type ActorType string

const (
	// ActorAgent — агент: может дробить задачу на детей.
	ActorAgent ActorType = "AGENT"

	// ActorGroupAggregator — делит задачу на группу детей и агрегирует их результаты.
	ActorGroupAggregator ActorType = "GROUP_AGGREGATOR"

	// ActorSingleAggregator — оборачивает ровно одного ребёнка.
	ActorSingleAggregator ActorType = "SINGLE_AGGREGATOR"

	// ActorExecution — лист дерева, выполняет работу сам.
	ActorExecution ActorType = "EXECUTION"
)

// ActorBehavior — поведение типа исполнителя в дереве задач.
type ActorBehavior interface {
	// CanSplit сообщает, может ли экземпляр регистрировать детей.
	CanSplit() bool

	// ValidateSplit проверяет количество регистрируемых детей.
	ValidateSplit(n int) error

	// Aggregates сообщает, запускается ли экземпляр повторно после завершения детей.
	Aggregates() bool
}

type actorBehavior struct {
	split      bool
	aggregates bool
	exactly    int // 0 — любое положительное число детей
}

func (b actorBehavior) CanSplit() bool   { return b.split }
func (b actorBehavior) Aggregates() bool { return b.aggregates }

func (b actorBehavior) ValidateSplit(n int) error {
	if !b.split {
		return fmt.Errorf("actor cannot split")
	}
	if n < 1 {
		return fmt.Errorf("split requires at least one child")
	}
	if b.exactly > 0 && n != b.exactly {
		return fmt.Errorf("split requires exactly %d child(ren), got %d", b.exactly, n)
	}
	return nil
}

// actorBehaviors — таблица стратегий по типу исполнителя.
var actorBehaviors = map[ActorType]ActorBehavior{
	ActorAgent:            actorBehavior{split: true, aggregates: true},
	ActorGroupAggregator:  actorBehavior{split: true, aggregates: true},
	ActorSingleAggregator: actorBehavior{split: true, aggregates: true, exactly: 1},
	ActorExecution:        actorBehavior{},
}

// Behavior возвращает стратегию для типа исполнителя.
// Для неизвестного типа возвращается поведение листа.
func (a ActorType) Behavior() ActorBehavior {
	if b, ok := actorBehaviors[a]; ok {
		return b
	}
	return actorBehavior{}
}

// IsValid проверяет, что тип известен.
func (a ActorType) IsValid() bool {
	_, ok := actorBehaviors[a]
	return ok
}
