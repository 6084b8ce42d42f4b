package api

import (
	"context"
	"log/slog"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/google/uuid"
)

// Commands — команды ядра (lifecycle.Service).
type Commands interface {
	StartNewTrace(ctx context.Context, definitionID uuid.UUID, params map[string]any) (uuid.UUID, error)
	CancelTrace(ctx context.Context, traceID uuid.UUID) (int, error)
	PauseTrace(ctx context.Context, traceID uuid.UUID) error
	ResumeTrace(ctx context.Context, traceID uuid.UUID) (int, error)
	RegisterChildren(ctx context.Context, parentID string, specs []lifecycle.ChildSpec) ([]domain.TaskInstance, error)
	ResumeTask(ctx context.Context, taskID string, params map[string]any) (string, error)
	CreateDefinition(ctx context.Context, def *domain.TaskDefinition) (*domain.TaskDefinition, error)
	SetDefinitionActive(ctx context.Context, id uuid.UUID, active bool) error
}

var _ Commands = (*lifecycle.Service)(nil)

// Handler — главный обработчик API с зависимостями.
//
// Команды идут через Commands, запросы читают репозитории напрямую.
type Handler struct {
	commands    Commands
	definitions repo.DefinitionStore
	instances   repo.InstanceStore
	logger      *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Commands    Commands
	Definitions repo.DefinitionStore
	Instances   repo.InstanceStore
	Logger      *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		commands:    cfg.Commands,
		definitions: cfg.Definitions,
		instances:   cfg.Instances,
		logger:      cfg.Logger.With("component", "api"),
	}
}
