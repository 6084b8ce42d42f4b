package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/kvstore"
	"github.com/google/uuid"
)

const keyPrefix = "trace_signal:"

// DefaultTTL — срок жизни флага. Флаг переживает любой разумный trace.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultWatchInterval — период опроса флага исполнителем.
const DefaultWatchInterval = 2 * time.Second

// Bus — управляющие флаги trace во внешнем кэше.
type Bus struct {
	store  kvstore.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewBus создаёт Bus. ttl <= 0 — DefaultTTL.
func NewBus(store kvstore.Store, ttl time.Duration, logger *slog.Logger) *Bus {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{store: store, ttl: ttl, logger: logger.With("component", "signals")}
}

func signalKey(traceID uuid.UUID) string {
	return keyPrefix + traceID.String()
}

// SetSignal устанавливает флаг trace на ttl. ttl <= 0 — срок Bus.
func (b *Bus) SetSignal(ctx context.Context, traceID uuid.UUID, value domain.SignalValue, ttl time.Duration) error {
	if !value.IsValid() {
		return fmt.Errorf("unknown signal %q", value)
	}
	if ttl <= 0 {
		ttl = b.ttl
	}
	if err := b.store.Set(ctx, signalKey(traceID), string(value), ttl); err != nil {
		return fmt.Errorf("set signal: %w", err)
	}
	b.logger.Info("trace signal set", "trace_id", traceID, "signal", value, "ttl", ttl)
	return nil
}

// GetSignal возвращает флаг trace. Отсутствие флага означает RUN.
func (b *Bus) GetSignal(ctx context.Context, traceID uuid.UUID) (domain.SignalValue, error) {
	raw, err := b.store.Get(ctx, signalKey(traceID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return domain.SignalRun, nil
	}
	if err != nil {
		return "", fmt.Errorf("get signal: %w", err)
	}
	value := domain.SignalValue(raw)
	if !value.IsValid() {
		return domain.SignalRun, nil
	}
	return value, nil
}

// Clear удаляет флаг.
func (b *Bus) Clear(ctx context.Context, traceID uuid.UUID) error {
	if err := b.store.Delete(ctx, signalKey(traceID)); err != nil {
		return fmt.Errorf("clear signal: %w", err)
	}
	return nil
}

// Watch возвращает контекст, который отменяется, когда у trace появится
// флаг CANCEL. Ошибки чтения флага не отменяют контекст.
func (b *Bus) Watch(ctx context.Context, traceID uuid.UUID, interval time.Duration) (context.Context, context.CancelFunc) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	watched, cancel := context.WithCancelCause(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-watched.Done():
				return
			case <-ticker.C:
				sig, err := b.GetSignal(watched, traceID)
				if err != nil {
					b.logger.Warn("failed to read trace signal", "trace_id", traceID, "error", err)
					continue
				}
				if sig == domain.SignalCancel {
					cancel(ErrCancelled)
					return
				}
			}
		}
	}()

	return watched, func() { cancel(context.Canceled) }
}

// ErrCancelled — причина отмены контекста из Watch.
var ErrCancelled = errors.New("trace cancelled")
