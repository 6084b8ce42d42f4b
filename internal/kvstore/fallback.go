package kvstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
	"github.com/sony/gobreaker"
)

// FallbackConfig — параметры FallbackStore.
type FallbackConfig struct {
	// Name — имя circuit breaker (для логов и метрик).
	Name string

	// FailureThreshold — сколько подряд ошибок размыкает цепь.
	FailureThreshold uint32

	// OpenTimeout — через сколько пробовать основной бэкенд снова.
	OpenTimeout time.Duration

	Logger *slog.Logger
}

// FallbackStore — основной бэкенд с прозрачным переходом на in-process хранилище.
//
// Записи дублируются в резервное хранилище, поэтому после отказа основного
// бэкенда ключи, записанные этим процессом, остаются доступными.
// ErrNotFound не считается отказом бэкенда.
type FallbackStore struct {
	primary  Store
	fallback *MemoryStore
	cb       *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewFallbackStore создаёт FallbackStore.
func NewFallbackStore(primary Store, fallback *MemoryStore, cfg FallbackConfig) *FallbackStore {
	if cfg.Name == "" {
		cfg.Name = "kvstore"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "kvstore", "backend", cfg.Name)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("kv backend circuit state changed", "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
	})

	return &FallbackStore{primary: primary, fallback: fallback, cb: cb, logger: logger}
}

// State возвращает состояние circuit breaker.
func (f *FallbackStore) State() gobreaker.State {
	return f.cb.State()
}

// call выполняет op через circuit breaker. true — основной бэкенд ответил
// (в том числе ErrNotFound).
func (f *FallbackStore) call(op string, fn func() (any, error)) (any, bool, error) {
	result, err := f.cb.Execute(fn)
	if err == nil || errors.Is(err, ErrNotFound) {
		return result, true, err
	}
	telemetry.KVFallbackTotal.WithLabelValues(op).Inc()
	f.logger.Debug("kv primary unavailable, serving from memory", "op", op, "error", err)
	return nil, false, err
}

// Set пишет в основной бэкенд и зеркально в резервный.
func (f *FallbackStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_ = f.fallback.Set(ctx, key, value, ttl)
	_, ok, err := f.call("set", func() (any, error) {
		return nil, f.primary.Set(ctx, key, value, ttl)
	})
	if ok {
		return err
	}
	return nil
}

// SetIfExists перезаписывает существующий ключ.
func (f *FallbackStore) SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	result, ok, err := f.call("set_if_exists", func() (any, error) {
		return f.primary.SetIfExists(ctx, key, value, ttl)
	})
	if !ok {
		return f.fallback.SetIfExists(ctx, key, value, ttl)
	}
	if err != nil {
		return false, err
	}
	written := result.(bool)
	if written {
		_ = f.fallback.Set(ctx, key, value, ttl)
	} else {
		_ = f.fallback.Delete(ctx, key)
	}
	return written, nil
}

// Get читает из основного бэкенда, при отказе — из резервного.
func (f *FallbackStore) Get(ctx context.Context, key string) (string, error) {
	result, ok, err := f.call("get", func() (any, error) {
		return f.primary.Get(ctx, key)
	})
	if !ok {
		return f.fallback.Get(ctx, key)
	}
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Delete удаляет ключ из обоих хранилищ.
func (f *FallbackStore) Delete(ctx context.Context, key string) error {
	_ = f.fallback.Delete(ctx, key)
	_, ok, err := f.call("delete", func() (any, error) {
		return nil, f.primary.Delete(ctx, key)
	})
	if ok {
		return err
	}
	return nil
}

// Expire обновляет TTL в основном бэкенде и в зеркале.
func (f *FallbackStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, ok, err := f.call("expire", func() (any, error) {
		return nil, f.primary.Expire(ctx, key, ttl)
	})
	if !ok {
		return f.fallback.Expire(ctx, key, ttl)
	}
	if err == nil {
		_ = f.fallback.Expire(ctx, key, ttl)
	}
	return err
}
