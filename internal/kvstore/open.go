package kvstore

import (
	"context"
	"log/slog"
	"time"
)

// Open собирает хранилище процесса.
//
// Пустой redisURL — только MemoryStore. Иначе FallbackStore над Redis:
// недоступность Redis при старте не ошибка, цепь разомкнётся на первых
// вызовах. Возвращаемая функция освобождает ресурсы.
func Open(ctx context.Context, redisURL string, cfg FallbackConfig) (Store, func(), error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memory := NewMemoryStore(time.Minute)
	if redisURL == "" {
		cfg.Logger.Info("using in-process kv store")
		return memory, func() { memory.Close() }, nil
	}

	client, err := NewRedisClient(redisURL)
	if err != nil {
		memory.Close()
		return nil, nil, err
	}
	redisStore := NewRedisStore(client)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := redisStore.Ping(pingCtx); err != nil {
		cfg.Logger.Warn("redis not available, using in-process fallback", "error", err)
	} else {
		cfg.Logger.Info("redis connected")
	}

	store := NewFallbackStore(redisStore, memory, cfg)
	closer := func() {
		memory.Close()
		client.Close()
	}
	return store, closer, nil
}
