package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound — ключ отсутствует или истёк.
var ErrNotFound = errors.New("kvstore: key not found")

// Store — TTL-хранилище ключ/значение.
//
// Каждая операция — один round trip к бэкенду, без чтения-изменения-записи.
type Store interface {
	// Set записывает значение с TTL (ttl <= 0 — без срока).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfExists перезаписывает значение только если ключ существует.
	SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get возвращает значение или ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete удаляет ключ. Отсутствие ключа не ошибка.
	Delete(ctx context.Context, key string) error

	// Expire обновляет TTL существующего ключа, ErrNotFound если ключа нет.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
