package kvstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero — без срока
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore — in-process хранилище с TTL.
//
// Срок проверяется явно при каждом чтении, фоновая очистка только
// освобождает память.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// MemoryOption — опция MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore создаёт хранилище и запускает очистку раз в cleanupInterval
// (0 — без фоновой очистки).
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cleanupInterval > 0 {
		go m.cleanupLoop(cleanupInterval)
	}
	return m
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Set записывает значение.
func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.deadline(ttl)}
	return nil
}

// SetIfExists перезаписывает значение живого ключа.
func (m *MemoryStore) SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) {
		delete(m.entries, key)
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: m.deadline(ttl)}
	return true, nil
}

// Get возвращает значение, если оно не истекло.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if entry.expired(m.now()) {
		delete(m.entries, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Delete удаляет ключ.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Expire обновляет TTL живого ключа.
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) {
		delete(m.entries, key)
		return ErrNotFound
	}
	entry.expiresAt = m.deadline(ttl)
	m.entries[key] = entry
	return nil
}

// Len возвращает число записей, включая ещё не вычищенные истёкшие.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close останавливает фоновую очистку.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.purgeExpired()
		}
	}
}

func (m *MemoryStore) purgeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
		}
	}
}
