package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/kvstore"
)

// keyPrefix — префикс ключей аренды во внешнем кэше.
const keyPrefix = "lease:"

// DefaultTTL — срок аренды по умолчанию.
const DefaultTTL = 10 * time.Minute

// TaskKey возвращает логический ключ аренды для задачи.
func TaskKey(taskID string) string {
	return taskID
}

// NodeKey возвращает логический ключ аренды для узла арендатора.
func NodeKey(tenant, node string) string {
	return tenant + ":" + node
}

// Config — параметры Registry.
type Config struct {
	Store kvstore.Store

	// TTL — срок аренды, если Save/Heartbeat вызваны с ttl <= 0.
	TTL time.Duration

	Logger *slog.Logger

	// Now — часы (для тестов).
	Now func() time.Time
}

// Registry — распределённая адресная книга: логический ключ → адрес исполнителя.
//
// Хранилище выбирается снаружи (обычно kvstore.FallbackStore), Registry
// не знает, какой бэкенд обслужил запрос.
type Registry struct {
	store  kvstore.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry создаёт Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:  cfg.Store,
		ttl:    cfg.TTL,
		logger: cfg.Logger.With("component", "lease"),
		now:    cfg.Now,
	}
}

// TTL возвращает срок аренды по умолчанию.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func (r *Registry) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return r.ttl
	}
	return ttl
}

// Save записывает адрес исполнителя под ключом.
func (r *Registry) Save(ctx context.Context, key, address string, ttl time.Duration) error {
	if key == "" || address == "" {
		return ErrInvalidKey
	}
	ttl = r.ttlOrDefault(ttl)
	now := r.now().UTC()
	entry := domain.LeaseEntry{
		Key:           key,
		Address:       address,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastHeartbeat: now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	if err := r.store.Set(ctx, keyPrefix+key, string(data), ttl); err != nil {
		return fmt.Errorf("save lease %s: %w", key, err)
	}
	r.logger.Debug("lease saved", "key", key, "address", address, "ttl", ttl)
	return nil
}

// Lookup возвращает запись аренды.
func (r *Registry) Lookup(ctx context.Context, key string) (*domain.LeaseEntry, error) {
	raw, err := r.store.Get(ctx, keyPrefix+key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %s: %w", key, err)
	}
	var entry domain.LeaseEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal lease %s: %w", key, err)
	}
	return &entry, nil
}

// Get возвращает адрес исполнителя или ErrNotFound.
func (r *Registry) Get(ctx context.Context, key string) (string, error) {
	entry, err := r.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	return entry.Address, nil
}

// Delete удаляет аренду. Отсутствие аренды не ошибка.
func (r *Registry) Delete(ctx context.Context, key string) error {
	if err := r.store.Delete(ctx, keyPrefix+key); err != nil {
		return fmt.Errorf("delete lease %s: %w", key, err)
	}
	return nil
}

// RefreshTTL продлевает аренду на ttl и переписывает ExpiresAt и
// LastHeartbeat записи. Отсутствующая аренда — ErrNotFound.
func (r *Registry) RefreshTTL(ctx context.Context, key string, ttl time.Duration) error {
	return r.heartbeat(ctx, key, r.ttlOrDefault(ttl))
}

// Heartbeat отмечает живость исполнителя и продлевает аренду на TTL по умолчанию.
//
// Запись переписывается только если ключ ещё существует, поэтому удалённая
// аренда не воскресает.
func (r *Registry) Heartbeat(ctx context.Context, key string) error {
	return r.heartbeat(ctx, key, r.ttl)
}

func (r *Registry) heartbeat(ctx context.Context, key string, ttl time.Duration) error {
	entry, err := r.Lookup(ctx, key)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	entry.LastHeartbeat = now
	entry.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	ok, err := r.store.SetIfExists(ctx, keyPrefix+key, string(data), ttl)
	if err != nil {
		return fmt.Errorf("heartbeat lease %s: %w", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Keepalive отправляет heartbeat каждые ttl/3, пока ctx не завершён или
// аренда не исчезла. Интервал всегда меньше половины TTL.
func (r *Registry) Keepalive(ctx context.Context, key string, ttl time.Duration) error {
	ttl = r.ttlOrDefault(ttl)
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := r.heartbeat(ctx, key, ttl)
			if errors.Is(err, ErrNotFound) {
				r.logger.Warn("lease lost during keepalive", "key", key)
				return err
			}
			if err != nil {
				// Временная ошибка: следующий тик ещё успевает до истечения TTL.
				r.logger.Warn("lease heartbeat failed", "key", key, "error", err)
			}
		}
	}
}
