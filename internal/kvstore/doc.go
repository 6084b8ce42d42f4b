// Package kvstore предоставляет TTL-хранилища ключ/значение для реестра
// аренд и шины сигналов.
//
// Реализации:
//   - RedisStore    — основной бэкенд (go-redis)
//   - MemoryStore   — in-process map с явной проверкой срока при чтении
//   - FallbackStore — RedisStore за circuit breaker с переходом на MemoryStore
package kvstore
