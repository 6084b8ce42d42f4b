package domain

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewInstanceID генерирует ULID для экземпляра задачи.
//
// ULID сортируется лексикографически по времени создания, внутри одной
// миллисекунды порядок сохраняет монотонный источник энтропии.
func NewInstanceID() string {
	return NewInstanceIDAt(time.Now())
}

// NewInstanceIDAt генерирует ULID с заданным временем.
func NewInstanceIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
