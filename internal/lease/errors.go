package lease

import "errors"

var (
	// ErrNotFound — аренды нет или её TTL истёк.
	ErrNotFound = errors.New("lease not found")

	// ErrInvalidKey — пустой ключ или адрес.
	ErrInvalidKey = errors.New("invalid lease key")
)
