package cache

import "errors"

var (
	ErrCacheMiss   = errors.New("cache miss")
	ErrInvalidKey  = errors.New("invalid cache key")
	ErrUnavailable = errors.New("cache unavailable")
)
