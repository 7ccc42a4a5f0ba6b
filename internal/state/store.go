package state

import (
	"context"
	"errors"
)

// ErrPersistence marks state that could not be read or written. Readers
// degrade to empty state when they see it.
var ErrPersistence = errors.New("persistence error")

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
