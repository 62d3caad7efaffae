package session

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
)

// Repository defines durable persistence for session records. It is the
// single source of truth shared across gateway processes; Put overwrites
// atomically. Get returns (nil, nil) when no record exists.
type Repository interface {
	Get(ctx context.Context, sessionID string) (*Data, error)
	Put(ctx context.Context, data *Data) error
	Delete(ctx context.Context, sessionID string) error
	ListActive(ctx context.Context) ([]*Data, error)
}
