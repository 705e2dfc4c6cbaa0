package main

import (
	"context"
)

// Coordinator mirrors publishes between sockethook instances through an
// external broker. A publish received from another instance is handed to
// onRemotePublish, which the registry treats exactly like a local publish.
type Coordinator interface {
	PublishRemote(ctx context.Context, endpoint, payload string) error
	Run(ctx context.Context, onRemotePublish func(endpoint, payload string)) error
	Close() error
}

// noopCoordinator is used when no broker is configured.
type noopCoordinator struct{}

func (noopCoordinator) PublishRemote(context.Context, string, string) error { return nil }

func (noopCoordinator) Run(ctx context.Context, _ func(string, string)) error {
	<-ctx.Done()
	return nil
}

func (noopCoordinator) Close() error { return nil }

// newCoordinator returns a Redis backed coordinator for redisURL, or a
// no-op one when redisURL is empty.
func newCoordinator(ctx context.Context, redisURL string) (Coordinator, error) {
	if redisURL == "" {
		return noopCoordinator{}, nil
	}
	return newRedisCoordinator(ctx, redisURL)
}
