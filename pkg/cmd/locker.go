package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/operion-approval/pkg/lock"
)

const lockPrefix = "operion:"

// NewLocker returns a Redis-backed locker when redisURL is set and an in-process one otherwise.
// The returned close function releases the Redis connection.
func NewLocker(ctx context.Context, logger *slog.Logger, redisURL string) (lock.Locker, func() error, error) {
	if redisURL == "" {
		logger.InfoContext(ctx, "No Redis configured, sweep lock is local to this process")

		return lock.NewLocalLocker(), func() error { return nil }, nil
	}

	client, err := lock.NewRedisClient(ctx, redisURL)
	if err != nil {
		return nil, nil, err
	}

	return lock.NewRedisLocker(client, lockPrefix, logger), client.Close, nil
}
