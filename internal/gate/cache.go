package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statusKeyPrefix = "geoconvert:status:"
	statusCacheTTL  = 15 * time.Minute
)

// cached pairs a terminal status with the job's secret so cache hits can be
// authorized without touching the database
type cached struct {
	Status JobStatus `json:"status"`
	Secret string    `json:"secret"`
}

// StatusCache caches terminal job statuses in Redis. Clients poll status
// until the job finishes and often keep polling after; terminal jobs never
// change, so serving them from cache keeps the poll loop off the database.
type StatusCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewStatusCache creates a StatusCache on the given Redis client
func NewStatusCache(client *redis.Client, logger *slog.Logger) *StatusCache {
	return &StatusCache{client: client, logger: logger}
}

// Get returns the cached status and job secret, or a miss
func (c *StatusCache) Get(ctx context.Context, jobID string) (*JobStatus, string, error) {
	data, err := c.client.Get(ctx, statusKeyPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to read status cache: %w", err)
	}

	var entry cached
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, "", fmt.Errorf("failed to decode cached status: %w", err)
	}

	return &entry.Status, entry.Secret, nil
}

// Put stores a terminal status. Cache failures are logged, not surfaced:
// the database remains the source of truth.
func (c *StatusCache) Put(ctx context.Context, status *JobStatus, secret string) {
	data, err := json.Marshal(cached{Status: *status, Secret: secret})
	if err != nil {
		c.logger.Warn("Failed to encode status for cache", slog.String("error", err.Error()))
		return
	}

	if err := c.client.Set(ctx, statusKeyPrefix+status.JobID, data, statusCacheTTL).Err(); err != nil {
		c.logger.Warn("Failed to cache job status",
			slog.String("job_id", status.JobID),
			slog.String("error", err.Error()),
		)
	}
}
