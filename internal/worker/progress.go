package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/ingest-worker/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// ProgressTTL is how long a progress snapshot stays readable after its
// last update.
const ProgressTTL = 24 * time.Hour

// BatchProgress is the snapshot mirrored for the upload UI.
type BatchProgress struct {
	BatchID       string    `json:"batch_id"`
	CasinoID      string    `json:"casino_id"`
	Status        string    `json:"status"`
	RowsProcessed int       `json:"rows_processed"`
	ValidRows     int       `json:"valid_rows"`
	InvalidRows   int       `json:"invalid_rows"`
	ParseErrors   int       `json:"parse_errors"`
	ErrorCode     string    `json:"error_code,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProgressPublisher receives progress snapshots. Implementations must not
// fail the batch; errors are theirs to log.
type ProgressPublisher interface {
	Publish(ctx context.Context, p BatchProgress)
}

// ProgressKey returns the Redis key holding a batch's progress.
func ProgressKey(batchID string) string {
	return fmt.Sprintf("import:progress:%s", batchID)
}

// RedisProgress mirrors progress snapshots into Redis.
type RedisProgress struct {
	client redis.Cmdable
}

// NewRedisProgress creates a Redis progress mirror.
func NewRedisProgress(client redis.Cmdable) *RedisProgress {
	return &RedisProgress{client: client}
}

// Publish stores p under ProgressKey with ProgressTTL.
func (r *RedisProgress) Publish(ctx context.Context, p BatchProgress) {
	data, err := json.Marshal(p)
	if err != nil {
		logger.Warn("progress mirror encode failed", "batch_id", p.BatchID, "error", err)
		return
	}
	if err := r.client.Set(ctx, ProgressKey(p.BatchID), data, ProgressTTL).Err(); err != nil {
		logger.Warn("progress mirror failed", "batch_id", p.BatchID, "error", err)
	}
}

// Get reads the latest snapshot for batchID, or nil if none exists.
func (r *RedisProgress) Get(ctx context.Context, batchID string) (*BatchProgress, error) {
	data, err := r.client.Get(ctx, ProgressKey(batchID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p BatchProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode progress for %s: %w", batchID, err)
	}
	return &p, nil
}
