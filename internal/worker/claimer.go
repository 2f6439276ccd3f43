package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/ingest-worker/internal/domain"
	"github.com/ignite/ingest-worker/internal/pkg/distlock"
	"github.com/ignite/ingest-worker/internal/pkg/logger"
)

// ReaperLockKey names the distributed lock that elects one reaper per sweep.
const ReaperLockKey = "ingest:reaper"

// ReaperLockTTL bounds how long a crashed holder can block other reapers.
const ReaperLockTTL = 30 * time.Second

// ClaimStore is the part of the import repository the claimer needs.
type ClaimStore interface {
	Reap(ctx context.Context, threshold time.Duration, maxAttempts int) (domain.ReapResult, error)
	Claim(ctx context.Context) (*domain.ClaimedBatch, error)
}

// Claimer hands out the next batch to process. Each call first recovers
// stale claims, then claims at most one uploaded batch.
type Claimer struct {
	store       ClaimStore
	lock        distlock.DistLock
	workerID    string
	threshold   time.Duration
	maxAttempts int
}

// NewClaimer creates a claimer. A nil lock reaps on every call.
func NewClaimer(store ClaimStore, lock distlock.DistLock, workerID string, threshold time.Duration, maxAttempts int) *Claimer {
	if lock == nil {
		lock = distlock.NewLock(nil, ReaperLockKey, ReaperLockTTL)
	}
	return &Claimer{
		store:       store,
		lock:        lock,
		workerID:    workerID,
		threshold:   threshold,
		maxAttempts: maxAttempts,
	}
}

// Next reaps, then claims. It returns (nil, nil) when no batch is waiting.
// A reap failure is logged and does not block the claim.
func (c *Claimer) Next(ctx context.Context) (*domain.ClaimedBatch, error) {
	c.reap(ctx)

	batch, err := c.store.Claim(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if batch == nil {
		return nil, nil
	}

	logger.Info("batch claimed",
		"batch_id", batch.ID,
		"casino_id", batch.CasinoID,
		"attempt", batch.AttemptCount,
		"worker_id", c.workerID,
	)
	return batch, nil
}

func (c *Claimer) reap(ctx context.Context) {
	ran, err := distlock.Do(ctx, c.lock, func(ctx context.Context) error {
		result, err := c.store.Reap(ctx, c.threshold, c.maxAttempts)
		if err != nil {
			return err
		}
		if !result.Empty() {
			logger.Info("reap summary",
				"requeued", result.Requeued,
				"failed", result.Failed,
				"worker_id", c.workerID,
			)
		}
		return nil
	})
	if err != nil {
		logger.Error("reap failed", "worker_id", c.workerID, "error", err)
		return
	}
	if !ran {
		logger.Debug("reap skipped, lock held by another worker", "worker_id", c.workerID)
	}
}
