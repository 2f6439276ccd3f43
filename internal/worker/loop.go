package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ignite/ingest-worker/internal/domain"
	"github.com/ignite/ingest-worker/internal/pkg/logger"
)

// DefaultPollInterval is how long the loop sleeps when no batch is waiting.
const DefaultPollInterval = 5 * time.Second

// BatchSource hands out claimed batches.
type BatchSource interface {
	Next(ctx context.Context) (*domain.ClaimedBatch, error)
}

// BatchOpener opens a batch's uploaded file.
type BatchOpener interface {
	Open(ctx context.Context, storagePath string) (io.ReadCloser, error)
}

// LoopStatus is a point-in-time view of the loop for health reporting.
type LoopStatus struct {
	WorkerID         string     `json:"worker_id"`
	Running          bool       `json:"running"`
	LastPollAt       *time.Time `json:"last_poll_at,omitempty"`
	CurrentBatchID   string     `json:"current_batch_id,omitempty"`
	BatchesCompleted int64      `json:"batches_completed"`
	BatchesFailed    int64      `json:"batches_failed"`
	BatchesAborted   int64      `json:"batches_aborted"`
}

// Loop polls for batches and processes them one at a time.
type Loop struct {
	workerID     string
	source       BatchSource
	opener       BatchOpener
	ingestor     *Ingestor
	pollInterval time.Duration

	mu     sync.RWMutex
	status LoopStatus
}

// NewLoop creates a worker loop.
func NewLoop(workerID string, source BatchSource, opener BatchOpener, ingestor *Ingestor, pollInterval time.Duration) *Loop {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Loop{
		workerID:     workerID,
		source:       source,
		opener:       opener,
		ingestor:     ingestor,
		pollInterval: pollInterval,
		status:       LoopStatus{WorkerID: workerID},
	}
}

// Run polls until ctx is cancelled. A batch already in flight when ctx is
// cancelled runs to completion or abort before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.setRunning(true)
	defer l.setRunning(false)

	logger.Info("worker loop started",
		"worker_id", l.workerID,
		"poll_interval_ms", l.pollInterval.Milliseconds(),
	)

	for {
		if ctx.Err() != nil {
			logger.Info("worker loop stopped", "worker_id", l.workerID)
			return nil
		}

		claimed, err := l.Tick(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrRowLimitExceeded):
			// Already failed durably and logged.
			err = nil
		default:
			logger.Error("worker tick failed", "worker_id", l.workerID, "error", err)
		}
		// Keep draining while there is work.
		if claimed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			logger.Info("worker loop stopped", "worker_id", l.workerID)
			return nil
		case <-time.After(l.pollInterval):
		}
	}
}

// Tick claims and processes at most one batch. It reports whether a batch
// was claimed.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	now := time.Now()
	l.mu.Lock()
	l.status.LastPollAt = &now
	l.mu.Unlock()

	batch, err := l.source.Next(ctx)
	if err != nil {
		return false, err
	}
	if batch == nil {
		return false, nil
	}

	// Shutdown stops claiming but never interrupts a claimed batch.
	return true, l.process(context.WithoutCancel(ctx), batch)
}

func (l *Loop) process(ctx context.Context, batch *domain.ClaimedBatch) error {
	l.setCurrent(batch.ID)
	defer l.setCurrent("")

	body, err := l.opener.Open(ctx, batch.StoragePath)
	if err != nil {
		l.record(outcomeAborted)
		logger.Error("batch aborted",
			"batch_id", batch.ID,
			"casino_id", batch.CasinoID,
			"stage", "open",
			"error", err,
		)
		return fmt.Errorf("open batch %s: %w", batch.ID, err)
	}
	defer body.Close()

	if _, err := l.ingestor.Ingest(ctx, batch, body); err != nil {
		if errors.Is(err, ErrRowLimitExceeded) {
			l.record(outcomeFailed)
			return err
		}
		l.record(outcomeAborted)
		logger.Error("batch aborted",
			"batch_id", batch.ID,
			"casino_id", batch.CasinoID,
			"stage", "ingest",
			"error", err,
		)
		return err
	}

	l.record(outcomeCompleted)
	return nil
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() LoopStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeAborted
)

func (l *Loop) record(o outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch o {
	case outcomeCompleted:
		l.status.BatchesCompleted++
	case outcomeFailed:
		l.status.BatchesFailed++
	case outcomeAborted:
		l.status.BatchesAborted++
	}
}

func (l *Loop) setRunning(running bool) {
	l.mu.Lock()
	l.status.Running = running
	l.mu.Unlock()
}

func (l *Loop) setCurrent(batchID string) {
	l.mu.Lock()
	l.status.CurrentBatchID = batchID
	l.mu.Unlock()
}
