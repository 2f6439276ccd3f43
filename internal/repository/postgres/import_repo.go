package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/ingest-worker/internal/domain"
	"github.com/ignite/ingest-worker/internal/pkg/logger"
	"github.com/lib/pq"
)

// ImportRepo is the only component of the worker that issues SQL. Every
// statement it builds touches import_batch or import_row and nothing else.
//
// Status writes are limited to: parsing (Claim), staging (Complete),
// failed (Fail, Reap) and uploaded (Reap only).
type ImportRepo struct {
	db               *sql.DB
	workerID         string
	statementTimeout time.Duration
}

// NewImportRepo creates a Postgres-backed import repository for one worker.
func NewImportRepo(db *sql.DB, workerID string, statementTimeout time.Duration) *ImportRepo {
	if statementTimeout <= 0 {
		statementTimeout = 30 * time.Second
	}
	return &ImportRepo{db: db, workerID: workerID, statementTimeout: statementTimeout}
}

func (r *ImportRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.statementTimeout)
}

// Claim atomically claims the oldest uploaded batch for this worker.
// Rows locked by a concurrent claimer are skipped, never waited on, so
// concurrent callers either win distinct batches or get (nil, nil).
func (r *ImportRepo) Claim(ctx context.Context) (*domain.ClaimedBatch, error) {
	queryCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	var (
		b       domain.ClaimedBatch
		mapping []byte
	)
	err := r.db.QueryRowContext(queryCtx, `
		WITH candidate AS (
			SELECT id
			FROM import_batch
			WHERE status = 'uploaded'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE import_batch b
		SET status = 'parsing',
		    claimed_by = $1,
		    claimed_at = NOW(),
		    heartbeat_at = NOW(),
		    attempt_count = b.attempt_count + 1
		FROM candidate c
		WHERE b.id = c.id
		RETURNING b.id, b.casino_id, b.storage_path, COALESCE(b.original_file_name, ''),
		          COALESCE(b.column_mapping, '{}'::jsonb), b.attempt_count
	`, r.workerID).Scan(&b.ID, &b.CasinoID, &b.StoragePath, &b.OriginalFileName, &mapping, &b.AttemptCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("claim batch", err)
	}

	if err := json.Unmarshal(mapping, &b.ColumnMapping); err != nil {
		// An unreadable mapping stages every row as invalid rather than
		// stranding the batch in parsing.
		logger.Warn("column mapping unreadable, continuing with empty mapping",
			"batch_id", b.ID, "error", err)
		b.ColumnMapping = domain.ColumnMapping{}
	}
	return &b, nil
}

// Reap recovers parsing batches whose heartbeat is older than threshold.
// Batches under maxAttempts go back to uploaded with claim fields cleared;
// the rest are failed with MAX_ATTEMPTS_EXCEEDED. Both updates run in one
// transaction and filter on the same staleness predicate.
func (r *ImportRepo) Reap(ctx context.Context, threshold time.Duration, maxAttempts int) (domain.ReapResult, error) {
	var result domain.ReapResult

	queryCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(queryCtx, nil)
	if err != nil {
		return result, wrap("reap: begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(queryCtx, `
		UPDATE import_batch
		SET status = 'failed',
		    last_error_code = $3
		WHERE status = 'parsing'
		  AND heartbeat_at < NOW() - make_interval(secs => $1)
		  AND attempt_count >= $2
	`, threshold.Seconds(), maxAttempts, domain.ErrCodeMaxAttemptsExceeded)
	if err != nil {
		return result, wrap("reap: fail exhausted", err)
	}
	result.Failed, _ = res.RowsAffected()

	res, err = tx.ExecContext(queryCtx, `
		UPDATE import_batch
		SET status = 'uploaded',
		    claimed_by = NULL,
		    claimed_at = NULL,
		    heartbeat_at = NULL
		WHERE status = 'parsing'
		  AND heartbeat_at < NOW() - make_interval(secs => $1)
		  AND attempt_count < $2
	`, threshold.Seconds(), maxAttempts)
	if err != nil {
		return domain.ReapResult{}, wrap("reap: requeue stale", err)
	}
	result.Requeued, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return domain.ReapResult{}, wrap("reap: commit", err)
	}
	return result, nil
}

// Heartbeat refreshes heartbeat_at for a batch this worker still owns.
func (r *ImportRepo) Heartbeat(ctx context.Context, batchID string) error {
	queryCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(queryCtx, `
		UPDATE import_batch
		SET heartbeat_at = NOW()
		WHERE id = $1
		  AND status = 'parsing'
		  AND claimed_by = $2
	`, batchID, r.workerID)
	return r.checkOwned("heartbeat", batchID, res, err)
}

// UpdateProgress records the cumulative number of rows processed so far.
func (r *ImportRepo) UpdateProgress(ctx context.Context, batchID string, rowsProcessed int) error {
	queryCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(queryCtx, `
		UPDATE import_batch
		SET row_count = $3
		WHERE id = $1
		  AND status = 'parsing'
		  AND claimed_by = $2
	`, batchID, r.workerID, rowsProcessed)
	return r.checkOwned("progress", batchID, res, err)
}

// Complete moves a batch to staging with its final row count and report.
func (r *ImportRepo) Complete(ctx context.Context, batchID string, rowCount int, report domain.ReportSummary) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("complete batch: marshal report: %w", err)
	}

	queryCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(queryCtx, `
		UPDATE import_batch
		SET status = 'staging',
		    row_count = $3,
		    report_summary = $4::jsonb,
		    last_error_code = NULL,
		    heartbeat_at = NOW()
		WHERE id = $1
		  AND status = 'parsing'
		  AND claimed_by = $2
	`, batchID, r.workerID, rowCount, string(reportJSON))
	return r.checkOwned("complete batch", batchID, res, err)
}

// Fail marks a batch this worker owns as failed with errorCode.
func (r *ImportRepo) Fail(ctx context.Context, batchID, errorCode string) error {
	queryCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(queryCtx, `
		UPDATE import_batch
		SET status = 'failed',
		    last_error_code = $3,
		    heartbeat_at = NOW()
		WHERE id = $1
		  AND status = 'parsing'
		  AND claimed_by = $2
	`, batchID, r.workerID, errorCode)
	return r.checkOwned("fail batch", batchID, res, err)
}

// InsertRows writes one chunk of rows for batch in a single statement.
// batch_id and casino_id come from the claimed batch, never from the rows.
// Rows whose (batch_id, row_number) already exists are skipped silently;
// the return value counts only rows actually inserted.
func (r *ImportRepo) InsertRows(ctx context.Context, batch *domain.ClaimedBatch, rows []domain.StagedRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var (
		rowNumbers    = make([]int64, len(rows))
		rawRows       = make([]string, len(rows))
		payloads      = make([]string, len(rows))
		statuses      = make([]string, len(rows))
		reasonCodes   = make([]string, len(rows))
		reasonDetails = make([]string, len(rows))
	)
	for i, row := range rows {
		raw, err := json.Marshal(row.RawRow)
		if err != nil {
			return 0, fmt.Errorf("insert rows: marshal raw_row %d: %w", row.RowNumber, err)
		}
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return 0, fmt.Errorf("insert rows: marshal payload %d: %w", row.RowNumber, err)
		}
		rowNumbers[i] = int64(row.RowNumber)
		rawRows[i] = string(raw)
		payloads[i] = string(payload)
		statuses[i] = string(row.Status)
		reasonCodes[i] = derefString(row.ReasonCode)
		reasonDetails[i] = derefString(row.ReasonDetail)
	}

	queryCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(queryCtx, `
		INSERT INTO import_row (
			batch_id, casino_id, row_number, raw_row, normalized_payload,
			status, reason_code, reason_detail, created_at
		)
		SELECT $1::uuid, $2::uuid, u.row_number, u.raw_row, u.normalized_payload,
		       u.status, NULLIF(u.reason_code, ''), NULLIF(u.reason_detail, ''), NOW()
		FROM unnest($3::int[], $4::jsonb[], $5::jsonb[], $6::text[], $7::text[], $8::text[])
		     AS u(row_number, raw_row, normalized_payload, status, reason_code, reason_detail)
		ON CONFLICT (batch_id, row_number) DO NOTHING
	`, batch.ID, batch.CasinoID,
		pq.Array(rowNumbers), pq.Array(rawRows), pq.Array(payloads),
		pq.Array(statuses), pq.Array(reasonCodes), pq.Array(reasonDetails))
	if err != nil {
		return 0, wrap("insert rows", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *ImportRepo) checkOwned(op, batchID string, res sql.Result, err error) error {
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, batchID, ErrClaimLost)
	}
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
