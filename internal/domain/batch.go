package domain

import "time"

// BatchStatus enumerates the lifecycle states of an import batch.
type BatchStatus string

const (
	BatchUploaded BatchStatus = "uploaded"
	BatchParsing  BatchStatus = "parsing"
	BatchStaging  BatchStatus = "staging"
	BatchFailed   BatchStatus = "failed"
)

// Batch-level error codes written to import_batch.last_error_code.
const (
	ErrCodeBatchRowLimit       = "BATCH_ROW_LIMIT"
	ErrCodeMaxAttemptsExceeded = "MAX_ATTEMPTS_EXCEEDED"
)

// ClaimedBatch is the in-memory view of a batch held by the worker that
// claimed it. Its CasinoID is the only tenant identifier ever written to
// import_row for the run.
type ClaimedBatch struct {
	ID               string        `json:"id"`
	CasinoID         string        `json:"casino_id"`
	StoragePath      string        `json:"storage_path"`
	OriginalFileName string        `json:"original_file_name"`
	ColumnMapping    ColumnMapping `json:"column_mapping"`
	AttemptCount     int           `json:"attempt_count"`
}

// ReapResult summarizes one reaper sweep.
type ReapResult struct {
	Requeued int64 `json:"requeued"`
	Failed   int64 `json:"failed"`
}

// Empty reports whether the sweep touched nothing.
func (r ReapResult) Empty() bool { return r.Requeued == 0 && r.Failed == 0 }

// ReportSummary is the structured report stored on a completed batch.
type ReportSummary struct {
	TotalRows     int       `json:"total_rows"`
	ValidRows     int       `json:"valid_rows"`
	InvalidRows   int       `json:"invalid_rows"`
	DuplicateRows int       `json:"duplicate_rows"`
	ParseErrors   int       `json:"parse_errors"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	DurationMS    int64     `json:"duration_ms"`
}
