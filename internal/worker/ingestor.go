package worker

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ignite/ingest-worker/internal/datanorm"
	"github.com/ignite/ingest-worker/internal/domain"
	"github.com/ignite/ingest-worker/internal/pkg/logger"
)

// ErrRowLimitExceeded is returned when a file holds more data rows than
// the configured cap. The batch has already been marked failed.
var ErrRowLimitExceeded = errors.New("batch row limit exceeded")

const (
	DefaultChunkSize         = 500
	DefaultMaxRows           = 10000
	DefaultHeartbeatInterval = 30 * time.Second
)

// BatchStore is the part of the import repository the ingestor writes to.
// Every method is scoped to a batch the caller has claimed.
type BatchStore interface {
	InsertRows(ctx context.Context, batch *domain.ClaimedBatch, rows []domain.StagedRow) (int64, error)
	UpdateProgress(ctx context.Context, batchID string, rowsProcessed int) error
	Heartbeat(ctx context.Context, batchID string) error
	Complete(ctx context.Context, batchID string, rowCount int, report domain.ReportSummary) error
	Fail(ctx context.Context, batchID, errorCode string) error
}

// IngestorConfig bounds a single ingestion run.
type IngestorConfig struct {
	ChunkSize         int
	MaxRows           int
	HeartbeatInterval time.Duration
}

// Ingestor streams one claimed batch file into staged rows.
type Ingestor struct {
	store    BatchStore
	progress ProgressPublisher
	cfg      IngestorConfig
	now      func() time.Time
	ticker   tickerFunc
}

// tickerFunc returns a tick channel and its stop function.
type tickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// NewIngestor creates an ingestor. Zero config values take the defaults.
func NewIngestor(store BatchStore, cfg IngestorConfig) *Ingestor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Ingestor{store: store, cfg: cfg, now: time.Now, ticker: realTicker}
}

// WithProgress attaches a progress mirror.
func (in *Ingestor) WithProgress(p ProgressPublisher) *Ingestor {
	in.progress = p
	return in
}

// run holds the state of one ingestion.
type run struct {
	batch     *domain.ClaimedBatch
	report    domain.ReportSummary
	buf       []domain.StagedRow
	rowNumber int
	inserted  int64
}

// Ingest reads r as delimited text, stages every data row for batch and
// moves the batch to staging. The tenant of every row is batch.CasinoID.
//
// The claim is refreshed every HeartbeatInterval while the file is read
// and written, however slow a single read or insert is. A failed
// heartbeat aborts the run.
//
// Malformed records are counted and skipped. Exceeding MaxRows fails the
// batch and returns ErrRowLimitExceeded. Any other error aborts the run
// with the batch left in parsing so the reaper can retry it.
func (in *Ingestor) Ingest(ctx context.Context, batch *domain.ClaimedBatch, r io.Reader) (*domain.ReportSummary, error) {
	started := in.now()
	st := &run{
		batch: batch,
		buf:   make([]domain.StagedRow, 0, in.cfg.ChunkSize),
	}
	st.report.StartedAt = started

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := in.keepAlive(runCtx, cancel, batch.ID)
	err := in.parse(runCtx, st, r)
	stop()

	// The row cap has already failed the batch durably.
	if errors.Is(err, ErrRowLimitExceeded) {
		return nil, err
	}
	// A lost heartbeat outranks whatever the parse saw as a consequence.
	if runCtx.Err() != nil {
		if cause := context.Cause(runCtx); cause != nil {
			return nil, cause
		}
	}
	if err != nil {
		return nil, err
	}

	completed := in.now()
	st.report.TotalRows = st.rowNumber
	st.report.CompletedAt = completed
	st.report.DurationMS = completed.Sub(started).Milliseconds()

	if err := in.store.Complete(ctx, batch.ID, st.rowNumber, st.report); err != nil {
		return nil, fmt.Errorf("complete batch %s: %w", batch.ID, err)
	}

	logger.Info("batch completed",
		"batch_id", batch.ID,
		"casino_id", batch.CasinoID,
		"total_rows", st.report.TotalRows,
		"valid_rows", st.report.ValidRows,
		"invalid_rows", st.report.InvalidRows,
		"parse_errors", st.report.ParseErrors,
		"inserted_rows", st.inserted,
		"duration_ms", st.report.DurationMS,
	)
	in.publish(ctx, st, string(domain.BatchStaging), "")

	report := st.report
	return &report, nil
}

// parse reads the header, streams the data rows and flushes the trailing
// partial chunk without a progress update.
func (in *Ingestor) parse(ctx context.Context, st *run, r io.Reader) error {
	reader := datanorm.NewCSVReader(r)

	// No header means no data: a zero-row completion.
	header, err := reader.Read()
	switch {
	case err == io.EOF:
		return nil
	case err != nil:
		return fmt.Errorf("read header for batch %s: %w", st.batch.ID, err)
	}

	if err := in.stream(ctx, st, reader, header); err != nil {
		return err
	}
	if len(st.buf) > 0 {
		return in.insert(ctx, st)
	}
	return nil
}

// keepAlive refreshes the claim on every tick until the returned stop
// function is called. A failed heartbeat cancels ctx with the error as
// its cause.
func (in *Ingestor) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, batchID string) (stop func()) {
	ticks, stopTicker := in.ticker(in.cfg.HeartbeatInterval)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stopTicker()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticks:
				if err := in.store.Heartbeat(ctx, batchID); err != nil {
					logger.Warn("heartbeat failed", "batch_id", batchID, "error", err)
					cancel(fmt.Errorf("heartbeat batch %s: %w", batchID, err))
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (in *Ingestor) stream(ctx context.Context, st *run, reader *csv.Reader, header []string) error {
	columns := datanorm.ResolveColumns(header, st.batch.ColumnMapping)
	rawKeys := datanorm.RawKeys(header)
	source := sourceMeta(st.batch)

	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return fmt.Errorf("read batch %s: %w", st.batch.ID, err)
			}
			st.report.ParseErrors++
			logger.Warn("skipping malformed record",
				"batch_id", st.batch.ID,
				"line", parseErr.Line,
				"error", parseErr.Err,
			)
			continue
		}

		st.rowNumber++
		if st.rowNumber > in.cfg.MaxRows {
			return in.failRowLimit(ctx, st)
		}

		payload := datanorm.NormalizeResolved(record, columns, st.rowNumber, source)
		result := datanorm.ValidateRow(payload)
		if result.Valid {
			st.report.ValidRows++
		} else {
			st.report.InvalidRows++
		}
		st.buf = append(st.buf, domain.StagedRow{
			RowNumber:    st.rowNumber,
			RawRow:       datanorm.RawRow(record, rawKeys),
			Payload:      payload,
			Status:       result.Status,
			ReasonCode:   result.ReasonCode,
			ReasonDetail: result.ReasonDetail,
		})

		if len(st.buf) >= in.cfg.ChunkSize {
			if err := in.flushChunk(ctx, st); err != nil {
				return err
			}
		}
	}
}

func (in *Ingestor) flushChunk(ctx context.Context, st *run) error {
	if err := in.insert(ctx, st); err != nil {
		return err
	}
	if err := in.store.UpdateProgress(ctx, st.batch.ID, st.rowNumber); err != nil {
		return fmt.Errorf("update progress for batch %s: %w", st.batch.ID, err)
	}
	in.publish(ctx, st, string(domain.BatchParsing), "")
	return nil
}

func (in *Ingestor) insert(ctx context.Context, st *run) error {
	n, err := in.store.InsertRows(ctx, st.batch, st.buf)
	if err != nil {
		return fmt.Errorf("insert rows for batch %s: %w", st.batch.ID, err)
	}
	st.inserted += n
	st.buf = st.buf[:0]
	return nil
}

func (in *Ingestor) failRowLimit(ctx context.Context, st *run) error {
	logger.Warn("row cap exceeded",
		"batch_id", st.batch.ID,
		"casino_id", st.batch.CasinoID,
		"max_rows", in.cfg.MaxRows,
	)
	if err := in.store.Fail(ctx, st.batch.ID, domain.ErrCodeBatchRowLimit); err != nil {
		return fmt.Errorf("fail batch %s: %w", st.batch.ID, err)
	}
	in.publish(ctx, st, string(domain.BatchFailed), domain.ErrCodeBatchRowLimit)
	return fmt.Errorf("batch %s: %w (max %d rows)", st.batch.ID, ErrRowLimitExceeded, in.cfg.MaxRows)
}

func (in *Ingestor) publish(ctx context.Context, st *run, status, errorCode string) {
	if in.progress == nil {
		return
	}
	processed := st.rowNumber
	if processed > in.cfg.MaxRows {
		processed = in.cfg.MaxRows
	}
	in.progress.Publish(ctx, BatchProgress{
		BatchID:       st.batch.ID,
		CasinoID:      st.batch.CasinoID,
		Status:        status,
		RowsProcessed: processed,
		ValidRows:     st.report.ValidRows,
		InvalidRows:   st.report.InvalidRows,
		ParseErrors:   st.report.ParseErrors,
		ErrorCode:     errorCode,
		UpdatedAt:     time.Now().UTC(),
	})
}

// sourceMeta is the provenance attached to every payload of a batch.
func sourceMeta(batch *domain.ClaimedBatch) map[string]any {
	if batch.OriginalFileName == "" {
		return nil
	}
	return map[string]any{"file_name": batch.OriginalFileName}
}
