package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/ingest-worker/internal/domain"
)

// fakeStore is an in-memory import repository. Claim takes the oldest
// uploaded batch under a mutex, which gives the same exclusivity the
// skip-locked claim gives in Postgres.
type fakeStore struct {
	mu sync.Mutex

	batches []*fakeBatch
	rows    map[string]domain.StagedRow // "<batch>/<row>"

	insertCalls   []insertCall
	progressCalls []int
	heartbeats    int
	completes     []completeCall
	fails         []string
	reapCalls     int
	calls         []string

	reapResult  domain.ReapResult
	reapErr     error
	claimErr    error
	insertErr   error
	progressErr  error
	heartbeatErr error
	respectCtx  bool
}

type fakeBatch struct {
	batch     domain.ClaimedBatch
	createdAt time.Time
	status    domain.BatchStatus
}

type insertCall struct {
	batchID  string
	casinoID string
	rows     []domain.StagedRow
}

type completeCall struct {
	batchID  string
	rowCount int
	report   domain.ReportSummary
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]domain.StagedRow)}
}

func (f *fakeStore) addUploaded(id, casinoID string, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, &fakeBatch{
		batch:     domain.ClaimedBatch{ID: id, CasinoID: casinoID, StoragePath: casinoID + "/" + id + ".csv"},
		createdAt: createdAt,
		status:    domain.BatchUploaded,
	})
}

func (f *fakeStore) Reap(ctx context.Context, threshold time.Duration, maxAttempts int) (domain.ReapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reapCalls++
	f.calls = append(f.calls, "reap")
	return f.reapResult, f.reapErr
}

func (f *fakeStore) Claim(ctx context.Context) (*domain.ClaimedBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "claim")
	if f.claimErr != nil {
		return nil, f.claimErr
	}

	candidates := make([]*fakeBatch, 0, len(f.batches))
	for _, b := range f.batches {
		if b.status == domain.BatchUploaded {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})

	b := candidates[0]
	b.status = domain.BatchParsing
	b.batch.AttemptCount++
	claimed := b.batch
	return &claimed, nil
}

func (f *fakeStore) InsertRows(ctx context.Context, batch *domain.ClaimedBatch, rows []domain.StagedRow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respectCtx && ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if f.insertErr != nil {
		return 0, f.insertErr
	}

	f.insertCalls = append(f.insertCalls, insertCall{
		batchID:  batch.ID,
		casinoID: batch.CasinoID,
		rows:     append([]domain.StagedRow(nil), rows...),
	})

	var inserted int64
	for _, r := range rows {
		key := fmt.Sprintf("%s/%d", batch.ID, r.RowNumber)
		if _, exists := f.rows[key]; exists {
			continue
		}
		f.rows[key] = r
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) UpdateProgress(ctx context.Context, batchID string, rowsProcessed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progressErr != nil {
		return f.progressErr
	}
	f.progressCalls = append(f.progressCalls, rowsProcessed)
	return nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeStore) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

// manualTicker hands the ingestor a tick channel the test drives.
type manualTicker struct {
	ch chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) tick() { m.ch <- time.Now() }

func (m *manualTicker) ticker(time.Duration) (<-chan time.Time, func()) {
	return m.ch, func() {}
}

func (f *fakeStore) Complete(ctx context.Context, batchID string, rowCount int, report domain.ReportSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respectCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	f.completes = append(f.completes, completeCall{batchID: batchID, rowCount: rowCount, report: report})
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, batchID, errorCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, errorCode)
	return nil
}

func (f *fakeStore) storedRows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// stepClock advances by step on every reading.
type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

var testMapping = domain.ColumnMapping{
	domain.FieldEmail:     "Email",
	domain.FieldPhone:     "Phone",
	domain.FieldFirstName: "First Name",
	domain.FieldLastName:  "Last Name",
	domain.FieldDOB:       "DOB",
}

const testHeader = "Email,Phone,First Name,Last Name,DOB"

// buildCSV renders a header plus n rows produced by row(i) for i in 1..n.
func buildCSV(n int, row func(i int) string) string {
	var sb strings.Builder
	sb.WriteString(testHeader)
	sb.WriteString("\n")
	for i := 1; i <= n; i++ {
		sb.WriteString(row(i))
		sb.WriteString("\n")
	}
	return sb.String()
}

func validRow(i int) string {
	return fmt.Sprintf("player%d@example.com,,Player,Number%d,1985-03-15", i, i)
}

func testBatch() *domain.ClaimedBatch {
	return &domain.ClaimedBatch{
		ID:               "batch-1",
		CasinoID:         "casino-A",
		StoragePath:      "casino-A/players.csv",
		OriginalFileName: "players.csv",
		ColumnMapping:    testMapping,
		AttemptCount:     1,
	}
}
