package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/ingest-worker/internal/domain"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func newTestRepo(t *testing.T) (*ImportRepo, sqlmock.Sqlmock) {
	db, mock := setupTestDB(t)
	return NewImportRepo(db, "worker-1", time.Second), mock
}

// containsArg matches a string driver value containing the given fragment.
type containsArg string

func (c containsArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, string(c))
}

func strPtr(s string) *string { return &s }

func TestClaim_NoneAvailable(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs("worker-1").
		WillReturnError(sql.ErrNoRows)

	batch, err := repo.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_ReturnsBatch(t *testing.T) {
	repo, mock := newTestRepo(t)

	rows := sqlmock.NewRows([]string{"id", "casino_id", "storage_path", "original_file_name", "column_mapping", "attempt_count"}).
		AddRow("b-1", "casino-A", "imports/casino-A/players.csv", "players.csv",
			[]byte(`{"email":"E-Mail","first_name":"First Name"}`), 1)
	mock.ExpectQuery(`UPDATE import_batch b\s+SET status = 'parsing'`).
		WithArgs("worker-1").
		WillReturnRows(rows)

	batch, err := repo.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, batch)

	assert.Equal(t, "b-1", batch.ID)
	assert.Equal(t, "casino-A", batch.CasinoID)
	assert.Equal(t, "imports/casino-A/players.csv", batch.StoragePath)
	assert.Equal(t, 1, batch.AttemptCount)
	assert.Equal(t, "E-Mail", batch.ColumnMapping[domain.FieldEmail])
	assert.Equal(t, "First Name", batch.ColumnMapping[domain.FieldFirstName])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_UnreadableMappingFallsBackToEmpty(t *testing.T) {
	repo, mock := newTestRepo(t)

	rows := sqlmock.NewRows([]string{"id", "casino_id", "storage_path", "original_file_name", "column_mapping", "attempt_count"}).
		AddRow("b-1", "casino-A", "p.csv", "", []byte(`["not","an","object"]`), 2)
	mock.ExpectQuery("SKIP LOCKED").WillReturnRows(rows)

	batch, err := repo.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Empty(t, batch.ColumnMapping)
}

func TestClaim_StatementTimeout(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery("SKIP LOCKED").
		WillReturnError(&pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"})

	_, err := repo.Claim(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatementTimeout)
}

func TestReap_RequeuesAndFails(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'failed',\s+last_error_code = \$3`).
		WithArgs(float64(300), 3, domain.ErrCodeMaxAttemptsExceeded).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status = 'uploaded',\s+claimed_by = NULL`).
		WithArgs(float64(300), 3).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	result, err := repo.Reap(context.Background(), 5*time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Requeued)
	assert.Equal(t, int64(1), result.Failed)
	assert.False(t, result.Empty())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReap_NothingStale(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'failed'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET status = 'uploaded'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := repo.Reap(context.Background(), time.Minute, 3)
	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestReap_RollsBackOnError(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'failed'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET status = 'uploaded'").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	result, err := repo.Reap(context.Background(), time.Minute, 3)
	require.Error(t, err)
	assert.True(t, result.Empty())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec(`SET heartbeat_at = NOW\(\)\s+WHERE id = \$1\s+AND status = 'parsing'\s+AND claimed_by = \$2`).
		WithArgs("b-1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Heartbeat(context.Background(), "b-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOwnershipGuard_ClaimLost(t *testing.T) {
	tests := []struct {
		name   string
		expect string
		call   func(*ImportRepo) error
	}{
		{"heartbeat", "SET heartbeat_at", func(r *ImportRepo) error {
			return r.Heartbeat(context.Background(), "b-1")
		}},
		{"progress", "SET row_count", func(r *ImportRepo) error {
			return r.UpdateProgress(context.Background(), "b-1", 500)
		}},
		{"complete", "SET status = 'staging'", func(r *ImportRepo) error {
			return r.Complete(context.Background(), "b-1", 10, domain.ReportSummary{TotalRows: 10})
		}},
		{"fail", "SET status = 'failed'", func(r *ImportRepo) error {
			return r.Fail(context.Background(), "b-1", domain.ErrCodeBatchRowLimit)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newTestRepo(t)
			mock.ExpectExec(regexp.QuoteMeta(tt.expect)).
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := tt.call(repo)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrClaimLost)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateProgress(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec("SET row_count = \\$3").
		WithArgs("b-1", "worker-1", 1000).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateProgress(context.Background(), "b-1", 1000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_WritesReport(t *testing.T) {
	repo, mock := newTestRepo(t)

	report := domain.ReportSummary{
		TotalRows:   20,
		ValidRows:   10,
		InvalidRows: 10,
		DurationMS:  42,
	}
	mock.ExpectExec(`SET status = 'staging',\s+row_count = \$3,\s+report_summary = \$4::jsonb`).
		WithArgs("b-1", "worker-1", 20, containsArg(`"invalid_rows":10`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Complete(context.Background(), "b-1", 20, report))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_RecordsCode(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec(`SET status = 'failed',\s+last_error_code = \$3`).
		WithArgs("b-1", "worker-1", domain.ErrCodeBatchRowLimit).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Fail(context.Background(), "b-1", domain.ErrCodeBatchRowLimit))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRows_TenantFromBatch(t *testing.T) {
	repo, mock := newTestRepo(t)

	batch := &domain.ClaimedBatch{ID: "b-1", CasinoID: "casino-A"}
	rows := []domain.StagedRow{
		{
			RowNumber: 1,
			// A casino_id column in the file is just data.
			RawRow:  map[string]string{"email": "a@x.co", "casino_id": "casino-B"},
			Payload: domain.NormalizedPayload{ContractVersion: domain.ContractV1},
			Status:  domain.RowStaged,
		},
		{
			RowNumber:    2,
			RawRow:       map[string]string{"email": ""},
			Payload:      domain.NormalizedPayload{ContractVersion: domain.ContractV1},
			Status:       domain.RowError,
			ReasonCode:   strPtr(domain.ReasonValidationFailed),
			ReasonDetail: strPtr("at least one of email or phone is required"),
		},
	}

	mock.ExpectExec(`INSERT INTO import_row .* ON CONFLICT \(batch_id, row_number\) DO NOTHING`).
		WithArgs("b-1", "casino-A",
			containsArg("{1,2}"),
			containsArg(`casino-B`),
			containsArg(`v1`),
			containsArg("staged"),
			containsArg(domain.ReasonValidationFailed),
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.InsertRows(context.Background(), batch, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRows_DuplicatesSkipped(t *testing.T) {
	repo, mock := newTestRepo(t)

	batch := &domain.ClaimedBatch{ID: "b-1", CasinoID: "casino-A"}
	rows := make([]domain.StagedRow, 3)
	for i := range rows {
		rows[i] = domain.StagedRow{RowNumber: i + 1, Status: domain.RowStaged}
	}

	// Re-delivery of an already-inserted chunk inserts nothing.
	mock.ExpectExec("ON CONFLICT").WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.InsertRows(context.Background(), batch, rows)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertRows_Empty(t *testing.T) {
	repo, mock := newTestRepo(t)

	n, err := repo.InsertRows(context.Background(), &domain.ClaimedBatch{ID: "b-1"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStagedRowPayloadEncoding(t *testing.T) {
	// normalized_payload keeps dob as an explicit null when the column was mapped.
	payload := domain.NormalizedPayload{ContractVersion: domain.ContractV1}
	payload.Profile.DOB = &domain.NullableString{}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"dob":null`)
}
