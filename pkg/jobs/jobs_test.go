package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockRepo(t *testing.T, dialect Dialect) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	repo, err := NewWithDB(db, dialect)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, mock
}

func jobRow(id string, status Status, contentKey any) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "status", "priority", "invoice_content_key", "format", "options",
		"tenant_id", "correlation_id", "created_at", "started_at", "completed_at",
		"result_fingerprint_id", "error_message", "retry_count", "max_retries",
		"plan_hash", "config_snapshot_hash", "engine_versions", "report_summary", "error_summary",
	}).AddRow(id, string(status), 0, contentKey, "xrechnung-ubl", nil,
		"tenant-1", "corr-1", time.Now().UTC(), nil, nil,
		nil, nil, 0, 3, nil, nil, nil, nil, nil)
}

func TestCreateJob_Defaults(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	key := "raw-invoice:run-1"
	job := &Job{ID: "job-1", InvoiceContentKey: &key}
	require.NoError(t, repo.CreateJob(context.Background(), job))

	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxRetries)
	assert.False(t, job.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJob_RequiresID(t *testing.T) {
	repo, _ := mockRepo(t, DialectSQLite)
	assert.Error(t, repo.CreateJob(context.Background(), &Job{}))
}

func TestUpdateJobStatus_PendingToProcessing(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(string(StatusProcessing), sqlmock.AnyArg(), "job-1", string(StatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.UpdateJobStatus(context.Background(), "job-1", StatusProcessing)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatus_SecondTransitionIsAbsent(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	// The row is already processing; the CAS matches zero rows.
	mock.ExpectExec("UPDATE jobs SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.UpdateJobStatus(context.Background(), "job-1", StatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateJobStatus_RejectsTerminalTargets(t *testing.T) {
	repo, _ := mockRepo(t, DialectSQLite)

	_, err := repo.UpdateJobStatus(context.Background(), "job-1", StatusCompleted)
	assert.Error(t, err)
}

func TestStoreJobResult_ClearsContentKey(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	// The terminal write must null invoice_content_key in the same statement.
	mock.ExpectExec("UPDATE jobs SET\\s+status = \\?, completed_at = \\?, invoice_content_key = NULL").
		WithArgs(string(StatusCompleted), sqlmock.AnyArg(), "FL-abc-123456",
			sqlmock.AnyArg(), "", "job-1", string(StatusPending), string(StatusProcessing)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.StoreJobResult(context.Background(), "job-1", Result{
		Status:        StatusCompleted,
		FingerprintID: "FL-abc-123456",
		ReportSummary: map[string]any{"decision": "ALLOW"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreJobResult_TerminalIsIdempotent(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	// Already terminal: the WHERE clause matches nothing and no column moves.
	mock.ExpectExec("UPDATE jobs SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.StoreJobResult(context.Background(), "job-1", Result{Status: StatusBlocked})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreJobResult_RejectsNonTerminal(t *testing.T) {
	repo, _ := mockRepo(t, DialectSQLite)

	_, err := repo.StoreJobResult(context.Background(), "job-1", Result{Status: StatusProcessing})
	assert.Error(t, err)
}

func TestCancelJob_FromPending(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	mock.ExpectExec("UPDATE jobs SET\\s+status = \\?, completed_at = \\?, invoice_content_key = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIncrementRetry_ExhaustedIsAbsent(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	mock.ExpectExec("UPDATE jobs SET\\s+status = \\?, retry_count = retry_count \\+ 1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.IncrementRetry(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetJobByID_NotFound(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	mock.ExpectQuery("(?s)SELECT .* FROM jobs WHERE id").
		WillReturnRows(jobRow("x", StatusPending, nil).RowError(0, nil))

	// No matching row at all.
	repo2, mock2 := mockRepo(t, DialectSQLite)
	mock2.ExpectQuery("(?s)SELECT .* FROM jobs WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := repo2.GetJobByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	job, err := repo.GetJobByID(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", job.ID)
}

func TestClaimJob_RetriesAfterLostRace(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	// First candidate is stolen by another worker (CAS misses), the second
	// claim succeeds.
	mock.ExpectQuery("(?s)SELECT .* FROM jobs\\s+WHERE status").
		WillReturnRows(jobRow("job-1", StatusPending, "raw-invoice:r1"))
	mock.ExpectExec("UPDATE jobs SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("(?s)SELECT .* FROM jobs\\s+WHERE status").
		WillReturnRows(jobRow("job-2", StatusPending, "raw-invoice:r2"))
	mock.ExpectExec("UPDATE jobs SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job, err := repo.ClaimJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-2", job.ID)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimJob_EmptyQueue(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	mock.ExpectQuery("(?s)SELECT .* FROM jobs\\s+WHERE status").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.ClaimJob(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStats(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 2).
			AddRow("completed", 5))

	stats, err := repo.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[StatusPending])
	assert.Equal(t, 5, stats.ByStatus[StatusCompleted])
}

func TestCleanupOldJobs_TerminalOnly(t *testing.T) {
	repo, mock := mockRepo(t, DialectSQLite)

	mock.ExpectExec("DELETE FROM jobs").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.CleanupOldJobs(context.Background(), time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRebind_Postgres(t *testing.T) {
	repo, _ := mockRepo(t, DialectPostgres)

	got := repo.rebind("UPDATE jobs SET status = ? WHERE id = ? AND status = ?")
	assert.Equal(t, "UPDATE jobs SET status = $1 WHERE id = $2 AND status = $3", got)

	repoLite, _ := mockRepo(t, DialectSQLite)
	assert.Equal(t, "SELECT ?", repoLite.rebind("SELECT ?"))
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCompletedWithWarnings, StatusBlocked, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []Status{StatusPending, StatusProcessing} {
		assert.False(t, s.Terminal(), string(s))
	}
}
