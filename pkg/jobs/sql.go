package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect switches placeholder style between the supported drivers.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                   TEXT PRIMARY KEY,
	status               TEXT NOT NULL,
	priority             INTEGER NOT NULL DEFAULT 0,
	invoice_content_key  TEXT,
	format               TEXT,
	options              TEXT,
	tenant_id            TEXT,
	correlation_id       TEXT,
	created_at           TIMESTAMP NOT NULL,
	started_at           TIMESTAMP,
	completed_at         TIMESTAMP,
	result_fingerprint_id TEXT,
	error_message        TEXT,
	retry_count          INTEGER NOT NULL DEFAULT 0,
	max_retries          INTEGER NOT NULL DEFAULT 3,
	plan_hash            TEXT,
	config_snapshot_hash TEXT,
	engine_versions      TEXT,
	report_summary       TEXT,
	error_summary        TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs (tenant_id, created_at);`

const jobColumns = `id, status, priority, invoice_content_key, format, options,
	tenant_id, correlation_id, created_at, started_at, completed_at,
	result_fingerprint_id, error_message, retry_count, max_retries,
	plan_hash, config_snapshot_hash, engine_versions, report_summary, error_summary`

// SQLRepository implements Repository on database/sql for sqlite and
// postgres.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLite opens (or creates) a sqlite-backed repository.
func NewSQLite(dsn string) (*SQLRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobs: open sqlite: %w", err)
	}
	return newSQLRepository(db, DialectSQLite)
}

// NewPostgres opens a postgres-backed repository.
func NewPostgres(dsn string) (*SQLRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobs: open postgres: %w", err)
	}
	return newSQLRepository(db, DialectPostgres)
}

// NewWithDB wraps an existing handle; used by tests and callers managing
// their own pool.
func NewWithDB(db *sql.DB, dialect Dialect) (*SQLRepository, error) {
	return newSQLRepository(db, dialect)
}

func newSQLRepository(db *sql.DB, dialect Dialect) (*SQLRepository, error) {
	r := &SQLRepository{db: db, dialect: dialect}
	if _, err := db.ExecContext(context.Background(), jobsSchema); err != nil {
		return nil, fmt.Errorf("jobs: migrate: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) Close() error { return r.db.Close() }

// rebind converts ?-placeholders to $n for postgres.
func (r *SQLRepository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *SQLRepository) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("jobs: job id required")
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}

	query := r.rebind(`INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		job.ID, string(job.Status), job.Priority, job.InvoiceContentKey,
		job.Format, marshalJSON(job.Options), job.TenantID, job.CorrelationID,
		job.CreatedAt.UTC(), job.StartedAt, job.CompletedAt,
		job.ResultFingerprint, job.ErrorMessage, job.RetryCount, job.MaxRetries,
		job.PlanHash, job.ConfigSnapshotHash, marshalJSON(job.EngineVersions),
		marshalJSON(job.ReportSummary), job.ErrorSummary)
	if err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetJobByID(ctx context.Context, id string) (*Job, error) {
	query := r.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	return job, nil
}

func (r *SQLRepository) UpdateJobStatus(ctx context.Context, id string, to Status) (bool, error) {
	var query string
	var args []any
	now := time.Now().UTC()

	switch to {
	case StatusProcessing:
		query = `UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`
		args = []any{string(StatusProcessing), now, id, string(StatusPending)}
	case StatusPending:
		query = `UPDATE jobs SET status = ? WHERE id = ? AND status = ?`
		args = []any{string(StatusPending), id, string(StatusProcessing)}
	default:
		return false, fmt.Errorf("jobs: %q is not a CAS-updatable status; use StoreJobResult", to)
	}

	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("jobs: update status: %w", err)
	}
	return affected(res)
}

func (r *SQLRepository) StoreJobResult(ctx context.Context, id string, result Result) (bool, error) {
	if !result.Status.Terminal() {
		return false, fmt.Errorf("jobs: %q is not a terminal status", result.Status)
	}

	query := r.rebind(`UPDATE jobs SET
			status = ?, completed_at = ?, invoice_content_key = NULL,
			result_fingerprint_id = ?, report_summary = ?, error_summary = ?
		WHERE id = ? AND status IN (?, ?)`)
	res, err := r.db.ExecContext(ctx, query,
		string(result.Status), time.Now().UTC(), result.FingerprintID,
		marshalJSON(result.ReportSummary), result.ErrorSummary,
		id, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("jobs: store result: %w", err)
	}
	return affected(res)
}

func (r *SQLRepository) GetJobsByStatus(ctx context.Context, status Status, limit int) ([]*Job, error) {
	query := r.rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT ?`)
	return r.queryJobs(ctx, query, string(status), limitOrDefault(limit))
}

func (r *SQLRepository) GetJobsByTenant(ctx context.Context, tenantID string, limit int) ([]*Job, error) {
	query := r.rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`)
	return r.queryJobs(ctx, query, tenantID, limitOrDefault(limit))
}

func (r *SQLRepository) CancelJob(ctx context.Context, id string) (bool, error) {
	query := r.rebind(`UPDATE jobs SET
			status = ?, completed_at = ?, invoice_content_key = NULL
		WHERE id = ? AND status IN (?, ?)`)
	res, err := r.db.ExecContext(ctx, query,
		string(StatusCancelled), time.Now().UTC(),
		id, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("jobs: cancel: %w", err)
	}
	return affected(res)
}

func (r *SQLRepository) IncrementRetry(ctx context.Context, id string) (bool, error) {
	query := r.rebind(`UPDATE jobs SET
			status = ?, retry_count = retry_count + 1
		WHERE id = ? AND status = ? AND retry_count < max_retries`)
	res, err := r.db.ExecContext(ctx, query,
		string(StatusPending), id, string(StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("jobs: increment retry: %w", err)
	}
	return affected(res)
}

// ClaimJob takes the best pending job with a CAS to processing; it loops
// because another worker may win the race on the same candidate.
func (r *SQLRepository) ClaimJob(ctx context.Context) (*Job, error) {
	for {
		query := r.rebind(`SELECT ` + jobColumns + ` FROM jobs
			WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT 1`)
		job, err := scanJob(r.db.QueryRowContext(ctx, query, string(StatusPending)))
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("jobs: claim: %w", err)
		}

		ok, err := r.UpdateJobStatus(ctx, job.ID, StatusProcessing)
		if err != nil {
			return nil, err
		}
		if ok {
			job.Status = StatusProcessing
			return job, nil
		}
	}
}

func (r *SQLRepository) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("jobs: stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByStatus: map[Status]int{}}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("jobs: stats scan: %w", err)
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (r *SQLRepository) CleanupOldJobs(ctx context.Context, olderThan time.Time) (int, error) {
	query := r.rebind(`DELETE FROM jobs
		WHERE completed_at IS NOT NULL AND completed_at < ?
		AND status IN (?, ?, ?, ?, ?)`)
	res, err := r.db.ExecContext(ctx, query, olderThan.UTC(),
		string(StatusCompleted), string(StatusCompletedWithWarnings),
		string(StatusBlocked), string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("jobs: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SQLRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobs: query: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobs: scan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func marshalJSON(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                     Job
		status                                  string
		contentKey, format, options             sql.NullString
		tenantID, correlationID                 sql.NullString
		startedAt, completedAt                  sql.NullTime
		fingerprint, errMessage                 sql.NullString
		planHash, snapshotHash, engineVersions  sql.NullString
		reportSummary, errorSummary             sql.NullString
	)
	err := row.Scan(&job.ID, &status, &job.Priority, &contentKey, &format,
		&options, &tenantID, &correlationID, &job.CreatedAt, &startedAt,
		&completedAt, &fingerprint, &errMessage, &job.RetryCount,
		&job.MaxRetries, &planHash, &snapshotHash, &engineVersions,
		&reportSummary, &errorSummary)
	if err != nil {
		return nil, err
	}

	job.Status = Status(status)
	if contentKey.Valid {
		job.InvoiceContentKey = &contentKey.String
	}
	job.Format = format.String
	job.TenantID = tenantID.String
	job.CorrelationID = correlationID.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	job.ResultFingerprint = fingerprint.String
	job.ErrorMessage = errMessage.String
	job.PlanHash = planHash.String
	job.ConfigSnapshotHash = snapshotHash.String
	unmarshalJSON(options, &job.Options)
	unmarshalJSON(engineVersions, &job.EngineVersions)
	unmarshalJSON(reportSummary, &job.ReportSummary)
	job.ErrorSummary = errorSummary.String
	return &job, nil
}

func unmarshalJSON[T any](src sql.NullString, dst *T) {
	if !src.Valid || src.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(src.String), dst)
}
