package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow/pkg/config"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/jobs"
	"github.com/veriflow-labs/veriflow/pkg/report"
	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

func openJobs(cfg *config.Config) (jobs.Repository, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return jobs.NewPostgres(cfg.DatabaseURL)
	case "sqlite", "":
		return jobs.NewSQLite(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

// runSubmitCmd stages an invoice file and enqueues a validation job.
func runSubmitCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant owning the job")
	priority := fs.Int("priority", 0, "job priority")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: veriflow submit [-tenant id] [-priority n] <file>")
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	if cfg.RedisAddr == "" {
		fmt.Fprintln(stderr, "submit requires REDIS_ADDR so workers can read the staged content")
		return 2
	}

	raw, err := rawFromFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 3
	}

	repo, err := openJobs(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "open job store: %v\n", err)
		return 3
	}
	defer repo.Close()

	store := tempstore.NewRedisStore(cfg.RedisAddr, "", 0, "veriflow")
	defer store.Close()

	jobID := uuid.NewString()
	key := tempstore.Key("raw-invoice", jobID)
	if err := store.Set(ctx, key, raw.Content, tempstore.SetOptions{
		TTL:      cfg.RawInvoiceTTL,
		Category: "raw-invoice",
	}); err != nil {
		fmt.Fprintf(stderr, "stage invoice: %v\n", err)
		return 3
	}

	job := &jobs.Job{
		ID:                jobID,
		Priority:          *priority,
		InvoiceContentKey: &key,
		TenantID:          *tenant,
		CorrelationID:     uuid.NewString(),
	}
	if err := repo.CreateJob(ctx, job); err != nil {
		fmt.Fprintf(stderr, "create job: %v\n", err)
		return 3
	}

	fmt.Fprintf(stdout, "job %s queued (tenant %q)\n", job.ID, *tenant)
	return 0
}

// runWorkerCmd polls the job queue until interrupted.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant profile to apply")
	poll := fs.Duration("poll", 2*time.Second, "queue poll interval")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	eng, err := buildEngine(ctx, cfg, *tenant)
	if err != nil {
		fmt.Fprintf(stderr, "engine setup failed: %v\n", err)
		return 3
	}
	defer eng.shutdown(context.Background())

	repo, err := openJobs(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "open job store: %v\n", err)
		return 3
	}
	defer repo.Close()

	eng.logger.Info("worker started", "poll", poll.String())
	ticker := time.NewTicker(*poll)
	defer ticker.Stop()

	for {
		job, err := repo.ClaimJob(ctx)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			select {
			case <-ctx.Done():
				eng.logger.Info("worker stopping")
				return 0
			case <-ticker.C:
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return 0
			}
			eng.logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return 0
			case <-ticker.C:
			}
			continue
		}

		eng.processJob(ctx, repo, job)

		if ctx.Err() != nil {
			eng.logger.Info("worker stopping")
			return 0
		}
	}
}

func (e *engine) processJob(ctx context.Context, repo jobs.Repository, job *jobs.Job) {
	logger := e.logger.With("jobId", job.ID)

	if job.InvoiceContentKey == nil {
		_, _ = repo.StoreJobResult(ctx, job.ID, jobs.Result{
			Status:       jobs.StatusFailed,
			ErrorSummary: "job has no staged content",
		})
		return
	}

	content, err := e.store.Get(ctx, *job.InvoiceContentKey)
	if err != nil {
		logger.Error("staged content unavailable", "error", err)
		e.retryOrFail(ctx, repo, job, "staged content unavailable")
		return
	}

	raw := invoice.Raw{Content: content, ContentType: invoice.ContentTypeXML}
	if job.Format != "" {
		raw.FormatHint = invoice.Format(job.Format)
	}

	opts, err := e.runOptions(job.ID, job.CorrelationID)
	if err != nil {
		logger.Error("config snapshot failed", "error", err)
		e.retryOrFail(ctx, repo, job, "config snapshot failed")
		return
	}

	run, err := e.orch.Execute(ctx, e.plan, raw, opts)
	if err != nil {
		logger.Error("run failed", "error", err)
		e.retryOrFail(ctx, repo, job, err.Error())
		return
	}

	rep, err := e.assembler.Assemble(run)
	if err != nil {
		logger.Error("report assembly failed", "error", err)
		e.retryOrFail(ctx, repo, job, "report assembly failed")
		return
	}

	result := jobs.Result{
		Status:        jobStatus(rep),
		ReportSummary: reportSummary(rep),
	}
	if rep.Fingerprint != nil {
		result.FingerprintID = rep.Fingerprint.ID
	}
	if _, err := repo.StoreJobResult(ctx, job.ID, result); err != nil {
		logger.Error("store result failed", "error", err)
		return
	}
	logger.Info("job finished", "status", string(result.Status), "fingerprint", result.FingerprintID)
}

// retryOrFail re-queues the job while retries remain, otherwise marks it
// failed.
func (e *engine) retryOrFail(ctx context.Context, repo jobs.Repository, job *jobs.Job, reason string) {
	ok, err := repo.IncrementRetry(ctx, job.ID)
	if err != nil {
		e.logger.Error("retry bookkeeping failed", "jobId", job.ID, "error", err)
		return
	}
	if ok {
		e.logger.Info("job re-queued", "jobId", job.ID, "retry", job.RetryCount+1)
		return
	}
	_, _ = repo.StoreJobResult(ctx, job.ID, jobs.Result{
		Status:       jobs.StatusFailed,
		ErrorSummary: reason,
	})
}

func jobStatus(rep *report.ValidationReport) jobs.Status {
	if rep.ReportState == report.StateErrored {
		return jobs.StatusFailed
	}
	if rep.Fingerprint == nil {
		return jobs.StatusFailed
	}
	switch rep.Fingerprint.Status {
	case report.StatusApproved:
		return jobs.StatusCompleted
	case report.StatusApprovedWithWarnings:
		return jobs.StatusCompletedWithWarnings
	default:
		return jobs.StatusBlocked
	}
}

// reportSummary extracts the sanitized slice of the report persisted with
// the job row.
func reportSummary(rep *report.ValidationReport) map[string]any {
	summary := map[string]any{
		"runId":       rep.RunID,
		"reportState": string(rep.ReportState),
		"errors":      rep.DiagnosticCounts.Errors,
		"warnings":    rep.DiagnosticCounts.Warnings,
	}
	if rep.Fingerprint != nil {
		summary["status"] = string(rep.Fingerprint.Status)
		summary["score"] = rep.Fingerprint.Score
	}
	if rep.FinalDecision != nil {
		summary["decision"] = string(rep.FinalDecision.Decision)
		summary["reasonCodes"] = rep.FinalDecision.ReasonCodes
	}
	return summary
}

// runJobsCmd prints queue statistics.
func runJobsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] != "stats" {
		fmt.Fprintln(stderr, "Usage: veriflow jobs stats")
		return 2
	}

	repo, err := openJobs(config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "open job store: %v\n", err)
		return 3
	}
	defer repo.Close()

	stats, err := repo.GetStats(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "stats failed: %v\n", err)
		return 3
	}
	fmt.Fprintf(stdout, "total: %d\n", stats.Total)
	for status, n := range stats.ByStatus {
		fmt.Fprintf(stdout, "  %s: %d\n", status, n)
	}
	return 0
}
