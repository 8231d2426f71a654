package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/veriflow-labs/veriflow/pkg/audit"
	"github.com/veriflow-labs/veriflow/pkg/cleanup"
	"github.com/veriflow-labs/veriflow/pkg/config"
	"github.com/veriflow-labs/veriflow/pkg/crypto"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/filters"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/observability"
	"github.com/veriflow-labs/veriflow/pkg/pipeline"
	"github.com/veriflow-labs/veriflow/pkg/plan"
	"github.com/veriflow-labs/veriflow/pkg/report"
	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

// engine bundles everything one worker process needs.
type engine struct {
	cfg       *config.Config
	effective *config.Effective
	plan      *plan.Plan
	store     tempstore.Store
	orch      *pipeline.Orchestrator
	assembler *report.Assembler
	auditLog  audit.Log
	provider  *observability.Provider
	logger    *slog.Logger
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// buildEngine wires config into a ready orchestrator. tenantID selects an
// optional profile overlay from cfg.ProfilesDir.
func buildEngine(ctx context.Context, cfg *config.Config, tenantID string) (*engine, error) {
	logger := setupLogger(cfg)

	var profile *config.TenantProfile
	if tenantID != "" {
		p, err := config.LoadProfile(cfg.ProfilesDir, tenantID)
		if err != nil {
			return nil, err
		}
		profile = p
	}
	eff := config.NewEffective(cfg, profile)

	reg := filter.NewRegistry()
	defaults := filters.Defaults{}
	if cfg.KositBaseURL != "" || len(cfg.KositCLICommand) > 0 {
		defaults.Kosit = &filters.KositConfig{
			BaseURL:    cfg.KositBaseURL,
			CLICommand: cfg.KositCLICommand,
			CLIWorkDir: cfg.KositWorkDir,
			Logger:     logger,
		}
	}
	if cfg.ViesBaseURL != "" {
		defaults.VIES = &filters.VerifierConfig{BaseURL: cfg.ViesBaseURL}
	}
	if cfg.ECBBaseURL != "" {
		defaults.ECB = &filters.VerifierConfig{BaseURL: cfg.ECBBaseURL}
	}
	if cfg.PeppolBaseURL != "" {
		defaults.Peppol = &filters.VerifierConfig{BaseURL: cfg.PeppolBaseURL}
	}
	if err := filters.RegisterDefaults(reg, defaults); err != nil {
		return nil, err
	}

	var (
		store tempstore.Store
		queue cleanup.Queue
	)
	if cfg.RedisAddr != "" {
		store = tempstore.NewRedisStore(cfg.RedisAddr, "", 0, "veriflow")
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		queue = cleanup.NewRedisQueue(client, "veriflow:cleanup:failed")
	} else {
		mem, err := tempstore.NewMemoryStore()
		if err != nil {
			return nil, err
		}
		store = mem
		queue = cleanup.NewMemoryQueue()
	}
	enforcer := cleanup.NewEnforcer(store, queue, logger)

	execPlan, err := buildPlan(eff)
	if err != nil {
		return nil, err
	}

	var auditLog audit.Log
	orchOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithHook(&pipeline.SlogHook{Logger: logger}),
	}
	if cfg.AuditLogPath != "" {
		fileLog, err := audit.NewFileLog(cfg.AuditLogPath)
		if err != nil {
			return nil, err
		}
		auditLog = fileLog
		orchOpts = append(orchOpts, pipeline.WithHook(audit.NewHook(fileLog, "engine")))
	}

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:  "veriflow-engine",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.MetricsEnabled && cfg.OTLPEndpoint != "",
		SampleRate:   1.0,
	})
	if err != nil {
		return nil, err
	}
	if cfg.MetricsEnabled {
		orchOpts = append(orchOpts, pipeline.WithHook(observability.NewMetricsHook(provider)))
	}

	orch, err := pipeline.New(reg, store, enforcer, orchOpts...)
	if err != nil {
		return nil, err
	}

	signer, err := crypto.NewEd25519Signer(cfg.SignerKeyID)
	if err != nil {
		return nil, err
	}
	assembler := report.NewAssembler(report.WithSigner(signer))

	return &engine{
		cfg:       cfg,
		effective: eff,
		plan:      execPlan,
		store:     store,
		orch:      orch,
		assembler: assembler,
		auditLog:  auditLog,
		provider:  provider,
		logger:    logger,
	}, nil
}

// buildPlan applies tenant overrides onto the default plan.
func buildPlan(eff *config.Effective) (*plan.Plan, error) {
	p, err := plan.DefaultPlan()
	if err != nil {
		return nil, err
	}

	disabled := map[string]bool{}
	for _, id := range eff.DisabledSteps() {
		disabled[id] = true
	}
	configs := eff.StepConfigs()

	var apply func(steps []plan.Step) []plan.Step
	apply = func(steps []plan.Step) []plan.Step {
		for i := range steps {
			s := &steps[i]
			if disabled[s.FilterID] {
				s.Enabled = false
			}
			if cfg, ok := configs[s.FilterID]; ok {
				s.Config = filter.MergeConfig(s.Config, cfg)
			}
			s.Children = apply(s.Children)
		}
		return steps
	}
	p.Steps = apply(p.Steps)

	if eff.Profile != nil && eff.Profile.Plan.TimeoutMs > 0 {
		p.GlobalConfig.DefaultFilterTimeout = int64(eff.Profile.Plan.TimeoutMs)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// runOptions derives per-run orchestrator options from the effective config.
func (e *engine) runOptions(runID, correlationID string) (pipeline.Options, error) {
	hash, err := e.effective.SnapshotHash()
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		RunID:              runID,
		CorrelationID:      correlationID,
		Timeout:            0,
		RawTTL:             e.effective.RawInvoiceTTL(),
		ConfigSnapshotHash: hash,
	}, nil
}

func (e *engine) shutdown(ctx context.Context) {
	if e.provider != nil {
		_ = e.provider.Shutdown(ctx)
	}
	_ = e.store.Close()
}

// rawFromFile reads an invoice file and sniffs the content type from its
// extension.
func rawFromFile(path string) (invoice.Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return invoice.Raw{}, fmt.Errorf("read invoice: %w", err)
	}
	ct := invoice.ContentTypeXML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		ct = invoice.ContentTypeJSON
	}
	return invoice.Raw{Content: data, ContentType: ct}, nil
}
