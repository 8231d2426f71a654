package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/veriflow-labs/veriflow/pkg/config"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/policygate"
	"github.com/veriflow-labs/veriflow/pkg/report"
)

// runValidateCmd validates a single invoice file and prints the report.
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant profile to apply")
	formatHint := fs.String("format", "", "format hint (xrechnung-ubl, zugferd, ...)")
	reportPath := fs.String("report", "", "write the full report to this file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: veriflow validate [-tenant id] [-format hint] [-report out.json] <file>")
		return 2
	}

	ctx := context.Background()
	eng, err := buildEngine(ctx, config.Load(), *tenant)
	if err != nil {
		fmt.Fprintf(stderr, "engine setup failed: %v\n", err)
		return 3
	}
	defer eng.shutdown(ctx)

	raw, err := rawFromFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 3
	}
	if *formatHint != "" {
		raw.FormatHint = invoice.Format(*formatHint)
	}

	opts, err := eng.runOptions("", "")
	if err != nil {
		fmt.Fprintf(stderr, "config snapshot failed: %v\n", err)
		return 3
	}
	run, err := eng.orch.Execute(ctx, eng.plan, raw, opts)
	if err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 3
	}

	rep, err := eng.assembler.Assemble(run)
	if err != nil {
		fmt.Fprintf(stderr, "report assembly failed: %v\n", err)
		return 3
	}

	if *reportPath != "" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "report marshal failed: %v\n", err)
			return 3
		}
		if err := os.WriteFile(*reportPath, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "report write failed: %v\n", err)
			return 3
		}
	}

	printReportSummary(stdout, rep)
	if rep.FinalDecision != nil && rep.FinalDecision.Decision == policygate.Block {
		return 1
	}
	return 0
}

func printReportSummary(w io.Writer, rep *report.ValidationReport) {
	fmt.Fprintf(w, "run:        %s\n", rep.RunID)
	fmt.Fprintf(w, "state:      %s\n", rep.ReportState)
	if rep.Fingerprint != nil {
		fmt.Fprintf(w, "status:     %s (score %d)\n", rep.Fingerprint.Status, rep.Fingerprint.Score)
		fmt.Fprintf(w, "fingerprint: %s\n", rep.Fingerprint.ID)
	}
	if rep.FinalDecision != nil {
		fmt.Fprintf(w, "decision:   %s\n", rep.FinalDecision.Decision)
		for _, code := range rep.FinalDecision.ReasonCodes {
			fmt.Fprintf(w, "  reason: %s\n", code)
		}
	}
	fmt.Fprintf(w, "diagnostics: %d errors, %d warnings\n",
		rep.DiagnosticCounts.Errors, rep.DiagnosticCounts.Warnings)
	for _, d := range rep.Diagnostics {
		fmt.Fprintf(w, "  [%s] %s: %s\n", d.Severity, d.Code, d.Message)
	}
}

// runPlanCmd prints the effective execution plan.
func runPlanCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "show" {
		fmt.Fprintln(stderr, "Usage: veriflow plan show [-tenant id]")
		return 2
	}
	fs := flag.NewFlagSet("plan show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant profile to apply")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg := config.Load()
	var profile *config.TenantProfile
	if *tenant != "" {
		p, err := config.LoadProfile(cfg.ProfilesDir, *tenant)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 3
		}
		profile = p
	}

	p, err := buildPlan(config.NewEffective(cfg, profile))
	if err != nil {
		fmt.Fprintf(stderr, "plan build failed: %v\n", err)
		return 3
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "plan marshal failed: %v\n", err)
		return 3
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}
