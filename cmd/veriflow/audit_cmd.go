package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/audit"
	"github.com/veriflow-labs/veriflow/pkg/config"
)

// runAuditCmd verifies the audit chain and exports evidence packs.
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: veriflow audit <export|verify> [flags]")
		return 2
	}

	cfg := config.Load()
	if cfg.AuditLogPath == "" {
		fmt.Fprintln(stderr, "AUDIT_LOG_PATH is not set")
		return 2
	}
	log, err := audit.NewFileLog(cfg.AuditLogPath)
	if err != nil {
		fmt.Fprintf(stderr, "open audit log: %v\n", err)
		return 3
	}

	switch args[0] {
	case "verify":
		entries, err := log.Entries()
		if err != nil {
			fmt.Fprintf(stderr, "read audit log: %v\n", err)
			return 3
		}
		if err := audit.Verify(entries); err != nil {
			fmt.Fprintf(stderr, "chain verification failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "chain intact: %d entries\n", len(entries))
		return 0

	case "export":
		fs := flag.NewFlagSet("audit export", flag.ContinueOnError)
		fs.SetOutput(stderr)
		out := fs.String("out", "audit-pack.zip", "output zip path")
		since := fs.Duration("since", 0, "only include entries newer than this age")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}

		req := audit.ExportRequest{}
		if *since > 0 {
			req.StartTime = time.Now().UTC().Add(-*since)
		}
		pack, checksum, err := audit.NewExporter(log).GeneratePack(req)
		if err != nil {
			fmt.Fprintf(stderr, "export failed: %v\n", err)
			return 3
		}
		if err := os.WriteFile(*out, pack, 0o644); err != nil {
			fmt.Fprintf(stderr, "write pack: %v\n", err)
			return 3
		}
		fmt.Fprintf(stdout, "wrote %s (sha256 %s)\n", *out, checksum)
		return 0

	default:
		fmt.Fprintf(stderr, "Unknown audit subcommand: %s\n", args[0])
		return 2
	}
}
