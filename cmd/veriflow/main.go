// Command veriflow runs the invoice compliance engine: one-shot file
// validation, a queue-polling worker, and audit pack export.
package main

import (
	"fmt"
	"io"
	"os"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "submit":
		return runSubmitCmd(args[2:], stdout, stderr)
	case "worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "jobs":
		return runJobsCmd(args[2:], stdout, stderr)
	case "plan":
		return runPlanCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "veriflow %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "veriflow - EN16931 invoice compliance engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  veriflow validate [-tenant id] [-format hint] [-report out.json] <file>")
	fmt.Fprintln(w, "  veriflow submit [-tenant id] [-priority n] <file>")
	fmt.Fprintln(w, "  veriflow worker [-tenant id] [-poll interval]")
	fmt.Fprintln(w, "  veriflow jobs stats")
	fmt.Fprintln(w, "  veriflow plan show")
	fmt.Fprintln(w, "  veriflow audit export [-out pack.zip]")
	fmt.Fprintln(w, "  veriflow version")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment (DATABASE_URL,")
	fmt.Fprintln(w, "KOSIT_BASE_URL, VIES_BASE_URL, REDIS_ADDR, PROFILES_DIR, ...).")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes for validate: 0 approved, 1 blocked, 3 engine error.")
}
