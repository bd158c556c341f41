// Command govern is the operator CLI for the governance control plane:
// packet lifecycle transitions, integrity verification, and the residual
// risk register, all over one file-based governance root.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches one subcommand. Exit codes: 0 success, 2 usage or
// schema error, 3 governance rejection, 4 unmet dependency, 5 integrity
// failure.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	rest := args[2:]
	switch args[1] {
	case "init":
		return runInitCmd(rest, stdout, stderr)
	case "ready":
		return runReadyCmd(rest, stdout, stderr)
	case "status":
		return runStatusCmd(rest, stdout, stderr)
	case "briefing", "brief":
		return runBriefingCmd(rest, stdout, stderr)
	case "log":
		return runLogCmd(rest, stdout, stderr)
	case "claim":
		return runClaimCmd(rest, stdout, stderr)
	case "preflight":
		return runPreflightCmd(rest, stdout, stderr)
	case "preflight-approve":
		return runPreflightResolveCmd(rest, stdout, stderr, true)
	case "preflight-return":
		return runPreflightResolveCmd(rest, stdout, stderr, false)
	case "heartbeat":
		return runHeartbeatCmd(rest, stdout, stderr)
	case "check-stalled":
		return runCheckStalledCmd(rest, stdout, stderr)
	case "done":
		return runDoneCmd(rest, stdout, stderr)
	case "review-claim":
		return runReviewClaimCmd(rest, stdout, stderr)
	case "review-submit":
		return runReviewSubmitCmd(rest, stdout, stderr)
	case "fail":
		return runFailCmd(rest, stdout, stderr)
	case "reset":
		return runResetCmd(rest, stdout, stderr)
	case "note":
		return runNoteCmd(rest, stdout, stderr)
	case "closeout-l2":
		return runCloseoutCmd(rest, stdout, stderr)
	case "checkpoint":
		return runCheckpointCmd(rest, stdout, stderr)
	case "verify":
		return runVerifyCmd(rest, stdout, stderr)
	case "history":
		return runHistoryCmd(rest, stdout, stderr)
	case "export-proof":
		return runExportProofCmd(rest, stdout, stderr)
	case "doctor":
		return runDoctorCmd(rest, stdout, stderr)
	case "risk":
		return runRiskCmd(rest, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "govern - governance control plane for multi-agent delivery")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  govern <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SETUP")
	printCommand(w, "init", "Initialize a governance root (--root, --definition)")

	printSection(w, "LIFECYCLE")
	printCommand(w, "claim", "Claim a pending packet (--packet, --actor)")
	printCommand(w, "preflight", "Submit a pre-execution assessment")
	printCommand(w, "preflight-approve", "Approve a preflight (supervisor)")
	printCommand(w, "preflight-return", "Return a preflight to pending (supervisor)")
	printCommand(w, "heartbeat", "Record executor liveness")
	printCommand(w, "done", "Complete work with evidence (--evidence, --risk)")
	printCommand(w, "review-claim", "Claim a review (--reviewer)")
	printCommand(w, "review-submit", "Submit a review verdict")
	printCommand(w, "fail", "Mark a packet failed (--reason)")
	printCommand(w, "reset", "Return a failed/stalled packet to pending")
	printCommand(w, "note", "Append evidence narrative")
	printCommand(w, "check-stalled", "Sweep overdue in-progress packets")
	printCommand(w, "closeout-l2", "Seal a completed work area (--area)")

	printSection(w, "READ")
	printCommand(w, "ready", "List claimable packets")
	printCommand(w, "status", "Show runtime state (--packet for one)")
	printCommand(w, "briefing", "Session-bootstrap summary")
	printCommand(w, "log", "Show recent lifecycle events (--n)")
	printCommand(w, "history", "Show a packet's commit chain (--packet)")

	printSection(w, "INTEGRITY")
	printCommand(w, "verify", "Re-derive chain guarantees (--packet for one)")
	printCommand(w, "doctor", "Repair and check the root (--full)")
	printCommand(w, "export-proof", "Seal a packet's evidence (--packet, --out)")
	printCommand(w, "checkpoint", "Freeze every packet HEAD")

	printSection(w, "RISK")
	printCommand(w, "risk", "Residual risk register (add|list|resolve)")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-18s %s\n", name, desc)
}
