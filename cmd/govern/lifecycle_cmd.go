package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/govern/pkg/risk"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

func runClaimCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("claim", stderr, &common)
	var packet, actor, attest string
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&actor, "actor", "", "Executor identity (REQUIRED)")
	fs.StringVar(&attest, "attest", "", "Comma-separated context files read before claiming")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || actor == "" {
		return usageError(stderr, common.jsonOut, "claim requires --packet and --actor")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	ps, err := eng.Claim(context.Background(), packet, actor, splitList(attest))
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("claimed %s", packet),
		State:   ps,
	})
}

func runPreflightCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("preflight", stderr, &common)
	var packet, actor string
	var assessment state.Preflight
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&actor, "actor", "", "Executor identity (REQUIRED)")
	fs.StringVar(&assessment.ContextConfirmation, "context-confirmation", "", "What context was read and understood")
	fs.StringVar(&assessment.AmbiguityRegister, "ambiguities", "", "Open ambiguities, or 'none'")
	fs.StringVar(&assessment.RiskFlags, "risk-flags", "", "Foreseen risks, or 'none'")
	fs.StringVar(&assessment.ExecutionPlan, "plan", "", "Step-by-step execution plan")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || actor == "" {
		return usageError(stderr, common.jsonOut, "preflight requires --packet and --actor")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	ps, err := eng.SubmitPreflight(context.Background(), packet, actor, assessment)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("preflight submitted for %s; awaiting supervisor", packet),
		State:   ps,
	})
}

func runPreflightResolveCmd(args []string, stdout, stderr io.Writer, approve bool) int {
	name := "preflight-approve"
	if !approve {
		name = "preflight-return"
	}
	var common commonFlags
	fs := newFlagSet(name, stderr, &common)
	var packet, supervisor string
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&supervisor, "supervisor", "", "Supervisor identity (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || supervisor == "" {
		return usageError(stderr, common.jsonOut, "%s requires --packet and --supervisor", name)
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	var ps *state.PacketState
	if approve {
		ps, err = eng.ApprovePreflight(context.Background(), packet, supervisor)
	} else {
		ps, err = eng.ReturnPreflight(context.Background(), packet, supervisor)
	}
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	verb := "approved"
	if !approve {
		verb = "returned"
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("preflight %s for %s", verb, packet),
		State:   ps,
	})
}

func runHeartbeatCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("heartbeat", stderr, &common)
	var packet, actor string
	var payload state.Heartbeat
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&actor, "actor", "", "Executor identity (REQUIRED)")
	fs.StringVar(&payload.Status, "status", "", "One-line progress status")
	fs.StringVar(&payload.Decisions, "decisions", "", "Decisions taken since the last beat, or 'none'")
	fs.StringVar(&payload.Obstacles, "obstacles", "", "Current obstacles, or 'none'")
	fs.StringVar(&payload.CompletionEstimate, "estimate", "", "Completion estimate")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || actor == "" {
		return usageError(stderr, common.jsonOut, "heartbeat requires --packet and --actor")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	ps, err := eng.Heartbeat(context.Background(), packet, actor, payload)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("heartbeat recorded for %s", packet),
		State:   ps,
	})
}

func runCheckStalledCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("check-stalled", stderr, &common)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	ids, err := eng.CheckStalled(context.Background())
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	timedOut, err := eng.CheckPreflightTimeouts(context.Background())
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("stalled: %d, preflight timeouts: %d", len(ids), len(timedOut)),
		Data: map[string]any{
			"stalled":            ids,
			"preflight_returned": timedOut,
		},
	})
}

func runDoneCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("done", stderr, &common)
	var packet, actor, evidence, riskAck, severity, description string
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&actor, "actor", "", "Executor identity (REQUIRED)")
	fs.StringVar(&evidence, "evidence", "", "Evidence of completion (REQUIRED)")
	fs.StringVar(&riskAck, "risk", "none", "Residual risk acknowledgement: none or declared")
	fs.StringVar(&severity, "risk-severity", "", "Declared risk severity (low|medium|high|critical)")
	fs.StringVar(&description, "risk-description", "", "Declared risk description")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || actor == "" {
		return usageError(stderr, common.jsonOut, "done requires --packet and --actor")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	var declared *risk.Entry
	if riskAck == "declared" {
		declared = &risk.Entry{Severity: severity, Description: description}
	}
	ps, err := eng.Done(context.Background(), packet, actor, evidence, riskAck, declared)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("%s completed (now %s)", packet, ps.Status),
		State:   ps,
	})
}

func runFailCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("fail", stderr, &common)
	var packet, actor, reason string
	var asSupervisor bool
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&actor, "actor", "", "Acting identity (REQUIRED)")
	fs.StringVar(&reason, "reason", "", "Failure reason (REQUIRED)")
	fs.BoolVar(&asSupervisor, "supervisor", false, "Invoke supervisor authority over another executor's packet")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || actor == "" {
		return usageError(stderr, common.jsonOut, "fail requires --packet and --actor")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	ps, err := eng.Fail(context.Background(), packet, actor, reason, asSupervisor)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("%s marked failed", packet),
		State:   ps,
	})
}

func runResetCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("reset", stderr, &common)
	var packet, supervisor string
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&supervisor, "supervisor", "", "Supervisor identity (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || supervisor == "" {
		return usageError(stderr, common.jsonOut, "reset requires --packet and --supervisor")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	ps, err := eng.Reset(context.Background(), packet, supervisor)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("%s reset to pending", packet),
		State:   ps,
	})
}

func runNoteCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("note", stderr, &common)
	var packet, actor, text string
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&actor, "actor", "", "Acting identity (REQUIRED)")
	fs.StringVar(&text, "text", "", "Note text (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || actor == "" || text == "" {
		return usageError(stderr, common.jsonOut, "note requires --packet, --actor, and --text")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	ps, err := eng.Note(context.Background(), packet, actor, text)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("note appended to %s", packet),
		State:   ps,
	})
}

func runCloseoutCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("closeout-l2", stderr, &common)
	var area, supervisor, assessment, notes string
	fs.StringVar(&area, "area", "", "Work area id (REQUIRED)")
	fs.StringVar(&supervisor, "supervisor", "", "Supervisor identity (REQUIRED)")
	fs.StringVar(&assessment, "assessment", "", "Closeout assessment document (REQUIRED)")
	fs.StringVar(&notes, "notes", "", "Optional closeout notes")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if area == "" || supervisor == "" {
		return usageError(stderr, common.jsonOut, "closeout-l2 requires --area and --supervisor")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	cpID, err := eng.CloseoutL2(context.Background(), area, supervisor, assessment, notes)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("area %s sealed at checkpoint %s", area, cpID),
		Data:    map[string]any{"checkpoint_id": cpID},
	})
}

func runCheckpointCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("checkpoint", stderr, &common)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	cpID, err := eng.Checkpoint(context.Background())
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("checkpoint %s created", cpID),
		Data:    map[string]any{"checkpoint_id": cpID},
	})
}
