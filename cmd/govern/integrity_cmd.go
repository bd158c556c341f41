package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/Mindburn-Labs/govern/pkg/config"
	"github.com/Mindburn-Labs/govern/pkg/dcl"
	"github.com/Mindburn-Labs/govern/pkg/doctor"
	"github.com/Mindburn-Labs/govern/pkg/engine"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/state"
	"github.com/Mindburn-Labs/govern/pkg/verify"
)

// runVerifyCmd re-derives chain guarantees without opening the full
// engine; verification must work even when the definition is damaged.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("verify", stderr, &common)
	var packet string
	fs.StringVar(&packet, "packet", "", "Verify one packet instead of everything")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(common.root)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	v := verify.New(state.NewStore(cfg.Root), dcl.NewStore(cfg.Root))

	if packet != "" {
		if err := v.VerifyPacket(packet); err != nil {
			return fail(stderr, common.jsonOut, err)
		}
		return emit(stdout, common.jsonOut, envelope{
			Message: fmt.Sprintf("packet %s verified", packet),
		})
	}

	report, err := v.VerifyAll()
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	if !report.OK {
		rerr := report.Err()
		if common.jsonOut {
			emitJSON(stdout, envelope{
				Code:    errcode.WireCode(rerr),
				Message: rerr.Error(),
				Data:    report,
			})
			return errcode.ExitCode(rerr)
		}
		for _, f := range report.Failures {
			_, _ = fmt.Fprintf(stderr, "FAIL: %s\n", f)
		}
		return fail(stderr, false, rerr)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("verified %d packets, %d commits, %d checkpoints",
			report.PacketCount, report.CommitCount, report.CheckpointCount),
		Data: report,
	})
}

func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("history", stderr, &common)
	var packet string
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" {
		return usageError(stderr, common.jsonOut, "history requires --packet")
	}

	cfg, err := config.Load(common.root)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	chain, err := verify.New(state.NewStore(cfg.Root), dcl.NewStore(cfg.Root)).History(packet)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	if common.jsonOut {
		return emit(stdout, true, envelope{Data: chain})
	}
	for _, c := range chain {
		_, _ = fmt.Fprintf(stdout, "%s %s %-16s %s\n",
			c.CommitID, c.CreatedAt, c.ActionEnvelope.Event, c.ActionEnvelope.Actor)
	}
	return 0
}

func runExportProofCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("export-proof", stderr, &common)
	var packet, out string
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&out, "out", "", "Output tar.gz path (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || out == "" {
		return usageError(stderr, common.jsonOut, "export-proof requires --packet and --out")
	}

	eng, cfg, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	def, err := eng.Definition().Packet(packet)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	v := verify.New(eng.States(), eng.Commits())
	proofHash, err := v.ExportProof(packet, def,
		filepath.Join(cfg.Root, engine.ConstitutionFileName), out)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}

	// The round trip is part of the contract: a proof that does not
	// re-verify was never worth exporting.
	if _, err := verify.VerifyProof(out); err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("proof for %s written to %s", packet, out),
		Data:    map[string]any{"proof_hash": proofHash, "path": out},
	})
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("doctor", stderr, &common)
	var full bool
	fs.BoolVar(&full, "full", false, "Recompute every commit hash instead of binding checks only")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(common.root)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	mode := doctor.ModeFast
	if full {
		mode = doctor.ModeFull
	}
	report, err := doctor.New(cfg.Root).Run(mode)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}

	if common.jsonOut {
		if report.OK {
			return emit(stdout, true, envelope{Data: report})
		}
		rerr := report.Err()
		emitJSON(stdout, envelope{
			Code:    errcode.WireCode(rerr),
			Message: rerr.Error(),
			Data:    report,
		})
		return errcode.ExitCode(rerr)
	}

	for id, action := range report.Recovered {
		_, _ = fmt.Fprintf(stdout, "recovered %s: %s\n", id, action)
	}
	for id, n := range report.Repaired {
		_, _ = fmt.Fprintf(stdout, "repaired %s: replayed %d commits\n", id, n)
	}
	if report.OK {
		_, _ = fmt.Fprintf(stdout, "doctor (%s): ok, %d packets, %d commits\n",
			report.Mode, report.PacketCount, report.CommitCount)
		return 0
	}
	for _, f := range report.Findings {
		_, _ = fmt.Fprintf(stderr, "FAIL %s %s: %s\n", f.Check, f.PacketID, f.Detail)
	}
	return fail(stderr, false, report.Err())
}
