package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/Mindburn-Labs/govern/pkg/state"
)

func runReadyCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("ready", stderr, &common)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	rows, err := eng.Ready()
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	if common.jsonOut {
		return emit(stdout, true, envelope{Data: rows})
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(stdout, "no packets are ready to claim")
		return 0
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(stdout, "%-12s %-10s %s\n", r.ID, r.WbsRef, r.Title)
	}
	return 0
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("status", stderr, &common)
	var packet string
	fs.StringVar(&packet, "packet", "", "Show one packet instead of the whole board")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	if packet != "" {
		ps, err := eng.PacketState(packet)
		if err != nil {
			return fail(stderr, common.jsonOut, err)
		}
		return emit(stdout, common.jsonOut, envelope{
			Message: packet,
			State:   ps,
		})
	}

	doc, err := eng.Snapshot()
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	if common.jsonOut {
		return emit(stdout, true, envelope{Data: doc})
	}

	ids := make([]string, 0, len(doc.Packets))
	for id := range doc.Packets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ps := doc.Packets[id]
		owner := ps.AssignedTo
		if owner == "" {
			owner = "-"
		}
		_, _ = fmt.Fprintf(stdout, "%-12s %-12s %s\n", id, ps.Status, owner)
	}
	if ro, reason := eng.ReadOnly(); ro {
		_, _ = fmt.Fprintf(stdout, "\nREAD-ONLY: %s\n", reason)
	}
	return 0
}

func runBriefingCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("briefing", stderr, &common)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	b, err := eng.Brief()
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	if common.jsonOut {
		return emit(stdout, true, envelope{Data: b})
	}

	_, _ = fmt.Fprintf(stdout, "briefing generated at %s\n\n", b.GeneratedAt)
	statuses := make([]string, 0, len(b.StatusCounts))
	for s := range b.StatusCounts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		_, _ = fmt.Fprintf(stdout, "  %-12s %d\n", s, b.StatusCounts[s])
	}
	if len(b.Ready) > 0 {
		_, _ = fmt.Fprintln(stdout, "\nready to claim:")
		for _, r := range b.Ready {
			_, _ = fmt.Fprintf(stdout, "  %-12s %s\n", r.ID, r.Title)
		}
		if b.Truncated {
			_, _ = fmt.Fprintln(stdout, "  ...")
		}
	}
	for _, bl := range b.Blocked {
		_, _ = fmt.Fprintf(stdout, "blocked: %s by %v\n", bl.ID, bl.Blockers)
	}
	for _, a := range b.Assignments {
		_, _ = fmt.Fprintf(stdout, "active:  %s %s (%s)\n", a.ID, a.Status, a.AssignedTo)
	}
	return 0
}

func runLogCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("log", stderr, &common)
	var n int
	var verifyChain bool
	fs.IntVar(&n, "n", 20, "Number of recent events to show")
	fs.BoolVar(&verifyChain, "verify", false, "Verify the log's hash chain instead of printing entries")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, cfg, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	if verifyChain {
		if err := state.NewFileLog(cfg.Root, true).VerifyChain(); err != nil {
			return fail(stderr, common.jsonOut, err)
		}
		return emit(stdout, common.jsonOut, envelope{Message: "lifecycle log chain verified"})
	}

	entries, err := eng.EventLog().Tail(n)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	if common.jsonOut {
		return emit(stdout, true, envelope{Data: entries})
	}
	for _, e := range entries {
		_, _ = fmt.Fprintf(stdout, "%s %-12s %-20s %s\n", e.Timestamp, e.PacketID, e.Event, e.Actor)
	}
	return 0
}
