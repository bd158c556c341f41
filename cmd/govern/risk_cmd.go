package main

import (
	"fmt"
	"io"

	"github.com/Mindburn-Labs/govern/pkg/config"
	"github.com/Mindburn-Labs/govern/pkg/risk"
)

func runRiskAddCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("risk add", stderr, &common)
	var packet, severity, description, owner string
	fs.StringVar(&packet, "packet", "", "Packet the risk attaches to (REQUIRED)")
	fs.StringVar(&severity, "severity", "", "low, medium, high, or critical (REQUIRED)")
	fs.StringVar(&description, "description", "", "Risk description (REQUIRED)")
	fs.StringVar(&owner, "owner", "", "Owning identity (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || owner == "" {
		return usageError(stderr, common.jsonOut, "risk add requires --packet and --owner")
	}

	cfg, err := config.Load(common.root)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	entry, err := risk.NewStore(cfg.Root).Add(packet, severity, description, owner)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("opened %s (%s) against %s", entry.ID, entry.Severity, packet),
		Data:    entry,
	})
}

func runRiskListCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("risk list", stderr, &common)
	var status string
	fs.StringVar(&status, "status", "", "Filter to open, mitigated, or accepted")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(common.root)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	entries, err := risk.NewStore(cfg.Root).List(status)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	if common.jsonOut {
		return emit(stdout, true, envelope{Data: entries})
	}
	for _, e := range entries {
		_, _ = fmt.Fprintf(stdout, "%-10s %-12s %-10s %-10s %s\n",
			e.ID, e.PacketID, e.Severity, e.Status, e.Description)
	}
	return 0
}

func runRiskResolveCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("risk resolve", stderr, &common)
	var id, resolution string
	fs.StringVar(&id, "id", "", "Risk id, e.g. RISK-0001 (REQUIRED)")
	fs.StringVar(&resolution, "resolution", "", "mitigated or accepted (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		return usageError(stderr, common.jsonOut, "risk resolve requires --id")
	}

	cfg, err := config.Load(common.root)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	entry, err := risk.NewStore(cfg.Root).Resolve(id, resolution)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("%s marked %s", entry.ID, entry.Status),
		Data:    entry,
	})
}
