package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Mindburn-Labs/govern/pkg/config"
	"github.com/Mindburn-Labs/govern/pkg/doctor"
	"github.com/Mindburn-Labs/govern/pkg/engine"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// envelope is the machine-readable result every command emits with --json.
type envelope struct {
	OK      bool               `json:"ok"`
	Code    string             `json:"code,omitempty"`
	Message string             `json:"message,omitempty"`
	State   *state.PacketState `json:"state_snapshot,omitempty"`
	Data    any                `json:"data,omitempty"`
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	root    string
	jsonOut bool
}

func newFlagSet(name string, stderr io.Writer, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&common.root, "root", "", "Governance root directory (default $GOVERN_ROOT or .)")
	fs.BoolVar(&common.jsonOut, "json", false, "Output result as JSON")
	return fs
}

// openEngine loads the root and runs the startup integrity gate: fast
// doctor findings abort in strict mode and flip the engine read-only
// otherwise.
func openEngine(common *commonFlags) (*engine.Engine, *config.Config, error) {
	cfg, err := config.Load(common.root)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	eng, err := engine.Open(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	report, err := doctor.New(cfg.Root).Run(doctor.ModeFast)
	if err != nil {
		_ = eng.Close()
		return nil, nil, err
	}
	if !report.OK {
		if cfg.Strict {
			_ = eng.Close()
			return nil, nil, report.Err()
		}
		eng.SetReadOnly(report.Findings[0].Detail)
	}
	return eng, cfg, nil
}

// emitJSON writes the envelope exactly as given; callers own the ok flag.
func emitJSON(w io.Writer, env envelope) {
	data, _ := json.MarshalIndent(env, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

// emit writes the success envelope: JSON when asked, one human line
// otherwise, plus the optional snapshot.
func emit(stdout io.Writer, jsonOut bool, env envelope) int {
	env.OK = true
	if jsonOut {
		emitJSON(stdout, env)
		return 0
	}
	if env.Message != "" {
		_, _ = fmt.Fprintln(stdout, env.Message)
	}
	if env.State != nil {
		_, _ = fmt.Fprintf(stdout, "  status: %s\n", env.State.Status)
		if env.State.AssignedTo != "" {
			_, _ = fmt.Fprintf(stdout, "  assigned_to: %s\n", env.State.AssignedTo)
		}
	}
	return 0
}

// fail writes the error envelope and maps the error to an exit code.
func fail(stderr io.Writer, jsonOut bool, err error) int {
	if jsonOut {
		data, _ := json.MarshalIndent(envelope{
			OK:      false,
			Code:    errcode.WireCode(err),
			Message: err.Error(),
		}, "", "  ")
		_, _ = fmt.Fprintln(stderr, string(data))
	} else {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return errcode.ExitCode(err)
}

func usageError(stderr io.Writer, jsonOut bool, format string, args ...any) int {
	return fail(stderr, jsonOut, errcode.New(errcode.Usage, "", format, args...))
}

// splitList parses a comma-separated flag value into trimmed entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
