package main

import (
	"fmt"
	"io"

	"github.com/Mindburn-Labs/govern/pkg/engine"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

func runInitCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("init", stderr, &common)
	var definitionPath string
	fs.StringVar(&definitionPath, "definition", "", "Path to the packet definition document (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if definitionPath == "" {
		return usageError(stderr, common.jsonOut, "init requires --definition")
	}

	root := common.root
	if root == "" {
		root = "."
	}
	if err := engine.Init(root, definitionPath); err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("governance root initialized at %s", root),
	})
}

func runRiskCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: govern risk <add|list|resolve> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runRiskAddCmd(args[1:], stdout, stderr)
	case "list":
		return runRiskListCmd(args[1:], stdout, stderr)
	case "resolve":
		return runRiskResolveCmd(args[1:], stdout, stderr)
	default:
		return fail(stderr, false, errcode.New(errcode.Usage, "", "unknown risk subcommand %q", args[0]))
	}
}
