package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/dcl"
	"github.com/Mindburn-Labs/govern/pkg/definition"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/fsio"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// defaultConstitution seeds a root that has no governance rules document
// yet. Any later edit to the file is drift against the recorded hash and
// must go through re-initialization.
const defaultConstitution = `GOVERNANCE CONSTITUTION

1. Every unit of work is a packet with a single accountable executor.
2. Completion requires evidence; reviews require a second person.
3. History is append-only: commits are never rewritten or deleted.
4. Failed work is reset by supervisors, never silently edited.
`

// Init prepares a governance root: validated definition, constitution,
// empty state document, and the dcl-config lock. Refuses to run twice.
func Init(root, definitionPath string) error {
	store := dcl.NewStore(root)
	if _, err := store.ReadConfig(); err == nil {
		return errcode.New(errcode.Usage, "", "root %s is already initialized", root)
	}

	if _, err := definition.Load(definitionPath); err != nil {
		return err
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("create root %s: %w", root, err))
	}

	target := filepath.Join(root, DefinitionFileName)
	if abs(definitionPath) != abs(target) {
		raw, err := os.ReadFile(definitionPath)
		if err != nil {
			return errcode.Wrap(errcode.Io, "", fmt.Errorf("read definition: %w", err))
		}
		if err := fsio.WriteFileAtomic(target, raw, 0o644); err != nil {
			return err
		}
	}

	constPath := filepath.Join(root, ConstitutionFileName)
	if !fsio.Exists(constPath) {
		if err := fsio.WriteFileAtomic(constPath, []byte(defaultConstitution), 0o644); err != nil {
			return err
		}
	}
	constRaw, err := os.ReadFile(constPath)
	if err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("read constitution: %w", err))
	}

	states := state.NewStore(root)
	if !fsio.Exists(states.Path()) {
		if err := states.Save(state.NewDocument()); err != nil {
			return err
		}
	}

	return store.WriteConfig(dcl.NewConfig(canonicalize.HashBytes(constRaw)))
}

func abs(p string) string {
	a, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return a
}
