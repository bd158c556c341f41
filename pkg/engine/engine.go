// Package engine is the lifecycle state machine. Every mutation runs
// under the global state lock plus per-packet locks, writes runtime
// state, appends a lifecycle log entry, and emits exactly one DCL commit
// per transitioned packet; a rejected operation leaves every artifact
// untouched.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/config"
	"github.com/Mindburn-Labs/govern/pkg/dcl"
	"github.com/Mindburn-Labs/govern/pkg/definition"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/fsio"
	"github.com/Mindburn-Labs/govern/pkg/gate"
	"github.com/Mindburn-Labs/govern/pkg/observability"
	"github.com/Mindburn-Labs/govern/pkg/risk"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// Artifact names inside the governance root.
const (
	DefinitionFileName   = "definition.json"
	ConstitutionFileName = "constitution.txt"
	globalLockFileName   = "state.lock"
)

// SystemActor stamps observer-initiated transitions (stall sweeps,
// preflight timeouts, dependency propagation).
const SystemActor = "system:observer"

// Engine coordinates definitions, runtime state, the commit store, the
// lifecycle log, and the risk register behind one handle.
type Engine struct {
	cfg     *config.Config
	def     *definition.Definition
	states  *state.Store
	commits *dcl.Store
	log     state.EventLog
	risks   *risk.Store
	metrics *observability.Metrics
	logger  *slog.Logger

	constitutionHash string

	readOnly       bool
	readOnlyReason string

	now func() time.Time
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventLog overrides the lifecycle log backend.
func WithEventLog(l state.EventLog) Option {
	return func(e *Engine) { e.log = l }
}

// Open loads an initialized governance root: definition, config lock,
// constitution, and the configured log backend.
func Open(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def, err := definition.Load(filepath.Join(cfg.Root, DefinitionFileName))
	if err != nil {
		return nil, err
	}

	commits := dcl.NewStore(cfg.Root)
	if _, err := commits.CheckConfig(); err != nil {
		return nil, err
	}

	constHash, err := readConstitutionHash(cfg.Root)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:              cfg,
		def:              def,
		states:           state.NewStore(cfg.Root),
		commits:          commits,
		risks:            risk.NewStore(cfg.Root),
		logger:           logger.With(slog.String("component", "engine")),
		constitutionHash: constHash,
		now:              time.Now,
	}

	switch cfg.LogBackend {
	case config.LogBackendSQLite:
		l, err := state.OpenSQLLog(filepath.Join(cfg.Root, "lifecycle-log.db"))
		if err != nil {
			return nil, err
		}
		e.log = l
	default:
		e.log = state.NewFileLog(cfg.Root, cfg.LogHashChain)
	}

	e.metrics, err = observability.New()
	if err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(e)
	}
	e.commits.SetClock(e.now)
	e.risks.SetClock(e.now)
	return e, nil
}

// Close releases the log backend.
func (e *Engine) Close() error {
	if e.log != nil {
		return e.log.Close()
	}
	return nil
}

// Definition exposes the loaded definition for read paths.
func (e *Engine) Definition() *definition.Definition { return e.def }

// States exposes the state store for the verifier and doctor.
func (e *Engine) States() *state.Store { return e.states }

// Commits exposes the commit store for the verifier and doctor.
func (e *Engine) Commits() *dcl.Store { return e.commits }

// EventLog exposes the lifecycle log.
func (e *Engine) EventLog() state.EventLog { return e.log }

// Risks exposes the residual risk register.
func (e *Engine) Risks() *risk.Store { return e.risks }

// ConstitutionHash is the hash bound into every commit.
func (e *Engine) ConstitutionHash() string { return e.constitutionHash }

// SetReadOnly flips the engine into fail-open mode: reads serve, every
// mutation is refused with the integrity reason.
func (e *Engine) SetReadOnly(reason string) {
	e.readOnly = true
	e.readOnlyReason = reason
}

// ReadOnly reports fail-open mode and its reason.
func (e *Engine) ReadOnly() (bool, string) { return e.readOnly, e.readOnlyReason }

func (e *Engine) checkWritable() error {
	if e.readOnly {
		return errcode.New(errcode.IntegrityFailure, errcode.SubReadOnly,
			"mutations refused: %s", e.readOnlyReason)
	}
	return nil
}

func readConstitutionHash(root string) (string, error) {
	path := filepath.Join(root, ConstitutionFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errcode.New(errcode.NotFound, "", "constitution document %s not found", path)
		}
		return "", errcode.Wrap(errcode.Io, "", fmt.Errorf("read constitution: %w", err))
	}
	return canonicalize.HashBytes(raw), nil
}

// globalLock serializes every state-document writer.
func (e *Engine) globalLock(ctx context.Context) (fsio.Unlock, error) {
	return fsio.AcquireLock(ctx, filepath.Join(e.cfg.Root, globalLockFileName))
}

// packetLocks acquires per-packet DCL locks in sorted id order and
// returns a single release for all of them.
func (e *Engine) packetLocks(ctx context.Context, ids []string) (fsio.Unlock, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	var unlocks []fsio.Unlock
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, id := range sorted {
		u, err := fsio.AcquireLock(ctx, e.commits.LockPath(id))
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return release, nil
}

// pendingCommit is one packet transition staged by a mutation.
type pendingCommit struct {
	packetID string
	env      dcl.ActionEnvelope
	pre      *state.PacketState
	post     *state.PacketState
}

// mutation is the outcome a guard function hands back to apply.
type mutation struct {
	commits  []pendingCommit
	logEntry *state.LogEntry
}

// apply is the single write path. It takes the global lock, loads state,
// runs the guard, recomputes dependency propagation, then persists:
// journaled commits first, the state document second, the log entry
// last. Guards see a cloned document and mutate nothing themselves.
func (e *Engine) apply(ctx context.Context, primaryID string,
	guard func(doc *state.Document) (*mutation, error)) (*state.PacketState, error) {

	if err := e.checkWritable(); err != nil {
		return nil, err
	}
	if primaryID != "" {
		if _, err := e.def.Packet(primaryID); err != nil {
			return nil, err
		}
	}

	unlockGlobal, err := e.globalLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlockGlobal()

	if primaryID != "" {
		if action, err := e.commits.Recover(primaryID); err != nil {
			return nil, err
		} else if action != dcl.RecoveryNone {
			e.metrics.Recovery(ctx, string(action))
			e.logger.Warn("recovered journal before transition",
				slog.String("packet", primaryID), slog.String("action", string(action)))
		}
	}

	doc, err := e.states.Load()
	if err != nil {
		return nil, err
	}

	// A crash after the HEAD advance leaves the document one or more
	// commits behind the chain. Finish the interrupted write before the
	// guard sees the state.
	if primaryID != "" {
		repaired, n, err := e.commits.ReplayState(primaryID, doc.Packets[primaryID])
		if err != nil {
			return nil, err
		}
		if repaired != nil {
			doc.Packets[primaryID] = repaired
			if err := e.states.Save(doc); err != nil {
				return nil, err
			}
			e.logger.Warn("replayed runtime state to HEAD",
				slog.String("packet", primaryID), slog.Int("commits", n))
		}
	}

	mut, err := guard(doc)
	if err != nil {
		e.metrics.Rejection(ctx, errcode.WireCode(err))
		return nil, err
	}
	if mut == nil || len(mut.commits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(mut.commits))
	for _, pc := range mut.commits {
		ids = append(ids, pc.packetID)
	}
	unlockPackets, err := e.packetLocks(ctx, ids)
	if err != nil {
		return nil, err
	}
	defer unlockPackets()

	for _, pc := range mut.commits {
		if _, err := e.commits.Append(pc.packetID, pc.env, pc.pre, pc.post, e.constitutionHash); err != nil {
			return nil, err
		}
		doc.Packets[pc.packetID] = pc.post
		e.metrics.Commit(ctx, pc.packetID)
		e.metrics.Transition(ctx, pc.env.Event, string(pc.pre.Status), string(pc.post.Status))
	}

	if err := e.states.Save(doc); err != nil {
		return nil, err
	}
	if mut.logEntry != nil {
		if err := e.log.Append(*mut.logEntry); err != nil {
			return nil, err
		}
	}

	primary := mut.commits[0]
	e.logger.Info("transition applied",
		slog.String("packet", primary.packetID),
		slog.String("event", primary.env.Event),
		slog.String("from", string(primary.pre.Status)),
		slog.String("to", string(primary.post.Status)))
	return primary.post, nil
}

// propagate turns the gate's recomputation into staged commits on the
// affected dependents, stamped with the system actor.
func (e *Engine) propagate(doc *state.Document, staged []pendingCommit) ([]pendingCommit, []string) {
	// Recompute against the staged view.
	shadow := &state.Document{SchemaVersion: doc.SchemaVersion, Packets: map[string]*state.PacketState{}}
	for id, ps := range doc.Packets {
		shadow.Packets[id] = ps
	}
	for _, pc := range staged {
		shadow.Packets[pc.packetID] = pc.post
	}

	var touched []string
	for _, ch := range gate.Recompute(e.def, shadow) {
		pre := shadow.Packet(ch.PacketID).Clone()
		post := pre.Clone()
		post.Status = ch.To
		if ch.To == state.StatusPending {
			post.AssignedTo = ""
		}
		event := "blocked"
		if ch.To == state.StatusPending {
			event = "unblocked"
		}
		staged = append(staged, pendingCommit{
			packetID: ch.PacketID,
			env: dcl.ActionEnvelope{
				Event:     event,
				Actor:     SystemActor,
				Inputs:    map[string]any{"from": string(ch.From), "to": string(ch.To)},
				Timestamp: canonicalize.FormatTime(e.now()),
			},
			pre:  pre,
			post: post,
		})
		shadow.Packets[ch.PacketID] = post
		touched = append(touched, ch.PacketID)
	}
	sort.Strings(touched)
	return staged, touched
}

func (e *Engine) envelope(event, actor string, inputs map[string]any) dcl.ActionEnvelope {
	return dcl.ActionEnvelope{
		Event:     event,
		Actor:     actor,
		Inputs:    inputs,
		Timestamp: canonicalize.FormatTime(e.now()),
	}
}

func requireActor(actor string) error {
	if actor == "" {
		return errcode.New(errcode.Usage, "", "actor identity is required")
	}
	return nil
}

func wrongStatus(id string, got state.Status, want ...state.Status) error {
	if got.IsTerminal() {
		return errcode.New(errcode.InvalidTransition, errcode.SubAlreadyTerminal,
			"packet %s is %s and terminal", id, got)
	}
	return errcode.New(errcode.InvalidTransition, errcode.SubWrongStatus,
		"packet %s is %s, operation requires %v", id, got, want)
}
