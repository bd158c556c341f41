package engine

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/gate"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// CheckStalled sweeps in_progress packets whose last sign of life is
// older than the stall window and parks them in stalled. Idempotent;
// returns the ids it transitioned.
func (e *Engine) CheckStalled(ctx context.Context) ([]string, error) {
	if err := e.checkWritable(); err != nil {
		return nil, err
	}
	doc, err := e.states.Load()
	if err != nil {
		return nil, err
	}

	now := e.now()
	var candidates []string
	for _, p := range e.def.Packets() {
		ps, ok := doc.Packets[p.ID]
		if !ok || ps.Status != state.StatusInProgress {
			continue
		}
		if stale(ps, now, e.cfg.StallWindow(p.HeartbeatIntervalSeconds).Seconds()) {
			candidates = append(candidates, p.ID)
		}
	}

	var transitioned []string
	for _, id := range candidates {
		_, err := e.apply(ctx, id, func(doc *state.Document) (*mutation, error) {
			pre := doc.Packet(id).Clone()
			if pre.Status != state.StatusInProgress {
				return nil, nil // raced with another operator; fine
			}
			post := pre.Clone()
			post.Status = state.StatusStalled

			entry := state.NewLogEntry(id, state.EventStalled, SystemActor, map[string]any{
				"last_heartbeat_at": pre.LastHeartbeatAt,
			})
			return &mutation{
				commits: []pendingCommit{{
					packetID: id,
					env:      e.envelope("check-stalled", SystemActor, nil),
					pre:      pre,
					post:     post,
				}},
				logEntry: &entry,
			}, nil
		})
		if err != nil {
			return transitioned, err
		}
		transitioned = append(transitioned, id)
	}
	return transitioned, nil
}

// stale reports whether the packet's last liveness signal predates the
// window. A packet that never heartbeat is measured from started_at.
func stale(ps *state.PacketState, now time.Time, windowSeconds float64) bool {
	ref := ps.LastHeartbeatAt
	if ref == "" {
		ref = ps.StartedAt
	}
	if ref == "" {
		return false
	}
	t, err := time.Parse(canonicalize.TimeLayout, ref)
	if err != nil {
		return false
	}
	return now.Sub(t).Seconds() > windowSeconds
}

// CheckPreflightTimeouts returns packets to pending whose preflight
// assessment has been awaiting a supervisor longer than the timeout.
func (e *Engine) CheckPreflightTimeouts(ctx context.Context) ([]string, error) {
	if err := e.checkWritable(); err != nil {
		return nil, err
	}
	doc, err := e.states.Load()
	if err != nil {
		return nil, err
	}

	now := e.now()
	var candidates []string
	for id, ps := range doc.Packets {
		if ps.Status != state.StatusPreflight || ps.Preflight == nil || ps.Preflight.SubmittedAt == "" {
			continue
		}
		t, err := time.Parse(canonicalize.TimeLayout, ps.Preflight.SubmittedAt)
		if err != nil {
			continue
		}
		if now.Sub(t) > e.cfg.PreflightTimeout {
			candidates = append(candidates, id)
		}
	}

	var returned []string
	for _, id := range candidates {
		_, err := e.apply(ctx, id, func(doc *state.Document) (*mutation, error) {
			pre := doc.Packet(id).Clone()
			if pre.Status != state.StatusPreflight {
				return nil, nil
			}
			post := pre.Clone()
			post.Status = state.StatusPending
			post.AssignedTo = ""

			entry := state.NewLogEntry(id, state.EventPreflightReturned, SystemActor, map[string]any{
				"reason": "preflight timeout",
			})
			return &mutation{
				commits: []pendingCommit{{
					packetID: id,
					env:      e.envelope("preflight-timeout", SystemActor, nil),
					pre:      pre,
					post:     post,
				}},
				logEntry: &entry,
			}, nil
		})
		if err != nil {
			return returned, err
		}
		returned = append(returned, id)
	}
	return returned, nil
}

// CloseoutL2 seals a work area: every packet done, no open critical
// risks, a closeout log entry, and a project checkpoint freezing all
// HEADs.
func (e *Engine) CloseoutL2(ctx context.Context, areaID, supervisor, assessment, notes string) (string, error) {
	if err := requireActor(supervisor); err != nil {
		return "", err
	}
	if err := e.checkWritable(); err != nil {
		return "", err
	}
	if _, err := e.def.Area(areaID); err != nil {
		return "", err
	}
	if assessment == "" {
		return "", errcode.New(errcode.Usage, "", "closeout requires an assessment document")
	}

	unlockGlobal, err := e.globalLock(ctx)
	if err != nil {
		return "", err
	}
	defer unlockGlobal()

	doc, err := e.states.Load()
	if err != nil {
		return "", err
	}

	packets := e.def.PacketsInArea(areaID)
	ids := make([]string, 0, len(packets))
	for _, p := range packets {
		if doc.StatusOf(p.ID) != state.StatusDone {
			return "", errcode.New(errcode.InvalidTransition, errcode.SubWrongStatus,
				"area %s packet %s is %s, closeout requires done", areaID, p.ID, doc.StatusOf(p.ID))
		}
		ids = append(ids, p.ID)
	}

	critical, err := e.risks.OpenCritical(ids)
	if err != nil {
		return "", err
	}
	if len(critical) > 0 {
		return "", errcode.New(errcode.InvalidTransition, errcode.SubInvalidResidualRisk,
			"area %s has %d open critical residual risks", areaID, len(critical))
	}

	unlockPackets, err := e.packetLocks(ctx, e.def.PacketIDs())
	if err != nil {
		return "", err
	}
	defer unlockPackets()

	cp, err := e.commits.CreateCheckpoint()
	if err != nil {
		return "", err
	}

	entry := state.NewLogEntry("", state.EventCloseoutL2, supervisor, map[string]any{
		"area_id":         areaID,
		"assessment_hash": canonicalize.HashBytes([]byte(assessment)),
		"checkpoint_id":   cp.CheckpointID,
		"notes":           notes,
	})
	if err := e.log.Append(entry); err != nil {
		return "", err
	}
	return cp.CheckpointID, nil
}

// Checkpoint snapshots every packet HEAD outside of closeout.
func (e *Engine) Checkpoint(ctx context.Context) (string, error) {
	if err := e.checkWritable(); err != nil {
		return "", err
	}
	unlockGlobal, err := e.globalLock(ctx)
	if err != nil {
		return "", err
	}
	defer unlockGlobal()

	unlockPackets, err := e.packetLocks(ctx, e.def.PacketIDs())
	if err != nil {
		return "", err
	}
	defer unlockPackets()

	cp, err := e.commits.CreateCheckpoint()
	if err != nil {
		return "", err
	}
	return cp.CheckpointID, nil
}

// ReadyRow is one claimable packet in ready output order.
type ReadyRow struct {
	ID     string `json:"id"`
	WbsRef string `json:"wbs_ref"`
	Title  string `json:"title"`
}

// Ready lists claimable packets ordered by (area_id, wbs_ref).
func (e *Engine) Ready() ([]ReadyRow, error) {
	doc, err := e.states.Load()
	if err != nil {
		return nil, err
	}
	var rows []ReadyRow
	for _, p := range gate.Ready(e.def, doc) {
		rows = append(rows, ReadyRow{ID: p.ID, WbsRef: p.WbsRef, Title: p.Title})
	}
	return rows, nil
}

// Snapshot returns the current state document for status output.
func (e *Engine) Snapshot() (*state.Document, error) {
	return e.states.Load()
}

// PacketState returns one packet's runtime state.
func (e *Engine) PacketState(packetID string) (*state.PacketState, error) {
	if _, err := e.def.Packet(packetID); err != nil {
		return nil, err
	}
	doc, err := e.states.Load()
	if err != nil {
		return nil, err
	}
	return doc.Packet(packetID).Clone(), nil
}

// Briefing bounds.
const (
	briefingMaxReady  = 10
	briefingMaxEvents = 15
)

// BriefingBlocked describes one blocked packet and its blockers.
type BriefingBlocked struct {
	ID       string   `json:"id"`
	Blockers []string `json:"blockers"`
}

// BriefingAssignment describes active ownership.
type BriefingAssignment struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to"`
}

// Briefing is the session-bootstrap summary.
type Briefing struct {
	GeneratedAt  string               `json:"generated_at"`
	StatusCounts map[string]int       `json:"status_counts"`
	Ready        []ReadyRow           `json:"ready"`
	Blocked      []BriefingBlocked    `json:"blocked"`
	Assignments  []BriefingAssignment `json:"assignments"`
	RecentEvents []state.LogEntry     `json:"recent_events"`
	Truncated    bool                 `json:"truncated,omitempty"`
}

// Brief builds the session-bootstrap summary an operator reads before
// touching the work graph.
func (e *Engine) Brief() (*Briefing, error) {
	doc, err := e.states.Load()
	if err != nil {
		return nil, err
	}

	b := &Briefing{
		GeneratedAt:  canonicalize.FormatTime(e.now()),
		StatusCounts: map[string]int{},
	}
	for s, n := range doc.CountByStatus() {
		b.StatusCounts[string(s)] = n
	}

	for _, p := range gate.Ready(e.def, doc) {
		if len(b.Ready) == briefingMaxReady {
			b.Truncated = true
			break
		}
		b.Ready = append(b.Ready, ReadyRow{ID: p.ID, WbsRef: p.WbsRef, Title: p.Title})
	}

	for _, p := range e.def.Packets() {
		ps, ok := doc.Packets[p.ID]
		if !ok {
			continue
		}
		if ps.Status == state.StatusBlocked {
			blockers, err := gate.UnmetDependencies(e.def, doc, p.ID)
			if err != nil {
				return nil, err
			}
			b.Blocked = append(b.Blocked, BriefingBlocked{ID: p.ID, Blockers: blockers})
		}
		if ps.AssignedTo != "" && !ps.Status.IsTerminal() {
			b.Assignments = append(b.Assignments, BriefingAssignment{
				ID:         p.ID,
				Status:     string(ps.Status),
				AssignedTo: ps.AssignedTo,
			})
		}
	}

	events, err := e.log.Tail(briefingMaxEvents)
	if err != nil {
		return nil, err
	}
	b.RecentEvents = events
	return b, nil
}
