package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govern/pkg/config"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/risk"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

const testDefinition = `{
  "areas": [{"id": "L1", "title": "Core"}],
  "packets": [
    {"id": "A", "wbs_ref": "1.1", "area_id": "L1", "title": "Alpha"},
    {"id": "B", "wbs_ref": "1.2", "area_id": "L1", "title": "Beta", "dependencies": ["A"]},
    {"id": "C", "wbs_ref": "1.3", "area_id": "L1", "title": "Gamma",
     "preflight_required": true, "review_required": true},
    {"id": "D", "wbs_ref": "1.4", "area_id": "L1", "title": "Delta",
     "heartbeat_required": true, "heartbeat_interval_seconds": 600},
    {"id": "E", "wbs_ref": "1.5", "area_id": "L1", "title": "Epsilon",
     "context_manifest": [{"file": "docs/spec.md", "required": true}]},
    {"id": "Z", "wbs_ref": "1.6", "area_id": "L1", "title": "Zeta", "dependencies": ["B"]}
  ]
}`

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time        { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	root := t.TempDir()
	defPath := filepath.Join(root, DefinitionFileName)
	require.NoError(t, os.WriteFile(defPath, []byte(testDefinition), 0o644))
	require.NoError(t, Init(root, defPath))

	cfg := &config.Config{
		Root:              root,
		StallThreshold:    1800 * time.Second,
		PreflightTimeout:  3600 * time.Second,
		MaxReviewCycles:   3,
		HeartbeatInterval: 600 * time.Second,
		LogBackend:        config.LogBackendFile,
	}
	clock := &testClock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := Open(cfg, logger, WithClock(clock.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, clock
}

func mustHeartbeat() state.Heartbeat {
	return state.Heartbeat{Status: "on track", Decisions: "none", Obstacles: "none", CompletionEstimate: "50%"}
}

func mustPreflight() state.Preflight {
	return state.Preflight{
		ContextConfirmation: "read",
		AmbiguityRegister:   "none",
		RiskFlags:           "low",
		ExecutionPlan:       "do the work",
	}
}

func mustReview() state.Review {
	return state.Review{ExitCriteriaAssessment: "met", Findings: "clean", RiskFlags: "none"}
}

func TestHappyPath_NoPreflightNoReview(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ps, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, ps.Status)
	assert.Equal(t, "alice", ps.AssignedTo)

	ps, err = e.Done(ctx, "A", "alice", "impl+tests", "none", nil)
	require.NoError(t, err)
	assert.Equal(t, state.StatusDone, ps.Status)
	assert.NotEmpty(t, ps.CompletedAt)

	ready, err := e.Ready()
	require.NoError(t, err)
	ids := make([]string, 0, len(ready))
	for _, r := range ready {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, "B", "B becomes ready once A is done")

	_, err = e.Claim(ctx, "B", "bob", nil)
	require.NoError(t, err)
	_, err = e.Done(ctx, "B", "bob", "impl", "none", nil)
	require.NoError(t, err)

	for _, id := range []string{"A", "B"} {
		commits, err := e.Commits().ListCommits(id)
		require.NoError(t, err)
		assert.Len(t, commits, 2, id)
	}
}

func TestApply_ReplaysLostStateWriteBeforeNextTransition(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)

	// Simulate a crash after the claim's HEAD advance but before the
	// state-document write: put the pre-claim record back.
	doc, err := e.States().Load()
	require.NoError(t, err)
	doc.Packets["A"] = &state.PacketState{Status: state.StatusPending}
	require.NoError(t, e.States().Save(doc))

	// The next mutation catches the document up from the chain and then
	// proceeds, instead of rejecting the packet forever.
	ps, err := e.Note(ctx, "A", "alice", "resumed after crash")
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, ps.Status)
	assert.Equal(t, "alice", ps.AssignedTo)
	assert.Contains(t, ps.Notes, "resumed after crash")

	commits, err := e.Commits().ListCommits("A")
	require.NoError(t, err)
	assert.Len(t, commits, 2)
}

func TestClaim_DependencyGate(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Claim(context.Background(), "B", "bob", nil)
	require.Error(t, err)
	assert.Equal(t, errcode.SubDependencyUnmet, errcode.SubOf(err))
	assert.Equal(t, 4, errcode.ExitCode(err))

	// Rejection leaves no trace.
	commits, err := e.Commits().ListCommits("B")
	require.NoError(t, err)
	assert.Empty(t, commits)
}

func TestClaim_AlreadyClaimed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)

	_, err = e.Claim(ctx, "A", "bob", nil)
	require.Error(t, err)
	assert.Equal(t, errcode.SubAlreadyClaimed, errcode.SubOf(err))
}

func TestClaim_ContextAttestation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Claim(ctx, "E", "alice", nil)
	require.Error(t, err)
	assert.Equal(t, errcode.SubContextAttestationMissing, errcode.SubOf(err))

	ps, err := e.Claim(ctx, "E", "alice", []string{"docs/spec.md"})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/spec.md"}, ps.ContextAttestation)
}

func TestPreflightAndReviewCycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ps, err := e.Claim(ctx, "C", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPreflight, ps.Status)

	_, err = e.SubmitPreflight(ctx, "C", "alice", mustPreflight())
	require.NoError(t, err)

	// Executor cannot approve their own preflight.
	_, err = e.ApprovePreflight(ctx, "C", "alice")
	require.Error(t, err)
	assert.Equal(t, errcode.SubIdentityConflict, errcode.SubOf(err))

	ps, err = e.ApprovePreflight(ctx, "C", "sam")
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, ps.Status)

	ps, err = e.Done(ctx, "C", "alice", "done", "none", nil)
	require.NoError(t, err)
	assert.Equal(t, state.StatusReview, ps.Status)

	_, err = e.ClaimReview(ctx, "C", "bob")
	require.NoError(t, err)

	ps, err = e.SubmitReview(ctx, "C", "bob", VerdictReject, mustReview())
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, ps.Status)
	assert.Equal(t, 1, ps.CycleCount)

	_, err = e.Done(ctx, "C", "alice", "fixed", "none", nil)
	require.NoError(t, err)
	_, err = e.ClaimReview(ctx, "C", "bob")
	require.NoError(t, err)
	ps, err = e.SubmitReview(ctx, "C", "bob", VerdictApprove, mustReview())
	require.NoError(t, err)
	assert.Equal(t, state.StatusDone, ps.Status)
}

func TestReview_IdentitySeparation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Claim(ctx, "C", "alice", nil)
	require.NoError(t, err)
	_, err = e.SubmitPreflight(ctx, "C", "alice", mustPreflight())
	require.NoError(t, err)
	_, err = e.ApprovePreflight(ctx, "C", "sam")
	require.NoError(t, err)
	_, err = e.Done(ctx, "C", "alice", "done", "none", nil)
	require.NoError(t, err)

	before, err := e.Commits().ListCommits("C")
	require.NoError(t, err)

	_, err = e.ClaimReview(ctx, "C", "alice")
	require.Error(t, err)
	assert.Equal(t, errcode.SubIdentityConflict, errcode.SubOf(err))

	after, err := e.Commits().ListCommits("C")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "rejected claim must not commit")
}

func TestReview_MaxCyclesEscalates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Claim(ctx, "C", "alice", nil)
	require.NoError(t, err)
	_, err = e.SubmitPreflight(ctx, "C", "alice", mustPreflight())
	require.NoError(t, err)
	_, err = e.ApprovePreflight(ctx, "C", "sam")
	require.NoError(t, err)

	var ps *state.PacketState
	for cycle := 1; cycle <= 3; cycle++ {
		_, err = e.Done(ctx, "C", "alice", "attempt", "none", nil)
		require.NoError(t, err)
		ps, err = e.SubmitReview(ctx, "C", "bob", VerdictReject, mustReview())
		require.NoError(t, err)
	}
	assert.Equal(t, state.StatusEscalated, ps.Status)
	assert.Equal(t, 3, ps.CycleCount)
}

func TestFailPropagation_AndReset(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)
	_, err = e.Fail(ctx, "A", "alice", "cannot proceed", false)
	require.NoError(t, err)

	doc, err := e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, doc.StatusOf("A"))
	assert.Equal(t, state.StatusBlocked, doc.StatusOf("B"))
	assert.Equal(t, state.StatusBlocked, doc.StatusOf("Z"), "blocked propagates transitively")

	// Blocked dependents carry commits for their transitions.
	bCommits, err := e.Commits().ListCommits("B")
	require.NoError(t, err)
	assert.Len(t, bCommits, 1)

	_, err = e.Reset(ctx, "A", "sam")
	require.NoError(t, err)

	doc, err = e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, doc.StatusOf("A"))
	assert.Equal(t, state.StatusPending, doc.StatusOf("B"))
	assert.Equal(t, state.StatusPending, doc.StatusOf("Z"))
}

func TestDone_GuardsEvidenceAndRisk(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)

	_, err = e.Done(ctx, "A", "alice", "", "none", nil)
	assert.Equal(t, errcode.SubEvidenceMissing, errcode.SubOf(err))

	_, err = e.Done(ctx, "A", "alice", "evidence", "maybe", nil)
	assert.Equal(t, errcode.SubInvalidResidualRisk, errcode.SubOf(err))

	_, err = e.Done(ctx, "A", "alice", "evidence", "declared", nil)
	assert.Equal(t, errcode.SubInvalidResidualRisk, errcode.SubOf(err))

	_, err = e.Done(ctx, "A", "bob", "evidence", "none", nil)
	assert.Equal(t, errcode.SubIdentityConflict, errcode.SubOf(err))
}

func TestDone_DeclaredRiskLandsInRegister(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)

	_, err = e.Done(ctx, "A", "alice", "evidence", "declared", &risk.Entry{
		Severity:    risk.SeverityHigh,
		Description: "migration not reversible",
	})
	require.NoError(t, err)

	open, err := e.Risks().List(risk.StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "A", open[0].PacketID)
	assert.Equal(t, risk.SeverityHigh, open[0].Severity)
}

func TestHeartbeat_LivenessOnlyEmitsNoCommit(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Claim(ctx, "D", "alice", nil)
	require.NoError(t, err)

	before, err := e.Commits().ListCommits("D")
	require.NoError(t, err)

	clock.advance(5 * time.Minute)
	ps, err := e.Heartbeat(ctx, "D", "alice", mustHeartbeat())
	require.NoError(t, err)
	assert.NotEmpty(t, ps.LastHeartbeatAt)

	after, err := e.Commits().ListCommits("D")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "in_progress heartbeat is transition_only")

	// Runtime binding still holds because liveness is outside the
	// committed view.
	head, ok, err := e.Commits().Head("D")
	require.NoError(t, err)
	require.True(t, ok)
	h, err := ps.Hash()
	require.NoError(t, err)
	assert.Equal(t, head.PostStateHash, h)
}

func TestStaleDetection_AndRevival(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Claim(ctx, "D", "alice", nil)
	require.NoError(t, err)
	_, err = e.Heartbeat(ctx, "D", "alice", mustHeartbeat())
	require.NoError(t, err)

	clock.advance(2000 * time.Second)
	stalled, err := e.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, stalled)

	// Idempotent within the same window.
	again, err := e.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	ps, err := e.Heartbeat(ctx, "D", "alice", mustHeartbeat())
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, ps.Status)

	commits, err := e.Commits().ListCommits("D")
	require.NoError(t, err)
	// claim, stalled, revival.
	assert.Len(t, commits, 3)
}

func TestPreflightTimeout_ReturnsToPending(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Claim(ctx, "C", "alice", nil)
	require.NoError(t, err)
	_, err = e.SubmitPreflight(ctx, "C", "alice", mustPreflight())
	require.NoError(t, err)

	clock.advance(3601 * time.Second)
	returned, err := e.CheckPreflightTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, returned)

	doc, err := e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, doc.StatusOf("C"))
	assert.Empty(t, doc.Packet("C").AssignedTo)
}

func TestNote_AppendsEvidenceButNotOnDone(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)

	ps, err := e.Note(ctx, "A", "alice", "interim finding")
	require.NoError(t, err)
	assert.Contains(t, ps.Notes, "interim finding")
	assert.Equal(t, state.StatusInProgress, ps.Status)

	_, err = e.Done(ctx, "A", "alice", "evidence", "none", nil)
	require.NoError(t, err)

	_, err = e.Note(ctx, "A", "alice", "too late")
	require.Error(t, err)
	assert.Equal(t, errcode.SubAlreadyTerminal, errcode.SubOf(err))
}

func TestCloseoutL2(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CloseoutL2(ctx, "L1", "sam", "assessment doc", "")
	require.Error(t, err, "closeout requires every packet done")
	assert.Equal(t, errcode.SubWrongStatus, errcode.SubOf(err))

	for _, step := range []struct{ id, actor string }{
		{"A", "alice"}, {"B", "bob"}, {"D", "alice"}, {"Z", "bob"},
	} {
		_, err := e.Claim(ctx, step.id, step.actor, nil)
		require.NoError(t, err)
		_, err = e.Done(ctx, step.id, step.actor, "evidence", "none", nil)
		require.NoError(t, err)
	}
	_, err = e.Claim(ctx, "E", "alice", []string{"docs/spec.md"})
	require.NoError(t, err)
	_, err = e.Done(ctx, "E", "alice", "evidence", "none", nil)
	require.NoError(t, err)

	_, err = e.Claim(ctx, "C", "alice", nil)
	require.NoError(t, err)
	_, err = e.SubmitPreflight(ctx, "C", "alice", mustPreflight())
	require.NoError(t, err)
	_, err = e.ApprovePreflight(ctx, "C", "sam")
	require.NoError(t, err)
	_, err = e.Done(ctx, "C", "alice", "evidence", "none", nil)
	require.NoError(t, err)
	_, err = e.SubmitReview(ctx, "C", "bob", VerdictApprove, mustReview())
	require.NoError(t, err)

	checkpointID, err := e.CloseoutL2(ctx, "L1", "sam", "assessment doc", "all clear")
	require.NoError(t, err)
	assert.Equal(t, "CHK-000001", checkpointID)

	cp, err := e.Commits().LatestCheckpoint()
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.NoError(t, e.Commits().VerifyCheckpoint(cp))
}

func TestCloseoutL2_RefusesOpenCriticalRisk(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)
	_, err = e.Done(ctx, "A", "alice", "evidence", "declared", &risk.Entry{
		Severity:    risk.SeverityCritical,
		Description: "unresolved data loss window",
	})
	require.NoError(t, err)

	// Only A matters for this check; drive the rest to done quickly.
	for _, step := range []struct{ id, actor string }{
		{"B", "bob"}, {"D", "alice"}, {"Z", "bob"},
	} {
		_, err := e.Claim(ctx, step.id, step.actor, nil)
		require.NoError(t, err)
		_, err = e.Done(ctx, step.id, step.actor, "evidence", "none", nil)
		require.NoError(t, err)
	}
	_, err = e.Claim(ctx, "E", "alice", []string{"docs/spec.md"})
	require.NoError(t, err)
	_, err = e.Done(ctx, "E", "alice", "evidence", "none", nil)
	require.NoError(t, err)
	_, err = e.Claim(ctx, "C", "alice", nil)
	require.NoError(t, err)
	_, err = e.SubmitPreflight(ctx, "C", "alice", mustPreflight())
	require.NoError(t, err)
	_, err = e.ApprovePreflight(ctx, "C", "sam")
	require.NoError(t, err)
	_, err = e.Done(ctx, "C", "alice", "evidence", "none", nil)
	require.NoError(t, err)
	_, err = e.SubmitReview(ctx, "C", "bob", VerdictApprove, mustReview())
	require.NoError(t, err)

	_, err = e.CloseoutL2(ctx, "L1", "sam", "assessment", "")
	require.Error(t, err)
	assert.Equal(t, errcode.SubInvalidResidualRisk, errcode.SubOf(err))
}

func TestReadOnlyMode_RefusesMutations(t *testing.T) {
	e, _ := newTestEngine(t)
	e.SetReadOnly("verification failed for packet A")

	_, err := e.Claim(context.Background(), "A", "alice", nil)
	require.Error(t, err)
	assert.Equal(t, errcode.SubReadOnly, errcode.SubOf(err))
	assert.Equal(t, 5, errcode.ExitCode(err))

	// Reads still serve.
	_, err = e.Ready()
	require.NoError(t, err)
}

func TestJournalRecovery_BeforeTransition(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)

	// Fake a crashed writer: phase=prepare, no commit at target.
	jp := filepath.Join(e.cfg.Root, "dcl", "packets", "A", "journal.json")
	require.NoError(t, os.WriteFile(jp,
		[]byte(`{"phase":"prepare","target_seq":2,"payload_hash":"dead"}`), 0o644))

	_, err = e.Done(ctx, "A", "alice", "evidence", "none", nil)
	require.NoError(t, err)

	commits, err := e.Commits().ListCommits("A")
	require.NoError(t, err)
	assert.Len(t, commits, 2)
	assert.NoFileExists(t, jp)
}

func TestBrief(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Claim(ctx, "A", "alice", nil)
	require.NoError(t, err)
	_, err = e.Fail(ctx, "A", "alice", "cannot", false)
	require.NoError(t, err)

	b, err := e.Brief()
	require.NoError(t, err)
	assert.Equal(t, 1, b.StatusCounts[string(state.StatusFailed)])
	assert.NotEmpty(t, b.Blocked)
	assert.NotEmpty(t, b.RecentEvents)
	for _, blocked := range b.Blocked {
		if blocked.ID == "B" {
			assert.Contains(t, blocked.Blockers, "A")
		}
	}
}

func TestInit_RefusesReinitialization(t *testing.T) {
	root := t.TempDir()
	defPath := filepath.Join(root, DefinitionFileName)
	require.NoError(t, os.WriteFile(defPath, []byte(testDefinition), 0o644))
	require.NoError(t, Init(root, defPath))

	err := Init(root, defPath)
	require.Error(t, err)
	assert.Equal(t, errcode.Usage, errcode.CodeOf(err))
}
