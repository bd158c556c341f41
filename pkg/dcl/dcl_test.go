package dcl

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

func testEnvelope(event, actor string) ActionEnvelope {
	return ActionEnvelope{
		Event:     event,
		Actor:     actor,
		Timestamp: "2026-08-24T10:00:00Z",
	}
}

func pendingState() *state.PacketState {
	return &state.PacketState{Status: state.StatusPending}
}

func TestAppend_BuildsLinkedChain(t *testing.T) {
	s := NewStore(t.TempDir())

	pre := pendingState()
	mid := pre.Clone()
	mid.Status = state.StatusInProgress
	mid.AssignedTo = "alice"

	c1, err := s.Append("PKT-1", testEnvelope("claimed", "alice"), pre, mid, "consthash")
	require.NoError(t, err)
	assert.Equal(t, "CMT-PKT-1-000001", c1.CommitID)
	assert.Equal(t, 1, c1.Seq)
	assert.Equal(t, Genesis, c1.PrevCommitHash)

	post := mid.Clone()
	post.Status = state.StatusDone
	post.Notes = []string{"impl+tests"}

	c2, err := s.Append("PKT-1", testEnvelope("completed", "alice"), mid, post, "consthash")
	require.NoError(t, err)
	assert.Equal(t, 2, c2.Seq)
	assert.Equal(t, c1.CommitHash, c2.PrevCommitHash)
	assert.Equal(t, c1.PostStateHash, c2.PreStateHash)

	head, ok, err := s.Head("PKT-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, head.Seq)
	assert.Equal(t, c2.CommitHash, head.CommitHash)
	assert.Equal(t, c2.PostStateHash, head.PostStateHash)

	assert.NoFileExists(t, s.journalPath("PKT-1"), "journal must be gone after a completed append")
}

func TestAppend_RejectsPreStateDrift(t *testing.T) {
	s := NewStore(t.TempDir())

	pre := pendingState()
	post := pre.Clone()
	post.Status = state.StatusInProgress
	post.AssignedTo = "alice"
	_, err := s.Append("PKT-1", testEnvelope("claimed", "alice"), pre, post, "h")
	require.NoError(t, err)

	// A caller presenting a pre-state that is not HEAD's post-state is
	// operating on stale data.
	stale := pendingState()
	next := stale.Clone()
	next.Status = state.StatusFailed
	_, err = s.Append("PKT-1", testEnvelope("failed", "alice"), stale, next, "h")
	require.Error(t, err)
	assert.Equal(t, errcode.SubRuntimeBindingMismatch, errcode.SubOf(err))
}

func TestCommit_HashCoversEverythingButItself(t *testing.T) {
	s := NewStore(t.TempDir())
	pre := pendingState()
	post := pre.Clone()
	post.Status = state.StatusInProgress
	post.AssignedTo = "alice"

	c, err := s.Append("PKT-1", testEnvelope("claimed", "alice"), pre, post, "h")
	require.NoError(t, err)

	recomputed, err := c.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, c.CommitHash, recomputed)

	tampered := *c
	tampered.ActionEnvelope.Actor = "mallory"
	th, err := tampered.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, c.CommitHash, th)
}

func TestBuildDiff_StructuredDelta(t *testing.T) {
	pre := &state.PacketState{Status: state.StatusPending}
	post := &state.PacketState{
		Status:     state.StatusInProgress,
		AssignedTo: "alice",
		StartedAt:  "2026-08-24T10:00:00Z",
	}

	d, err := BuildDiff(pre, post)
	require.NoError(t, err)

	require.Contains(t, d.Changed, "status")
	assert.Equal(t, "pending", d.Changed["status"].From)
	assert.Equal(t, "in_progress", d.Changed["status"].To)
	assert.Contains(t, d.Added, "assigned_to")
	assert.Empty(t, d.Removed)
	assert.NotEmpty(t, d.MergePatch)
}

func TestReplayPostState_ReconstructsFromDiff(t *testing.T) {
	s := NewStore(t.TempDir())
	pre := pendingState()
	post := pre.Clone()
	post.Status = state.StatusInProgress
	post.AssignedTo = "alice"
	post.StartedAt = "2026-08-24T10:00:00Z"

	c, err := s.Append("PKT-1", testEnvelope("claimed", "alice"), pre, post, "h")
	require.NoError(t, err)

	replayed, err := ReplayPostState(pre, c)
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, replayed.Status)
	assert.Equal(t, "alice", replayed.AssignedTo)

	rh, err := replayed.Hash()
	require.NoError(t, err)
	assert.Equal(t, c.PostStateHash, rh)
}

func TestAppend_UsesInjectedClock(t *testing.T) {
	s := NewStore(t.TempDir())
	s.SetClock(func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) })

	pre := pendingState()
	post := pre.Clone()
	post.Status = state.StatusInProgress
	post.AssignedTo = "alice"
	c, err := s.Append("PKT-1", testEnvelope("claimed", "alice"), pre, post, "h")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T10:00:00Z", c.CreatedAt)

	cp, err := s.CreateCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T10:00:00Z", cp.CreatedAt)
}

func TestReplayState_CatchesUpAfterLostSave(t *testing.T) {
	s := NewStore(t.TempDir())

	pre := pendingState()
	mid := pre.Clone()
	mid.Status = state.StatusInProgress
	mid.AssignedTo = "alice"
	_, err := s.Append("PKT-1", testEnvelope("claimed", "alice"), pre, mid, "h")
	require.NoError(t, err)

	post := mid.Clone()
	post.Notes = []string{"halfway"}
	_, err = s.Append("PKT-1", testEnvelope("noted", "alice"), mid, post, "h")
	require.NoError(t, err)

	// The document writer died before persisting the second transition.
	repaired, n, err := s.ReplayState("PKT-1", mid)
	require.NoError(t, err)
	require.NotNil(t, repaired)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"halfway"}, repaired.Notes)

	h, err := repaired.Hash()
	require.NoError(t, err)
	head, ok, err := s.Head("PKT-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, head.PostStateHash, h)

	// A record that already binds needs nothing.
	again, n, err := s.ReplayState("PKT-1", repaired)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Zero(t, n)

	// A missing record rebuilds from the whole chain.
	rebuilt, n, err := s.ReplayState("PKT-1", nil)
	require.NoError(t, err)
	require.NotNil(t, rebuilt)
	assert.Equal(t, 2, n)
}

func TestReplayState_RefusesOutOfBandEdits(t *testing.T) {
	s := NewStore(t.TempDir())

	pre := pendingState()
	post := pre.Clone()
	post.Status = state.StatusInProgress
	post.AssignedTo = "alice"
	_, err := s.Append("PKT-1", testEnvelope("claimed", "alice"), pre, post, "h")
	require.NoError(t, err)

	edited := post.Clone()
	edited.AssignedTo = "mallory"
	repaired, _, err := s.ReplayState("PKT-1", edited)
	require.Error(t, err)
	assert.Nil(t, repaired)
	assert.Equal(t, errcode.SubRuntimeBindingMismatch, errcode.SubOf(err))
}

func TestRecover_PrepareWithoutCommitRollsBack(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, os.MkdirAll(s.packetDir("PKT-1"), 0o755))
	require.NoError(t, os.WriteFile(s.journalPath("PKT-1"),
		[]byte(`{"phase":"prepare","target_seq":1,"payload_hash":"deadbeef"}`), 0o644))

	action, err := s.Recover("PKT-1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryRolledBack, action)
	assert.NoFileExists(t, s.journalPath("PKT-1"))

	_, ok, err := s.Head("PKT-1")
	require.NoError(t, err)
	assert.False(t, ok, "HEAD must stay unset after rollback")
}

func TestRecover_PrepareWithValidCommitCompletes(t *testing.T) {
	s := NewStore(t.TempDir())

	// Produce a real commit, then rewind to the crash window: HEAD gone,
	// journal back in prepare.
	pre := pendingState()
	post := pre.Clone()
	post.Status = state.StatusInProgress
	post.AssignedTo = "alice"
	c, err := s.Append("PKT-1", testEnvelope("claimed", "alice"), pre, post, "h")
	require.NoError(t, err)

	require.NoError(t, os.Remove(s.headPath("PKT-1")))
	require.NoError(t, os.WriteFile(s.journalPath("PKT-1"),
		[]byte(`{"phase":"prepare","target_seq":1,"payload_hash":"`+c.CommitHash+`"}`), 0o644))

	action, err := s.Recover("PKT-1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryCompleted, action)

	head, ok, err := s.Head("PKT-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.CommitHash, head.CommitHash)
	assert.NoFileExists(t, s.journalPath("PKT-1"))
}

func TestRecover_DonePhaseClears(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, os.MkdirAll(s.packetDir("PKT-1"), 0o755))
	require.NoError(t, os.WriteFile(s.journalPath("PKT-1"),
		[]byte(`{"phase":"done","target_seq":1,"payload_hash":"x"}`), 0o644))

	action, err := s.Recover("PKT-1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryCleared, action)
	assert.NoFileExists(t, s.journalPath("PKT-1"))
}

func TestRecover_NoJournalIsNoop(t *testing.T) {
	s := NewStore(t.TempDir())
	action, err := s.Recover("PKT-1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryNone, action)
}

func TestRecover_Idempotent(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, os.MkdirAll(s.packetDir("PKT-1"), 0o755))
	require.NoError(t, os.WriteFile(s.journalPath("PKT-1"),
		[]byte(`{"phase":"prepare","target_seq":1,"payload_hash":"x"}`), 0o644))

	_, err := s.Recover("PKT-1")
	require.NoError(t, err)
	again, err := s.Recover("PKT-1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryNone, again)
}

func TestListCommits_Ordering(t *testing.T) {
	s := NewStore(t.TempDir())
	cur := pendingState()
	for i, status := range []state.Status{state.StatusInProgress, state.StatusReview, state.StatusDone} {
		next := cur.Clone()
		next.Status = status
		next.AssignedTo = "alice"
		_, err := s.Append("PKT-1", testEnvelope("step", "alice"), cur, next, "h")
		require.NoError(t, err, i)
		cur = next
	}

	commits, err := s.ListCommits("PKT-1")
	require.NoError(t, err)
	require.Len(t, commits, 3)
	for i, c := range commits {
		assert.Equal(t, i+1, c.Seq)
	}
}

func TestCheckpoint_CreateAndVerify(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, id := range []string{"PKT-A", "PKT-B"} {
		pre := pendingState()
		post := pre.Clone()
		post.Status = state.StatusInProgress
		post.AssignedTo = "alice"
		_, err := s.Append(id, testEnvelope("claimed", "alice"), pre, post, "h")
		require.NoError(t, err)
	}

	cp, err := s.CreateCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, "CHK-000001", cp.CheckpointID)
	assert.Len(t, cp.HeadTable, 2)
	require.NoError(t, s.VerifyCheckpoint(cp))

	latest, err := s.LatestCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, cp.CheckpointID, latest.CheckpointID)

	cp2, err := s.CreateCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, "CHK-000002", cp2.CheckpointID)
}

func TestCheckpoint_VerifyDetectsRewrite(t *testing.T) {
	s := NewStore(t.TempDir())
	pre := pendingState()
	post := pre.Clone()
	post.Status = state.StatusInProgress
	post.AssignedTo = "alice"
	_, err := s.Append("PKT-A", testEnvelope("claimed", "alice"), pre, post, "h")
	require.NoError(t, err)

	cp, err := s.CreateCheckpoint()
	require.NoError(t, err)

	snap := cp.HeadTable["PKT-A"]
	snap.CommitHash = "0000000000000000000000000000000000000000000000000000000000000000"
	cp.HeadTable["PKT-A"] = snap
	cp.CheckpointHash, err = cp.ComputeHash()
	require.NoError(t, err)

	err = s.VerifyCheckpoint(cp)
	require.Error(t, err)
	assert.Equal(t, errcode.SubHeadDrift, errcode.SubOf(err))
}

func TestConfig_WriteCheckRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.WriteConfig(NewConfig("consthash")))

	cfg, err := s.CheckConfig()
	require.NoError(t, err)
	assert.Equal(t, ModeDCL, cfg.Mode)
	assert.Equal(t, "consthash", cfg.ConstitutionHash)
}

func TestConfig_MissingLock(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.CheckConfig()
	require.Error(t, err)
	assert.Equal(t, errcode.SubConfigLock, errcode.SubOf(err))
}

func TestConfig_RefusesForeignMajor(t *testing.T) {
	s := NewStore(t.TempDir())
	cfg := NewConfig("")
	cfg.DCLVersion = "2.0"
	require.NoError(t, s.WriteConfig(cfg))

	_, err := s.CheckConfig()
	require.Error(t, err)
	assert.Equal(t, errcode.IntegrityFailure, errcode.CodeOf(err))
	assert.Equal(t, errcode.SubConfigLock, errcode.SubOf(err))
}
