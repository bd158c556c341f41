package dcl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/fsio"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// Head is the per-packet chain pointer.
type Head struct {
	Seq           int    `json:"seq"`
	CommitHash    string `json:"commit_hash"`
	PostStateHash string `json:"post_state_hash"`
}

// Journal phases.
const (
	PhasePrepare = "prepare"
	PhaseDone    = "done"
)

// Journal describes a partially applied commit for crash recovery.
type Journal struct {
	Phase       string `json:"phase"`
	TargetSeq   int    `json:"target_seq"`
	PayloadHash string `json:"payload_hash"`
}

// Store persists commit chains under <root>/dcl/packets/<packet_id>/.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore returns a commit store rooted at the governance directory.
func NewStore(root string) *Store {
	return &Store{root: root, now: time.Now}
}

// SetClock overrides the time source for commit and checkpoint stamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) packetDir(packetID string) string {
	return filepath.Join(s.root, "dcl", "packets", packetID)
}

func (s *Store) commitPath(packetID string, seq int) string {
	return filepath.Join(s.packetDir(packetID), "commits", fmt.Sprintf("%06d.json", seq))
}

func (s *Store) headPath(packetID string) string {
	return filepath.Join(s.packetDir(packetID), "HEAD")
}

func (s *Store) journalPath(packetID string) string {
	return filepath.Join(s.packetDir(packetID), "journal.json")
}

// LockPath is the per-packet advisory lock file. The file persists; the
// OS drops the lock itself when the holder exits.
func (s *Store) LockPath(packetID string) string {
	return filepath.Join(s.packetDir(packetID), ".lock")
}

// Head reads the chain pointer. ok=false means the packet has no chain.
func (s *Store) Head(packetID string) (Head, bool, error) {
	var h Head
	err := fsio.ReadJSON(s.headPath(packetID), &h)
	if err != nil {
		if errcode.CodeOf(err) == errcode.NotFound {
			return Head{}, false, nil
		}
		return Head{}, false, err
	}
	return h, true, nil
}

// Append runs the journaled write protocol for one new commit. The
// caller holds the packet lock and provides the committed pre/post
// states; Append computes hashes, links the chain, and advances HEAD.
func (s *Store) Append(packetID string, env ActionEnvelope, pre, post *state.PacketState, constitutionHash string) (*Commit, error) {
	head, hasHead, err := s.Head(packetID)
	if err != nil {
		return nil, err
	}

	seq := 1
	prevHash := Genesis
	if hasHead {
		seq = head.Seq + 1
		prevHash = head.CommitHash
	}

	preHash, err := pre.Hash()
	if err != nil {
		return nil, err
	}
	if hasHead && preHash != head.PostStateHash {
		return nil, errcode.New(errcode.IntegrityFailure, errcode.SubRuntimeBindingMismatch,
			"packet %s: pre-state hash %s does not match HEAD post-state %s", packetID, preHash, head.PostStateHash)
	}
	postHash, err := post.Hash()
	if err != nil {
		return nil, err
	}
	actionHash, err := canonicalize.Hash(env)
	if err != nil {
		return nil, err
	}
	diff, err := BuildDiff(pre, post)
	if err != nil {
		return nil, err
	}

	c := &Commit{
		CommitID:         CommitID(packetID, seq),
		PacketID:         packetID,
		Seq:              seq,
		PrevCommitHash:   prevHash,
		ActionHash:       actionHash,
		PreStateHash:     preHash,
		PostStateHash:    postHash,
		ConstitutionHash: constitutionHash,
		Diff:             diff,
		CreatedAt:        canonicalize.FormatTime(s.now()),
		ActionEnvelope:   env,
	}
	c.CommitHash, err = c.ComputeHash()
	if err != nil {
		return nil, err
	}

	journal := Journal{Phase: PhasePrepare, TargetSeq: seq, PayloadHash: c.CommitHash}
	if err := fsio.WithRetry(func() error {
		return fsio.WriteJSONAtomic(s.journalPath(packetID), journal)
	}); err != nil {
		return nil, err
	}
	if err := fsio.WithRetry(func() error {
		return fsio.WriteJSONAtomic(s.commitPath(packetID, seq), c)
	}); err != nil {
		return nil, err
	}
	if err := fsio.WithRetry(func() error {
		return fsio.WriteJSONAtomic(s.headPath(packetID), Head{
			Seq:           seq,
			CommitHash:    c.CommitHash,
			PostStateHash: postHash,
		})
	}); err != nil {
		return nil, err
	}

	journal.Phase = PhaseDone
	if err := fsio.WriteJSONAtomic(s.journalPath(packetID), journal); err != nil {
		return nil, err
	}
	if err := os.Remove(s.journalPath(packetID)); err != nil && !os.IsNotExist(err) {
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("clear journal: %w", err))
	}
	return c, nil
}

// ReadCommit loads one commit by sequence number. A transiently present
// journal means a writer is mid-protocol; the read retries once.
func (s *Store) ReadCommit(packetID string, seq int) (*Commit, error) {
	var c Commit
	err := fsio.ReadJSON(s.commitPath(packetID, seq), &c)
	if err != nil && fsio.Exists(s.journalPath(packetID)) {
		time.Sleep(50 * time.Millisecond)
		err = fsio.ReadJSON(s.commitPath(packetID, seq), &c)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCommits returns the full chain for a packet in sequence order.
func (s *Store) ListCommits(packetID string) ([]*Commit, error) {
	dir := filepath.Join(s.packetDir(packetID), "commits")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("list commits for %s: %w", packetID, err))
	}

	var seqs []int
	for _, e := range entries {
		var seq int
		if _, err := fmt.Sscanf(e.Name(), "%06d.json", &seq); err == nil {
			seqs = append(seqs, seq)
		}
	}
	sort.Ints(seqs)

	commits := make([]*Commit, 0, len(seqs))
	for _, seq := range seqs {
		c, err := s.ReadCommit(packetID, seq)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// PacketIDs lists every packet with a DCL directory, sorted.
func (s *Store) PacketIDs() ([]string, error) {
	dir := filepath.Join(s.root, "dcl", "packets")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("list packet dirs: %w", err))
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RecoveryAction reports what Recover did for a packet.
type RecoveryAction string

const (
	RecoveryNone       RecoveryAction = "none"
	RecoveryRolledBack RecoveryAction = "rolled_back"
	RecoveryCompleted  RecoveryAction = "completed"
	RecoveryCleared    RecoveryAction = "cleared"
)

// Recover resolves a leftover journal for one packet. The caller holds
// the packet lock. Idempotent: running it twice is safe.
func (s *Store) Recover(packetID string) (RecoveryAction, error) {
	jp := s.journalPath(packetID)
	var journal Journal
	if err := fsio.ReadJSON(jp, &journal); err != nil {
		if errcode.CodeOf(err) == errcode.NotFound {
			return RecoveryNone, nil
		}
		// An unreadable journal is itself a torn prepare write.
		if rmErr := os.Remove(jp); rmErr != nil && !os.IsNotExist(rmErr) {
			return RecoveryNone, errcode.Wrap(errcode.Io, "", rmErr)
		}
		return RecoveryRolledBack, nil
	}

	if journal.Phase == PhaseDone {
		if err := os.Remove(jp); err != nil && !os.IsNotExist(err) {
			return RecoveryNone, errcode.Wrap(errcode.Io, "", err)
		}
		return RecoveryCleared, nil
	}

	commitFile := s.commitPath(packetID, journal.TargetSeq)
	var c Commit
	readErr := fsio.ReadJSON(commitFile, &c)
	valid := false
	if readErr == nil {
		recomputed, hashErr := c.ComputeHash()
		valid = hashErr == nil && recomputed == c.CommitHash && c.CommitHash == journal.PayloadHash
	}

	if !valid {
		// Rollback: drop the partial commit artifact and the journal;
		// HEAD was never advanced.
		if readErr == nil {
			if err := os.Remove(commitFile); err != nil && !os.IsNotExist(err) {
				return RecoveryNone, errcode.Wrap(errcode.Io, "", err)
			}
		}
		if err := os.Remove(jp); err != nil && !os.IsNotExist(err) {
			return RecoveryNone, errcode.Wrap(errcode.Io, "", err)
		}
		return RecoveryRolledBack, nil
	}

	head, hasHead, err := s.Head(packetID)
	if err != nil {
		return RecoveryNone, err
	}
	if !hasHead || head.Seq < journal.TargetSeq {
		if err := fsio.WriteJSONAtomic(s.headPath(packetID), Head{
			Seq:           c.Seq,
			CommitHash:    c.CommitHash,
			PostStateHash: c.PostStateHash,
		}); err != nil {
			return RecoveryNone, err
		}
		if err := os.Remove(jp); err != nil && !os.IsNotExist(err) {
			return RecoveryNone, errcode.Wrap(errcode.Io, "", err)
		}
		return RecoveryCompleted, nil
	}

	if err := os.Remove(jp); err != nil && !os.IsNotExist(err) {
		return RecoveryNone, errcode.Wrap(errcode.Io, "", err)
	}
	return RecoveryCleared, nil
}

// ReplayState catches a stale runtime state up to HEAD by replaying the
// merge patches of the commits it is missing. A crash between the HEAD
// advance and the state-document write leaves the live state at an
// earlier commit boundary; the chain carries everything needed to finish
// the interrupted transition. live may be nil when the packet has
// commits but no runtime record yet.
//
// Returns (nil, 0, nil) when the state already binds to HEAD or the
// packet has no chain, the replayed state and the number of commits
// applied on success, and an IntegrityFailure when the live state sits
// at no commit boundary: that is an out-of-band edit, not a torn write.
func (s *Store) ReplayState(packetID string, live *state.PacketState) (*state.PacketState, int, error) {
	head, hasHead, err := s.Head(packetID)
	if err != nil {
		return nil, 0, err
	}
	if !hasHead {
		return nil, 0, nil
	}

	var liveHash string
	if live != nil {
		liveHash, err = live.Hash()
		if err != nil {
			return nil, 0, err
		}
		if liveHash == head.PostStateHash {
			return nil, 0, nil
		}
	}

	chain, err := s.ListCommits(packetID)
	if err != nil {
		return nil, 0, err
	}
	if len(chain) == 0 {
		return nil, 0, nil
	}

	start := -1
	cur := &state.PacketState{Status: state.StatusPending}
	switch {
	case live == nil:
		start = 0
	case liveHash == chain[0].PreStateHash:
		start = 0
		cur = live
	default:
		for i, c := range chain {
			if c.PostStateHash == liveHash {
				start = i + 1
				cur = live
				break
			}
		}
	}
	if start < 0 {
		return nil, 0, errcode.New(errcode.IntegrityFailure, errcode.SubRuntimeBindingMismatch,
			"packet %s: runtime state matches no commit boundary", packetID)
	}

	replayed := 0
	for _, c := range chain[start:] {
		next, err := ReplayPostState(cur, c)
		if err != nil {
			return nil, 0, err
		}
		cur = next
		replayed++
	}
	h, err := cur.Hash()
	if err != nil {
		return nil, 0, err
	}
	if h != head.PostStateHash {
		return nil, 0, errcode.New(errcode.IntegrityFailure, errcode.SubHeadDrift,
			"packet %s: replayed state hashes to %s, HEAD says %s", packetID, h, head.PostStateHash)
	}
	return cur, replayed, nil
}

// RecoverAll sweeps every packet directory for leftover journals and
// returns the per-packet actions taken.
func (s *Store) RecoverAll() (map[string]RecoveryAction, error) {
	ids, err := s.PacketIDs()
	if err != nil {
		return nil, err
	}
	actions := map[string]RecoveryAction{}
	for _, id := range ids {
		a, err := s.Recover(id)
		if err != nil {
			return actions, err
		}
		if a != RecoveryNone {
			actions[id] = a
		}
	}
	return actions, nil
}
