package dcl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/fsio"
)

// Checkpoint freezes every packet HEAD at a point in time.
type Checkpoint struct {
	CheckpointID   string          `json:"checkpoint_id"`
	CreatedAt      string          `json:"created_at"`
	HeadTable      map[string]Head `json:"head_table"`
	CheckpointHash string          `json:"checkpoint_hash,omitempty"`
}

// ComputeHash hashes the canonical checkpoint minus its own hash field.
func (cp *Checkpoint) ComputeHash() (string, error) {
	clone := *cp
	clone.CheckpointHash = ""
	return canonicalize.Hash(&clone)
}

func (s *Store) checkpointDir() string {
	return filepath.Join(s.root, "dcl", "project-checkpoints")
}

// CreateCheckpoint snapshots the current HEAD of every packet into a new
// numbered checkpoint. Called under the global lock.
func (s *Store) CreateCheckpoint() (*Checkpoint, error) {
	ids, err := s.PacketIDs()
	if err != nil {
		return nil, err
	}
	table := map[string]Head{}
	for _, id := range ids {
		head, ok, err := s.Head(id)
		if err != nil {
			return nil, err
		}
		if ok {
			table[id] = head
		}
	}

	existing, err := s.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		CheckpointID: fmt.Sprintf("CHK-%06d", len(existing)+1),
		CreatedAt:    canonicalize.FormatTime(s.now()),
		HeadTable:    table,
	}
	cp.CheckpointHash, err = cp.ComputeHash()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.checkpointDir(), cp.CheckpointID+".json")
	if err := fsio.WithRetry(func() error {
		return fsio.WriteJSONAtomic(path, cp)
	}); err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints in id order.
func (s *Store) ListCheckpoints() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.checkpointDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("list checkpoints: %w", err))
	}

	var names []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []*Checkpoint
	for _, name := range names {
		var cp Checkpoint
		if err := fsio.ReadJSON(filepath.Join(s.checkpointDir(), name), &cp); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	return out, nil
}

// LatestCheckpoint returns the newest checkpoint, or nil if none exist.
func (s *Store) LatestCheckpoint() (*Checkpoint, error) {
	all, err := s.ListCheckpoints()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[len(all)-1], nil
}

// VerifyCheckpoint recomputes the checkpoint hash and checks its head
// table against the live HEADs. Entries may have advanced since the
// snapshot; a live HEAD behind the snapshot is drift.
func (s *Store) VerifyCheckpoint(cp *Checkpoint) error {
	recomputed, err := cp.ComputeHash()
	if err != nil {
		return err
	}
	if recomputed != cp.CheckpointHash {
		return errcode.New(errcode.IntegrityFailure, errcode.SubCommitHashMismatch,
			"checkpoint %s hash mismatch", cp.CheckpointID)
	}
	for id, snap := range cp.HeadTable {
		live, ok, err := s.Head(id)
		if err != nil {
			return err
		}
		if !ok || live.Seq < snap.Seq {
			return errcode.New(errcode.IntegrityFailure, errcode.SubHeadDrift,
				"checkpoint %s: packet %s HEAD regressed below seq %d", cp.CheckpointID, id, snap.Seq)
		}
		if live.Seq == snap.Seq && live.CommitHash != snap.CommitHash {
			return errcode.New(errcode.IntegrityFailure, errcode.SubHeadDrift,
				"checkpoint %s: packet %s rewrote history at seq %d", cp.CheckpointID, id, snap.Seq)
		}
	}
	return nil
}
