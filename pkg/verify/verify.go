// Package verify recomputes the commitment layer's guarantees: commit
// hashes, chain linkage, HEAD binding, runtime-state binding, and
// checkpoint consistency. It never mutates; every failure is a typed
// integrity error.
package verify

import (
	"fmt"

	"github.com/Mindburn-Labs/govern/pkg/dcl"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// Verifier checks chains against the live stores.
type Verifier struct {
	states  *state.Store
	commits *dcl.Store
}

// New builds a verifier over the given stores.
func New(states *state.Store, commits *dcl.Store) *Verifier {
	return &Verifier{states: states, commits: commits}
}

// VerifyPacket re-derives every guarantee for one packet's chain.
func (v *Verifier) VerifyPacket(packetID string) error {
	commits, err := v.commits.ListCommits(packetID)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return nil
	}
	if err := VerifyChain(packetID, commits); err != nil {
		return err
	}

	last := commits[len(commits)-1]
	head, ok, err := v.commits.Head(packetID)
	if err != nil {
		return err
	}
	if !ok {
		return errcode.New(errcode.IntegrityFailure, errcode.SubHeadDrift,
			"packet %s has %d commits but no HEAD", packetID, len(commits))
	}
	if head.Seq != last.Seq || head.CommitHash != last.CommitHash {
		return errcode.New(errcode.IntegrityFailure, errcode.SubHeadDrift,
			"packet %s HEAD at seq %d (%.12s), last commit seq %d (%.12s)",
			packetID, head.Seq, head.CommitHash, last.Seq, last.CommitHash)
	}
	if head.PostStateHash != last.PostStateHash {
		return errcode.New(errcode.IntegrityFailure, errcode.SubHeadDrift,
			"packet %s HEAD post-state hash disagrees with last commit", packetID)
	}

	doc, err := v.states.Load()
	if err != nil {
		return err
	}
	ps, ok := doc.Packets[packetID]
	if !ok {
		return errcode.New(errcode.IntegrityFailure, errcode.SubRuntimeBindingMismatch,
			"packet %s has commits but no runtime state", packetID)
	}
	liveHash, err := ps.Hash()
	if err != nil {
		return err
	}
	if liveHash != head.PostStateHash {
		return errcode.New(errcode.IntegrityFailure, errcode.SubRuntimeBindingMismatch,
			"packet %s runtime state hashes to %.12s, HEAD binds %.12s",
			packetID, liveHash, head.PostStateHash)
	}
	return nil
}

// VerifyChain checks internal consistency of an ordered commit list:
// dense sequence from 1, recomputable commit hashes, prev-hash linkage,
// and pre/post state continuity.
func VerifyChain(packetID string, commits []*dcl.Commit) error {
	prevHash := dcl.Genesis
	prevPost := ""
	for i, c := range commits {
		if c.Seq != i+1 {
			return errcode.New(errcode.IntegrityFailure, errcode.SubSeqDiscontinuity,
				"packet %s: expected seq %d, found %d", packetID, i+1, c.Seq)
		}
		recomputed, err := c.ComputeHash()
		if err != nil {
			return err
		}
		if recomputed != c.CommitHash {
			return errcode.New(errcode.IntegrityFailure, errcode.SubCommitHashMismatch,
				"packet %s seq %d: stored hash %.12s, recomputed %.12s",
				packetID, c.Seq, c.CommitHash, recomputed)
		}
		if c.PrevCommitHash != prevHash {
			return errcode.New(errcode.IntegrityFailure, errcode.SubPrevHashMismatch,
				"packet %s seq %d: prev_commit_hash broken", packetID, c.Seq)
		}
		if i > 0 && c.PreStateHash != prevPost {
			return errcode.New(errcode.IntegrityFailure, errcode.SubStateHashMismatch,
				"packet %s seq %d: pre-state does not continue from seq %d", packetID, c.Seq, i)
		}
		prevHash = c.CommitHash
		prevPost = c.PostStateHash
	}
	return nil
}

// Report is the outcome of VerifyAll.
type Report struct {
	OK              bool     `json:"ok"`
	PacketCount     int      `json:"packet_count"`
	CommitCount     int      `json:"commit_count"`
	CheckpointCount int      `json:"checkpoint_count"`
	Failures        []string `json:"failures,omitempty"`
}

// VerifyAll verifies every packet with a chain, plus the latest project
// checkpoint against live HEADs.
func (v *Verifier) VerifyAll() (*Report, error) {
	ids, err := v.commits.PacketIDs()
	if err != nil {
		return nil, err
	}

	report := &Report{OK: true}
	for _, id := range ids {
		chain, err := v.commits.ListCommits(id)
		if err != nil {
			return nil, err
		}
		if len(chain) == 0 {
			continue
		}
		report.PacketCount++
		report.CommitCount += len(chain)
		if err := v.VerifyPacket(id); err != nil {
			report.OK = false
			report.Failures = append(report.Failures, err.Error())
		}
	}

	checkpoints, err := v.commits.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	report.CheckpointCount = len(checkpoints)
	if len(checkpoints) > 0 {
		latest := checkpoints[len(checkpoints)-1]
		if err := v.commits.VerifyCheckpoint(latest); err != nil {
			report.OK = false
			report.Failures = append(report.Failures, err.Error())
		}
	}
	return report, nil
}

// Err converts a failed report into a typed error for exit-code mapping.
func (r *Report) Err() error {
	if r.OK {
		return nil
	}
	return errcode.New(errcode.IntegrityFailure, "",
		"verification failed: %s", fmt.Sprint(r.Failures))
}

// History returns the ordered chain for inspection.
func (v *Verifier) History(packetID string) ([]*dcl.Commit, error) {
	return v.commits.ListCommits(packetID)
}
