// Package dcl is the deterministic commitment layer: per-packet
// hash-linked commit chains, HEAD pointers, journaled crash recovery,
// project checkpoints, and the config lock binding the runtime to the
// format it writes.
package dcl

import (
	"encoding/json"
	"fmt"
	"reflect"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// Genesis is the prev_commit_hash of every chain's first commit.
const Genesis = "GENESIS"

// ActionEnvelope is the original action record bound into a commit.
type ActionEnvelope struct {
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// FieldChange records one top-level runtime-state field transition.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Diff is the structured delta between pre and post state. The
// merge_patch member is an RFC 7386 patch sufficient to replay the post
// state from the pre state during recovery.
type Diff struct {
	Changed    map[string]FieldChange `json:"changed,omitempty"`
	Added      map[string]any         `json:"added,omitempty"`
	Removed    map[string]any         `json:"removed,omitempty"`
	MergePatch json.RawMessage        `json:"merge_patch"`
}

// Commit is one immutable link of a packet's chain.
type Commit struct {
	CommitID         string         `json:"commit_id"`
	PacketID         string         `json:"packet_id"`
	Seq              int            `json:"seq"`
	PrevCommitHash   string         `json:"prev_commit_hash"`
	ActionHash       string         `json:"action_hash"`
	PreStateHash     string         `json:"pre_state_hash"`
	PostStateHash    string         `json:"post_state_hash"`
	ConstitutionHash string         `json:"constitution_hash"`
	Diff             Diff           `json:"diff"`
	CreatedAt        string         `json:"created_at"`
	ActionEnvelope   ActionEnvelope `json:"action_envelope"`
	CommitHash       string         `json:"commit_hash,omitempty"`
}

// CommitID formats the chain-local commit identifier.
func CommitID(packetID string, seq int) string {
	return fmt.Sprintf("CMT-%s-%06d", packetID, seq)
}

// ComputeHash hashes the canonical commit with commit_hash excluded.
func (c *Commit) ComputeHash() (string, error) {
	clone := *c
	clone.CommitHash = ""
	return canonicalize.Hash(&clone)
}

// BuildDiff computes the structured delta and merge patch between the
// committed views of two packet states.
func BuildDiff(pre, post *state.PacketState) (Diff, error) {
	preRaw, err := json.Marshal(pre.CommittedView())
	if err != nil {
		return Diff{}, fmt.Errorf("marshal pre state: %w", err)
	}
	postRaw, err := json.Marshal(post.CommittedView())
	if err != nil {
		return Diff{}, fmt.Errorf("marshal post state: %w", err)
	}

	patch, err := jsonpatch.CreateMergePatch(preRaw, postRaw)
	if err != nil {
		return Diff{}, fmt.Errorf("merge patch: %w", err)
	}

	var preMap, postMap map[string]any
	if err := json.Unmarshal(preRaw, &preMap); err != nil {
		return Diff{}, err
	}
	if err := json.Unmarshal(postRaw, &postMap); err != nil {
		return Diff{}, err
	}

	d := Diff{MergePatch: patch}
	for k, pv := range preMap {
		nv, ok := postMap[k]
		switch {
		case !ok:
			if d.Removed == nil {
				d.Removed = map[string]any{}
			}
			d.Removed[k] = pv
		case !reflect.DeepEqual(pv, nv):
			if d.Changed == nil {
				d.Changed = map[string]FieldChange{}
			}
			d.Changed[k] = FieldChange{From: pv, To: nv}
		}
	}
	for k, nv := range postMap {
		if _, ok := preMap[k]; !ok {
			if d.Added == nil {
				d.Added = map[string]any{}
			}
			d.Added[k] = nv
		}
	}
	return d, nil
}

// ReplayPostState reconstructs the committed post state of c from a pre
// state by applying the commit's merge patch. Used when a crash landed
// between HEAD advance and the state-document write.
func ReplayPostState(pre *state.PacketState, c *Commit) (*state.PacketState, error) {
	preRaw, err := json.Marshal(pre.CommittedView())
	if err != nil {
		return nil, fmt.Errorf("marshal pre state: %w", err)
	}
	if len(c.Diff.MergePatch) == 0 {
		return nil, errcode.New(errcode.IntegrityFailure, errcode.SubCommitHashMismatch,
			"commit %s has no merge patch to replay", c.CommitID)
	}
	postRaw, err := jsonpatch.MergePatch(preRaw, c.Diff.MergePatch)
	if err != nil {
		return nil, fmt.Errorf("apply merge patch for %s: %w", c.CommitID, err)
	}
	var post state.PacketState
	if err := json.Unmarshal(postRaw, &post); err != nil {
		return nil, fmt.Errorf("decode replayed state for %s: %w", c.CommitID, err)
	}

	h, err := post.Hash()
	if err != nil {
		return nil, err
	}
	if h != c.PostStateHash {
		return nil, errcode.New(errcode.IntegrityFailure, errcode.SubStateHashMismatch,
			"replayed state for %s hashes to %s, commit says %s", c.CommitID, h, c.PostStateHash)
	}
	return &post, nil
}
