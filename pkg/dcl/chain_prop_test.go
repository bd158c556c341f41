package dcl

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/govern/pkg/state"
)

// Chain linkage must hold for arbitrary sequences of state mutations,
// not just the handful of scripted transitions in the unit tests.
func TestChainLinkage_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains stay hash-linked", prop.ForAll(
		func(notes []string) bool {
			s := NewStore(t.TempDir())
			cur := &state.PacketState{Status: state.StatusPending}
			for _, note := range notes {
				next := cur.Clone()
				next.Status = state.StatusInProgress
				next.AssignedTo = "alice"
				next.Notes = append(next.Notes, note)
				if _, err := s.Append("PKT-P", testEnvelope("noted", "alice"), cur, next, "h"); err != nil {
					return false
				}
				cur = next
			}

			commits, err := s.ListCommits("PKT-P")
			if err != nil || len(commits) != len(notes) {
				return false
			}
			prev := Genesis
			prevPost := ""
			for i, c := range commits {
				if c.Seq != i+1 || c.PrevCommitHash != prev {
					return false
				}
				if i > 0 && c.PreStateHash != prevPost {
					return false
				}
				recomputed, err := c.ComputeHash()
				if err != nil || recomputed != c.CommitHash {
					return false
				}
				prev = c.CommitHash
				prevPost = c.PostStateHash
			}
			if len(commits) == 0 {
				return true
			}
			head, ok, err := s.Head("PKT-P")
			if err != nil || !ok {
				return false
			}
			last := commits[len(commits)-1]
			return head.Seq == last.Seq && head.CommitHash == last.CommitHash
		},
		gen.SliceOfN(4, gen.AlphaString()).SuchThat(func(v []string) bool {
			for _, s := range v {
				if s == "" {
					return false
				}
			}
			return true
		}),
	))

	properties.TestingRun(t)
}
