// Package doctor is the integrity runtime: it repairs interrupted
// writes, then re-derives the commitment layer's guarantees and reports
// what holds. Fast mode checks bindings; full mode recomputes every
// hash in every chain.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nsf/jsondiff"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/dcl"
	"github.com/Mindburn-Labs/govern/pkg/engine"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/observability"
	"github.com/Mindburn-Labs/govern/pkg/state"
	"github.com/Mindburn-Labs/govern/pkg/verify"
)

// Mode selects how much of the chain is recomputed.
type Mode string

const (
	// ModeFast repairs journals and checks HEAD and runtime bindings.
	ModeFast Mode = "fast"
	// ModeFull is ModeFast plus full chain and checkpoint recomputation.
	ModeFull Mode = "full"
)

// Finding is one failed check.
type Finding struct {
	Check    string `json:"check"`
	PacketID string `json:"packet_id,omitempty"`
	Detail   string `json:"detail"`
}

// Report is the doctor's verdict over a governance root. Repaired maps
// packet id to the number of commits replayed onto a stale state
// document.
type Report struct {
	Mode            Mode                          `json:"mode"`
	OK              bool                          `json:"ok"`
	PacketCount     int                           `json:"packet_count"`
	CommitCount     int                           `json:"commit_count"`
	CheckpointCount int                           `json:"checkpoint_count"`
	Recovered       map[string]dcl.RecoveryAction `json:"recovered,omitempty"`
	Repaired        map[string]int                `json:"repaired,omitempty"`
	Findings        []Finding                     `json:"findings,omitempty"`
}

func (r *Report) fail(check, packetID, detail string) {
	r.OK = false
	r.Findings = append(r.Findings, Finding{Check: check, PacketID: packetID, Detail: detail})
}

// Err converts a failed report into a typed error for exit-code mapping.
func (r *Report) Err() error {
	if r.OK {
		return nil
	}
	return errcode.New(errcode.IntegrityFailure, "",
		"doctor found %d integrity findings", len(r.Findings))
}

// Doctor runs integrity checks over one governance root.
type Doctor struct {
	root    string
	states  *state.Store
	commits *dcl.Store
	metrics *observability.Metrics
}

// New builds a doctor for the governance root.
func New(root string) *Doctor {
	return &Doctor{
		root:    root,
		states:  state.NewStore(root),
		commits: dcl.NewStore(root),
		metrics: observability.Nop(),
	}
}

// Run repairs then checks. Idempotent: a second run over an untouched
// root reports the same verdict with no further recovery actions.
func (d *Doctor) Run(mode Mode) (*Report, error) {
	report := &Report{Mode: mode, OK: true}

	cfg, err := d.commits.CheckConfig()
	if err != nil {
		report.fail("config_lock", "", err.Error())
		// Without a trustworthy lock nothing downstream is meaningful.
		return report, nil
	}

	d.checkConstitution(report, cfg)

	recovered, err := d.commits.RecoverAll()
	if err != nil {
		return nil, err
	}
	if len(recovered) > 0 {
		report.Recovered = recovered
		for _, a := range recovered {
			d.metrics.Recovery(context.Background(), string(a))
		}
	}

	if err := d.repairState(report); err != nil {
		return nil, err
	}

	switch mode {
	case ModeFull:
		if err := d.fullCheck(report); err != nil {
			return nil, err
		}
	default:
		if err := d.fastCheck(report); err != nil {
			return nil, err
		}
	}

	if err := state.NewFileLog(d.root, true).VerifyChain(); err != nil {
		report.fail("lifecycle_log", "", err.Error())
	}
	d.metrics.Verification(context.Background(), report.OK)
	return report, nil
}

// repairState finishes transitions a crash left half-applied: when HEAD
// is ahead of the state document, the missing commits' merge patches are
// replayed onto the stale packet state and the document rewritten. A
// live state matching no commit boundary is drift, not a torn write; it
// is left for the binding check to report.
func (d *Doctor) repairState(report *Report) error {
	ids, err := d.commits.PacketIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	doc, err := d.states.Load()
	if err != nil {
		// An unreadable document is reported by fastCheck.
		return nil
	}

	changed := false
	for _, id := range ids {
		repaired, n, err := d.commits.ReplayState(id, doc.Packets[id])
		if err != nil {
			if errcode.CodeOf(err) == errcode.IntegrityFailure {
				continue
			}
			return err
		}
		if repaired == nil {
			continue
		}
		doc.Packets[id] = repaired
		changed = true
		if report.Repaired == nil {
			report.Repaired = map[string]int{}
		}
		report.Repaired[id] = n
	}
	if !changed {
		return nil
	}
	return d.states.Save(doc)
}

// checkConstitution compares the live rules document against the hash
// the config lock recorded at init.
func (d *Doctor) checkConstitution(report *Report, cfg dcl.Config) {
	if cfg.ConstitutionHash == "" {
		return
	}
	raw, err := os.ReadFile(filepath.Join(d.root, engine.ConstitutionFileName))
	if err != nil {
		report.fail("constitution", "", fmt.Sprintf("constitution unreadable: %v", err))
		return
	}
	if canonicalize.HashBytes(raw) != cfg.ConstitutionHash {
		report.fail("constitution", "",
			"constitution has been edited since init; its hash no longer matches the config lock")
	}
}

// fastCheck verifies that every HEAD points at its last commit and that
// the runtime state document binds to it, without recomputing chains.
func (d *Doctor) fastCheck(report *Report) error {
	ids, err := d.commits.PacketIDs()
	if err != nil {
		return err
	}
	doc, err := d.states.Load()
	if err != nil {
		report.fail("state_document", "", err.Error())
		return nil
	}

	for _, id := range ids {
		head, ok, err := d.commits.Head(id)
		if err != nil {
			report.fail("head", id, err.Error())
			continue
		}
		if !ok {
			continue
		}
		report.PacketCount++
		report.CommitCount += head.Seq

		last, err := d.commits.ReadCommit(id, head.Seq)
		if err != nil {
			report.fail("head", id, fmt.Sprintf("HEAD at seq %d but commit unreadable: %v", head.Seq, err))
			continue
		}
		if last.CommitHash != head.CommitHash || last.PostStateHash != head.PostStateHash {
			report.fail("head", id, "HEAD disagrees with the commit it points at")
			continue
		}

		ps, found := doc.Packets[id]
		if !found {
			report.fail("runtime_binding", id, "packet has commits but no runtime state")
			continue
		}
		liveHash, err := ps.Hash()
		if err != nil {
			return err
		}
		if liveHash != head.PostStateHash {
			detail := "runtime state does not hash to HEAD's post-state"
			if drift := d.explainDrift(id, ps); drift != "" {
				detail += "; drift: " + drift
			}
			report.fail("runtime_binding", id, detail)
		}
	}

	checkpoints, err := d.commits.ListCheckpoints()
	if err != nil {
		return err
	}
	report.CheckpointCount = len(checkpoints)
	return nil
}

// explainDrift replays the packet's chain from its initial state via the
// commit merge patches, then diffs the replayed committed view against
// the live one so the finding names the fields that were edited.
func (d *Doctor) explainDrift(packetID string, live *state.PacketState) string {
	chain, err := d.commits.ListCommits(packetID)
	if err != nil || len(chain) == 0 {
		return ""
	}
	expected := &state.PacketState{Status: state.StatusPending}
	for _, c := range chain {
		next, err := dcl.ReplayPostState(expected, c)
		if err != nil {
			return ""
		}
		expected = next
	}

	expRaw, err := json.Marshal(expected.CommittedView())
	if err != nil {
		return ""
	}
	liveRaw, err := json.Marshal(live.CommittedView())
	if err != nil {
		return ""
	}
	opts := jsondiff.DefaultJSONOptions()
	if delta, text := jsondiff.Compare(expRaw, liveRaw, &opts); delta != jsondiff.FullMatch {
		return text
	}
	return ""
}

// fullCheck recomputes every commit hash, chain link, and checkpoint.
func (d *Doctor) fullCheck(report *Report) error {
	vr, err := verify.New(d.states, d.commits).VerifyAll()
	if err != nil {
		return err
	}
	report.PacketCount = vr.PacketCount
	report.CommitCount = vr.CommitCount
	report.CheckpointCount = vr.CheckpointCount
	for _, f := range vr.Failures {
		report.fail("chain", "", f)
	}
	return nil
}
