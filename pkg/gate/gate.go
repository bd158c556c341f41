// Package gate computes readiness and blocked propagation over the
// packet dependency DAG. It is pure: it reads definitions and runtime
// state and reports what should change; the lifecycle engine applies
// the changes and emits the commits.
package gate

import (
	"sort"

	"github.com/Mindburn-Labs/govern/pkg/definition"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// Change is one status move the propagation pass wants applied.
type Change struct {
	PacketID string
	From     state.Status
	To       state.Status
}

// UnmetDependencies lists the dependencies of id that are not done,
// in sorted order.
func UnmetDependencies(def *definition.Definition, doc *state.Document, id string) ([]string, error) {
	p, err := def.Packet(id)
	if err != nil {
		return nil, err
	}
	var unmet []string
	for _, dep := range p.Dependencies {
		if doc.StatusOf(dep) != state.StatusDone {
			unmet = append(unmet, dep)
		}
	}
	sort.Strings(unmet)
	return unmet, nil
}

// CheckClaimable enforces the dependency gate for a claim.
func CheckClaimable(def *definition.Definition, doc *state.Document, id string) error {
	unmet, err := UnmetDependencies(def, doc, id)
	if err != nil {
		return err
	}
	if len(unmet) > 0 {
		return errcode.New(errcode.InvalidTransition, errcode.SubDependencyUnmet,
			"packet %s blocked by incomplete dependencies %v", id, unmet)
	}
	return nil
}

// Ready returns the claimable packets: pending with every dependency
// done, ordered by (area_id, wbs_ref).
func Ready(def *definition.Definition, doc *state.Document) []*definition.Packet {
	var out []*definition.Packet
	for _, p := range def.Packets() {
		if doc.StatusOf(p.ID) != state.StatusPending {
			continue
		}
		unmet, _ := UnmetDependencies(def, doc, p.ID)
		if len(unmet) == 0 {
			out = append(out, p)
		}
	}
	return out
}

// Recompute derives the blocked set and returns the status moves needed
// to converge: any non-terminal packet with a tainted dependency becomes
// blocked, and any blocked packet whose dependencies have all recovered
// returns to pending. The caller applies the changes under its locks.
func Recompute(def *definition.Definition, doc *state.Document) []Change {
	tainted := taintSet(def, doc)

	var changes []Change
	for _, p := range def.Packets() {
		cur := doc.StatusOf(p.ID)
		depTainted := false
		for _, dep := range p.Dependencies {
			if tainted[dep] {
				depTainted = true
				break
			}
		}
		switch {
		case depTainted && !cur.IsTerminal() && cur != state.StatusBlocked:
			changes = append(changes, Change{PacketID: p.ID, From: cur, To: state.StatusBlocked})
		case !depTainted && cur == state.StatusBlocked:
			changes = append(changes, Change{PacketID: p.ID, From: cur, To: state.StatusPending})
		}
	}
	return changes
}

// taintSet marks every packet that is failed or depends (transitively)
// on a failed packet. Memoized DFS; the DAG is cycle-free by load-time
// rejection.
func taintSet(def *definition.Definition, doc *state.Document) map[string]bool {
	memo := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		// Mark before recursing so accidental cycles terminate.
		memo[id] = false
		switch doc.StatusOf(id) {
		case state.StatusFailed:
			memo[id] = true
			return true
		case state.StatusDone:
			// Completed work stands; taint does not flow through it.
			return false
		}
		p, err := def.Packet(id)
		if err != nil {
			return false
		}
		for _, dep := range p.Dependencies {
			if visit(dep) {
				memo[id] = true
				return true
			}
		}
		return false
	}
	for _, id := range def.PacketIDs() {
		visit(id)
	}
	return memo
}
