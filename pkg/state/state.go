package state

import (
	"time"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
)

// SchemaVersion is the state document schema this runtime writes. The
// dcl-config lock pins it; readers of other versions must refuse.
const SchemaVersion = "1.0"

// ResidualRiskNone is the acknowledgement that a packet completed with
// no residual risk to declare.
const ResidualRiskNone = "none"

// PacketState is the mutable runtime record of one packet. Timestamps
// are stored pre-rendered in the canonical wire form so that the bytes
// hashed into commits are exactly the bytes at rest.
type PacketState struct {
	Status             Status     `json:"status"`
	AssignedTo         string     `json:"assigned_to,omitempty"`
	Notes              []string   `json:"notes,omitempty"`
	StartedAt          string     `json:"started_at,omitempty"`
	CompletedAt        string     `json:"completed_at,omitempty"`
	LastHeartbeatAt    string     `json:"last_heartbeat_at,omitempty"`
	ContextAttestation []string   `json:"context_attestation,omitempty"`
	Preflight          *Preflight `json:"preflight,omitempty"`
	Review             *Review    `json:"review,omitempty"`
	CycleCount         int        `json:"cycle_count,omitempty"`
	ResidualRisk       any        `json:"residual_risk,omitempty"`
	HeartbeatPayload   *Heartbeat `json:"heartbeat_payload,omitempty"`
	TemplateLink       string     `json:"template_link,omitempty"`
}

// Clone deep-copies the packet state so transition code can build a
// post-state without aliasing the pre-state.
func (ps *PacketState) Clone() *PacketState {
	c := *ps
	c.Notes = append([]string(nil), ps.Notes...)
	c.ContextAttestation = append([]string(nil), ps.ContextAttestation...)
	if ps.Preflight != nil {
		p := *ps.Preflight
		c.Preflight = &p
	}
	if ps.Review != nil {
		r := *ps.Review
		c.Review = &r
	}
	if ps.HeartbeatPayload != nil {
		h := *ps.HeartbeatPayload
		c.HeartbeatPayload = &h
	}
	return &c
}

// CommittedView strips the fields a transition-only heartbeat policy
// leaves uncommitted. A heartbeat in in_progress updates liveness
// without a commit, so liveness fields cannot participate in the state
// hash bound by HEAD.
func (ps *PacketState) CommittedView() *PacketState {
	v := ps.Clone()
	v.LastHeartbeatAt = ""
	v.HeartbeatPayload = nil
	return v
}

// Hash returns the SHA-256 of the committed view's canonical form. This
// is the value HEAD.post_state_hash binds.
func (ps *PacketState) Hash() (string, error) {
	return canonicalize.Hash(ps.CommittedView())
}

// Document is the single canonical runtime-state file.
type Document struct {
	SchemaVersion string                  `json:"schema_version"`
	Packets       map[string]*PacketState `json:"packets"`
	Metadata      map[string]any          `json:"metadata,omitempty"`
}

// NewDocument returns an empty state document for init.
func NewDocument() *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Packets:       map[string]*PacketState{},
		Metadata: map[string]any{
			"initialized_at": canonicalize.FormatTime(time.Now()),
		},
	}
}

// Packet returns the runtime state for id, creating a pending record on
// first touch.
func (d *Document) Packet(id string) *PacketState {
	if d.Packets == nil {
		d.Packets = map[string]*PacketState{}
	}
	ps, ok := d.Packets[id]
	if !ok {
		ps = &PacketState{Status: StatusPending}
		d.Packets[id] = ps
	}
	return ps
}

// StatusOf reports the status for id without creating a record.
func (d *Document) StatusOf(id string) Status {
	if ps, ok := d.Packets[id]; ok {
		return ps.Status
	}
	return StatusPending
}

// CountByStatus tallies packets per status for briefing and status output.
func (d *Document) CountByStatus() map[Status]int {
	counts := map[Status]int{}
	for _, ps := range d.Packets {
		counts[ps.Status]++
	}
	return counts
}
