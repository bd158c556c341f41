// Package risk keeps the residual risk register: structured risks
// declared at packet completion, tracked until mitigated or accepted.
package risk

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/fsio"
)

// RegisterFileName is the register document inside the governance root.
const RegisterFileName = "risk-register.json"

// Severity levels, mildest first.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Entry statuses.
const (
	StatusOpen      = "open"
	StatusMitigated = "mitigated"
	StatusAccepted  = "accepted"
)

// Entry is one residual risk.
type Entry struct {
	ID          string `json:"id"`
	PacketID    string `json:"packet_id"`
	Severity    string `json:"severity"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Owner       string `json:"owner"`
	OpenedAt    string `json:"opened_at"`
	ResolvedAt  string `json:"resolved_at,omitempty"`
}

// Register is the on-disk register document.
type Register struct {
	Entries []Entry `json:"entries"`
}

// Store reads and writes the register.
type Store struct {
	path string
	now  func() time.Time
}

// NewStore returns a register store rooted at the governance directory.
func NewStore(root string) *Store {
	return &Store{path: filepath.Join(root, RegisterFileName), now: time.Now}
}

// SetClock overrides the time source for opened_at and resolved_at stamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Load reads the register; a missing file is an empty register.
func (s *Store) Load() (*Register, error) {
	var r Register
	if err := fsio.ReadJSON(s.path, &r); err != nil {
		if errcode.CodeOf(err) == errcode.NotFound {
			return &Register{}, nil
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) save(r *Register) error {
	return fsio.WithRetry(func() error {
		return fsio.WriteJSONAtomic(s.path, r)
	})
}

// ValidSeverity reports whether sev is a known level.
func ValidSeverity(sev string) bool {
	switch sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Add opens a new risk against a packet and returns it.
func (s *Store) Add(packetID, severity, description, owner string) (*Entry, error) {
	if !ValidSeverity(severity) {
		return nil, errcode.New(errcode.InvalidTransition, errcode.SubInvalidResidualRisk,
			"unknown severity %q", severity)
	}
	if description == "" {
		return nil, errcode.New(errcode.InvalidTransition, errcode.SubInvalidResidualRisk,
			"risk description must not be empty")
	}

	r, err := s.Load()
	if err != nil {
		return nil, err
	}
	e := Entry{
		ID:          fmt.Sprintf("RISK-%04d", len(r.Entries)+1),
		PacketID:    packetID,
		Severity:    severity,
		Status:      StatusOpen,
		Description: description,
		Owner:       owner,
		OpenedAt:    canonicalize.FormatTime(s.now()),
	}
	r.Entries = append(r.Entries, e)
	if err := s.save(r); err != nil {
		return nil, err
	}
	return &e, nil
}

// Resolve marks a risk mitigated or accepted.
func (s *Store) Resolve(id, resolution string) (*Entry, error) {
	if resolution != StatusMitigated && resolution != StatusAccepted {
		return nil, errcode.New(errcode.Usage, "", "resolution must be %s or %s",
			StatusMitigated, StatusAccepted)
	}
	r, err := s.Load()
	if err != nil {
		return nil, err
	}
	for i := range r.Entries {
		if r.Entries[i].ID != id {
			continue
		}
		if r.Entries[i].Status != StatusOpen {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubWrongStatus,
				"risk %s already %s", id, r.Entries[i].Status)
		}
		r.Entries[i].Status = resolution
		r.Entries[i].ResolvedAt = canonicalize.FormatTime(s.now())
		if err := s.save(r); err != nil {
			return nil, err
		}
		e := r.Entries[i]
		return &e, nil
	}
	return nil, errcode.New(errcode.NotFound, "", "unknown risk %q", id)
}

// List returns entries, optionally filtered to one status, ordered by id.
func (s *Store) List(status string) ([]Entry, error) {
	r, err := s.Load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range r.Entries {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OpenCritical returns the open critical risks attached to any of the
// given packets. Level-2 closeout refuses while any exist.
func (s *Store) OpenCritical(packetIDs []string) ([]Entry, error) {
	r, err := s.Load()
	if err != nil {
		return nil, err
	}
	member := make(map[string]bool, len(packetIDs))
	for _, id := range packetIDs {
		member[id] = true
	}
	var out []Entry
	for _, e := range r.Entries {
		if e.Status == StatusOpen && e.Severity == SeverityCritical && member[e.PacketID] {
			out = append(out, e)
		}
	}
	return out, nil
}
