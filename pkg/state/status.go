// Package state owns the mutable runtime side of governance: packet
// status, assessment payloads, the single state document, and the
// append-only lifecycle log.
package state

import (
	"strings"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

// Status is a packet lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPreflight  Status = "preflight"
	StatusInProgress Status = "in_progress"
	StatusStalled    Status = "stalled"
	StatusReview     Status = "review"
	StatusEscalated  Status = "escalated"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// statusAliases maps historical spellings onto the canonical vocabulary.
var statusAliases = map[string]Status{
	"pending":     StatusPending,
	"ready":       StatusPending,
	"preflight":   StatusPreflight,
	"in_progress": StatusInProgress,
	"in-progress": StatusInProgress,
	"active":      StatusInProgress,
	"claimed":     StatusInProgress,
	"stalled":     StatusStalled,
	"stale":       StatusStalled,
	"review":      StatusReview,
	"in_review":   StatusReview,
	"escalated":   StatusEscalated,
	"done":        StatusDone,
	"complete":    StatusDone,
	"completed":   StatusDone,
	"failed":      StatusFailed,
	"blocked":     StatusBlocked,
}

// Normalize folds an incoming status string onto the canonical form.
func Normalize(raw string) (Status, error) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", errcode.New(errcode.SchemaInvalid, "", "unknown status %q", raw)
	}
	return s, nil
}

// IsTerminal reports whether no forward transition exists from s.
// A failed packet can still be reset by a supervisor; done cannot.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}
