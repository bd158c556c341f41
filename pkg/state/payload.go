package state

import (
	"encoding/json"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

// Assessment payloads are structurally typed by key set. Each variant
// names its required keys as fields and keeps unrecognized keys in Extra
// so future producers do not break old readers.

// Preflight is the executor's pre-execution assessment.
type Preflight struct {
	ContextConfirmation string         `json:"context_confirmation"`
	AmbiguityRegister   string         `json:"ambiguity_register"`
	RiskFlags           string         `json:"risk_flags"`
	ExecutionPlan       string         `json:"execution_plan"`
	SubmittedAt         string         `json:"submitted_at,omitempty"`
	Extra               map[string]any `json:"-"`
}

// Validate checks that every required key is non-empty.
func (p *Preflight) Validate() error {
	missing := missingKeys(map[string]string{
		"context_confirmation": p.ContextConfirmation,
		"ambiguity_register":   p.AmbiguityRegister,
		"risk_flags":           p.RiskFlags,
		"execution_plan":       p.ExecutionPlan,
	})
	if len(missing) > 0 {
		return errcode.New(errcode.InvalidTransition, errcode.SubWrongStatus,
			"preflight assessment missing %v", missing)
	}
	return nil
}

func (p Preflight) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(map[string]any{
		"context_confirmation": p.ContextConfirmation,
		"ambiguity_register":   p.AmbiguityRegister,
		"risk_flags":           p.RiskFlags,
		"execution_plan":       p.ExecutionPlan,
		"submitted_at":         p.SubmittedAt,
	}, p.Extra)
}

func (p *Preflight) UnmarshalJSON(data []byte) error {
	raw, err := decodeExtra(data, "context_confirmation", "ambiguity_register",
		"risk_flags", "execution_plan", "submitted_at")
	if err != nil {
		return err
	}
	type alias Preflight
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Preflight(a)
	p.Extra = raw
	return nil
}

// Review is the reviewer's verdict assessment.
type Review struct {
	ExitCriteriaAssessment string         `json:"exit_criteria_assessment"`
	Findings               string         `json:"findings"`
	RiskFlags              string         `json:"risk_flags"`
	Verdict                string         `json:"verdict,omitempty"`
	Reviewer               string         `json:"reviewer,omitempty"`
	SubmittedAt            string         `json:"submitted_at,omitempty"`
	Extra                  map[string]any `json:"-"`
}

func (r *Review) Validate() error {
	missing := missingKeys(map[string]string{
		"exit_criteria_assessment": r.ExitCriteriaAssessment,
		"findings":                 r.Findings,
		"risk_flags":               r.RiskFlags,
	})
	if len(missing) > 0 {
		return errcode.New(errcode.InvalidTransition, errcode.SubWrongStatus,
			"review assessment missing %v", missing)
	}
	return nil
}

func (r Review) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(map[string]any{
		"exit_criteria_assessment": r.ExitCriteriaAssessment,
		"findings":                 r.Findings,
		"risk_flags":               r.RiskFlags,
		"verdict":                  r.Verdict,
		"reviewer":                 r.Reviewer,
		"submitted_at":             r.SubmittedAt,
	}, r.Extra)
}

func (r *Review) UnmarshalJSON(data []byte) error {
	raw, err := decodeExtra(data, "exit_criteria_assessment", "findings",
		"risk_flags", "verdict", "reviewer", "submitted_at")
	if err != nil {
		return err
	}
	type alias Review
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = Review(a)
	r.Extra = raw
	return nil
}

// Heartbeat is the executor's liveness report.
type Heartbeat struct {
	Status             string         `json:"status"`
	Decisions          string         `json:"decisions"`
	Obstacles          string         `json:"obstacles"`
	CompletionEstimate string         `json:"completion_estimate"`
	Extra              map[string]any `json:"-"`
}

func (h *Heartbeat) Validate() error {
	missing := missingKeys(map[string]string{
		"status":              h.Status,
		"decisions":           h.Decisions,
		"obstacles":           h.Obstacles,
		"completion_estimate": h.CompletionEstimate,
	})
	if len(missing) > 0 {
		return errcode.New(errcode.InvalidTransition, errcode.SubWrongStatus,
			"heartbeat payload missing %v", missing)
	}
	return nil
}

func (h Heartbeat) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(map[string]any{
		"status":              h.Status,
		"decisions":           h.Decisions,
		"obstacles":           h.Obstacles,
		"completion_estimate": h.CompletionEstimate,
	}, h.Extra)
}

func (h *Heartbeat) UnmarshalJSON(data []byte) error {
	raw, err := decodeExtra(data, "status", "decisions", "obstacles", "completion_estimate")
	if err != nil {
		return err
	}
	type alias Heartbeat
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*h = Heartbeat(a)
	h.Extra = raw
	return nil
}

func missingKeys(fields map[string]string) []string {
	var missing []string
	for _, k := range []string{
		"context_confirmation", "ambiguity_register", "risk_flags",
		"execution_plan", "exit_criteria_assessment", "findings",
		"status", "decisions", "obstacles", "completion_estimate",
	} {
		v, present := fields[k]
		if present && v == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

func marshalWithExtra(known map[string]any, extra map[string]any) ([]byte, error) {
	out := make(map[string]any, len(known)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range known {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

func decodeExtra(data []byte, knownKeys ...string) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for _, k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}
