package engine

import (
	"context"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/gate"
	"github.com/Mindburn-Labs/govern/pkg/risk"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// Claim assigns a pending packet to an executor. The dependency gate
// must pass and, when the definition carries required context files,
// the attestation must name every one of them.
func (e *Engine) Claim(ctx context.Context, packetID, actor string, contextAttestation []string) (*state.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	def, err := e.def.Packet(packetID)
	if err != nil {
		return nil, err
	}

	return e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		if pre.Status != state.StatusPending {
			if pre.AssignedTo != "" && !pre.Status.IsTerminal() {
				return nil, errcode.New(errcode.InvalidTransition, errcode.SubAlreadyClaimed,
					"packet %s already claimed by %s", packetID, pre.AssignedTo)
			}
			return nil, wrongStatus(packetID, pre.Status, state.StatusPending)
		}
		if err := gate.CheckClaimable(e.def, doc, packetID); err != nil {
			return nil, err
		}
		if missing := missingAttestations(def.RequiredContextFiles(), contextAttestation); len(missing) > 0 {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubContextAttestationMissing,
				"claim requires attestation for %v", missing)
		}

		post := pre.Clone()
		post.AssignedTo = actor
		post.StartedAt = canonicalize.FormatTime(e.now())
		post.ContextAttestation = append([]string(nil), contextAttestation...)
		event := state.EventStarted
		if def.PreflightRequired {
			post.Status = state.StatusPreflight
			event = state.EventClaimed
		} else {
			post.Status = state.StatusInProgress
		}
		if def.TemplateRef != "" {
			post.TemplateLink = def.TemplateRef
		}

		entry := state.NewLogEntry(packetID, event, actor, map[string]any{
			"to_status": string(post.Status),
		})
		return &mutation{
			commits: []pendingCommit{{
				packetID: packetID,
				env: e.envelope("claim", actor, map[string]any{
					"context_attestation": contextAttestation,
				}),
				pre:  pre,
				post: post,
			}},
			logEntry: &entry,
		}, nil
	})
}

// SubmitPreflight stores the executor's pre-execution assessment.
func (e *Engine) SubmitPreflight(ctx context.Context, packetID, actor string, assessment state.Preflight) (*state.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		if pre.Status != state.StatusPreflight {
			return nil, wrongStatus(packetID, pre.Status, state.StatusPreflight)
		}
		if pre.AssignedTo != actor {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubIdentityConflict,
				"packet %s is assigned to %s, not %s", packetID, pre.AssignedTo, actor)
		}
		if err := assessment.Validate(); err != nil {
			return nil, err
		}

		post := pre.Clone()
		a := assessment
		a.SubmittedAt = canonicalize.FormatTime(e.now())
		post.Preflight = &a

		entry := state.NewLogEntry(packetID, state.EventPreflightSubmitted, actor, nil)
		return &mutation{
			commits: []pendingCommit{{
				packetID: packetID,
				env:      e.envelope("preflight", actor, map[string]any{"execution_plan": a.ExecutionPlan}),
				pre:      pre,
				post:     post,
			}},
			logEntry: &entry,
		}, nil
	})
}

// ApprovePreflight moves a preflight packet to in_progress. Two-person
// rule: the supervisor must not be the executor.
func (e *Engine) ApprovePreflight(ctx context.Context, packetID, supervisor string) (*state.PacketState, error) {
	return e.resolvePreflight(ctx, packetID, supervisor, true, "")
}

// ReturnPreflight sends a preflight packet back to pending.
func (e *Engine) ReturnPreflight(ctx context.Context, packetID, supervisor string) (*state.PacketState, error) {
	return e.resolvePreflight(ctx, packetID, supervisor, false, "returned by supervisor")
}

func (e *Engine) resolvePreflight(ctx context.Context, packetID, supervisor string, approve bool, reason string) (*state.PacketState, error) {
	if err := requireActor(supervisor); err != nil {
		return nil, err
	}
	return e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		if pre.Status != state.StatusPreflight {
			return nil, wrongStatus(packetID, pre.Status, state.StatusPreflight)
		}
		if supervisor == pre.AssignedTo {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubIdentityConflict,
				"executor %s cannot resolve their own preflight", supervisor)
		}

		post := pre.Clone()
		event := state.EventPreflightApproved
		action := "preflight-approve"
		details := map[string]any{}
		if approve {
			post.Status = state.StatusInProgress
		} else {
			post.Status = state.StatusPending
			post.AssignedTo = ""
			event = state.EventPreflightReturned
			action = "preflight-return"
			details["reason"] = reason
		}

		entry := state.NewLogEntry(packetID, event, supervisor, details)
		return &mutation{
			commits: []pendingCommit{{
				packetID: packetID,
				env:      e.envelope(action, supervisor, nil),
				pre:      pre,
				post:     post,
			}},
			logEntry: &entry,
		}, nil
	})
}

// Heartbeat records executor liveness. In in_progress it updates the
// liveness fields only, with no commit; from stalled it revives the
// packet, which is a real transition and commits.
func (e *Engine) Heartbeat(ctx context.Context, packetID, actor string, payload state.Heartbeat) (*state.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := e.checkWritable(); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.def.Packet(packetID); err != nil {
		return nil, err
	}

	// Revival path goes through the commit pipeline.
	revived, err := e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		switch pre.Status {
		case state.StatusStalled:
		case state.StatusInProgress:
			return nil, nil // handled below without a commit
		default:
			return nil, wrongStatus(packetID, pre.Status, state.StatusInProgress, state.StatusStalled)
		}
		if pre.AssignedTo != actor {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubIdentityConflict,
				"packet %s is assigned to %s, not %s", packetID, pre.AssignedTo, actor)
		}

		post := pre.Clone()
		post.Status = state.StatusInProgress
		post.LastHeartbeatAt = canonicalize.FormatTime(e.now())
		p := payload
		post.HeartbeatPayload = &p

		entry := state.NewLogEntry(packetID, state.EventResumedFromStalled, actor, nil)
		return &mutation{
			commits: []pendingCommit{{
				packetID: packetID,
				env:      e.envelope("heartbeat", actor, map[string]any{"status": payload.Status}),
				pre:      pre,
				post:     post,
			}},
			logEntry: &entry,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if revived != nil {
		return revived, nil
	}

	// Liveness-only path: update state and log, no commit.
	unlock, err := e.globalLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := e.states.Load()
	if err != nil {
		return nil, err
	}
	ps := doc.Packet(packetID)
	if ps.Status != state.StatusInProgress {
		return nil, wrongStatus(packetID, ps.Status, state.StatusInProgress, state.StatusStalled)
	}
	if ps.AssignedTo != actor {
		return nil, errcode.New(errcode.InvalidTransition, errcode.SubIdentityConflict,
			"packet %s is assigned to %s, not %s", packetID, ps.AssignedTo, actor)
	}

	ps.LastHeartbeatAt = canonicalize.FormatTime(e.now())
	p := payload
	ps.HeartbeatPayload = &p
	if err := e.states.Save(doc); err != nil {
		return nil, err
	}
	entry := state.NewLogEntry(packetID, state.EventHeartbeat, actor, map[string]any{
		"completion_estimate": payload.CompletionEstimate,
	})
	if err := e.log.Append(entry); err != nil {
		return nil, err
	}
	return ps.Clone(), nil
}

// Done completes the executor's work. Evidence is mandatory; the
// residual risk acknowledgement is either "none" or "declared" with a
// structured payload that lands in the risk register.
func (e *Engine) Done(ctx context.Context, packetID, actor, evidence string, riskAck string, declared *risk.Entry) (*state.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	def, err := e.def.Packet(packetID)
	if err != nil {
		return nil, err
	}
	if evidence == "" {
		return nil, errcode.New(errcode.InvalidTransition, errcode.SubEvidenceMissing,
			"done requires evidence for %s", packetID)
	}
	if riskAck != state.ResidualRiskNone && riskAck != "declared" {
		return nil, errcode.New(errcode.InvalidTransition, errcode.SubInvalidResidualRisk,
			"residual risk acknowledgement must be none or declared, got %q", riskAck)
	}
	if riskAck == "declared" {
		if declared == nil || declared.Description == "" || !risk.ValidSeverity(declared.Severity) {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubInvalidResidualRisk,
				"declared residual risk requires severity and description")
		}
	}

	result, err := e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		if pre.Status != state.StatusInProgress {
			return nil, wrongStatus(packetID, pre.Status, state.StatusInProgress)
		}
		if pre.AssignedTo != actor {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubIdentityConflict,
				"packet %s is assigned to %s, not %s", packetID, pre.AssignedTo, actor)
		}

		post := pre.Clone()
		post.Notes = append(post.Notes, evidence)
		if riskAck == "declared" {
			post.ResidualRisk = map[string]any{
				"severity":    declared.Severity,
				"description": declared.Description,
			}
		} else {
			post.ResidualRisk = state.ResidualRiskNone
		}
		if def.ReviewRequired {
			post.Status = state.StatusReview
		} else {
			post.Status = state.StatusDone
			post.CompletedAt = canonicalize.FormatTime(e.now())
		}

		staged := []pendingCommit{{
			packetID: packetID,
			env: e.envelope("done", actor, map[string]any{
				"evidence":      evidence,
				"residual_risk": riskAck,
			}),
			pre:  pre,
			post: post,
		}}
		var unblocked []string
		if post.Status == state.StatusDone {
			staged, unblocked = e.propagate(doc, staged)
		}

		details := map[string]any{"to_status": string(post.Status)}
		if len(unblocked) > 0 {
			details["recomputed"] = unblocked
		}
		entry := state.NewLogEntry(packetID, state.EventCompleted, actor, details)
		return &mutation{commits: staged, logEntry: &entry}, nil
	})
	if err != nil {
		return nil, err
	}

	if riskAck == "declared" && result != nil {
		if _, err := e.risks.Add(packetID, declared.Severity, declared.Description, actor); err != nil {
			return result, err
		}
	}
	return result, nil
}

// ClaimReview assigns a reviewer to a packet in review. The reviewer
// must differ from the executor.
func (e *Engine) ClaimReview(ctx context.Context, packetID, reviewer string) (*state.PacketState, error) {
	if err := requireActor(reviewer); err != nil {
		return nil, err
	}
	return e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		if pre.Status != state.StatusReview {
			return nil, wrongStatus(packetID, pre.Status, state.StatusReview)
		}
		if reviewer == pre.AssignedTo {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubIdentityConflict,
				"reviewer %s executed the packet; two-person rule applies", reviewer)
		}
		if pre.Review != nil && pre.Review.Reviewer != "" && pre.Review.Verdict == "" {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubAlreadyClaimed,
				"review already claimed by %s", pre.Review.Reviewer)
		}

		post := pre.Clone()
		post.Review = &state.Review{Reviewer: reviewer}

		entry := state.NewLogEntry(packetID, state.EventReviewClaimed, reviewer, nil)
		return &mutation{
			commits: []pendingCommit{{
				packetID: packetID,
				env:      e.envelope("review-claim", reviewer, nil),
				pre:      pre,
				post:     post,
			}},
			logEntry: &entry,
		}, nil
	})
}

// Review verdicts.
const (
	VerdictApprove  = "APPROVE"
	VerdictReject   = "REJECT"
	VerdictEscalate = "ESCALATE"
)

// SubmitReview resolves a review: APPROVE completes the packet, REJECT
// sends it back to the executor (bounded by the review cycle budget),
// ESCALATE parks it for supervision.
func (e *Engine) SubmitReview(ctx context.Context, packetID, reviewer, verdict string, assessment state.Review) (*state.PacketState, error) {
	if err := requireActor(reviewer); err != nil {
		return nil, err
	}
	if verdict != VerdictApprove && verdict != VerdictReject && verdict != VerdictEscalate {
		return nil, errcode.New(errcode.Usage, "", "verdict must be APPROVE, REJECT, or ESCALATE")
	}
	if err := assessment.Validate(); err != nil {
		return nil, err
	}

	return e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		if pre.Status != state.StatusReview {
			return nil, wrongStatus(packetID, pre.Status, state.StatusReview)
		}
		if reviewer == pre.AssignedTo {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubIdentityConflict,
				"reviewer %s executed the packet; two-person rule applies", reviewer)
		}
		if pre.Review != nil && pre.Review.Reviewer != "" && pre.Review.Reviewer != reviewer {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubIdentityConflict,
				"review is claimed by %s", pre.Review.Reviewer)
		}

		post := pre.Clone()
		a := assessment
		a.Reviewer = reviewer
		a.Verdict = verdict
		a.SubmittedAt = canonicalize.FormatTime(e.now())
		post.Review = &a

		event := state.EventReviewSubmitted
		switch verdict {
		case VerdictApprove:
			post.Status = state.StatusDone
			post.CompletedAt = canonicalize.FormatTime(e.now())
		case VerdictReject:
			post.CycleCount++
			if post.CycleCount >= e.cfg.MaxReviewCycles {
				post.Status = state.StatusEscalated
				event = state.EventEscalated
			} else {
				post.Status = state.StatusInProgress
			}
		case VerdictEscalate:
			post.Status = state.StatusEscalated
			event = state.EventEscalated
		}

		staged := []pendingCommit{{
			packetID: packetID,
			env:      e.envelope("review-submit", reviewer, map[string]any{"verdict": verdict}),
			pre:      pre,
			post:     post,
		}}
		var recomputed []string
		if post.Status == state.StatusDone {
			staged, recomputed = e.propagate(doc, staged)
		}

		details := map[string]any{"verdict": verdict, "to_status": string(post.Status)}
		if post.CycleCount > 0 {
			details["cycle_count"] = post.CycleCount
		}
		if len(recomputed) > 0 {
			details["recomputed"] = recomputed
		}
		entry := state.NewLogEntry(packetID, event, reviewer, details)
		return &mutation{commits: staged, logEntry: &entry}, nil
	})
}

// Fail marks a packet failed. The executor may fail their own packet;
// anyone else must invoke supervisor authority explicitly.
func (e *Engine) Fail(ctx context.Context, packetID, actor, reason string, asSupervisor bool) (*state.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, errcode.New(errcode.Usage, "", "fail requires a reason")
	}

	return e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		switch pre.Status {
		case state.StatusInProgress, state.StatusPreflight, state.StatusReview, state.StatusStalled:
		default:
			return nil, wrongStatus(packetID, pre.Status,
				state.StatusInProgress, state.StatusPreflight, state.StatusReview, state.StatusStalled)
		}
		if actor != pre.AssignedTo && !asSupervisor {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubIdentityConflict,
				"%s is not the executor of %s; supervisor authority required", actor, packetID)
		}

		post := pre.Clone()
		post.Status = state.StatusFailed
		post.Notes = append(post.Notes, "failed: "+reason)

		staged := []pendingCommit{{
			packetID: packetID,
			env:      e.envelope("fail", actor, map[string]any{"reason": reason}),
			pre:      pre,
			post:     post,
		}}
		staged, blocked := e.propagate(doc, staged)

		details := map[string]any{"reason": reason}
		if len(blocked) > 0 {
			details["blocked"] = blocked
		}
		entry := state.NewLogEntry(packetID, state.EventFailed, actor, details)
		return &mutation{commits: staged, logEntry: &entry}, nil
	})
}

// Reset returns a failed, stalled, escalated, or preflight packet to
// pending. Supervisor-only; the reset itself is a new commit, never a
// history rewrite.
func (e *Engine) Reset(ctx context.Context, packetID, supervisor string) (*state.PacketState, error) {
	if err := requireActor(supervisor); err != nil {
		return nil, err
	}
	return e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		switch pre.Status {
		case state.StatusFailed, state.StatusStalled, state.StatusEscalated, state.StatusPreflight:
		default:
			return nil, wrongStatus(packetID, pre.Status,
				state.StatusFailed, state.StatusStalled, state.StatusEscalated, state.StatusPreflight)
		}

		post := pre.Clone()
		post.Status = state.StatusPending
		post.AssignedTo = ""
		post.Preflight = nil
		post.Review = nil
		post.CycleCount = 0
		post.StartedAt = ""
		post.HeartbeatPayload = nil
		post.LastHeartbeatAt = ""

		staged := []pendingCommit{{
			packetID: packetID,
			env:      e.envelope("reset", supervisor, nil),
			pre:      pre,
			post:     post,
		}}
		staged, unblocked := e.propagate(doc, staged)

		details := map[string]any{}
		if len(unblocked) > 0 {
			details["recomputed"] = unblocked
		}
		entry := state.NewLogEntry(packetID, state.EventReset, supervisor, details)
		return &mutation{commits: staged, logEntry: &entry}, nil
	})
}

// Note appends evidence narrative without changing status. Refused on
// done packets, which are immutable.
func (e *Engine) Note(ctx context.Context, packetID, actor, text string) (*state.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errcode.New(errcode.Usage, "", "note text must not be empty")
	}
	return e.apply(ctx, packetID, func(doc *state.Document) (*mutation, error) {
		pre := doc.Packet(packetID).Clone()
		if pre.Status == state.StatusDone {
			return nil, errcode.New(errcode.InvalidTransition, errcode.SubAlreadyTerminal,
				"packet %s is done and immutable", packetID)
		}

		post := pre.Clone()
		post.Notes = append(post.Notes, text)

		entry := state.NewLogEntry(packetID, state.EventNoted, actor, nil)
		return &mutation{
			commits: []pendingCommit{{
				packetID: packetID,
				env:      e.envelope("note", actor, map[string]any{"text": text}),
				pre:      pre,
				post:     post,
			}},
			logEntry: &entry,
		}, nil
	})
}

func missingAttestations(required, attested []string) []string {
	have := make(map[string]bool, len(attested))
	for _, a := range attested {
		have[a] = true
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}
