package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/govern/pkg/state"
)

func runReviewClaimCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("review-claim", stderr, &common)
	var packet, reviewer string
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&reviewer, "reviewer", "", "Reviewer identity (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || reviewer == "" {
		return usageError(stderr, common.jsonOut, "review-claim requires --packet and --reviewer")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	ps, err := eng.ClaimReview(context.Background(), packet, reviewer)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("review of %s claimed by %s", packet, reviewer),
		State:   ps,
	})
}

func runReviewSubmitCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("review-submit", stderr, &common)
	var packet, reviewer, verdict string
	var assessment state.Review
	fs.StringVar(&packet, "packet", "", "Packet id (REQUIRED)")
	fs.StringVar(&reviewer, "reviewer", "", "Reviewer identity (REQUIRED)")
	fs.StringVar(&verdict, "verdict", "", "APPROVE, REJECT, or ESCALATE (REQUIRED)")
	fs.StringVar(&assessment.ExitCriteriaAssessment, "exit-criteria", "", "Assessment against the packet's exit criteria")
	fs.StringVar(&assessment.Findings, "findings", "", "Review findings, or 'none'")
	fs.StringVar(&assessment.RiskFlags, "risk-flags", "", "Risks surfaced in review, or 'none'")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if packet == "" || reviewer == "" || verdict == "" {
		return usageError(stderr, common.jsonOut, "review-submit requires --packet, --reviewer, and --verdict")
	}

	eng, _, err := openEngine(&common)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	defer eng.Close()

	ps, err := eng.SubmitReview(context.Background(), packet, reviewer, verdict, assessment)
	if err != nil {
		return fail(stderr, common.jsonOut, err)
	}
	return emit(stdout, common.jsonOut, envelope{
		Message: fmt.Sprintf("review of %s: %s (now %s)", packet, verdict, ps.Status),
		State:   ps,
	})
}
