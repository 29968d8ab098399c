package engine

import (
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

// Verdict is the reconciled outcome for a version.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Evaluate reconciles the dual decisions on a version's items into a
// single verdict. The version is not decidable while any item carries
// a pending decision on either side.
//
// The report owner holds a veto: one owner-rejected item rejects the
// version regardless of the tester's view. A tester reject also
// rejects the version unless the owner explicitly approved that item,
// which overrides the tester. An owner needs_revision is not an
// approval, so it cannot override a tester reject, but by itself it
// does not sink an item the tester accepted.
func Evaluate(items []domain.Item) (Verdict, bool) {
	if len(items) == 0 {
		return "", false
	}
	for _, it := range items {
		if it.TesterDecision == TesterPending || it.OwnerDecision == OwnerPending {
			return "", false
		}
	}
	for _, it := range items {
		if it.OwnerDecision == OwnerRejected {
			return VerdictReject, true
		}
		if it.TesterDecision == TesterReject && it.OwnerDecision != OwnerApproved {
			return VerdictReject, true
		}
	}
	return VerdictApprove, true
}

// rejectionSummary names the items that sank the version, for the
// rejection reason recorded on the ledger.
func rejectionSummary(items []domain.Item) string {
	var parts []string
	for _, it := range items {
		switch {
		case it.OwnerDecision == OwnerRejected:
			parts = append(parts, fmt.Sprintf("%s rejected by owner", it.ID))
		case it.TesterDecision == TesterReject && it.OwnerDecision != OwnerApproved:
			parts = append(parts, fmt.Sprintf("%s rejected by tester", it.ID))
		}
	}
	return strings.Join(parts, "; ")
}
