package engine

import (
	"phaseline/internal/config"
	"phaseline/internal/domain"
)

// Carry-forward modes, set per phase in the config catalog.
const (
	CarryForwardApprovedOnly = "approved_only"
	CarryForwardAutoApprove  = "auto_approve"
	CarryForwardNone         = "none"
)

// ResolveCarryForward selects which of a parent version's items seed a
// new draft, and with what decision state. It is a pure function of the
// parent items and the phase's rule; the caller assigns IDs and
// persists.
//
// approved_only copies owner-approved items with the tester decision
// pre-set to accept and the owner decision reset to pending, so the
// owner re-confirms each carried item. auto_approve additionally keeps
// the owner approval and marks the copy auto-approved; it is only
// valid for phases whose item population is declared stable. none
// starts the draft empty.
func ResolveCarryForward(parent []domain.Item, rule config.CarryForwardRule) []domain.Item {
	if rule.Mode == CarryForwardNone {
		return nil
	}
	var out []domain.Item
	for _, p := range parent {
		if p.OwnerDecision != OwnerApproved {
			continue
		}
		src := p.ID
		if p.CarriedFromItemID != nil {
			// chain back to the originating item
			src = *p.CarriedFromItemID
		}
		it := domain.Item{
			Kind:              p.Kind,
			PayloadJSON:       p.PayloadJSON,
			TesterDecision:    TesterAccept,
			OwnerDecision:     OwnerPending,
			CarriedFromItemID: &src,
		}
		if rule.Mode == CarryForwardAutoApprove && rule.Stable {
			it.OwnerDecision = OwnerApproved
			it.AutoApproved = true
		}
		out = append(out, it)
	}
	return out
}
