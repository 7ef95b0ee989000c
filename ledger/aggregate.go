/*
aggregate.go - Fold from event history to monetary aggregates

PURPOSE:
  Recomputes an item's authorized/charged/canceled/refunded totals from
  its event history. The fold is pure: given the same events it always
  produces the same aggregates, which is what backfill jobs rely on when
  repairing cached values after a schema change.

FOLD RULE:
  Each *_success event adds its amount to the aggregate of the matching
  kind. *_request, *_failure, and info events contribute zero; they stay
  in the log for audit and for deriving available actions (a failed
  charge does not consume the item's ability to be charged again).

LEGACY KINDS:
  Historical events recorded under old kind names (capture_*, void_*)
  are normalized through the mapping table in types.go before folding.
  The rows themselves are never rewritten.
*/
package ledger

// Fold computes aggregates from the full, ordered event history of an
// item. Safe to re-run from scratch at any time.
func Fold(currency Currency, events []TransactionEvent) Aggregates {
	agg := NewAggregates(currency)
	for _, ev := range events {
		switch NormalizeKind(ev.Kind) {
		case KindAuthorizationSuccess:
			agg.Authorized = agg.Authorized.Add(ev.Amount)
		case KindChargeSuccess:
			agg.Charged = agg.Charged.Add(ev.Amount)
		case KindCancelSuccess:
			agg.Canceled = agg.Canceled.Add(ev.Amount)
		case KindRefundSuccess:
			agg.Refunded = agg.Refunded.Add(ev.Amount)
		}
	}
	return agg
}

// Chargeable returns the value still available to charge or cancel:
// authorized minus charged minus canceled.
func (a Aggregates) Chargeable() Amount {
	return a.Authorized.Sub(a.Charged).Sub(a.Canceled)
}

// Refundable returns the value still available to refund through the
// gateway: charged minus refunded.
func (a Aggregates) Refundable() Amount {
	return a.Charged.Sub(a.Refunded)
}

// AvailableActions derives the set of operations the owner may still
// request. Charge and cancel are offered while un-consumed authorization
// remains; refund while captured value remains.
func AvailableActions(agg Aggregates) []Action {
	var actions []Action
	if agg.Chargeable().IsPositive() {
		actions = append(actions, ActionCharge, ActionCancel)
	}
	if agg.Refundable().IsPositive() {
		actions = append(actions, ActionRefund)
	}
	return actions
}

// HasAction reports whether action is currently offered for agg.
func HasAction(agg Aggregates, action Action) bool {
	for _, a := range AvailableActions(agg) {
		if a == action {
			return true
		}
	}
	return false
}
