/*
status.go - Charge-status state machine

PURPOSE:
  Derives an item's lifecycle state from its aggregates. The transition
  rule is a pure function of the current totals, not of the event
  sequence, so no transition table is stored: recomputing after any
  aggregate change is always correct and idempotent.

STATES:
  NotCharged -> PartiallyCharged -> FullyCharged, with orthogonal
  PartiallyRefunded / FullyRefunded reachable from either charged state,
  and Cancelled reachable only while nothing was charged.

TIE-BREAK:
  When both FullyCharged and FullyRefunded hold, FullyRefunded wins;
  refund is the more specific terminal condition for reporting.
*/
package ledger

type ChargeStatus string

const (
	StatusNotCharged        ChargeStatus = "not_charged"
	StatusPartiallyCharged  ChargeStatus = "partially_charged"
	StatusFullyCharged      ChargeStatus = "fully_charged"
	StatusPartiallyRefunded ChargeStatus = "partially_refunded"
	StatusFullyRefunded     ChargeStatus = "fully_refunded"
	StatusCancelled         ChargeStatus = "cancelled"
)

// StatusFor derives the charge status from aggregates.
//
// Refund states are checked first: they require charged > 0 and therefore
// take precedence over the charged states (the tie-break) while staying
// disjoint from Cancelled, which requires charged == 0.
func StatusFor(agg Aggregates) ChargeStatus {
	switch {
	case agg.Charged.IsPositive() && agg.Refunded.GreaterThanOrEqual(agg.Charged):
		return StatusFullyRefunded
	case agg.Refunded.IsPositive() && agg.Refunded.LessThan(agg.Charged):
		return StatusPartiallyRefunded
	case agg.Canceled.IsPositive() && agg.Charged.IsZero():
		return StatusCancelled
	case agg.Authorized.IsPositive() && agg.Charged.GreaterThanOrEqual(agg.Authorized):
		return StatusFullyCharged
	case agg.Charged.IsPositive() && agg.Charged.LessThan(agg.Authorized):
		return StatusPartiallyCharged
	default:
		return StatusNotCharged
	}
}
