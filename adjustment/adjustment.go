/*
Package adjustment is the manual adjustment overlay on order payments.

PURPOSE:
  Two kinds of records affect an order's refundable balance without being
  gateway events:

  - GrantedRefund:       a manually authorized refund promise, made by a
                         staff actor against the order
  - GiftCardApplication: a record that part of the order's total was
                         covered by a gift card and will never flow
                         through a transaction item

  Neither touches any TransactionItem. They form a separate, immutable
  ledger whose sums are combined with the items' aggregates for the
  remaining refundable balance and for reconciliation reporting.

BALANCE RULE:
  remaining = captured_total - refunded_total - granted_total

  captured_total and refunded_total come from the fold over the order's
  items; granted_total from this overlay. GrantRefund rejects amounts
  exceeding the remaining balance. Gift cards do not enter this formula;
  they only reduce how much of the order is expected to settle through
  the gateway.
*/
package adjustment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clearbook/payment-ledger/ledger"
)

// =============================================================================
// RECORDS - Created once, immutable
// =============================================================================

type GrantedRefund struct {
	ID        string
	OrderID   ledger.OwnerID
	Amount    ledger.Amount
	Reason    string
	GrantedBy string
	CreatedAt time.Time
}

type GiftCardApplication struct {
	ID         string
	OrderID    ledger.OwnerID
	GiftCardID string
	Amount     ledger.Amount
	CreatedAt  time.Time
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	SaveGrantedRefund(ctx context.Context, g GrantedRefund) error
	GrantedRefundsByOrder(ctx context.Context, orderID ledger.OwnerID) ([]GrantedRefund, error)
	SaveGiftCardApplication(ctx context.Context, a GiftCardApplication) error
	GiftCardApplicationsByOrder(ctx context.Context, orderID ledger.OwnerID) ([]GiftCardApplication, error)
}

// =============================================================================
// OVERLAY
// =============================================================================

type Overlay struct {
	Store Store
	Items rollupItemSource

	locks *ledger.KeyedMutex
}

// rollupItemSource matches ledger.Store's owner query.
type rollupItemSource interface {
	ItemsByOwner(ctx context.Context, owner ledger.OwnerRef) ([]ledger.TransactionItem, error)
}

func NewOverlay(store Store, items rollupItemSource) *Overlay {
	return &Overlay{
		Store: store,
		Items: items,
		locks: ledger.NewKeyedMutex(),
	}
}

// GrantRefund records a manual refund promise against an order.
// Rejects with *ledger.InsufficientBalanceError when amount exceeds the
// order's remaining refundable balance. The balance check and the insert
// are serialized per order so concurrent grants cannot both pass.
func (o *Overlay) GrantRefund(ctx context.Context, orderID ledger.OwnerID, amount ledger.Amount, reason, actor string) (*GrantedRefund, error) {
	if !amount.IsPositive() {
		return nil, &ledger.ValidationError{Field: "amount", Message: "granted amount must be positive"}
	}

	unlock := o.locks.Lock(string(orderID))
	defer unlock()

	remaining, err := o.RemainingRefundable(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if remaining.Currency != "" && remaining.Currency != amount.Currency {
		return nil, &ledger.ValidationError{
			Field:   "currency",
			Message: "grant currency " + string(amount.Currency) + " does not match order currency " + string(remaining.Currency),
		}
	}
	if amount.GreaterThan(remaining) {
		return nil, &ledger.InsufficientBalanceError{
			OrderID:   orderID,
			Available: remaining,
			Requested: amount,
		}
	}

	grant := GrantedRefund{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Amount:    amount,
		Reason:    reason,
		GrantedBy: actor,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.Store.SaveGrantedRefund(ctx, grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// ApplyGiftCard records that a gift card covered part of the order's
// total. Participates in reconciliation reporting only; it is never
// folded into automaticallyRefundable.
func (o *Overlay) ApplyGiftCard(ctx context.Context, orderID ledger.OwnerID, giftCardID string, amount ledger.Amount) (*GiftCardApplication, error) {
	if !amount.IsPositive() {
		return nil, &ledger.ValidationError{Field: "amount", Message: "gift card amount must be positive"}
	}
	if giftCardID == "" {
		return nil, &ledger.ValidationError{Field: "gift_card_id", Message: "gift card id is required"}
	}

	app := GiftCardApplication{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		GiftCardID: giftCardID,
		Amount:     amount,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.Store.SaveGiftCardApplication(ctx, app); err != nil {
		return nil, err
	}
	return &app, nil
}

// GrantedRefunds returns all refund promises recorded against the order.
func (o *Overlay) GrantedRefunds(ctx context.Context, orderID ledger.OwnerID) ([]GrantedRefund, error) {
	return o.Store.GrantedRefundsByOrder(ctx, orderID)
}

// RemainingRefundable computes the order's remaining refundable balance:
// captured total minus already-refunded minus granted-but-not-executed.
func (o *Overlay) RemainingRefundable(ctx context.Context, orderID ledger.OwnerID) (ledger.Amount, error) {
	report, err := o.Report(ctx, orderID)
	if err != nil {
		return ledger.Amount{}, err
	}
	return report.Remaining, nil
}

// =============================================================================
// RECONCILIATION REPORT
// =============================================================================

// Reconciliation summarizes how an order's value is split between
// gateway-settled money, refunds, refund promises, and gift cards.
type Reconciliation struct {
	OrderID  ledger.OwnerID
	Currency ledger.Currency

	Captured  ledger.Amount // sum of charged_value over the order's items
	Refunded  ledger.Amount // sum of refunded_value over the order's items
	Granted   ledger.Amount // sum of granted refund promises
	GiftCards ledger.Amount // sum of gift card applications

	// Remaining = Captured - Refunded - Granted. May go negative if the
	// gateway delivered an over-refund; that is reported, never blocked.
	Remaining ledger.Amount
}

// Report builds the reconciliation summary for an order.
func (o *Overlay) Report(ctx context.Context, orderID ledger.OwnerID) (Reconciliation, error) {
	items, err := o.Items.ItemsByOwner(ctx, ledger.OrderOwner(orderID))
	if err != nil {
		return Reconciliation{}, err
	}

	var currency ledger.Currency
	for _, item := range items {
		currency = item.Currency
		break
	}

	captured := ledger.ZeroAmount(currency)
	refunded := ledger.ZeroAmount(currency)
	for _, item := range items {
		captured = captured.Add(item.Aggregates.Charged)
		refunded = refunded.Add(item.Aggregates.Refunded)
	}

	grants, err := o.Store.GrantedRefundsByOrder(ctx, orderID)
	if err != nil {
		return Reconciliation{}, err
	}
	granted := ledger.ZeroAmount(currency)
	for _, g := range grants {
		granted = granted.Add(g.Amount)
	}

	apps, err := o.Store.GiftCardApplicationsByOrder(ctx, orderID)
	if err != nil {
		return Reconciliation{}, err
	}
	giftCards := ledger.ZeroAmount(currency)
	for _, a := range apps {
		giftCards = giftCards.Add(a.Amount)
	}

	return Reconciliation{
		OrderID:   orderID,
		Currency:  currency,
		Captured:  captured,
		Refunded:  refunded,
		Granted:   granted,
		GiftCards: giftCards,
		Remaining: captured.Sub(refunded).Sub(granted),
	}, nil
}
