// Package ledger implements credit accounting: committed/available balances,
// the commitment debit at day transition, the release refund, and the
// end-of-day rollover.
package ledger

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/models"
)

// Ledger carries the monetary constants. All amounts are decimals with
// two-digit semantics; prices are integers.
type Ledger struct {
	rollover decimal.Decimal
	refund   decimal.Decimal
	logger   *zap.Logger
}

// New creates a ledger with the configured rollover fraction and release
// refund constant.
func New(rollover, refund decimal.Decimal, logger *zap.Logger) *Ledger {
	return &Ledger{rollover: rollover, refund: refund, logger: logger}
}

// Refund returns the per-slot release refund constant.
func (l *Ledger) Refund() decimal.Decimal {
	return l.refund
}

// Committed returns the sum of winning-bid prices the user holds on open
// days: the debits yet to occur at the next transitions. Executing-day
// slots are excluded because their debit already happened.
func Committed(doc *models.Document, username string) int {
	total := 0
	for _, dayKey := range doc.DaysByStatus(models.DayStatusOpen) {
		day := doc.Days[dayKey]
		for _, entries := range day.Slots {
			for _, e := range entries {
				if e.WinnerIs(username) {
					total += e.Price
				}
			}
		}
	}
	return total
}

// Available returns balance minus committed credits.
func Available(doc *models.Document, user *models.User) decimal.Decimal {
	return user.Balance.Sub(decimal.NewFromInt(int64(Committed(doc, user.Username))))
}

// CanAfford reports whether the user can take on additionalPrice more
// committed credits. Re-bidding a slot the user already holds costs only
// the increment; callers subtract the held price before calling.
func CanAfford(doc *models.Document, user *models.User, additionalPrice int) bool {
	return Available(doc, user).GreaterThanOrEqual(decimal.NewFromInt(int64(additionalPrice)))
}

// ChargeOnCommit debits amount from the winner's balance at the
// open -> executing transition. The bid validation makes a negative result
// impossible, but the transition re-checks anyway and refuses to overdraw.
func (l *Ledger) ChargeOnCommit(user *models.User, amount int) error {
	debit := decimal.NewFromInt(int64(amount))
	if user.Balance.LessThan(debit) {
		return models.NewInternalError("commitment exceeds balance", models.ErrLifecycleInconsistent).
			WithDetail("user", user.Username).
			WithDetail("amount", amount).
			WithDetail("balance", user.Balance.String())
	}
	user.Balance = user.Balance.Sub(debit)
	return nil
}

// RefundRelease credits the flat refund constant for one released slot.
func (l *Ledger) RefundRelease(user *models.User) decimal.Decimal {
	user.Balance = user.Balance.Add(l.refund)
	return l.refund
}

// ApplyRollover carries a fraction of unused balance forward and refills to
// budget at day finalization:
//
//	balance = min(budget, balance) * rollover + budget
//
// The rollover_applied_for_day marker makes the operation idempotent per
// finalized day: a manual re-advance of an already-finalized day key is a
// no-op. The formula version is recorded in the document version.
func (l *Ledger) ApplyRollover(user *models.User, dayKey string) bool {
	if user.RolloverAppliedForDay != "" && user.RolloverAppliedForDay >= dayKey {
		return false
	}
	budget := user.Budget()
	carried := decimal.Min(budget, user.Balance).Mul(l.rollover)
	user.Balance = carried.Add(budget)
	user.RolloverAppliedForDay = dayKey
	l.logger.Debug("Rollover applied",
		zap.String("user", user.Username),
		zap.String("day", dayKey),
		zap.String("balance", user.Balance.String()),
	)
	return true
}
