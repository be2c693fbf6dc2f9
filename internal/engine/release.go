package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/models"
)

// ReleaseResult reports a voluntary slot surrender.
type ReleaseResult struct {
	Released   int             `json:"released"`
	Refund     decimal.Decimal `json:"refund"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// ReleaseSlot surrenders a future slot of the executing day for the flat
// refund. The slot must start at least one full hour from now and be held
// by the caller; it reverts to unallocated (no winner, price 0, empty bid
// log).
func (e *Engine) ReleaseSlot(username string, ref models.SlotRef) (*ReleaseResult, error) {
	if err := e.validateRef(ref); err != nil {
		return nil, err
	}

	unlockSlot := e.locks.LockSlot(ref)
	defer unlockSlot()
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	user, err := e.userLocked(username)
	if err != nil {
		return nil, err
	}

	entry, err := e.releasableSlotLocked(username, ref, e.clk.Now())
	if err != nil {
		return nil, err
	}

	snapshot := e.doc.Clone()
	refund := e.ledger.RefundRelease(user)
	clearSlot(entry)
	if err := e.persistLocked(snapshot); err != nil {
		return nil, err
	}

	e.logger.Info("Slot released",
		zap.String("user", username),
		zap.String("day", ref.Day),
		zap.Int("hour", ref.Hour),
		zap.Int("gpu", ref.GPU),
		zap.String("refund", refund.String()),
	)
	return &ReleaseResult{Released: 1, Refund: refund, NewBalance: user.Balance}, nil
}

// ReleaseBulk surrenders a batch of slots. Slot locks are taken in sorted
// order; slots that fail validation are skipped rather than failing the
// batch, and the refund covers only the slots actually released.
func (e *Engine) ReleaseBulk(username string, refs []models.SlotRef) (*ReleaseResult, error) {
	if len(refs) == 0 {
		return nil, models.NewValidationError("No slots provided")
	}
	for _, ref := range refs {
		if err := e.validateRef(ref); err != nil {
			return nil, err
		}
	}
	refs = dedupeSorted(refs)

	unlockSlots := e.locks.LockSlots(refs)
	defer unlockSlots()
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	user, err := e.userLocked(username)
	if err != nil {
		return nil, err
	}

	snapshot := e.doc.Clone()
	now := e.clk.Now()
	released := 0
	total := decimal.Zero
	for _, ref := range refs {
		entry, err := e.releasableSlotLocked(username, ref, now)
		if err != nil {
			continue
		}
		total = total.Add(e.ledger.RefundRelease(user))
		clearSlot(entry)
		released++
	}

	if released == 0 {
		// Nothing mutated; drop the snapshot without a write.
		return &ReleaseResult{Released: 0, Refund: decimal.Zero, NewBalance: user.Balance}, nil
	}
	if err := e.persistLocked(snapshot); err != nil {
		return nil, err
	}

	e.logger.Info("Bulk release",
		zap.String("user", username),
		zap.Int("released", released),
		zap.String("refund", total.String()),
	)
	return &ReleaseResult{Released: released, Refund: total, NewBalance: user.Balance}, nil
}

// releasableSlotLocked validates one release target: executing day, slot
// start at least one full hour out, caller holds the slot.
func (e *Engine) releasableSlotLocked(username string, ref models.SlotRef, now time.Time) (*models.SlotEntry, error) {
	day, ok := e.doc.Days[ref.Day]
	if !ok {
		return nil, models.NewNotFoundError("Day not found", models.ErrDayNotFound).
			WithDetail("day", ref.Day)
	}
	if day.Status != models.DayStatusExecuting {
		return nil, models.NewValidationError("Only slots of the executing day can be released").
			WithDetail("status", string(day.Status))
	}
	entry := day.Entry(ref.Hour, ref.GPU)
	if entry == nil {
		return nil, models.NewNotFoundError("Slot not found", models.ErrSlotNotFound)
	}
	if !entry.WinnerIs(username) {
		return nil, models.NewForbiddenError("You do not hold this slot")
	}
	slotStart, err := e.cal.SlotStart(ref.Day, ref.Hour)
	if err != nil {
		return nil, models.NewValidationError("Invalid slot key").WithDetail("day", ref.Day)
	}
	if slotStart.Before(now.Add(time.Hour)) {
		return nil, models.NewValidationError("Slot has started or starts within the next hour").
			WithDetail("slot_start", slotStart.Format(time.RFC3339))
	}
	return entry, nil
}

func clearSlot(entry *models.SlotEntry) {
	entry.Winner = nil
	entry.Price = 0
	entry.Bids = []models.BidRecord{}
}
