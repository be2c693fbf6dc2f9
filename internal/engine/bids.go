package engine

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/ledger"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// BidResult reports the outcome of a successful bid on one slot.
type BidResult struct {
	Slot          models.SlotRef `json:"slot"`
	Price         int            `json:"price"`
	Winner        string         `json:"winner"`
	PreviousWinner *string       `json:"previous_winner"`
	PreviousPrice int            `json:"previous_price"`
}

// PlaceBid places a single unit-increment bid on (day, hour, gpu).
//
// Lock order: slot lock, then global lock.
func (e *Engine) PlaceBid(username string, ref models.SlotRef) (*BidResult, error) {
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

	entry, err := e.openSlotLocked(ref)
	if err != nil {
		return nil, err
	}

	required := entry.Price + 1
	increment := required
	if entry.WinnerIs(username) {
		// Re-bidding a held slot only commits the increment.
		increment = required - entry.Price
	}
	if !ledger.CanAfford(e.doc, user, increment) {
		return nil, models.NewInsufficientCreditsError(
			fmt.Sprintf("%d", increment),
			ledger.Available(e.doc, user).String(),
		)
	}

	snapshot := e.doc.Clone()
	result := e.applyBidLocked(user, ref, entry, required, e.clk.Now())
	if err := e.persistLocked(snapshot); err != nil {
		return nil, err
	}

	e.logger.Info("Bid placed",
		zap.String("user", username),
		zap.String("day", ref.Day),
		zap.Int("hour", ref.Hour),
		zap.Int("gpu", ref.GPU),
		zap.Int("price", result.Price),
	)
	return result, nil
}

// BulkBidResult reports an all-or-nothing batch outcome.
type BulkBidResult struct {
	Results   []BidResult `json:"results"`
	TotalCost int         `json:"total_cost"`
}

// PlaceBulk places bids on every slot in the batch or none of them. All
// slot locks are taken in canonical sorted order before the global lock, so
// concurrent batches cannot deadlock and outside readers never observe a
// partial batch.
func (e *Engine) PlaceBulk(username string, refs []models.SlotRef) (*BulkBidResult, error) {
	if len(refs) == 0 {
		return nil, models.NewValidationError("No bids provided")
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

	// Validation pass over the whole batch before any mutation.
	type plannedBid struct {
		ref      models.SlotRef
		entry    *models.SlotEntry
		required int
	}
	planned := make([]plannedBid, 0, len(refs))
	totalIncrement := 0
	totalCost := 0
	for _, ref := range refs {
		entry, err := e.openSlotLocked(ref)
		if err != nil {
			return nil, err
		}
		required := entry.Price + 1
		increment := required
		if entry.WinnerIs(username) {
			increment = required - entry.Price
		}
		totalIncrement += increment
		totalCost += required
		planned = append(planned, plannedBid{ref: ref, entry: entry, required: required})
	}

	if !ledger.CanAfford(e.doc, user, totalIncrement) {
		available := ledger.Available(e.doc, user)
		return nil, models.NewInsufficientCreditsError(
			fmt.Sprintf("%d", totalIncrement),
			available.String(),
		).WithDetail("shortfall", fmt.Sprintf("%d", totalIncrement)+" required, "+available.String()+" available")
	}

	// Execution pass, same order; one persisted write for the whole batch.
	snapshot := e.doc.Clone()
	now := e.clk.Now()
	results := make([]BidResult, 0, len(planned))
	for _, p := range planned {
		results = append(results, *e.applyBidLocked(user, p.ref, p.entry, p.required, now))
	}
	if err := e.persistLocked(snapshot); err != nil {
		return nil, err
	}

	e.logger.Info("Bulk bid placed",
		zap.String("user", username),
		zap.Int("slots", len(results)),
		zap.Int("total_cost", totalCost),
	)
	return &BulkBidResult{Results: results, TotalCost: totalCost}, nil
}

// UndoBid rewinds the caller's latest bid on a slot. Permitted only when
// the displaced party was the caller themselves or nobody; the recorded
// (previous_winner, previous_price) must still match the live slot, so a
// bid that has since been outbid is rejected as stale.
func (e *Engine) UndoBid(username string, ref models.SlotRef, previousWinner *string, previousPrice int) error {
	if err := e.validateRef(ref); err != nil {
		return err
	}

	unlockSlot := e.locks.LockSlot(ref)
	defer unlockSlot()
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	if _, err := e.userLocked(username); err != nil {
		return err
	}

	entry, err := e.openSlotLocked(ref)
	if err != nil {
		return err
	}

	if !entry.WinnerIs(username) {
		return models.NewConflictError("You no longer hold this slot", models.ErrStaleUndo)
	}
	if previousWinner != nil && *previousWinner != username {
		return models.NewForbiddenError("Cannot undo a bid that displaced another user")
	}
	if entry.Price != previousPrice+1 {
		return models.NewConflictError("Slot price has moved since this bid", models.ErrStaleUndo).
			WithDetail("price", entry.Price).
			WithDetail("expected", previousPrice+1)
	}
	if len(entry.Bids) == 0 || entry.Bids[len(entry.Bids)-1].User != username {
		return models.NewConflictError("Another bid followed yours", models.ErrStaleUndo)
	}

	snapshot := e.doc.Clone()
	entry.Winner = previousWinner
	entry.Price = previousPrice
	entry.Bids[len(entry.Bids)-1].Undone = true
	if err := e.persistLocked(snapshot); err != nil {
		return err
	}

	e.logger.Info("Bid undone",
		zap.String("user", username),
		zap.String("day", ref.Day),
		zap.Int("hour", ref.Hour),
		zap.Int("gpu", ref.GPU),
	)
	return nil
}

// openSlotLocked resolves a slot entry on an open day. Callers hold the
// global lock.
func (e *Engine) openSlotLocked(ref models.SlotRef) (*models.SlotEntry, error) {
	day, ok := e.doc.Days[ref.Day]
	if !ok {
		return nil, models.NewNotFoundError("Day not found", models.ErrDayNotFound).
			WithDetail("day", ref.Day)
	}
	if day.Status != models.DayStatusOpen {
		return nil, models.NewValidationError("Bidding is closed for this day").
			WithDetail("day", ref.Day).
			WithDetail("status", string(day.Status))
	}
	entry := day.Entry(ref.Hour, ref.GPU)
	if entry == nil {
		return nil, models.NewNotFoundError("Slot not found", models.ErrSlotNotFound).
			WithDetail("day", ref.Day).
			WithDetail("hour", ref.Hour).
			WithDetail("gpu", ref.GPU)
	}
	return entry, nil
}

// applyBidLocked mutates one slot for a validated bid and queues the outbid
// notification for the displaced previous winner.
func (e *Engine) applyBidLocked(user *models.User, ref models.SlotRef, entry *models.SlotEntry, required int, now time.Time) *BidResult {
	var previousWinner *string
	if entry.Winner != nil {
		w := *entry.Winner
		previousWinner = &w
	}
	previousPrice := entry.Price

	ts := now.Format(time.RFC3339)
	entry.Price = required
	winner := user.Username
	entry.Winner = &winner
	entry.Bids = append(entry.Bids, models.BidRecord{User: user.Username, Price: required, Timestamp: ts})

	if previousWinner != nil && *previousWinner != user.Username {
		e.enqueueOutbidLocked(*previousWinner, ref)
	}

	e.appendBidLogLocked(models.BidLogEntry{
		User:      user.Username,
		Day:       ref.Day,
		Hour:      ref.Hour,
		GPU:       ref.GPU,
		Price:     required,
		Timestamp: ts,
	})

	return &BidResult{
		Slot:           ref,
		Price:          required,
		Winner:         user.Username,
		PreviousWinner: previousWinner,
		PreviousPrice:  previousPrice,
	}
}

// dedupeSorted sorts refs into canonical order and removes duplicates.
func dedupeSorted(refs []models.SlotRef) []models.SlotRef {
	ordered := append([]models.SlotRef(nil), refs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })
	out := ordered[:0]
	for i, ref := range ordered {
		if i == 0 || ref != ordered[i-1] {
			out = append(out, ref)
		}
	}
	return out
}
