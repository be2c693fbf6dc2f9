package engine

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/clock"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// Tick drives the day state machine. It is invoked on every write path and
// by the lifecycle timer, is idempotent, and performs at most
// maxTransitionsPerTick persisted transitions so that catch-up after long
// downtime stays bounded; successive ticks continue the catch-up.
func (e *Engine) Tick() error {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	now := e.clk.Now()
	for i := 0; i < maxTransitionsPerTick; i++ {
		stepped, err := e.tickStepLocked(now)
		if err != nil {
			return err
		}
		if !stepped {
			return nil
		}
	}
	e.logger.Warn("Lifecycle catch-up hit per-tick transition cap",
		zap.Int("cap", maxTransitionsPerTick))
	return nil
}

// tickStepLocked performs at most one persisted lifecycle transition and
// reports whether it did anything. Each transition is a single write, so a
// crash mid-catch-up resumes cleanly on the next tick.
func (e *Engine) tickStepLocked(now time.Time) (bool, error) {
	th := e.transitionHour()

	if execKey, execDay := e.doc.DayByStatus(models.DayStatusExecuting); execDay != nil {
		start, err := e.cal.ParseDay(execKey, th)
		if err != nil {
			return false, models.NewInternalError("corrupt executing day key", err).
				WithDetail("day", execKey)
		}
		if now.After(clock.DayCloseTime(start)) {
			return true, e.finalizeDayLocked(execKey, execDay, now)
		}
	} else {
		// No executing day: promote the earliest non-final day already
		// under way, or bootstrap today's day.
		if key := e.promotionCandidateLocked(now, th); key != "" {
			return true, e.promoteDayLocked(key, now)
		}
		todayKey := e.cal.DayKeyFor(now, th)
		if _, exists := e.doc.Days[todayKey]; !exists {
			snapshot := e.doc.Clone()
			e.doc.Days[todayKey] = models.NewDay(models.DayStatusExecuting, e.doc.Config.NumGPUs)
			if err := e.persistLocked(snapshot); err != nil {
				return false, err
			}
			e.logger.Info("Bootstrapped executing day", zap.String("day", todayKey))
			return true, nil
		}
	}

	return e.ensureOpenWindowLocked(now, th)
}

// promotionCandidateLocked returns the earliest open or future day whose
// start boundary has passed, or "".
func (e *Engine) promotionCandidateLocked(now time.Time, transitionHour int) string {
	best := ""
	for key, day := range e.doc.Days {
		if day.Status != models.DayStatusOpen && day.Status != models.DayStatusFuture {
			continue
		}
		start, err := e.cal.ParseDay(key, transitionHour)
		if err != nil || start.After(now) {
			continue
		}
		if best == "" || key < best {
			best = key
		}
	}
	return best
}

// promoteDayLocked transitions a day to executing: winners are charged
// their final price, overdrawn slots are zeroed with a logged
// inconsistency, and the day's outbid notifications are cleared.
func (e *Engine) promoteDayLocked(dayKey string, now time.Time) error {
	day := e.doc.Days[dayKey]
	snapshot := e.doc.Clone()

	for _, hourKey := range day.SortedHours() {
		for _, entry := range day.Slots[hourKey] {
			if entry.Winner == nil {
				continue
			}
			winner := *entry.Winner
			user, ok := e.doc.Users[winner]
			if !ok {
				e.logger.Error("Winning slot held by unknown user, zeroing",
					zap.String("day", dayKey),
					zap.String("hour", hourKey),
					zap.Int("gpu", entry.GPU),
					zap.String("winner", winner),
				)
				clearSlot(entry)
				continue
			}
			if err := e.ledger.ChargeOnCommit(user, entry.Price); err != nil {
				// Bid validation makes this unreachable; tolerate it
				// anyway so one bad slot cannot wedge the transition.
				e.logger.Error("Commitment charge failed, zeroing slot",
					zap.String("day", dayKey),
					zap.String("hour", hourKey),
					zap.Int("gpu", entry.GPU),
					zap.String("winner", winner),
					zap.Error(err),
				)
				clearSlot(entry)
			}
		}
	}

	day.Status = models.DayStatusExecuting
	e.clearDayNotificationsLocked(dayKey)

	if err := e.persistLocked(snapshot); err != nil {
		return err
	}
	e.logger.Info("Day promoted to executing",
		zap.String("day", dayKey),
		zap.Time("at", now),
	)
	return nil
}

// finalizeDayLocked freezes the executing day: per-slot actual users are
// derived from the usage samples, every user's rollover is applied exactly
// once for this day, old samples are purged, and the day becomes final.
func (e *Engine) finalizeDayLocked(dayKey string, day *models.Day, now time.Time) error {
	snapshot := e.doc.Clone()

	for _, hourKey := range day.SortedHours() {
		for _, entry := range day.Slots[hourKey] {
			if entry.Finalized {
				continue
			}
			counts := e.doc.SamplesFor(dayKey, atoiHour(hourKey), entry.GPU)
			if actual := counts.MostFrequent(); actual != "" {
				a := actual
				entry.ActualUser = &a
			} else {
				entry.ActualUser = nil
			}
			entry.Finalized = true
		}
	}

	for _, user := range e.doc.Users {
		if !user.Enabled {
			continue
		}
		e.ledger.ApplyRollover(user, dayKey)
	}

	day.Status = models.DayStatusFinal
	day.FinalizedAt = now.Format(time.RFC3339)

	// Sample retention: the finalized day is "previous" once its successor
	// starts executing, so everything older goes now.
	for sampleDay := range e.doc.UsageSamples {
		if sampleDay < dayKey {
			delete(e.doc.UsageSamples, sampleDay)
		}
	}
	e.clearDayNotificationsLocked(dayKey)

	if err := e.persistLocked(snapshot); err != nil {
		return err
	}

	e.live.clear()
	e.logger.Info("Day finalized",
		zap.String("day", dayKey),
		zap.Time("at", now),
	)
	return nil
}

// ensureOpenWindowLocked creates the contiguous open-day window after the
// executing day (or after today while bootstrapping). Returns whether a
// persisted change was made.
func (e *Engine) ensureOpenWindowLocked(now time.Time, transitionHour int) (bool, error) {
	anchorKey, execDay := e.doc.DayByStatus(models.DayStatusExecuting)
	if execDay == nil {
		anchorKey = e.cal.DayKeyFor(now, transitionHour)
	}
	anchorStart, err := e.cal.ParseDay(anchorKey, transitionHour)
	if err != nil {
		return false, models.NewInternalError("corrupt anchor day key", err).
			WithDetail("day", anchorKey)
	}

	var snapshot *models.Document
	changed := false
	for offset := 1; offset <= e.doc.Config.PlanningHorizonDays; offset++ {
		key := anchorStart.AddDate(0, 0, offset).Format(clock.DayKeyLayout)
		day, exists := e.doc.Days[key]
		if exists && day.Status != models.DayStatusFuture {
			continue
		}
		if snapshot == nil {
			snapshot = e.doc.Clone()
		}
		if exists {
			day.Status = models.DayStatusOpen
		} else {
			e.doc.Days[key] = models.NewDay(models.DayStatusOpen, e.doc.Config.NumGPUs)
		}
		changed = true
	}
	if !changed {
		return false, nil
	}
	if err := e.persistLocked(snapshot); err != nil {
		return false, err
	}
	return true, nil
}

// AdvanceDay is the admin's manual advancement: the executing day is
// finalized immediately and the earliest plannable day is promoted,
// regardless of the clock.
func (e *Engine) AdvanceDay() error {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	now := e.clk.Now()
	if execKey, execDay := e.doc.DayByStatus(models.DayStatusExecuting); execDay != nil {
		if err := e.finalizeDayLocked(execKey, execDay, now); err != nil {
			return err
		}
	}

	openKeys := e.doc.DaysByStatus(models.DayStatusOpen)
	if len(openKeys) == 0 {
		return models.NewValidationError("No open days to promote")
	}
	if err := e.promoteDayLocked(openKeys[0], now); err != nil {
		return err
	}

	_, err := e.ensureOpenWindowLocked(now, e.transitionHour())
	return err
}

func atoiHour(hourKey string) int {
	h, _ := strconv.Atoi(hourKey)
	return h
}
