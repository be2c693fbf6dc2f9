package engine

import (
	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/models"
)

// enqueueOutbidLocked queues one outbid notification for the displaced
// previous winner. Callers hold the global lock.
func (e *Engine) enqueueOutbidLocked(username string, ref models.SlotRef) {
	if _, ok := e.doc.Users[username]; !ok {
		return
	}
	byDay, ok := e.doc.Notifications[username]
	if !ok {
		byDay = make(map[string][]string)
		e.doc.Notifications[username] = byDay
	}
	key := ref.Key()
	for _, existing := range byDay[ref.Day] {
		if existing == key {
			return
		}
	}
	byDay[ref.Day] = append(byDay[ref.Day], key)
}

// clearDayNotificationsLocked drops every user's queue for one day.
func (e *Engine) clearDayNotificationsLocked(dayKey string) {
	for _, byDay := range e.doc.Notifications {
		delete(byDay, dayKey)
	}
}

// hasNotificationsLocked reports whether the user has a pending outbid
// queue for the day. Only open days surface notifications.
func (e *Engine) hasNotificationsLocked(username, dayKey string) bool {
	day, ok := e.doc.Days[dayKey]
	if !ok || day.Status != models.DayStatusOpen {
		return false
	}
	return len(e.doc.Notifications[username][dayKey]) > 0
}

// DismissOutbid clears the caller's outbid queue for one day.
func (e *Engine) DismissOutbid(username, dayKey string) (int, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	if _, err := e.userLocked(username); err != nil {
		return 0, err
	}

	byDay, ok := e.doc.Notifications[username]
	if !ok {
		return 0, nil
	}
	queue, ok := byDay[dayKey]
	if !ok || len(queue) == 0 {
		return 0, nil
	}

	snapshot := e.doc.Clone()
	delete(byDay, dayKey)
	if err := e.persistLocked(snapshot); err != nil {
		return 0, err
	}

	e.logger.Debug("Outbid notifications dismissed",
		zap.String("user", username),
		zap.String("day", dayKey),
		zap.Int("count", len(queue)),
	)
	return len(queue), nil
}
