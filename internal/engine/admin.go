package engine

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/export"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// ListDays returns metadata for every day in the store, sorted by key.
func (e *Engine) ListDays() []DayMeta {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	keys := make([]string, 0, len(e.doc.Days))
	for key := range e.doc.Days {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]DayMeta, 0, len(keys))
	for _, key := range keys {
		out = append(out, e.dayMetaLocked(key, e.doc.Days[key], ""))
	}
	return out
}

// TransitionHour returns the configured day boundary hour.
func (e *Engine) TransitionHour() int {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()
	return e.transitionHour()
}

// SetTransitionHour moves the day boundary (admin operation).
func (e *Engine) SetTransitionHour(hour int) error {
	if hour < 0 || hour > 23 {
		return models.NewValidationError("Transition hour must be between 0 and 23").
			WithDetail("hour", hour)
	}

	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	snapshot := e.doc.Clone()
	e.doc.Config.TransitionHour = hour
	if err := e.persistLocked(snapshot); err != nil {
		return err
	}
	e.logger.Info("Transition hour changed", zap.Int("hour", hour))
	return nil
}

// CleanupResult reports a retention sweep.
type CleanupResult struct {
	Deleted []string `json:"deleted"`
	Kept    int      `json:"kept"`
}

// CleanupDays deletes old final days beyond keepCount, never touching the
// executing day or the open window. Slot locks, usage samples, and
// notification queues of deleted days are purged with them.
func (e *Engine) CleanupDays(keepCount int) (*CleanupResult, error) {
	if keepCount < 0 {
		return nil, models.NewValidationError("keep_count must be a non-negative integer")
	}

	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	protected := make(map[string]bool)
	if execKey, execDay := e.doc.DayByStatus(models.DayStatusExecuting); execDay != nil {
		protected[execKey] = true
	}
	for _, key := range e.doc.DaysByStatus(models.DayStatusOpen) {
		protected[key] = true
	}
	for _, key := range e.doc.DaysByStatus(models.DayStatusFuture) {
		protected[key] = true
	}

	finals := e.doc.DaysByStatus(models.DayStatusFinal)
	// Newest finals are kept first.
	kept := 0
	var deletable []string
	for i := len(finals) - 1; i >= 0; i-- {
		if kept < keepCount {
			kept++
			continue
		}
		deletable = append(deletable, finals[i])
	}
	if len(deletable) == 0 {
		return &CleanupResult{Deleted: []string{}, Kept: len(protected) + kept}, nil
	}

	snapshot := e.doc.Clone()
	for _, key := range deletable {
		if protected[key] {
			continue
		}
		delete(e.doc.Days, key)
		delete(e.doc.UsageSamples, key)
		for _, byDay := range e.doc.Notifications {
			delete(byDay, key)
		}
	}
	if err := e.persistLocked(snapshot); err != nil {
		return nil, err
	}

	// The per-slot mutexes of purged days have no remaining users.
	for _, key := range deletable {
		e.locks.PurgeDay(key)
	}

	e.logger.Info("Old days cleaned up",
		zap.Int("deleted", len(deletable)),
		zap.Int("keep_count", keepCount),
	)
	return &CleanupResult{Deleted: deletable, Kept: len(protected) + kept}, nil
}

// ResetAllDays wipes the calendar and reinitializes it from the clock
// (admin operation). User accounts and balances survive.
func (e *Engine) ResetAllDays() error {
	unlockGlobal := e.locks.Global()

	snapshot := e.doc.Clone()
	oldKeys := make([]string, 0, len(e.doc.Days))
	for key := range e.doc.Days {
		oldKeys = append(oldKeys, key)
	}
	e.doc.Days = make(map[string]*models.Day)
	e.doc.UsageSamples = make(map[string]models.DaySamples)
	e.doc.Notifications = make(map[string]map[string][]string)
	if err := e.persistLocked(snapshot); err != nil {
		unlockGlobal()
		return err
	}
	for _, key := range oldKeys {
		e.locks.PurgeDay(key)
	}
	unlockGlobal()

	e.logger.Warn("All day data wiped, reinitializing")
	return e.Tick()
}

// ExportStateJSON returns the full document serialization for backup.
func (e *Engine) ExportStateJSON() ([]byte, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()
	data, err := json.MarshalIndent(e.doc, "", "  ")
	if err != nil {
		return nil, models.NewInternalError("failed to serialize state", err)
	}
	return data, nil
}

// ExportScheduleCSV renders one day's assignments as CSV.
func (e *Engine) ExportScheduleCSV(dayKey string) (string, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()
	return export.ScheduleCSV(e.doc, e.cal, dayKey)
}

// ExportUsageCSV renders one day's assigned-vs-observed audit as CSV.
func (e *Engine) ExportUsageCSV(dayKey string) (string, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()
	return export.UsageAuditCSV(e.doc, e.cal, dayKey)
}
