// Package engine owns the in-memory scheduler document and implements the
// bidding, lifecycle, usage-tracking, and query operations on it.
//
// Locking discipline: operations acquire the slot locks they touch (in
// canonical sorted order), then the global lock, mutate, persist, and
// release in reverse. Read-only queries take only the global lock to snap a
// consistent view. No path acquires a slot lock while holding the global
// lock.
package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/auth"
	"github.com/slotbid/gpu-scheduler/internal/clock"
	"github.com/slotbid/gpu-scheduler/internal/config"
	"github.com/slotbid/gpu-scheduler/internal/ledger"
	"github.com/slotbid/gpu-scheduler/internal/locking"
	"github.com/slotbid/gpu-scheduler/internal/models"
	"github.com/slotbid/gpu-scheduler/internal/store"
)

// maxTransitionsPerTick bounds lifecycle catch-up after downtime; successive
// ticks continue where the last one stopped.
const maxTransitionsPerTick = 10

// bidLogRetention caps the rolling global bid history.
const bidLogRetention = 500

// Engine is the single owner of the shared document. Every component
// receives state through it; there are no package-level globals.
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	cal    *clock.Calendar
	store  *store.FileStore
	locks  *locking.Registry
	ledger *ledger.Ledger
	logger *zap.Logger

	doc *models.Document

	live *liveUsage
}

// New loads or creates the document and returns a ready engine. The caller
// should invoke Tick once at startup to initialize the calendar.
func New(cfg *config.Config, clk clock.Clock, cal *clock.Calendar, st *store.FileStore, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		clk:    clk,
		cal:    cal,
		store:  st,
		locks:  locking.NewRegistry(),
		ledger: ledger.New(cfg.Rollover(), cfg.Refund(), logger),
		logger: logger,
		live:   newLiveUsage(),
	}

	doc, found, err := st.Load()
	if err != nil {
		return nil, err
	}
	if !found {
		doc = models.NewDocument(e.docConfig())
		e.doc = doc
		e.seedDefaultUsers()
		if err := st.Save(doc); err != nil {
			return nil, err
		}
		logger.Info("Fresh state initialized", zap.String("path", st.Path()))
		return e, nil
	}

	if doc.Version < models.DocumentVersion {
		logger.Info("Upgrading document version",
			zap.Int("from", doc.Version),
			zap.Int("to", models.DocumentVersion),
		)
		doc.Version = models.DocumentVersion
	}
	if doc.Config.NumGPUs == 0 {
		doc.Config = e.docConfig()
	}
	e.doc = doc
	return e, nil
}

func (e *Engine) docConfig() models.DocConfig {
	return models.DocConfig{
		NumGPUs:             e.cfg.NumGPUs,
		TransitionHour:      e.cfg.TransitionHour,
		Rollover:            e.cfg.RolloverFraction,
		Refund:              e.cfg.ReleaseRefund,
		PlanningHorizonDays: e.cfg.PlanningHorizonDays,
		SessionTTLSeconds:   int(e.cfg.SessionTTL / time.Second),
		Timezone:            e.cfg.Timezone,
	}
}

// seedDefaultUsers creates the initial admin account (password equals the
// username; operators rotate it on first login).
func (e *Engine) seedDefaultUsers() {
	salt, hash, err := auth.HashPassword("admin", "")
	if err != nil {
		e.logger.Error("Failed to hash default admin password", zap.Error(err))
		return
	}
	e.doc.Users["admin"] = &models.User{
		Username:     "admin",
		PasswordHash: hash,
		Salt:         salt,
		Role:         models.RoleAdmin,
		WeeklyBudget: 100,
		Balance:      decimal.NewFromInt(100),
		Enabled:      true,
	}
}

// Ledger exposes the monetary constants to handlers (refund previews).
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Calendar returns the engine's calendar.
func (e *Engine) Calendar() *clock.Calendar {
	return e.cal
}

// Now returns the authoritative current time.
func (e *Engine) Now() time.Time {
	return e.clk.Now()
}

// NumGPUs returns the configured GPU count.
func (e *Engine) NumGPUs() int {
	return e.doc.Config.NumGPUs
}

// transitionHour reads the admin-configurable day boundary. Callers hold
// the global lock.
func (e *Engine) transitionHour() int {
	return e.doc.Config.TransitionHour
}

// persistLocked saves the document and, on failure, restores the given
// pre-mutation snapshot so in-memory state never diverges from disk.
// Callers hold the global lock and must abort their operation on error.
func (e *Engine) persistLocked(snapshot *models.Document) error {
	if err := e.store.Save(e.doc); err != nil {
		e.doc = snapshot
		e.logger.Error("State persist failed, mutation rolled back", zap.Error(err))
		return models.NewInternalError("failed to persist state", err)
	}
	return nil
}

// userLocked fetches an enabled user. Callers hold the global lock.
func (e *Engine) userLocked(username string) (*models.User, error) {
	user, ok := e.doc.Users[username]
	if !ok {
		return nil, models.NewNotFoundError("User not found", models.ErrUserNotFound).
			WithDetail("username", username)
	}
	if !user.Enabled {
		return nil, models.NewForbiddenError("User is disabled")
	}
	return user, nil
}

// appendBidLogLocked records a bid in the rolling history.
func (e *Engine) appendBidLogLocked(entry models.BidLogEntry) {
	e.doc.BidLog = append(e.doc.BidLog, entry)
	if len(e.doc.BidLog) > bidLogRetention {
		e.doc.BidLog = e.doc.BidLog[len(e.doc.BidLog)-bidLogRetention:]
	}
}

// validateRef checks the GPU index range on a slot reference.
func (e *Engine) validateRef(ref models.SlotRef) error {
	if ref.GPU < 0 || ref.GPU >= e.doc.Config.NumGPUs {
		return models.NewValidationError("GPU index out of range").
			WithDetail("gpu", ref.GPU)
	}
	if ref.Hour < 0 || ref.Hour >= clock.HoursPerDay {
		return models.NewValidationError("Hour out of range").
			WithDetail("hour", ref.Hour)
	}
	if _, err := e.cal.ParseDay(ref.Day, 0); err != nil {
		return models.NewValidationError("Invalid day key").
			WithDetail("day", ref.Day)
	}
	return nil
}
