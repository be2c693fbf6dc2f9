package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/auth"
	"github.com/slotbid/gpu-scheduler/internal/engine"
)

// NewRouter assembles the full HTTP surface: public auth and live-status
// endpoints, the authenticated user surface, the bearer-authenticated
// monitor ingest, and the admin group.
func NewRouter(eng *engine.Engine, sessions *auth.SessionManager, monitorToken string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CORS)
	r.Use(LifecycleTick(eng, logger))

	// Public
	r.Post("/login", Login(eng, sessions, logger))
	r.Post("/logout", Logout(sessions, logger))
	r.Get("/session", Session(eng, sessions, logger))
	r.Get("/gpu-live-status", LiveGPUStatus(eng, logger))

	// Monitor daemon ingest
	r.Group(func(r chi.Router) {
		r.Use(MonitorAuth(monitorToken, logger))
		r.Post("/gpu-status", GPUStatus(eng, logger))
	})

	// Authenticated users
	r.Group(func(r chi.Router) {
		r.Use(Authenticator(sessions, logger))

		r.Post("/bid", PlaceBid(eng, logger))
		r.Post("/bid/bulk", PlaceBulkBid(eng, logger))
		r.Post("/bid/undo", UndoBid(eng, logger))
		r.Post("/slot/release", ReleaseSlot(eng, logger))
		r.Post("/slot/release-bulk", ReleaseSlotsBulk(eng, logger))
		r.Post("/dismiss-outbid", DismissOutbid(eng, logger))
		r.Post("/users/change-password", ChangePassword(eng, logger))

		r.Get("/overview", Overview(eng, logger))
		r.Get("/day", DayGrid(eng, logger))
		r.Get("/my/summary", MySummary(eng, logger))
		r.Get("/my/bids", MyBids(eng, logger))
		r.Get("/history/days", HistoryDays(eng, logger))
		r.Get("/history/day", HistoryDay(eng, logger))

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin(eng, logger))

			r.Get("/admin/users", AdminListUsers(eng, logger))
			r.Post("/admin/users/create", AdminCreateUser(eng, logger))
			r.Post("/admin/users/update", AdminUpdateUser(eng, logger))
			r.Post("/admin/users/bulk-update", AdminBulkUpdateUsers(eng, logger))
			r.Post("/admin/users/password", AdminResetPassword(eng, logger))

			r.Get("/admin/days", AdminListDays(eng, logger))
			r.Post("/admin/advance", AdminAdvanceDay(eng, logger))
			r.Get("/admin/transition-hour", AdminGetTransitionHour(eng, logger))
			r.Post("/admin/transition-hour", AdminSetTransitionHour(eng, logger))
			r.Post("/admin/days/cleanup", AdminCleanupDays(eng, logger))
			r.Post("/admin/reset-all-days", AdminResetAllDays(eng, logger))

			r.Get("/admin/export", AdminExportSchedule(eng, logger))
			r.Get("/admin/export-usage", AdminExportUsage(eng, logger))
			r.Get("/admin/export-all", AdminExportAll(eng, logger))
		})
	})

	return r
}
