package handlers

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/engine"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// AdminListUsers returns every account with management fields.
func AdminListUsers(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"users": eng.ListUsers()})
	}
}

// AdminCreateUser provisions an account.
func AdminCreateUser(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username     string `json:"username"`
			Password     string `json:"password"`
			Role         string `json:"role"`
			WeeklyBudget int    `json:"weekly_budget"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		if req.Role == "" {
			req.Role = string(models.RoleUser)
		}
		if req.WeeklyBudget == 0 {
			req.WeeklyBudget = 100
		}

		summary, err := eng.CreateUser(req.Username, req.Password, models.Role(req.Role), req.WeeklyBudget)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"ok": true, "user": summary})
	}
}

// AdminUpdateUser applies budget/balance/enablement changes to one user.
func AdminUpdateUser(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			engine.UserUpdate
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		if req.Username == "" {
			writeErrorResponse(w, http.StatusBadRequest, "Username is required.")
			return
		}

		summary, err := eng.UpdateUser(req.Username, req.UserUpdate)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"ok": true, "user": summary})
	}
}

// AdminBulkUpdateUsers applies the same update to all accounts.
func AdminBulkUpdateUsers(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.UserUpdate
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		count, err := eng.BulkUpdateUsers(req)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"message": fmt.Sprintf("Updated %d users.", count),
		})
	}
}

// AdminResetPassword sets a user's password.
func AdminResetPassword(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		if req.Username == "" || req.Password == "" {
			writeErrorResponse(w, http.StatusBadRequest, "Username and password are required.")
			return
		}

		if err := eng.ResetPassword(req.Username, req.Password); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// AdminListDays returns every day in the store.
func AdminListDays(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"days": eng.ListDays()})
	}
}

// AdminAdvanceDay finalizes the executing day and promotes the next one,
// regardless of the clock.
func AdminAdvanceDay(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := eng.AdvanceDay(); err != nil {
			writeError(w, logger, err)
			return
		}
		logger.Info("Manual day advance", zap.String("by", usernameFrom(r)))
		writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// AdminGetTransitionHour reports the day boundary hour.
func AdminGetTransitionHour(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"transition_hour": eng.TransitionHour(),
			"current_time":    eng.Now().Format("2006-01-02T15:04:05-07:00"),
		})
	}
}

// AdminSetTransitionHour moves the day boundary.
func AdminSetTransitionHour(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TransitionHour *int `json:"transition_hour"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		if req.TransitionHour == nil {
			writeErrorResponse(w, http.StatusBadRequest, "transition_hour required")
			return
		}

		if err := eng.SetTransitionHour(*req.TransitionHour); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":              true,
			"transition_hour": *req.TransitionHour,
		})
	}
}

// AdminCleanupDays deletes old finalized days beyond keep_count.
func AdminCleanupDays(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			KeepCount int `json:"keep_count"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		result, err := eng.CleanupDays(req.KeepCount)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":            true,
			"deleted_count": len(result.Deleted),
			"deleted_days":  result.Deleted,
			"kept_count":    result.Kept,
		})
	}
}

// AdminResetAllDays wipes the calendar and reinitializes it.
func AdminResetAllDays(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := eng.ResetAllDays(); err != nil {
			writeError(w, logger, err)
			return
		}
		logger.Warn("All days reset", zap.String("by", usernameFrom(r)))
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"message": "All day data wiped and reinitialized",
		})
	}
}

// AdminExportSchedule downloads one day's schedule as CSV.
func AdminExportSchedule(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day := r.URL.Query().Get("day")
		if day == "" {
			writeErrorResponse(w, http.StatusBadRequest, "Missing day parameter.")
			return
		}
		csvText, err := eng.ExportScheduleCSV(day)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="schedule_%s.csv"`, day))
		w.Write([]byte(csvText))
	}
}

// AdminExportUsage downloads one day's assigned-vs-observed audit as CSV.
func AdminExportUsage(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day := r.URL.Query().Get("day")
		if day == "" {
			writeErrorResponse(w, http.StatusBadRequest, "Missing day parameter.")
			return
		}
		csvText, err := eng.ExportUsageCSV(day)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="usage_tracking_%s.csv"`, day))
		w.Write([]byte(csvText))
	}
}

// AdminExportAll downloads the full document as a JSON backup.
func AdminExportAll(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := eng.ExportStateJSON()
		if err != nil {
			writeError(w, logger, err)
			return
		}
		filename := fmt.Sprintf("gpu_scheduler_full_backup_%s.json", eng.Now().Format("20060102_150405"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
		w.Write(data)
	}
}
