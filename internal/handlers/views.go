package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/engine"
)

// Overview returns the day list and the caller's credit summary.
func Overview(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overview, err := eng.Overview(usernameFrom(r))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, overview)
	}
}

// DayGrid returns the hour x GPU grid for ?date=YYYY-MM-DD.
func DayGrid(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			writeErrorResponse(w, http.StatusBadRequest, "Missing date parameter.")
			return
		}
		view, err := eng.DayView(date, usernameFrom(r))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, view)
	}
}

// MySummary lists the caller's winning slots per visible day.
func MySummary(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := eng.MySummary(usernameFrom(r))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"days": summaries})
	}
}

// MyBids returns the caller's recent bid history.
func MyBids(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				limit = parsed
			}
		}
		bids, err := eng.MyBids(usernameFrom(r), limit)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"bids": bids})
	}
}

// HistoryDays lists finalized days, newest first.
func HistoryDays(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"days": eng.HistoryDays()})
	}
}

// HistoryDay returns the grid of one finalized day.
func HistoryDay(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			writeErrorResponse(w, http.StatusBadRequest, "Missing date parameter.")
			return
		}
		view, err := eng.HistoryDay(date, usernameFrom(r))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, view)
	}
}

// LiveGPUStatus returns the current hour's observed usage. Public.
func LiveGPUStatus(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := eng.LiveGPUStatus()
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":        true,
			"usage":     status.Usage,
			"timestamp": status.Timestamp,
			"gpu_count": status.GPUCount,
		})
	}
}
