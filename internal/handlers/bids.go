package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/engine"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// PlaceBid handles a single unit-increment bid.
func PlaceBid(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ref models.SlotRef
		if err := decodeBody(r, &ref); err != nil {
			writeError(w, logger, err)
			return
		}

		result, err := eng.PlaceBid(usernameFrom(r), ref)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":       true,
			"price":    result.Price,
			"winner":   result.Winner,
			"previous": map[string]interface{}{
				"winner": result.PreviousWinner,
				"price":  result.PreviousPrice,
			},
		})
	}
}

// PlaceBulkBid handles the all-or-nothing batch variant.
func PlaceBulkBid(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Bids []models.SlotRef `json:"bids"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		result, err := eng.PlaceBulk(usernameFrom(r), req.Bids)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":         true,
			"results":    result.Results,
			"count":      len(result.Results),
			"total_cost": result.TotalCost,
		})
	}
}

// UndoBid handles a bid rewind against the recorded previous state.
func UndoBid(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			models.SlotRef
			PreviousWinner *string `json:"previous_winner"`
			PreviousPrice  int     `json:"previous_price"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		if err := eng.UndoBid(usernameFrom(r), req.SlotRef, req.PreviousWinner, req.PreviousPrice); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true, "reverted": true})
	}
}

// DismissOutbid clears the caller's outbid queue for a day.
func DismissOutbid(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Day string `json:"day"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		if req.Day == "" {
			writeErrorResponse(w, http.StatusBadRequest, "day required")
			return
		}

		dismissed, err := eng.DismissOutbid(usernameFrom(r), req.Day)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"ok": true, "dismissed": dismissed})
	}
}
