package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/engine"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// ReleaseSlot surrenders one future slot of the executing day.
func ReleaseSlot(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ref models.SlotRef
		if err := decodeBody(r, &ref); err != nil {
			writeError(w, logger, err)
			return
		}

		result, err := eng.ReleaseSlot(usernameFrom(r), ref)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":          true,
			"released":    true,
			"refund":      result.Refund,
			"new_balance": result.NewBalance,
		})
	}
}

// ReleaseSlotsBulk surrenders a batch of slots, skipping invalid ones.
func ReleaseSlotsBulk(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Slots []models.SlotRef `json:"slots"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		result, err := eng.ReleaseBulk(usernameFrom(r), req.Slots)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":             true,
			"released_count": result.Released,
			"total_refund":   result.Refund,
			"new_balance":    result.NewBalance,
		})
	}
}
