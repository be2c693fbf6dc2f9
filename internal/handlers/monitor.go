package handlers

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/engine"
)

// GPUStatus ingests one monitor daemon report. Bearer auth is enforced by
// the MonitorAuth middleware.
func GPUStatus(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var report engine.UsageReport
		if err := decodeBody(r, &report); err != nil {
			writeError(w, logger, err)
			return
		}

		result, err := eng.IngestUsage(&report)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"ok":          true,
			"processed":   result.Processed,
			"slot":        result.Slot,
			"server_time": result.ServerTime,
			"clock_skew":  result.ClockSkew,
			"message":     fmt.Sprintf("Recorded %d GPU usage samples for slot %s", result.Processed, result.Slot),
		})
	}
}
