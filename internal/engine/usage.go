package engine

import (
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/clock"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// clockSkewWarnThreshold is how far the monitor's own timestamp may drift
// from server time before we warn. Skewed reports are still processed;
// server time is authoritative.
const clockSkewWarnThreshold = 5 * time.Minute

// liveUsage is the transient per-current-hour view of who is on each GPU.
// It has its own mutex so monitor reads never contend with bidding.
type liveUsage struct {
	mu    sync.Mutex
	usage map[int][]string
	ts    time.Time
}

func newLiveUsage() *liveUsage {
	return &liveUsage{usage: make(map[int][]string)}
}

func (l *liveUsage) set(usage map[int][]string, ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage = usage
	l.ts = ts
}

func (l *liveUsage) snapshot() (map[int][]string, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := make(map[int][]string, len(l.usage))
	for gpu, users := range l.usage {
		copied[gpu] = append([]string(nil), users...)
	}
	return copied, l.ts
}

func (l *liveUsage) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage = make(map[int][]string)
	l.ts = time.Time{}
}

// UsageReport is the monitor daemon's payload: GPU index (as a string key)
// to the usernames currently observed on that GPU. The timestamp is
// advisory and only checked for clock skew.
type UsageReport struct {
	Timestamp string              `json:"timestamp,omitempty"`
	Usage     map[string][]string `json:"usage"`
}

// IngestResult summarizes one processed report.
type IngestResult struct {
	Processed  int    `json:"processed"`
	Slot       string `json:"slot"`
	ServerTime string `json:"server_time"`
	ClockSkew  string `json:"clock_skew"`
}

// IngestUsage records one monitor report against the current hour: the
// live view is overwritten and each observed (gpu, user) pair increments
// the hour's sample counter.
func (e *Engine) IngestUsage(report *UsageReport) (*IngestResult, error) {
	if report.Usage == nil {
		return nil, models.NewValidationError("Missing or invalid 'usage' field")
	}

	now := e.clk.Now()
	skew := "N/A"
	if report.Timestamp != "" {
		if daemonTime, err := time.Parse(time.RFC3339, report.Timestamp); err != nil {
			e.logger.Warn("Monitor report carries malformed timestamp",
				zap.String("timestamp", report.Timestamp),
				zap.Error(err),
			)
		} else {
			drift := time.Duration(math.Abs(float64(now.Sub(daemonTime))))
			skew = drift.Truncate(time.Second).String()
			if drift > clockSkewWarnThreshold {
				e.logger.Warn("Monitor clock skew detected",
					zap.Duration("skew", drift),
					zap.Time("server", now),
					zap.Time("daemon", daemonTime),
				)
			}
		}
	}

	numGPUs := e.NumGPUs()
	parsed := make(map[int][]string, len(report.Usage))
	for gpuKey, users := range report.Usage {
		gpu, err := strconv.Atoi(gpuKey)
		if err != nil || gpu < 0 || gpu >= numGPUs {
			continue
		}
		clean := make([]string, 0, len(users))
		for _, u := range users {
			if u != "" {
				clean = append(clean, u)
			}
		}
		parsed[gpu] = clean
	}

	e.live.set(parsed, now)

	// Server time decides the slot being sampled.
	dayKey := now.Format(clock.DayKeyLayout)
	hour := now.Hour()

	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	snapshot := e.doc.Clone()
	processed := 0
	for gpu, users := range parsed {
		for _, user := range users {
			e.doc.RecordSample(dayKey, hour, gpu, user)
			processed++
		}
	}
	if processed > 0 {
		if err := e.persistLocked(snapshot); err != nil {
			return nil, err
		}
	}

	return &IngestResult{
		Processed:  processed,
		Slot:       clock.SlotID(dayKey, hour),
		ServerTime: now.Format(time.RFC3339),
		ClockSkew:  skew,
	}, nil
}

// LiveStatus is the current hour's observed usage.
type LiveStatus struct {
	Usage     map[string][]string `json:"usage"`
	Timestamp string              `json:"timestamp,omitempty"`
	GPUCount  int                 `json:"gpu_count"`
}

// LiveGPUStatus returns the current hour's live users per GPU.
func (e *Engine) LiveGPUStatus() *LiveStatus {
	usage, ts := e.live.snapshot()
	out := make(map[string][]string, len(usage))
	for gpu, users := range usage {
		out[strconv.Itoa(gpu)] = users
	}
	status := &LiveStatus{Usage: out, GPUCount: e.NumGPUs()}
	if !ts.IsZero() {
		status.Timestamp = ts.Format(time.RFC3339)
	}
	return status
}
