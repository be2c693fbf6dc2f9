// Package export renders finalized and executing days as CSV for admin
// download: the schedule itself and the usage audit comparing assigned
// winners to observed users.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/slotbid/gpu-scheduler/internal/clock"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// ScheduleCSV renders one day's slot assignments. Times are exported in
// UTC so downstream tooling does not depend on the display timezone.
func ScheduleCSV(doc *models.Document, cal *clock.Calendar, dayKey string) (string, error) {
	day, err := exportableDay(doc, dayKey)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"slot_id", "gpu_index", "start_time_utc", "end_time_utc", "winner_username", "final_price"})

	for _, hourKey := range day.SortedHours() {
		hour, _ := strconv.Atoi(hourKey)
		start, err := cal.SlotStart(dayKey, hour)
		if err != nil {
			continue
		}
		startUTC := start.UTC()
		endUTC := startUTC.Add(time.Hour)
		for _, entry := range day.Slots[hourKey] {
			winner := ""
			if entry.Winner != nil {
				winner = *entry.Winner
			}
			w.Write([]string{
				fmt.Sprintf("%s_gpu%d", clock.SlotID(dayKey, hour), entry.GPU),
				strconv.Itoa(entry.GPU),
				startUTC.Format(time.RFC3339),
				endUTC.Format(time.RFC3339),
				winner,
				strconv.Itoa(entry.Price),
			})
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

// UsageAuditCSV renders the assigned-vs-observed audit for one day. Every
// slot is classified: empty, match, mismatch, no_show (winner never
// observed), or squatter (observed use of an unclaimed slot).
func UsageAuditCSV(doc *models.Document, cal *clock.Calendar, dayKey string) (string, error) {
	day, err := exportableDay(doc, dayKey)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{
		"slot_id", "gpu_index", "start_time_utc", "end_time_utc",
		"assigned_user", "actual_user", "match_status", "all_users_detected", "sample_counts",
	})

	for _, hourKey := range day.SortedHours() {
		hour, _ := strconv.Atoi(hourKey)
		start, err := cal.SlotStart(dayKey, hour)
		if err != nil {
			continue
		}
		startUTC := start.UTC()
		endUTC := startUTC.Add(time.Hour)
		for _, entry := range day.Slots[hourKey] {
			assigned := ""
			if entry.Winner != nil {
				assigned = *entry.Winner
			}
			actual := ""
			if entry.ActualUser != nil {
				actual = *entry.ActualUser
			}
			counts := doc.SamplesFor(dayKey, hour, entry.GPU)
			w.Write([]string{
				fmt.Sprintf("%s_gpu%d", clock.SlotID(dayKey, hour), entry.GPU),
				strconv.Itoa(entry.GPU),
				startUTC.Format(time.RFC3339),
				endUTC.Format(time.RFC3339),
				assigned,
				actual,
				matchStatus(assigned, actual),
				usersDetected(counts),
				sampleCounts(counts),
			})
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

func exportableDay(doc *models.Document, dayKey string) (*models.Day, error) {
	day, ok := doc.Days[dayKey]
	if !ok {
		return nil, models.NewNotFoundError("Day not found", models.ErrDayNotFound).
			WithDetail("day", dayKey)
	}
	if day.Status != models.DayStatusFinal && day.Status != models.DayStatusExecuting {
		return nil, models.NewValidationError("Day not ready for export").
			WithDetail("status", string(day.Status))
	}
	return day, nil
}

func matchStatus(assigned, actual string) string {
	switch {
	case assigned == "" && actual == "":
		return "empty"
	case assigned == "":
		return "squatter"
	case actual == "":
		return "no_show"
	case assigned == actual:
		return "match"
	default:
		return "mismatch"
	}
}

// byCountDesc orders counts highest first, stable across equal counts.
func byCountDesc(counts models.SampleCounts) models.SampleCounts {
	sorted := counts.Clone()
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Count > sorted[j].Count })
	return sorted
}

func usersDetected(counts models.SampleCounts) string {
	var buf bytes.Buffer
	for i, uc := range byCountDesc(counts) {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s(%d)", uc.User, uc.Count)
	}
	return buf.String()
}

func sampleCounts(counts models.SampleCounts) string {
	var buf bytes.Buffer
	for i, uc := range byCountDesc(counts) {
		if i > 0 {
			buf.WriteString(";")
		}
		fmt.Fprintf(&buf, "%s:%d", uc.User, uc.Count)
	}
	return buf.String()
}
