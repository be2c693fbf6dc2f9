package engine

import (
	"time"

	"github.com/slotbid/gpu-scheduler/internal/clock"
	"github.com/slotbid/gpu-scheduler/internal/ledger"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// DayMeta is one row of the overview's day list.
type DayMeta struct {
	Day              string `json:"day"`
	Status           string `json:"status"`
	OpenAt           string `json:"open_at"`
	CloseAt          string `json:"close_at"`
	FinalizedAt      string `json:"finalized_at,omitempty"`
	HasNotifications bool   `json:"has_notifications"`
}

// Overview is the landing view: the executing day, the open window, and
// the caller's credit summary.
type Overview struct {
	Now            string              `json:"now"`
	TimeZone       string              `json:"time_zone"`
	TransitionHour int                 `json:"transition_hour"`
	Days           []DayMeta           `json:"days"`
	User           *models.UserSummary `json:"user"`
}

// Overview assembles the day list under a single consistent snapshot.
func (e *Engine) Overview(username string) (*Overview, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	user, err := e.userLocked(username)
	if err != nil {
		return nil, err
	}

	now := e.clk.Now()
	out := &Overview{
		Now:            now.Format(time.RFC3339),
		TimeZone:       e.doc.Config.Timezone,
		TransitionHour: e.transitionHour(),
		User:           e.userSummaryLocked(user),
	}

	if execKey, execDay := e.doc.DayByStatus(models.DayStatusExecuting); execDay != nil {
		out.Days = append(out.Days, e.dayMetaLocked(execKey, execDay, username))
	}
	for _, key := range e.doc.DaysByStatus(models.DayStatusOpen) {
		out.Days = append(out.Days, e.dayMetaLocked(key, e.doc.Days[key], username))
	}
	return out, nil
}

func (e *Engine) dayMetaLocked(dayKey string, day *models.Day, username string) DayMeta {
	meta := DayMeta{
		Day:              dayKey,
		Status:           string(day.Status),
		FinalizedAt:      day.FinalizedAt,
		HasNotifications: e.hasNotificationsLocked(username, dayKey),
	}
	if start, err := e.cal.ParseDay(dayKey, e.transitionHour()); err == nil {
		meta.OpenAt = start.Format(time.RFC3339)
		meta.CloseAt = clock.DayCloseTime(start).Format(time.RFC3339)
	}
	return meta
}

// GridEntry is one GPU cell of the day grid.
type GridEntry struct {
	GPU                  int      `json:"gpu"`
	Price                int      `json:"price"`
	Winner               *string  `json:"winner"`
	ActualUser           *string  `json:"actual_user,omitempty"`
	Status               string   `json:"status"`
	IsMine               bool     `json:"isMine"`
	HasBid               bool     `json:"hasBid"`
	CanRelease           bool     `json:"canRelease"`
	LiveUsers            []string `json:"live_users"`
	MostFrequentUser     string   `json:"most_frequent_user,omitempty"`
	MostFrequentNonOwner string   `json:"most_frequent_non_owner,omitempty"`
	IsCurrentHour        bool     `json:"is_current_hour"`
}

// GridRow is one hour of the day grid. Rows render in logical order,
// starting at the transition hour.
type GridRow struct {
	Hour    int         `json:"hour"`
	Label   string      `json:"label"`
	Entries []GridEntry `json:"entries"`
}

// DayView is the full grid for one day.
type DayView struct {
	Day           string    `json:"day"`
	Status        string    `json:"status"`
	OpenAt        string    `json:"open_at"`
	CloseAt       string    `json:"close_at"`
	Rows          []GridRow `json:"rows"`
	LiveTimestamp string    `json:"live_timestamp,omitempty"`
	OutbidQueue   []string  `json:"outbid_queue"`
}

// DayView assembles the hour x GPU grid for a day. The global lock is held
// only to take the snapshot; serialization happens outside it.
func (e *Engine) DayView(dayKey, username string) (*DayView, error) {
	liveUsage, liveTS := e.live.snapshot()

	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	if _, err := e.userLocked(username); err != nil {
		return nil, err
	}
	day, ok := e.doc.Days[dayKey]
	if !ok {
		return nil, models.NewNotFoundError("Day not found", models.ErrDayNotFound).
			WithDetail("day", dayKey)
	}

	now := e.clk.Now()
	currentHourStart := clock.HourStart(now)
	th := e.transitionHour()

	view := &DayView{
		Day:         dayKey,
		Status:      string(day.Status),
		OutbidQueue: append([]string(nil), e.doc.Notifications[username][dayKey]...),
	}
	if start, err := e.cal.ParseDay(dayKey, th); err == nil {
		view.OpenAt = start.Format(time.RFC3339)
		view.CloseAt = clock.DayCloseTime(start).Format(time.RFC3339)
	}
	if !liveTS.IsZero() {
		view.LiveTimestamp = liveTS.Format(time.RFC3339)
	}

	for logical := 0; logical < clock.HoursPerDay; logical++ {
		hour := clock.LogicalToCalendarHour(logical, th)
		entries := day.Slots[models.HourKey(hour)]
		if entries == nil {
			continue
		}
		slotStart, startErr := e.cal.SlotStart(dayKey, hour)
		isCurrentHour := startErr == nil && slotStart.Equal(currentHourStart)

		row := GridRow{Hour: hour, Label: clock.FormatHourRange(hour)}
		for _, entry := range entries {
			cell := GridEntry{
				GPU:           entry.GPU,
				Price:         entry.Price,
				Winner:        entry.Winner,
				ActualUser:    entry.ActualUser,
				Status:        "open",
				IsMine:        entry.WinnerIs(username),
				HasBid:        entry.HasBidFrom(username),
				LiveUsers:     []string{},
				IsCurrentHour: isCurrentHour,
			}
			if day.Status != models.DayStatusOpen {
				cell.Status = "locked"
			}
			cell.CanRelease = day.Status == models.DayStatusExecuting &&
				entry.WinnerIs(username) &&
				startErr == nil && !slotStart.Before(now.Add(time.Hour))
			if isCurrentHour {
				if users, ok := liveUsage[entry.GPU]; ok {
					cell.LiveUsers = users
				}
			}
			if counts := e.doc.SamplesFor(dayKey, hour, entry.GPU); len(counts) > 0 {
				cell.MostFrequentUser = counts.MostFrequent()
				owner := ""
				if entry.Winner != nil {
					owner = *entry.Winner
				}
				cell.MostFrequentNonOwner = counts.MostFrequentExcluding(owner)
			}
			row.Entries = append(row.Entries, cell)
		}
		view.Rows = append(view.Rows, row)
	}
	return view, nil
}

// MySlot is one winning slot in the caller's summary.
type MySlot struct {
	Day   string `json:"day"`
	Hour  int    `json:"hour"`
	GPU   int    `json:"gpu"`
	Price int    `json:"price"`
}

// MyDaySummary lists the caller's winning slots for one visible day.
type MyDaySummary struct {
	Day    string   `json:"day"`
	Status string   `json:"status"`
	Slots  []MySlot `json:"slots"`
}

// MySummary lists the caller's winning slots on the executing and open days.
func (e *Engine) MySummary(username string) ([]MyDaySummary, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	if _, err := e.userLocked(username); err != nil {
		return nil, err
	}

	var keys []string
	if execKey, execDay := e.doc.DayByStatus(models.DayStatusExecuting); execDay != nil {
		keys = append(keys, execKey)
	}
	keys = append(keys, e.doc.DaysByStatus(models.DayStatusOpen)...)

	summaries := make([]MyDaySummary, 0, len(keys))
	for _, dayKey := range keys {
		day := e.doc.Days[dayKey]
		summary := MyDaySummary{Day: dayKey, Status: string(day.Status), Slots: []MySlot{}}
		for _, hourKey := range day.SortedHours() {
			for _, entry := range day.Slots[hourKey] {
				if entry.WinnerIs(username) {
					summary.Slots = append(summary.Slots, MySlot{
						Day:   dayKey,
						Hour:  atoiHour(hourKey),
						GPU:   entry.GPU,
						Price: entry.Price,
					})
				}
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// MyBid is one row of the caller's bid history, annotated with where the
// bid stands now.
type MyBid struct {
	models.BidLogEntry
	Status string `json:"status"`
}

// MyBids returns the caller's most recent bids, newest first.
func (e *Engine) MyBids(username string, limit int) ([]MyBid, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	if _, err := e.userLocked(username); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	bids := make([]MyBid, 0, limit)
	for i := len(e.doc.BidLog) - 1; i >= 0 && len(bids) < limit; i-- {
		item := e.doc.BidLog[i]
		if item.User != username {
			continue
		}
		status := "open"
		if day, ok := e.doc.Days[item.Day]; ok {
			if entry := day.Entry(item.Hour, item.GPU); entry != nil {
				switch {
				case entry.WinnerIs(username):
					status = "leading"
				case entry.Winner != nil:
					status = "lost"
				}
			}
		}
		bids = append(bids, MyBid{BidLogEntry: item, Status: status})
	}
	return bids, nil
}

// HistoryDays lists finalized days, newest first.
func (e *Engine) HistoryDays() []DayMeta {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	keys := e.doc.DaysByStatus(models.DayStatusFinal)
	out := make([]DayMeta, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		out = append(out, e.dayMetaLocked(keys[i], e.doc.Days[keys[i]], ""))
	}
	return out
}

// HistoryDay returns the grid of one finalized day.
func (e *Engine) HistoryDay(dayKey, username string) (*DayView, error) {
	unlockGlobal := e.locks.Global()
	day, ok := e.doc.Days[dayKey]
	isFinal := ok && day.Status == models.DayStatusFinal
	unlockGlobal()
	if !isFinal {
		return nil, models.NewNotFoundError("Historical day not found", models.ErrDayNotFound).
			WithDetail("day", dayKey)
	}
	return e.DayView(dayKey, username)
}

// SessionSummary returns the caller's credit summary.
func (e *Engine) SessionSummary(username string) (*models.UserSummary, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	user, err := e.userLocked(username)
	if err != nil {
		return nil, err
	}
	return e.userSummaryLocked(user), nil
}

// userSummaryLocked derives the API view of a user. Callers hold the
// global lock.
func (e *Engine) userSummaryLocked(user *models.User) *models.UserSummary {
	committed := ledger.Committed(e.doc, user.Username)
	return &models.UserSummary{
		Username:     user.Username,
		Role:         user.Role,
		Balance:      user.Balance,
		WeeklyBudget: user.WeeklyBudget,
		Committed:    committed,
		Available:    ledger.Available(e.doc, user),
	}
}
