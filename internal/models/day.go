package models

import (
	"fmt"
	"sort"
)

// DayStatus represents where a day sits in its lifecycle.
type DayStatus string

const (
	DayStatusFuture    DayStatus = "future"
	DayStatusOpen      DayStatus = "open"
	DayStatusExecuting DayStatus = "executing"
	DayStatusFinal     DayStatus = "final"
)

// BidRecord is one entry in a slot's bid log.
type BidRecord struct {
	User      string `json:"user"`
	Price     int    `json:"price"`
	Timestamp string `json:"ts"`
	Undone    bool   `json:"undone,omitempty"`
}

// SlotEntry is the auction state of one GPU within one hour. Winner is nil
// while the slot is unclaimed; ActualUser is set exactly once, at day
// finalization, from the usage samples.
type SlotEntry struct {
	GPU        int         `json:"gpu"`
	Price      int         `json:"price"`
	Winner     *string     `json:"winner"`
	Bids       []BidRecord `json:"bids"`
	ActualUser *string     `json:"actual_user,omitempty"`
	Finalized  bool        `json:"finalized,omitempty"`
}

// WinnerIs reports whether username currently holds the slot.
func (s *SlotEntry) WinnerIs(username string) bool {
	return s.Winner != nil && *s.Winner == username
}

// HasBidFrom reports whether username appears anywhere in the bid log.
func (s *SlotEntry) HasBidFrom(username string) bool {
	for _, b := range s.Bids {
		if b.User == username {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *SlotEntry) Clone() *SlotEntry {
	c := *s
	if s.Winner != nil {
		w := *s.Winner
		c.Winner = &w
	}
	if s.ActualUser != nil {
		a := *s.ActualUser
		c.ActualUser = &a
	}
	c.Bids = append([]BidRecord(nil), s.Bids...)
	return &c
}

// Day holds 24 hours of slots. Slots is keyed by the two-digit calendar
// hour ("00".."23"); each value is one entry per GPU, in GPU order.
type Day struct {
	Status      DayStatus               `json:"status"`
	FinalizedAt string                  `json:"finalized_at,omitempty"`
	Slots       map[string][]*SlotEntry `json:"slots"`
}

// HourKey formats an hour for use as a Slots key.
func HourKey(hour int) string {
	return fmt.Sprintf("%02d", hour)
}

// NewDay creates a day with empty slots for every hour and GPU.
func NewDay(status DayStatus, numGPUs int) *Day {
	slots := make(map[string][]*SlotEntry, 24)
	for hour := 0; hour < 24; hour++ {
		entries := make([]*SlotEntry, numGPUs)
		for gpu := 0; gpu < numGPUs; gpu++ {
			entries[gpu] = &SlotEntry{GPU: gpu, Price: 0, Winner: nil, Bids: []BidRecord{}}
		}
		slots[HourKey(hour)] = entries
	}
	return &Day{Status: status, Slots: slots}
}

// Entry returns the slot entry at (hour, gpu), or nil when out of range.
func (d *Day) Entry(hour, gpu int) *SlotEntry {
	entries, ok := d.Slots[HourKey(hour)]
	if !ok || gpu < 0 || gpu >= len(entries) {
		return nil
	}
	return entries[gpu]
}

// HasWinners reports whether any slot in the day is claimed.
func (d *Day) HasWinners() bool {
	for _, entries := range d.Slots {
		for _, e := range entries {
			if e.Winner != nil {
				return true
			}
		}
	}
	return false
}

// SortedHours returns the day's hour keys in ascending calendar order.
func (d *Day) SortedHours() []string {
	hours := make([]string, 0, len(d.Slots))
	for h := range d.Slots {
		hours = append(hours, h)
	}
	sort.Strings(hours)
	return hours
}

// Clone returns a deep copy.
func (d *Day) Clone() *Day {
	c := &Day{Status: d.Status, FinalizedAt: d.FinalizedAt, Slots: make(map[string][]*SlotEntry, len(d.Slots))}
	for h, entries := range d.Slots {
		cloned := make([]*SlotEntry, len(entries))
		for i, e := range entries {
			cloned[i] = e.Clone()
		}
		c.Slots[h] = cloned
	}
	return c
}

// BidLogEntry is one row of the rolling global bid history.
type BidLogEntry struct {
	User      string `json:"user"`
	Day       string `json:"day"`
	Hour      int    `json:"hour"`
	GPU       int    `json:"gpu"`
	Price     int    `json:"price"`
	Timestamp string `json:"ts"`
}

// SlotRef identifies one (day, hour, gpu) triple.
type SlotRef struct {
	Day  string `json:"day"`
	Hour int    `json:"hour"`
	GPU  int    `json:"gpu"`
}

// Key renders the canonical lock/notification key "day|dayTHH:00|gpu".
func (r SlotRef) Key() string {
	return fmt.Sprintf("%s|%sT%02d:00|%d", r.Day, r.Day, r.Hour, r.GPU)
}

// Less orders refs lexicographically on (day, hour, gpu); the canonical
// lock-acquisition order.
func (r SlotRef) Less(other SlotRef) bool {
	if r.Day != other.Day {
		return r.Day < other.Day
	}
	if r.Hour != other.Hour {
		return r.Hour < other.Hour
	}
	return r.GPU < other.GPU
}
