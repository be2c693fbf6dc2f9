package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// DocumentVersion identifies the credit-accounting semantics of the store.
// v1: legacy additive daily refill, no rollover. v2: rollover fraction
// without a per-day marker. v3: rollover keyed by rollover_applied_for_day,
// applied at most once per finalized day.
const DocumentVersion = 3

// DocConfig is the slice of configuration persisted with the document so
// that a store file is self-describing.
type DocConfig struct {
	NumGPUs             int    `json:"num_gpus"`
	TransitionHour      int    `json:"transition_hour"`
	Rollover            string `json:"rollover"`
	Refund              string `json:"refund"`
	PlanningHorizonDays int    `json:"planning_horizon_days"`
	SessionTTLSeconds   int    `json:"session_ttl_seconds"`
	Timezone            string `json:"timezone"`
}

// Document is the single JSON-shaped value owned by the engine. All shared
// state lives here; mutation routes through the engine's global lock.
//
// Notifications maps username -> day key -> ordered slot keys the user was
// outbid on since their last dismissal for that day.
type Document struct {
	Version       int                            `json:"version"`
	Config        DocConfig                      `json:"config"`
	Users         map[string]*User               `json:"users"`
	Days          map[string]*Day                `json:"days"`
	UsageSamples  map[string]DaySamples          `json:"usage_samples"`
	Notifications map[string]map[string][]string `json:"notifications"`
	BidLog        []BidLogEntry                  `json:"bid_log"`

	// Extra holds top-level fields this version does not understand, so a
	// load->save cycle never drops them.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownDocumentKeys are the top-level fields the typed struct owns.
var knownDocumentKeys = map[string]bool{
	"version":       true,
	"config":        true,
	"users":         true,
	"days":          true,
	"usage_samples": true,
	"notifications": true,
	"bid_log":       true,
}

// NewDocument creates an empty document stamped with the current version.
func NewDocument(cfg DocConfig) *Document {
	return &Document{
		Version:       DocumentVersion,
		Config:        cfg,
		Users:         make(map[string]*User),
		Days:          make(map[string]*Day),
		UsageSamples:  make(map[string]DaySamples),
		Notifications: make(map[string]map[string][]string),
		BidLog:        []BidLogEntry{},
	}
}

// UnmarshalJSON decodes the known fields and stashes everything else in
// Extra for round-trip preservation.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("document is not a JSON object: %w", err)
	}

	type alias Document
	var typed alias
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	*d = Document(typed)

	for key, value := range raw {
		if knownDocumentKeys[key] {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]json.RawMessage)
		}
		d.Extra[key] = value
	}

	if d.Users == nil {
		d.Users = make(map[string]*User)
	}
	if d.Days == nil {
		d.Days = make(map[string]*Day)
	}
	if d.UsageSamples == nil {
		d.UsageSamples = make(map[string]DaySamples)
	}
	if d.Notifications == nil {
		d.Notifications = make(map[string]map[string][]string)
	}
	if d.BidLog == nil {
		d.BidLog = []BidLogEntry{}
	}
	return nil
}

// MarshalJSON merges the typed fields with the preserved unknown fields.
func (d *Document) MarshalJSON() ([]byte, error) {
	type alias Document
	typed, err := json.Marshal((*alias)(d))
	if err != nil {
		return nil, err
	}

	if len(d.Extra) == 0 {
		return typed, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(typed, &merged); err != nil {
		return nil, err
	}
	for key, value := range d.Extra {
		if _, taken := merged[key]; !taken {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy; the rollback snapshot for persisted mutations.
func (d *Document) Clone() *Document {
	c := &Document{
		Version:       d.Version,
		Config:        d.Config,
		Users:         make(map[string]*User, len(d.Users)),
		Days:          make(map[string]*Day, len(d.Days)),
		UsageSamples:  make(map[string]DaySamples, len(d.UsageSamples)),
		Notifications: make(map[string]map[string][]string, len(d.Notifications)),
		BidLog:        append([]BidLogEntry(nil), d.BidLog...),
	}
	for name, u := range d.Users {
		c.Users[name] = u.Clone()
	}
	for key, day := range d.Days {
		c.Days[key] = day.Clone()
	}
	for key, samples := range d.UsageSamples {
		c.UsageSamples[key] = samples.Clone()
	}
	for user, byDay := range d.Notifications {
		cloned := make(map[string][]string, len(byDay))
		for day, keys := range byDay {
			cloned[day] = append([]string(nil), keys...)
		}
		c.Notifications[user] = cloned
	}
	if d.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// DayByStatus returns the first day (in key order) with the given status.
func (d *Document) DayByStatus(status DayStatus) (string, *Day) {
	var foundKey string
	var found *Day
	for key, day := range d.Days {
		if day.Status != status {
			continue
		}
		if found == nil || key < foundKey {
			foundKey, found = key, day
		}
	}
	return foundKey, found
}

// DaysByStatus returns all days with the given status, sorted by key.
func (d *Document) DaysByStatus(status DayStatus) []string {
	var keys []string
	for key, day := range d.Days {
		if day.Status == status {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// SamplesFor returns the sample counts at (day, hour, gpu), or nil.
func (d *Document) SamplesFor(dayKey string, hour, gpu int) SampleCounts {
	daySamples, ok := d.UsageSamples[dayKey]
	if !ok {
		return nil
	}
	hourSamples, ok := daySamples[HourKey(hour)]
	if !ok {
		return nil
	}
	return hourSamples[strconv.Itoa(gpu)]
}

// RecordSample increments the tally for user at (day, hour, gpu).
func (d *Document) RecordSample(dayKey string, hour, gpu int, user string) {
	daySamples, ok := d.UsageSamples[dayKey]
	if !ok {
		daySamples = make(DaySamples)
		d.UsageSamples[dayKey] = daySamples
	}
	hourKey := HourKey(hour)
	hourSamples, ok := daySamples[hourKey]
	if !ok {
		hourSamples = make(HourSamples)
		daySamples[hourKey] = hourSamples
	}
	gpuKey := strconv.Itoa(gpu)
	hourSamples[gpuKey] = hourSamples[gpuKey].Increment(user)
}
