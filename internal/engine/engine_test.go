package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/clock"
	"github.com/slotbid/gpu-scheduler/internal/config"
	"github.com/slotbid/gpu-scheduler/internal/models"
	"github.com/slotbid/gpu-scheduler/internal/store"
)

// fakeClock lets tests drive the lifecycle explicitly.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()

	cal, err := clock.NewCalendar("America/New_York")
	require.NoError(t, err)

	// Noon on a fixed date; the executing day is 2025-06-15.
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, cal.Location())
	clk := &fakeClock{now: start}

	cfg := &config.Config{
		Port:                ":0",
		LogLevel:            "info",
		DataDir:             t.TempDir(),
		Timezone:            "America/New_York",
		NumGPUs:             8,
		TransitionHour:      0,
		PlanningHorizonDays: 6,
		RolloverFraction:    "0.5",
		ReleaseRefund:       "0.34",
		SessionTTL:          12 * time.Hour,
	}

	st, err := store.New(cfg.DataDir, zap.NewNop())
	require.NoError(t, err)

	eng, err := New(cfg, clk, cal, st, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Tick())

	return eng, clk
}

func addUser(t *testing.T, eng *Engine, username string, budget int) {
	t.Helper()
	_, err := eng.CreateUser(username, username, models.RoleUser, budget)
	require.NoError(t, err)
}

func ref(day string, hour, gpu int) models.SlotRef {
	return models.SlotRef{Day: day, Hour: hour, GPU: gpu}
}

const (
	execDay = "2025-06-15"
	openDay = "2025-06-16"
)

func TestTickInitializesCalendar(t *testing.T) {
	eng, _ := newTestEngine(t)

	key, day := eng.doc.DayByStatus(models.DayStatusExecuting)
	require.NotNil(t, day)
	assert.Equal(t, execDay, key)

	openDays := eng.doc.DaysByStatus(models.DayStatusOpen)
	assert.Equal(t, []string{"2025-06-16", "2025-06-17", "2025-06-18", "2025-06-19", "2025-06-20", "2025-06-21"}, openDays)

	// Tick is idempotent within the same minute.
	require.NoError(t, eng.Tick())
	assert.Len(t, eng.doc.DaysByStatus(models.DayStatusOpen), 6)
}

func TestBidPingPongAndNotifications(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 10)
	addUser(t, eng, "bob", 10)

	slot := ref(openDay, 14, 3)

	res, err := eng.PlaceBid("alice", slot)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Price)
	assert.Equal(t, "alice", res.Winner)
	assert.Nil(t, res.PreviousWinner)

	res, err = eng.PlaceBid("bob", slot)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Price)
	require.NotNil(t, res.PreviousWinner)
	assert.Equal(t, "alice", *res.PreviousWinner)
	assert.Equal(t, 1, res.PreviousPrice)

	// Alice was displaced; her queue for the day holds the slot key.
	assert.Equal(t, []string{openDay + "|" + openDay + "T14:00|3"}, eng.doc.Notifications["alice"][openDay])
	assert.True(t, eng.hasNotificationsLocked("alice", openDay))

	res, err = eng.PlaceBid("alice", slot)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Price)

	aliceSummary, err := eng.SessionSummary("alice")
	require.NoError(t, err)
	assert.Equal(t, 3, aliceSummary.Committed)
	assert.Equal(t, "7", aliceSummary.Available.String())

	bobSummary, err := eng.SessionSummary("bob")
	require.NoError(t, err)
	assert.Equal(t, 0, bobSummary.Committed)
	assert.Equal(t, "10", bobSummary.Available.String())
}

func TestBidPriceMonotoneAndLogConsistent(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 100)
	addUser(t, eng, "bob", 100)

	slot := ref(openDay, 9, 0)
	last := 0
	for i := 0; i < 6; i++ {
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		res, err := eng.PlaceBid(user, slot)
		require.NoError(t, err)
		assert.Greater(t, res.Price, last)
		last = res.Price
	}

	entry := eng.doc.Days[openDay].Entry(9, 0)
	assert.Equal(t, 6, entry.Price)
	assert.Len(t, entry.Bids, 6)
	assert.Equal(t, *entry.Winner, entry.Bids[len(entry.Bids)-1].User)
}

func TestBidInsufficientCredits(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 2)

	require.NoError(t, nilErr(eng.PlaceBid("alice", ref(openDay, 10, 0))))
	require.NoError(t, nilErr(eng.PlaceBid("alice", ref(openDay, 11, 0))))

	_, err := eng.PlaceBid("alice", ref(openDay, 12, 0))
	require.Error(t, err)
	assert.Equal(t, models.KindInsufficientCredits, models.KindOf(err))
}

func nilErr(_ *BidResult, err error) error { return err }

func TestBidRejectedOnNonOpenDay(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 10)

	_, err := eng.PlaceBid("alice", ref(execDay, 14, 0))
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = eng.PlaceBid("alice", ref("2030-01-01", 14, 0))
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestBulkBidAtomicRejection(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 5)

	refs := make([]models.SlotRef, 0, 8)
	for gpu := 0; gpu < 8; gpu++ {
		refs = append(refs, ref(openDay, 10, gpu))
	}

	// Eight empty slots cost 8; alice has 5. The whole batch dies.
	_, err := eng.PlaceBulk("alice", refs)
	require.Error(t, err)
	assert.Equal(t, models.KindInsufficientCredits, models.KindOf(err))

	for gpu := 0; gpu < 8; gpu++ {
		entry := eng.doc.Days[openDay].Entry(10, gpu)
		assert.Equal(t, 0, entry.Price)
		assert.Nil(t, entry.Winner)
		assert.Empty(t, entry.Bids)
	}
}

func TestBulkBidSuccessAndDeduplication(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 10)

	refs := []models.SlotRef{
		ref(openDay, 10, 1),
		ref(openDay, 10, 0),
		ref(openDay, 10, 1), // duplicate
		ref(openDay, 11, 0),
	}
	result, err := eng.PlaceBulk("alice", refs)
	require.NoError(t, err)
	assert.Len(t, result.Results, 3)
	assert.Equal(t, 3, result.TotalCost)

	// Results come back in canonical sorted order.
	assert.Equal(t, ref(openDay, 10, 0), result.Results[0].Slot)
	assert.Equal(t, ref(openDay, 10, 1), result.Results[1].Slot)
	assert.Equal(t, ref(openDay, 11, 0), result.Results[2].Slot)
}

func TestUndoBid(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 10)
	addUser(t, eng, "bob", 10)

	slot := ref(openDay, 8, 2)

	res, err := eng.PlaceBid("alice", slot)
	require.NoError(t, err)

	// Undo back to unclaimed.
	require.NoError(t, eng.UndoBid("alice", slot, res.PreviousWinner, res.PreviousPrice))
	entry := eng.doc.Days[openDay].Entry(8, 2)
	assert.Nil(t, entry.Winner)
	assert.Equal(t, 0, entry.Price)
	require.Len(t, entry.Bids, 1)
	assert.True(t, entry.Bids[0].Undone)

	// Re-bid, then have bob outbid; alice's stale undo must be rejected.
	res, err = eng.PlaceBid("alice", slot)
	require.NoError(t, err)
	_, err = eng.PlaceBid("bob", slot)
	require.NoError(t, err)

	err = eng.UndoBid("alice", slot, res.PreviousWinner, res.PreviousPrice)
	require.Error(t, err)
	assert.Equal(t, models.KindConflict, models.KindOf(err))

	// Bob's bid displaced alice; undoing it would rewind a third party's
	// state, which is never allowed.
	alice := "alice"
	err = eng.UndoBid("bob", slot, &alice, 1)
	require.Error(t, err)
	assert.Equal(t, models.KindForbidden, models.KindOf(err))
}

func TestTransitionChargesWinnersAndClearsNotifications(t *testing.T) {
	eng, clk := newTestEngine(t)
	addUser(t, eng, "alice", 10)
	addUser(t, eng, "bob", 10)

	// Alice wins three slots at prices 1, 2, 1; bob one at 4.
	_, err := eng.PlaceBid("alice", ref(openDay, 9, 0))
	require.NoError(t, err)
	_, err = eng.PlaceBid("bob", ref(openDay, 9, 1))
	require.NoError(t, err)
	_, err = eng.PlaceBid("alice", ref(openDay, 9, 1)) // 2, displaces bob
	require.NoError(t, err)
	_, err = eng.PlaceBid("alice", ref(openDay, 9, 2))
	require.NoError(t, err)
	// Alternating war on gpu 3 ends with bob holding it at 4.
	for i := 0; i < 4; i++ {
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		_, err = eng.PlaceBid(user, ref(openDay, 9, 3))
		require.NoError(t, err)
	}

	require.NotEmpty(t, eng.doc.Notifications["bob"][openDay])

	// Cross the day boundary: 2025-06-15 finalizes, 2025-06-16 executes.
	clk.advance(24 * time.Hour)
	require.NoError(t, eng.Tick())

	assert.Equal(t, models.DayStatusFinal, eng.doc.Days[execDay].Status)
	assert.Equal(t, models.DayStatusExecuting, eng.doc.Days[openDay].Status)

	// Finalizing the old executing day applies rollover first:
	// min(10, 10)*0.5 + 10 = 15. Promotion then debits commitments.
	alice := eng.doc.Users["alice"]
	bob := eng.doc.Users["bob"]
	assert.Equal(t, "11", alice.Balance.String()) // 15 - (1+2+1)
	assert.Equal(t, "11", bob.Balance.String())   // 15 - 4

	// Notification queues for the promoted day are gone.
	assert.Empty(t, eng.doc.Notifications["bob"][openDay])
	assert.False(t, eng.hasNotificationsLocked("bob", openDay))

	// The open window slid forward.
	openDays := eng.doc.DaysByStatus(models.DayStatusOpen)
	assert.Equal(t, "2025-06-17", openDays[0])
	assert.Equal(t, "2025-06-22", openDays[len(openDays)-1])
}

func TestAtMostOneExecutingDayDuringCatchUp(t *testing.T) {
	eng, clk := newTestEngine(t)

	// Three days of downtime; each tick performs bounded catch-up.
	clk.advance(72 * time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, eng.Tick())
		count := 0
		for _, day := range eng.doc.Days {
			if day.Status == models.DayStatusExecuting {
				count++
			}
		}
		assert.LessOrEqual(t, count, 1)
	}

	key, day := eng.doc.DayByStatus(models.DayStatusExecuting)
	require.NotNil(t, day)
	assert.Equal(t, "2025-06-18", key)
}

func TestReleaseSlotRefundsAndClears(t *testing.T) {
	eng, clk := newTestEngine(t)
	addUser(t, eng, "alice", 10)

	_, err := eng.PlaceBid("alice", ref(openDay, 20, 5))
	require.NoError(t, err)
	_, err = eng.PlaceBid("alice", ref(openDay, 12, 5))
	require.NoError(t, err)

	// Promote the open day so its slots become releasable.
	clk.advance(24 * time.Hour) // now noon on 2025-06-16
	require.NoError(t, eng.Tick())
	require.Equal(t, models.DayStatusExecuting, eng.doc.Days[openDay].Status)

	balanceBefore := eng.doc.Users["alice"].Balance

	// Hour 20 starts 8 hours from "now" (noon), safely releasable.
	result, err := eng.ReleaseSlot("alice", ref(openDay, 20, 5))
	require.NoError(t, err)
	assert.Equal(t, "0.34", result.Refund.String())
	assert.Equal(t, balanceBefore.Add(decimal.RequireFromString("0.34")).String(), result.NewBalance.String())

	entry := eng.doc.Days[openDay].Entry(20, 5)
	assert.Nil(t, entry.Winner)
	assert.Equal(t, 0, entry.Price)
	assert.Empty(t, entry.Bids)

	// A current-hour slot cannot be released, even by its holder.
	_, err = eng.ReleaseSlot("alice", ref(openDay, 12, 5))
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestReleaseBulkSkipsInvalid(t *testing.T) {
	eng, clk := newTestEngine(t)
	addUser(t, eng, "alice", 10)

	_, err := eng.PlaceBid("alice", ref(openDay, 20, 0))
	require.NoError(t, err)
	_, err = eng.PlaceBid("alice", ref(openDay, 21, 0))
	require.NoError(t, err)

	clk.advance(24 * time.Hour)
	require.NoError(t, eng.Tick())

	result, err := eng.ReleaseBulk("alice", []models.SlotRef{
		ref(openDay, 20, 0),
		ref(openDay, 21, 0),
		ref(openDay, 22, 7), // not held; skipped
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Released)
	assert.Equal(t, "0.68", result.Refund.String())
}

func TestUsageIngestAndFinalization(t *testing.T) {
	eng, clk := newTestEngine(t)
	addUser(t, eng, "alice", 10)
	addUser(t, eng, "bob", 10)
	addUser(t, eng, "carol", 10)

	// Fake clock sits at 12:00; move to 14:05 so hour 14 is current.
	clk.advance(2*time.Hour + 5*time.Minute)

	report := &UsageReport{
		Usage: map[string][]string{
			"0": {"alice", "bob"},
			"1": {},
			"2": {"carol"},
		},
	}
	result, err := eng.IngestUsage(report)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, execDay+"T14:00", result.Slot)

	live := eng.LiveGPUStatus()
	assert.Equal(t, []string{"alice", "bob"}, live.Usage["0"])
	assert.Equal(t, []string{"carol"}, live.Usage["2"])

	counts := eng.doc.SamplesFor(execDay, 14, 0)
	require.Len(t, counts, 2)
	assert.Equal(t, models.UserCount{User: "alice", Count: 1}, counts[0])
	assert.Equal(t, models.UserCount{User: "bob", Count: 1}, counts[1])

	// Finalize the day; equal counts tie-break to the first observed.
	clk.advance(24 * time.Hour)
	require.NoError(t, eng.Tick())

	day := eng.doc.Days[execDay]
	require.Equal(t, models.DayStatusFinal, day.Status)
	entry := day.Entry(14, 0)
	require.NotNil(t, entry.ActualUser)
	assert.Equal(t, "alice", *entry.ActualUser)

	entry = day.Entry(14, 2)
	require.NotNil(t, entry.ActualUser)
	assert.Equal(t, "carol", *entry.ActualUser)

	entry = day.Entry(14, 1)
	assert.Nil(t, entry.ActualUser)
	assert.True(t, entry.Finalized)

	// Live view clears at finalization.
	assert.Empty(t, eng.LiveGPUStatus().Usage)
}

func TestRolloverFormulaAndIdempotence(t *testing.T) {
	eng, clk := newTestEngine(t)
	addUser(t, eng, "alice", 10)

	// Burn 4 credits so the end-of-day balance is 6.
	alice := eng.doc.Users["alice"]
	alice.Balance = decimal.NewFromInt(6)

	clk.advance(24 * time.Hour)
	require.NoError(t, eng.Tick())

	// min(10, 6)*0.5 + 10 = 13
	assert.Equal(t, "13", eng.doc.Users["alice"].Balance.String())
	assert.Equal(t, execDay, eng.doc.Users["alice"].RolloverAppliedForDay)

	// Re-finalizing the same day key must not double-apply.
	day := eng.doc.Days[execDay]
	unlock := eng.locks.Global()
	err := eng.finalizeDayLocked(execDay, day, clk.Now())
	unlock()
	require.NoError(t, err)
	assert.Equal(t, "13", eng.doc.Users["alice"].Balance.String())
}

func TestConcurrentBidsOnOneSlot(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 50)
	addUser(t, eng, "bob", 50)

	slot := ref(openDay, 6, 6)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		go func(u string) {
			defer func() { done <- struct{}{} }()
			eng.PlaceBid(u, slot)
		}(user)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	entry := eng.doc.Days[openDay].Entry(6, 6)
	assert.Equal(t, 10, entry.Price)
	require.Len(t, entry.Bids, 10)
	for i, b := range entry.Bids {
		assert.Equal(t, i+1, b.Price)
	}
	assert.Equal(t, *entry.Winner, entry.Bids[9].User)
}

func TestConcurrentBulkAndSingleBidSerialize(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 50)
	addUser(t, eng, "bob", 50)

	overlap := ref(openDay, 7, 0)
	refs := []models.SlotRef{overlap, ref(openDay, 7, 1), ref(openDay, 7, 2)}

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		eng.PlaceBulk("alice", refs)
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		eng.PlaceBid("bob", overlap)
	}()
	<-done
	<-done

	// Whatever the interleaving, the overlapping slot saw both bids in a
	// strict order and the non-overlapping slots belong to alice.
	entry := eng.doc.Days[openDay].Entry(7, 0)
	assert.Equal(t, len(entry.Bids), entry.Price)
	for i, b := range entry.Bids {
		assert.Equal(t, i+1, b.Price)
	}
	assert.True(t, eng.doc.Days[openDay].Entry(7, 1).WinnerIs("alice"))
	assert.True(t, eng.doc.Days[openDay].Entry(7, 2).WinnerIs("alice"))
}

func TestDismissOutbid(t *testing.T) {
	eng, _ := newTestEngine(t)
	addUser(t, eng, "alice", 10)
	addUser(t, eng, "bob", 10)

	slot := ref(openDay, 14, 3)
	_, err := eng.PlaceBid("alice", slot)
	require.NoError(t, err)
	_, err = eng.PlaceBid("bob", slot)
	require.NoError(t, err)

	dismissed, err := eng.DismissOutbid("alice", openDay)
	require.NoError(t, err)
	assert.Equal(t, 1, dismissed)
	assert.False(t, eng.hasNotificationsLocked("alice", openDay))

	dismissed, err = eng.DismissOutbid("alice", openDay)
	require.NoError(t, err)
	assert.Zero(t, dismissed)
}

func TestBalancesNeverNegative(t *testing.T) {
	eng, clk := newTestEngine(t)
	addUser(t, eng, "alice", 3)

	_, err := eng.PlaceBid("alice", ref(openDay, 9, 0))
	require.NoError(t, err)
	_, err = eng.PlaceBid("alice", ref(openDay, 10, 0))
	require.NoError(t, err)
	_, err = eng.PlaceBid("alice", ref(openDay, 11, 0))
	require.NoError(t, err)

	clk.advance(24 * time.Hour)
	require.NoError(t, eng.Tick())

	for _, user := range eng.doc.Users {
		assert.False(t, user.Balance.IsNegative(), "balance of %s went negative", user.Username)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	cal, err := clock.NewCalendar("America/New_York")
	require.NoError(t, err)
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, cal.Location())
	clk := &fakeClock{now: start}
	dataDir := t.TempDir()

	cfg := &config.Config{
		DataDir:             dataDir,
		Timezone:            "America/New_York",
		NumGPUs:             8,
		PlanningHorizonDays: 6,
		RolloverFraction:    "0.5",
		ReleaseRefund:       "0.34",
		SessionTTL:          12 * time.Hour,
	}

	st, err := store.New(dataDir, zap.NewNop())
	require.NoError(t, err)
	eng, err := New(cfg, clk, cal, st, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Tick())
	_, err = eng.CreateUser("alice", "pw", models.RoleUser, 10)
	require.NoError(t, err)
	_, err = eng.PlaceBid("alice", ref(openDay, 14, 3))
	require.NoError(t, err)

	// Second engine over the same file sees the same world.
	st2, err := store.New(dataDir, zap.NewNop())
	require.NoError(t, err)
	eng2, err := New(cfg, clk, cal, st2, zap.NewNop())
	require.NoError(t, err)

	entry := eng2.doc.Days[openDay].Entry(14, 3)
	require.NotNil(t, entry)
	assert.True(t, entry.WinnerIs("alice"))
	assert.Equal(t, 1, entry.Price)
}
