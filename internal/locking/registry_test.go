package locking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slotbid/gpu-scheduler/internal/models"
)

func TestSlotLockMutualExclusion(t *testing.T) {
	r := NewRegistry()
	ref := models.SlotRef{Day: "2025-06-16", Hour: 14, GPU: 3}

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.LockSlot(ref)
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestLockSlotsHandlesDuplicates(t *testing.T) {
	r := NewRegistry()
	refs := []models.SlotRef{
		{Day: "2025-06-16", Hour: 14, GPU: 3},
		{Day: "2025-06-16", Hour: 14, GPU: 3},
		{Day: "2025-06-16", Hour: 10, GPU: 0},
	}

	// Duplicate refs must not self-deadlock.
	unlock := r.LockSlots(refs)
	unlock()

	// And the locks are actually free afterwards.
	unlock = r.LockSlots(refs)
	unlock()
}

func TestConcurrentBulkAcquisitionsDoNotDeadlock(t *testing.T) {
	r := NewRegistry()
	// Two batches covering the same keys in opposite request order; the
	// sorted acquisition order makes the interleaving safe.
	a := []models.SlotRef{
		{Day: "2025-06-16", Hour: 9, GPU: 0},
		{Day: "2025-06-16", Hour: 10, GPU: 1},
		{Day: "2025-06-17", Hour: 3, GPU: 2},
	}
	b := []models.SlotRef{
		{Day: "2025-06-17", Hour: 3, GPU: 2},
		{Day: "2025-06-16", Hour: 10, GPU: 1},
		{Day: "2025-06-16", Hour: 9, GPU: 0},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				unlock := r.LockSlots(a)
				unlock()
			}()
			go func() {
				defer wg.Done()
				unlock := r.LockSlots(b)
				unlock()
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("bulk lock acquisitions deadlocked")
	}
}

func TestPurgeDayDropsOnlyThatDay(t *testing.T) {
	r := NewRegistry()
	day1 := models.SlotRef{Day: "2025-06-15", Hour: 1, GPU: 0}
	day2 := models.SlotRef{Day: "2025-06-16", Hour: 1, GPU: 0}
	r.LockSlot(day1)()
	r.LockSlot(day2)()

	r.PurgeDay("2025-06-15")

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.NotContains(t, r.slots, day1.Key())
	assert.Contains(t, r.slots, day2.Key())
}
