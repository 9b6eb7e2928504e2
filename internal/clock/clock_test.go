package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicClock_TruncatesToMillis(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 8, 0, 0, 987654321, time.UTC)
	c := NewMonotonicClockWithSource(func() time.Time { return fixed })

	got := c.Now()

	assert.Equal(t, 987000000, got.Nanosecond())
	assert.Equal(t, time.UTC, got.Location())
}

func TestMonotonicClock_StrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMonotonicClockWithSource(func() time.Time { return fixed })

	first := c.Now()
	second := c.Now()
	third := c.Now()

	assert.Equal(t, fixed, first)
	assert.Equal(t, fixed.Add(time.Millisecond), second)
	assert.Equal(t, fixed.Add(2*time.Millisecond), third)
	assert.Equal(t, third, c.Last())
}

func TestMonotonicClock_WallClockStepsBack(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMonotonicClockWithSource(func() time.Time { return now })

	first := c.Now()
	now = now.Add(-time.Minute)
	second := c.Now()

	assert.True(t, second.After(first))
}

func TestMonotonicClock_Concurrent(t *testing.T) {
	c := NewMonotonicClock()

	const workers = 8
	const perWorker = 100

	var mu sync.Mutex
	seen := make(map[int64]bool, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ts := c.Now().UnixMilli()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker, "every reading must be unique")
}
