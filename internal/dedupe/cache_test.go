// ABOUTME: Tests for the TTL/size-bounded seen-id cache.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hivewire/hivewire/internal/clock"
)

func TestCheckAndMark(t *testing.T) {
	c := New(time.Minute, 100, clock.NewFake())

	assert.False(t, c.CheckAndMark("m1"), "first sighting is not a duplicate")
	assert.True(t, c.CheckAndMark("m1"))
	assert.False(t, c.CheckAndMark("m2"))
	assert.Equal(t, 2, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	clk := clock.NewFake()
	c := New(time.Minute, 100, clk)

	c.CheckAndMark("m1")
	clk.Advance(30 * time.Second)
	assert.True(t, c.CheckAndMark("m1"), "still within TTL")

	// The duplicate sighting refreshed the entry.
	clk.Advance(45 * time.Second)
	assert.True(t, c.CheckAndMark("m1"))

	clk.Advance(2 * time.Minute)
	assert.False(t, c.CheckAndMark("m1"), "expired id is new again")
}

func TestSizeBound(t *testing.T) {
	c := New(time.Hour, 3, clock.NewFake())

	for i := range 5 {
		c.CheckAndMark(fmt.Sprintf("m%d", i))
	}
	assert.Equal(t, 3, c.Len())

	// The oldest ids were evicted and read as new.
	assert.False(t, c.CheckAndMark("m0"))
	assert.True(t, c.CheckAndMark("m4"))
}

func TestConcurrentMark_SingleWinner(t *testing.T) {
	c := New(time.Minute, 100, clock.NewFake())

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstSeen int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("contested") {
				mu.Lock()
				firstSeen++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firstSeen, "exactly one caller may see the id as new")
}
