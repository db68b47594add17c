package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemory_LimitWithinWindow(t *testing.T) {
	clock := newClock()
	m := NewMemory(WithClock(clock.Now))
	window := 60 * time.Second

	var allowed []bool
	for i := 0; i < 4; i++ {
		allowed = append(allowed, m.Check("key-a", 3, window).Allowed)
		clock.Advance(time.Second)
	}
	assert.Equal(t, []bool{true, true, true, false}, allowed)

	clock.Advance(window)
	res := m.Check("key-a", 3, window)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestMemory_DeniedDoesNotConsume(t *testing.T) {
	clock := newClock()
	m := NewMemory(WithClock(clock.Now))
	window := 10 * time.Second

	require.True(t, m.Check("k", 1, window).Allowed)
	first := clock.Now()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		res := m.Check("k", 1, window)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
		assert.Equal(t, first.Add(window), res.ResetAt)
	}

	// denials were not recorded, so the window frees up exactly 10s after the first call
	clock.Advance(5 * time.Second)
	assert.True(t, m.Check("k", 1, window).Allowed)
}

func TestMemory_RemainingAndReset(t *testing.T) {
	clock := newClock()
	m := NewMemory(WithClock(clock.Now))

	res := m.Check("k", 5, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), res.ResetAt)
}

func TestMemory_Defaults(t *testing.T) {
	clock := newClock()
	m := NewMemory(WithClock(clock.Now))

	res := m.Check("k", 0, 0)
	assert.Equal(t, DefaultLimit, res.Limit)
	assert.Equal(t, DefaultLimit-1, res.Remaining)
	assert.Equal(t, clock.Now().Add(DefaultWindow), res.ResetAt)
}

func TestMemory_KeysAreIndependent(t *testing.T) {
	m := NewMemory(WithClock(newClock().Now))

	assert.True(t, m.Check("a", 1, time.Minute).Allowed)
	assert.False(t, m.Check("a", 1, time.Minute).Allowed)
	assert.True(t, m.Check("b", 1, time.Minute).Allowed)
}

func TestMemory_Cleanup(t *testing.T) {
	clock := newClock()
	m := NewMemory(WithClock(clock.Now))

	m.Check("short", 10, time.Second)
	m.Check("long", 10, time.Hour)
	require.Equal(t, 2, m.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, m.Cleanup(clock.Now()))
	assert.Equal(t, 1, m.Len())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, m.Cleanup(clock.Now()))
	assert.Equal(t, 0, m.Len())
}

func TestMemory_RunStopsOnCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMemory_Concurrent(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Check("shared", 20, time.Minute).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, allowed)
}
