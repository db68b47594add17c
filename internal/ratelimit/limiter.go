// Package ratelimit provides per-key admission control for API consumption.
//
// The in-memory implementation is process-local: limits hold per process,
// not across a cluster, and all state is lost on restart.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLimit  = 60
	DefaultWindow = 60 * time.Second
)

type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter decides whether a request for key is admitted. An allowed request
// is recorded before Check returns; a denied one is not recorded.
type Limiter interface {
	Check(key string, limit int, window time.Duration) Result
}

type entry struct {
	stamps []time.Time
	window time.Duration
}

// Memory is a sliding-window Limiter keyed in a single map.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

type Option func(*Memory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{entries: make(map[string]*entry), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Check(key string, limit int, window time.Duration) Result {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.window = window
	e.stamps = prune(e.stamps, now, window)

	if len(e.stamps) >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: e.stamps[0].Add(window)}
	}

	e.stamps = append(e.stamps, now)
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(e.stamps),
		ResetAt:   e.stamps[0].Add(window),
	}
}

// Cleanup drops expired timestamps and forgets keys with none left.
func (m *Memory) Cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		e.stamps = prune(e.stamps, now, e.window)
		if len(e.stamps) == 0 {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run calls Cleanup every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Cleanup(m.now())
		}
	}
}

// prune keeps timestamps younger than window. stamps is sorted ascending.
func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(stamps) && now.Sub(stamps[i]) >= window {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
