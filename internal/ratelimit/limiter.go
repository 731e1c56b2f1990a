// Package ratelimit implements a small sliding-window rate limiter, adapted
// from the teacher's catrate package (github.com/joeycumines/go-utilpkg
// catrate/limiter.go, catrate/rates.go). The general-purpose per-category
// ring-buffer/sync.Pool machinery was trimmed: crashcore only ever needs two
// fixed categories (the ANR watchdog's report cooldown, and the sender's
// resend throttle), so a plain mutex-guarded map of event slices replaces
// catrate's unbounded dynamic-category design. See DESIGN.md.
package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// for testing purposes, mirrors catrate's injectable clock seam.
var timeNow = time.Now

type categoryState struct {
	events []int64 // unix nano, ascending
}

// Limiter enforces one or more sliding-window rates, independently, per
// category key.
type Limiter struct {
	rates      map[time.Duration]int
	retention  time.Duration
	mu         sync.Mutex
	categories map[string]*categoryState
}

// NewLimiter validates rates (same monotonicity rule as catrate.parseRates:
// shorter windows must have strictly lower counts, and a strictly higher
// effective rate) and returns a ready Limiter. Panics on invalid rates.
func NewLimiter(rates map[time.Duration]int) *Limiter {
	retention, ok := parseRates(rates)
	if !ok {
		panic(fmt.Errorf("ratelimit: invalid rates: %v", rates))
	}
	return &Limiter{
		rates:      rates,
		retention:  retention,
		categories: make(map[string]*categoryState),
	}
}

// parseRates is ported from catrate/rates.go unchanged in behavior.
func parseRates(rates map[time.Duration]int) (time.Duration, bool) {
	if len(rates) == 0 {
		return 0, false
	}

	durations := make([]time.Duration, 0, len(rates))
	for d := range rates {
		durations = append(durations, d)
	}
	slices.Sort(durations)

	for i, d := range durations {
		rate := rates[d]
		if rate <= 0 || d <= 0 {
			return 0, false
		}
		if (i < len(durations)-1 && rate >= rates[durations[i+1]]) ||
			(i > 0 && float64(rate)/float64(d) >= float64(rates[durations[i-1]])/float64(durations[i-1])) {
			return 0, false
		}
	}

	return durations[len(durations)-1], true
}

// Allow attempts to register an event for category, returning true if it was
// registered (i.e. no configured rate was exceeded), and the earliest time at
// which the next event may be registered (zero value if unconstrained).
func (l *Limiter) Allow(category string) (time.Time, bool) {
	if l == nil || len(l.rates) == 0 {
		return time.Time{}, true
	}

	now := timeNow()
	nowNano := now.UnixNano()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.categories[category]
	if !ok {
		state = &categoryState{}
		l.categories[category] = state
	}

	// drop events outside the longest window before evaluating
	cutoff := now.Add(-l.retention).UnixNano()
	state.events = dropBefore(state.events, cutoff)

	remaining := l.remainingWait(now, state.events)
	if remaining > 0 {
		return now.Add(remaining), false
	}

	idx := sort.Search(len(state.events), func(i int) bool { return state.events[i] >= nowNano })
	state.events = append(state.events, 0)
	copy(state.events[idx+1:], state.events[idx:])
	state.events[idx] = nowNano

	return time.Time{}, true
}

// remainingWait computes the shortest time until the next event would not
// violate any configured rate, mirroring catrate's filterEvents logic.
func (l *Limiter) remainingWait(now time.Time, events []int64) time.Duration {
	var remaining time.Duration
	for window, limit := range l.rates {
		boundary := now.Add(-window)
		idx := sort.Search(len(events), func(i int) bool { return events[i] > boundary.UnixNano() })
		count := len(events) - idx
		if count >= limit {
			// the oldest event that would still be within the window once
			// the (limit)-th-from-newest event ages out
			offsetIdx := len(events) - limit
			if offsetIdx < 0 {
				offsetIdx = 0
			}
			offset := time.Unix(0, events[offsetIdx]).Add(window).Sub(now)
			if offset > remaining {
				remaining = offset
			}
		}
	}
	return remaining
}

func dropBefore(events []int64, cutoff int64) []int64 {
	idx := sort.Search(len(events), func(i int) bool { return events[i] >= cutoff })
	if idx == 0 {
		return events
	}
	return append(events[:0], events[idx:]...)
}

// Reset clears all tracked events for every category. Intended for tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.categories = make(map[string]*categoryState)
}
