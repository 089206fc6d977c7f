// Package clock provides the engine's time sources and tenant-local
// calendar math: posting window membership, day keys, and the next wakeup
// instants the scheduler sleeps until.
//
// All components take a Clock rather than calling time.Now directly so that
// tests can drive a deterministic fake.
package clock

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hyperxav/clara-engine/internal/model"
)

// DayKeyFormat is the layout of tenant-local day keys.
const DayKeyFormat = "2006-01-02"

// Clock is the engine's time source. Now returns UTC wall time; values from
// the real clock carry a monotonic reading, so Since and Until are safe for
// pacing and backoff.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real is the production clock backed by time.Now.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// Since returns the elapsed time since t.
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced clock for tests. It is safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the elapsed fake time since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// Local maps a UTC instant to the tenant's zone, returning the local time
// and the tenant-local day key. The day boundary is 00:00 local; DST
// transitions are handled by the zone database.
func Local(tenant *model.Tenant, t time.Time) (time.Time, string, error) {
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		return time.Time{}, "", model.NewError(model.KindConfiguration,
			fmt.Sprintf("tenant %s: invalid timezone %q", tenant.ID, tenant.Timezone), err)
	}
	local := t.In(loc)
	return local, local.Format(DayKeyFormat), nil
}

// DayKey returns the tenant-local day key for t.
func DayKey(tenant *model.Tenant, t time.Time) (string, error) {
	_, key, err := Local(tenant, t)
	return key, err
}

// InPostingWindow reports whether the tenant-local wall hour of t is in the
// tenant's posting hours. A tenant with no posting hours is never in window.
func InPostingWindow(tenant *model.Tenant, t time.Time) (bool, error) {
	local, _, err := Local(tenant, t)
	if err != nil {
		return false, err
	}
	hour := local.Hour()
	for _, h := range tenant.PostingHours {
		if h == hour {
			return true, nil
		}
	}
	return false, nil
}

// NextWindowOpen returns the earliest instant strictly after t at which the
// tenant enters a posting hour. If t is already inside a window, the start
// of the next distinct window hour is returned. Returns the zero time when
// the tenant has no posting hours.
//
// The search walks hour boundaries in the tenant's zone so that DST jumps
// (skipped or doubled local hours) fall out of the zone database rather
// than arithmetic on local clock readings.
func NextWindowOpen(tenant *model.Tenant, t time.Time) (time.Time, error) {
	if len(tenant.PostingHours) == 0 {
		return time.Time{}, nil
	}
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		return time.Time{}, model.NewError(model.KindConfiguration,
			fmt.Sprintf("tenant %s: invalid timezone %q", tenant.ID, tenant.Timezone), err)
	}

	hours := append([]int(nil), tenant.PostingHours...)
	sort.Ints(hours)

	// Truncate to the top of the current hour in UTC, then step forward one
	// hour at a time. 49 steps cover two full days, enough to find the next
	// allowed hour across any DST transition.
	cursor := t.Truncate(time.Hour)
	for i := 0; i < 49; i++ {
		cursor = cursor.Add(time.Hour)
		localHour := cursor.In(loc).Hour()
		for _, h := range hours {
			if h == localHour {
				return cursor, nil
			}
		}
	}
	return time.Time{}, nil
}

// NextLocalMidnight returns the next tenant-local 00:00 strictly after t,
// expressed in UTC. This is the instant daily counters roll over.
func NextLocalMidnight(tenant *model.Tenant, t time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		return time.Time{}, model.NewError(model.KindConfiguration,
			fmt.Sprintf("tenant %s: invalid timezone %q", tenant.ID, tenant.Timezone), err)
	}
	local := t.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return next.UTC(), nil
}
