// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit, windowSec int) (*FixedWindowLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(limit, windowSec)
	l.now = clock.Now
	return l, clock
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(3, 60)
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request over limit should be rejected")
	}
}

func TestWindowReset(t *testing.T) {
	l, clock := newTestLimiter(1, 60)
	if !l.Allow("k") {
		t.Fatal("first request must pass")
	}
	if l.Allow("k") {
		t.Fatal("second request in window must fail")
	}
	clock.Advance(60 * time.Second)
	if !l.Allow("k") {
		t.Fatal("request after window expiry must pass")
	}
}

func TestWindowBoundaryIsInclusive(t *testing.T) {
	l, clock := newTestLimiter(1, 60)
	l.Allow("k")
	clock.Advance(59 * time.Second)
	if l.Allow("k") {
		t.Fatal("59s elapsed is still inside the 60s window")
	}
	clock.Advance(time.Second)
	if !l.Allow("k") {
		t.Fatal("exactly 60s elapsed starts a new window")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 60)
	if !l.Allow("a") {
		t.Fatal("first key must pass")
	}
	if !l.Allow("b") {
		t.Fatal("distinct key must have its own window")
	}
}

func TestAtMostLimitPerWindow(t *testing.T) {
	l, clock := newTestLimiter(5, 10)
	allowed := 0
	for i := 0; i < 50; i++ {
		if l.Allow("k") {
			allowed++
		}
		clock.Advance(100 * time.Millisecond)
	}
	// 50 requests over 5s fit in one 10s window.
	if allowed != 5 {
		t.Fatalf("allowed %d requests in one window, want 5", allowed)
	}
}

func TestConcurrentAccess(t *testing.T) {
	l, _ := newTestLimiter(100, 60)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l.Allow("shared")
			}
		}()
	}
	wg.Wait()
	if l.Allow("shared") {
		t.Fatal("request beyond the limit must be rejected")
	}
}
