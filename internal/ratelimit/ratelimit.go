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

// Package ratelimit implements a fixed-window per-key request counter.
// Windows are non-sliding: the first request after a window expires
// resets the counter rather than draining it gradually.
package ratelimit

import (
	"sync"
	"time"
)

type windowState struct {
	windowStart time.Time
	count       int
}

// FixedWindowLimiter allows at most limit requests per key within each
// window. The map has no eviction; key cardinality is expected to stay
// bounded (per-IP use).
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	state map[string]*windowState

	// now is replaceable for tests. time.Time carries a monotonic
	// reading, so window arithmetic is immune to wall-clock steps.
	now func() time.Time
}

// New constructs a limiter permitting limit requests per windowSec seconds.
func New(limit, windowSec int) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		limit:  limit,
		window: time.Duration(windowSec) * time.Second,
		state:  make(map[string]*windowState),
		now:    time.Now,
	}
}

// Allow records a request for key and reports whether it fits in the
// current window.
func (l *FixedWindowLimiter) Allow(key string) bool {
	ts := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.state[key]
	if !ok || ts.Sub(current.windowStart) >= l.window {
		l.state[key] = &windowState{windowStart: ts, count: 1}
		return true
	}
	if current.count >= l.limit {
		return false
	}
	current.count++
	return true
}
