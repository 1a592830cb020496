// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package clock provides the hybrid logical timestamps used for
// last-write-wins reconciliation.
//
// Field devices spend long stretches offline and their wall clocks
// drift, so ordering edits by wall time alone is unsafe. A Stamp pairs
// the wall clock with a per-device Lamport counter: the counter advances
// on every local issue and jumps forward whenever a remote stamp with a
// higher counter is observed, so two successive edits on one device are
// always ordered even if its wall clock stalls or steps backward.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Stamp is a hybrid logical timestamp.
//
// Ordering is lexicographic over (WallMillis, Counter, DeviceID). The
// DeviceID component only breaks ties between stamps issued by
// different devices in the same millisecond with equal counters; true
// payload conflicts at identical stamps are resolved by the
// reconciliation engine's content hash rule, not here.
type Stamp struct {
	// WallMillis is the device wall clock in Unix milliseconds at issue.
	WallMillis int64 `json:"wallMillis"`

	// Counter is the device's Lamport counter at issue.
	Counter uint64 `json:"counter"`

	// DeviceID identifies the issuing device.
	DeviceID string `json:"deviceId"`
}

// Zero reports whether the stamp is the zero value (never issued).
func (s Stamp) Zero() bool {
	return s.WallMillis == 0 && s.Counter == 0 && s.DeviceID == ""
}

// Compare returns -1 if s orders before other, +1 if after, 0 if the
// stamps are identical in all three components.
func (s Stamp) Compare(other Stamp) int {
	if s.WallMillis != other.WallMillis {
		if s.WallMillis < other.WallMillis {
			return -1
		}
		return 1
	}
	if s.Counter != other.Counter {
		if s.Counter < other.Counter {
			return -1
		}
		return 1
	}
	if s.DeviceID != other.DeviceID {
		if s.DeviceID < other.DeviceID {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether s orders strictly after other.
func (s Stamp) After(other Stamp) bool {
	return s.Compare(other) > 0
}

// Time returns the wall-clock component as a time.Time.
func (s Stamp) Time() time.Time {
	return time.UnixMilli(s.WallMillis)
}

// String renders the stamp for logs and conflict audit records.
func (s Stamp) String() string {
	return fmt.Sprintf("%d.%d@%s", s.WallMillis, s.Counter, s.DeviceID)
}

// Clock issues monotonic stamps for one device.
//
// Thread Safety: safe for concurrent use.
type Clock struct {
	deviceID string

	mu       sync.Mutex
	counter  uint64
	lastWall int64

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Clock for the given device identifier.
func New(deviceID string) *Clock {
	return &Clock{deviceID: deviceID, now: time.Now}
}

// NewWithNow creates a Clock with an injected time source for tests.
func NewWithNow(deviceID string, now func() time.Time) *Clock {
	return &Clock{deviceID: deviceID, now: now}
}

// DeviceID returns the identifier stamps are issued under.
func (c *Clock) DeviceID() string {
	return c.deviceID
}

// Issue returns a new stamp strictly greater than every stamp this
// clock has issued or observed. If the wall clock stepped backward the
// previous wall value is reused and only the counter advances.
func (c *Clock) Issue() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now().UnixMilli()
	if wall < c.lastWall {
		wall = c.lastWall
	}
	c.lastWall = wall
	c.counter++

	return Stamp{WallMillis: wall, Counter: c.counter, DeviceID: c.deviceID}
}

// Observe merges a remote stamp into the clock, Lamport-style: the
// local counter and wall floor advance to at least the observed values
// so the next Issue() orders after everything this device has seen.
func (c *Clock) Observe(s Stamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Counter > c.counter {
		c.counter = s.Counter
	}
	if s.WallMillis > c.lastWall {
		c.lastWall = s.WallMillis
	}
}
