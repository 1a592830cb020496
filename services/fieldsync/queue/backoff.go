// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"math/rand"
	"time"

	"github.com/MonteBryce/thermalog/services/fieldsync/syncerr"
)

// BackoffSchedule computes retry eligibility times for failed queue
// items. The schedule is explicit state (attempt count in, next
// eligible time out) rather than a retry loop: the engine drains
// whatever is eligible each cycle and the queue records when a failed
// item becomes eligible again.
type BackoffSchedule struct {
	// Base is the delay before the first retry. Default: 1s.
	Base time.Duration

	// Cap bounds the delay regardless of attempt count. Default: 60s.
	Cap time.Duration

	// Factor is the per-attempt multiplier. Default: 2.0.
	Factor float64

	// Jitter is the maximum random deviation as a fraction of the
	// computed delay (0-1). Default: 0.2.
	Jitter float64

	// QuotaMultiplier stretches the delay for quota-class failures,
	// which tend to clear on provider-defined windows rather than
	// transient blips. Default: 4.
	QuotaMultiplier float64
}

// DefaultBackoffSchedule returns the production schedule: 1s base,
// doubling, 60s cap, ±20% jitter, 4x stretch for quota errors.
func DefaultBackoffSchedule() BackoffSchedule {
	return BackoffSchedule{
		Base:            1 * time.Second,
		Cap:             60 * time.Second,
		Factor:          2.0,
		Jitter:          0.2,
		QuotaMultiplier: 4,
	}
}

// Delay returns the wait before the given retry attempt (1-based) for
// a failure of the given class, jitter included.
func (b BackoffSchedule) Delay(attempt int, class syncerr.Class) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Base)
	for i := 1; i < attempt; i++ {
		delay *= b.Factor
		if delay >= float64(b.Cap) {
			break
		}
	}
	if class == syncerr.ClassQuota && b.QuotaMultiplier > 1 {
		delay *= b.QuotaMultiplier
	}
	if delay > float64(b.Cap) {
		delay = float64(b.Cap)
	}

	if b.Jitter > 0 {
		// Range [delay*(1-jitter), delay*(1+jitter)].
		delay *= 1 + (rand.Float64()*2-1)*b.Jitter
	}

	return time.Duration(delay)
}

// NextAttempt returns the earliest time the item may be retried after a
// failure at the given attempt count.
func (b BackoffSchedule) NextAttempt(attempt int, class syncerr.Class, now time.Time) time.Time {
	return now.Add(b.Delay(attempt, class))
}
