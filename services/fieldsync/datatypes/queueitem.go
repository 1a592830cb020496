// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"
)

// MutationKind identifies the operation a queue item carries.
type MutationKind string

const (
	// MutationCreate creates an entry that does not yet exist remotely.
	MutationCreate MutationKind = "CREATE"

	// MutationUpdate revises an existing entry (corrections, validation).
	MutationUpdate MutationKind = "UPDATE"

	// MutationNotes updates the free-text notes on a daily log. The
	// only mutation whose target is a DailyLog key rather than an
	// Entry key.
	MutationNotes MutationKind = "NOTES"
)

// Mutation is the payload of a queued write: an entry snapshot for
// CREATE/UPDATE, or a notes string for NOTES.
type Mutation struct {
	Kind MutationKind `json:"kind"`

	// Entry is the full payload snapshot for CREATE and UPDATE. The
	// snapshot is taken at enqueue time; later local edits enqueue
	// their own items.
	Entry *Entry `json:"entry,omitempty"`

	// ProjectID and DateKey locate the daily log for NOTES mutations.
	ProjectID string `json:"projectId,omitempty"`
	DateKey   string `json:"dateKey,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// TargetKey returns the key the queue serializes on. Items with the
// same target key are applied in enqueue order; different keys may be
// drained concurrently.
func (m *Mutation) TargetKey() string {
	switch m.Kind {
	case MutationNotes:
		return fmt.Sprintf("daylog:%s:%s", m.ProjectID, m.DateKey)
	default:
		if m.Entry == nil {
			return ""
		}
		return "entry:" + m.Entry.EntryKey.String()
	}
}

// Validate checks that the mutation references a valid target.
func (m *Mutation) Validate() error {
	switch m.Kind {
	case MutationCreate, MutationUpdate:
		if m.Entry == nil {
			return fmt.Errorf("%s mutation requires an entry payload", m.Kind)
		}
		return m.Entry.Validate()
	case MutationNotes:
		if m.ProjectID == "" {
			return fmt.Errorf("notes mutation requires a project id")
		}
		if !ValidDateKey(m.DateKey) {
			return fmt.Errorf("notes mutation date key %q is not a valid YYYYMMDD date", m.DateKey)
		}
		return nil
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

// SyncQueueItem is one durable pending mutation. Items are persisted
// before Enqueue returns and removed only after the remote write is
// confirmed; exhausted retries move them to the dead-letter state
// rather than dropping them.
type SyncQueueItem struct {
	// ID uniquely identifies the item for MarkSucceeded/MarkFailed.
	ID string `json:"id"`

	// Seq is the queue-assigned sequence number; per-target ordering
	// follows Seq.
	Seq uint64 `json:"seq"`

	// TargetKey is the serialization key, from Mutation.TargetKey.
	TargetKey string `json:"targetKey"`

	Mutation Mutation `json:"mutation"`

	EnqueuedAt time.Time `json:"enqueuedAt"`

	// AttemptCount is the number of failed delivery attempts so far.
	AttemptCount int `json:"attemptCount"`

	// LastError and LastErrorClass record the most recent failure for
	// sync status reporting.
	LastError      string `json:"lastError,omitempty"`
	LastErrorClass string `json:"lastErrorClass,omitempty"`

	// NextAttemptAt is the earliest time the item is drainable again,
	// computed by the backoff schedule on each failure.
	NextAttemptAt time.Time `json:"nextAttemptAt"`
}

// Eligible reports whether the item may be attempted at the given time.
func (i *SyncQueueItem) Eligible(now time.Time) bool {
	return !now.Before(i.NextAttemptAt)
}
