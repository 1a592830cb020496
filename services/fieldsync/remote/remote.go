// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package remote defines the authoritative log store that devices
// reconcile against, plus its HTTP and in-memory implementations.
//
// The store is the single source of truth once a mutation lands. Every
// write is a full-document overwrite of a per-hour entry, so replaying a
// queue item whose first delivery was lost to a timeout converges to the
// same remote state: the reconciliation engine depends on this for its
// at-least-once delivery model.
package remote

import (
	"context"

	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
)

// Store is the remote authoritative log store.
//
// All methods classify their failures into the syncerr taxonomy:
// reads return syncerr.ErrNotFound for missing documents, writes return
// transient, quota, or permanent errors that the queue's retry policy
// keys off of. A timeout classifies as transient because the write may
// have reached the store.
type Store interface {
	// GetEntry fetches one hourly entry, or syncerr.ErrNotFound.
	GetEntry(ctx context.Context, key datatypes.EntryKey) (*datatypes.Entry, error)

	// PutEntry overwrites the full entry document. Idempotent.
	PutEntry(ctx context.Context, entry *datatypes.Entry) error

	// ListEntries returns all entries for a project day ordered by hour.
	// A day with no entries returns an empty slice, not an error.
	ListEntries(ctx context.Context, projectID, dateKey string) ([]*datatypes.Entry, error)

	// GetDailyLog fetches the day's rollup, or syncerr.ErrNotFound.
	GetDailyLog(ctx context.Context, projectID, dateKey string) (*datatypes.DailyLog, error)

	// PutDailyLog writes a recomputed rollup. Implementations merge
	// rather than blindly overwrite: Notes authored on the dashboard
	// are preserved when the incoming rollup carries nil Notes. A
	// non-nil value — including the empty string — is written through.
	PutDailyLog(ctx context.Context, log *datatypes.DailyLog) error
}

// ProjectDirectory serves project metadata and template schemas. Kept
// separate from Store because project definitions are administered
// centrally and devices only ever read them.
type ProjectDirectory interface {
	// GetProject fetches a project and its assigned template schema,
	// or syncerr.ErrNotFound.
	GetProject(ctx context.Context, projectID string) (*datatypes.CachedProject, error)
}
