// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
	"github.com/MonteBryce/thermalog/services/fieldsync/syncerr"
)

// MemoryStore is an in-process authoritative store. It backs the
// multi-device convergence tests: two engines pointed at one
// MemoryStore model two field devices syncing against the same remote.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*datatypes.Entry    // EntryKey.String()
	logs     map[string]*datatypes.DailyLog // "projectId:dateKey"
	projects map[string]*datatypes.CachedProject

	// FailNextPuts makes the next N entry writes fail with FailWith.
	// The write is not applied. Used to exercise retry paths.
	failNextPuts int
	failWith     error

	// putCount counts entry writes that reached the store, including
	// idempotent replays.
	putCount int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*datatypes.Entry),
		logs:     make(map[string]*datatypes.DailyLog),
		projects: make(map[string]*datatypes.CachedProject),
	}
}

// SetProject seeds project metadata for tests.
func (m *MemoryStore) SetProject(p *datatypes.CachedProject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
}

// GetProject implements ProjectDirectory.
func (m *MemoryStore) GetProject(ctx context.Context, projectID string) (*datatypes.CachedProject, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return nil, syncerr.ErrNotFound
	}
	return p, nil
}

// FailPuts arranges for the next n entry writes to fail with err
// without being applied.
func (m *MemoryStore) FailPuts(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextPuts = n
	m.failWith = err
}

// PutCount returns the number of entry writes applied.
func (m *MemoryStore) PutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCount
}

// GetEntry implements Store.
func (m *MemoryStore) GetEntry(ctx context.Context, key datatypes.EntryKey) (*datatypes.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key.String()]
	if !ok {
		return nil, syncerr.ErrNotFound
	}
	return entry.Clone(), nil
}

// PutEntry implements Store.
func (m *MemoryStore) PutEntry(ctx context.Context, entry *datatypes.Entry) error {
	if err := ctx.Err(); err != nil {
		return syncerr.Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNextPuts > 0 {
		m.failNextPuts--
		return m.failWith
	}
	m.entries[entry.EntryKey.String()] = entry.Clone()
	m.putCount++
	return nil
}

// ListEntries implements Store.
func (m *MemoryStore) ListEntries(ctx context.Context, projectID, dateKey string) ([]*datatypes.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*datatypes.Entry
	for _, e := range m.entries {
		if e.ProjectID == projectID && e.DateKey == dateKey {
			entries = append(entries, e.Clone())
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].HourID < entries[j].HourID
	})
	return entries, nil
}

// GetDailyLog implements Store.
func (m *MemoryStore) GetDailyLog(ctx context.Context, projectID, dateKey string) (*datatypes.DailyLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[projectID+":"+dateKey]
	if !ok {
		return nil, syncerr.ErrNotFound
	}
	return log.Clone(), nil
}

// PutDailyLog implements Store. When the incoming rollup carries no
// Notes (nil) the stored Notes survive: rollups are derived, notes are
// authored, and a recompute must never erase what a dashboard user
// wrote concurrently. A non-nil empty string clears the stored notes.
func (m *MemoryStore) PutDailyLog(ctx context.Context, log *datatypes.DailyLog) error {
	if err := ctx.Err(); err != nil {
		return syncerr.Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := log.ProjectID + ":" + log.DateKey
	incoming := log.Clone()
	if existing, ok := m.logs[key]; ok && incoming.Notes == nil {
		incoming.Notes = existing.Notes
	}
	m.logs[key] = incoming
	return nil
}
