// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the device-local read cache: the
// cachedEntries and cachedProjects collections of the local store.
//
// The cache is private to one device, so there is no cross-device
// contention here. It exists so a field operator can keep recording and
// reviewing readings while offline; reconciliation never writes to it
// on behalf of another device.
//
// Key layout:
//
//	entry:{projectId}:{dateKey}:{hourId} -> JSON Entry
//	project:{projectId}                  -> JSON CachedProject
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
	"github.com/MonteBryce/thermalog/services/fieldsync/storage/badgerstore"
	"github.com/MonteBryce/thermalog/services/fieldsync/syncerr"
)

// Store is the device-local cache over BadgerDB.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db *badgerstore.DB
}

// New creates a Store over an opened device database.
func New(db *badgerstore.DB) *Store {
	return &Store{db: db}
}

func entryCacheKey(k datatypes.EntryKey) []byte {
	return []byte("entry:" + k.String())
}

func dayPrefix(projectID, dateKey string) []byte {
	return []byte(fmt.Sprintf("entry:%s:%s:", projectID, dateKey))
}

func projectCacheKey(id string) []byte {
	return []byte("project:" + id)
}

// PutEntry persists an entry to the local cache. A failure here is a
// storage write error: the caller must not report the reading as saved.
func (s *Store) PutEntry(ctx context.Context, entry *datatypes.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return syncerr.Storage(fmt.Errorf("encode entry: %w", err))
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(entryCacheKey(entry.EntryKey), data)
	})
	if err != nil {
		return syncerr.Storage(fmt.Errorf("write entry %s: %w", entry.EntryKey, err))
	}
	return nil
}

// GetEntry returns the cached entry for a key, or syncerr.ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, key datatypes.EntryKey) (*datatypes.Entry, error) {
	var entry datatypes.Entry

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(entryCacheKey(key))
		if err == badger.ErrKeyNotFound {
			return syncerr.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// EntriesForDay returns all cached entries for a project day, ordered
// by hour. The hour id is the final key segment, so a prefix iteration
// already yields hour order; the sort is kept as a guard against any
// future key layout change.
func (s *Store) EntriesForDay(ctx context.Context, projectID, dateKey string) ([]*datatypes.Entry, error) {
	var entries []*datatypes.Entry

	prefix := dayPrefix(projectID, dateKey)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e datatypes.Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("decode entry %s: %w", it.Item().Key(), err)
				}
				entries = append(entries, &e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].HourID < entries[j].HourID
	})
	return entries, nil
}

// PutProject caches project metadata for offline use.
func (s *Store) PutProject(ctx context.Context, project *datatypes.CachedProject) error {
	data, err := json.Marshal(project)
	if err != nil {
		return syncerr.Storage(fmt.Errorf("encode project: %w", err))
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(projectCacheKey(project.ID), data)
	})
	if err != nil {
		return syncerr.Storage(fmt.Errorf("write project %s: %w", project.ID, err))
	}
	return nil
}

// GetProject returns cached project metadata, or syncerr.ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*datatypes.CachedProject, error) {
	var project datatypes.CachedProject

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(projectCacheKey(id))
		if err == badger.ErrKeyNotFound {
			return syncerr.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &project)
		})
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}
