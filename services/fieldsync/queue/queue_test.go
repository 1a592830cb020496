// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/MonteBryce/thermalog/services/fieldsync/clock"
	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
	"github.com/MonteBryce/thermalog/services/fieldsync/storage/badgerstore"
	"github.com/MonteBryce/thermalog/services/fieldsync/syncerr"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := New(db, DefaultBackoffSchedule(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func entryMutation(hour string) *datatypes.Mutation {
	return &datatypes.Mutation{
		Kind: datatypes.MutationCreate,
		Entry: &datatypes.Entry{
			EntryKey: datatypes.EntryKey{ProjectID: "proj-1", DateKey: "20250601", HourID: hour},
			Readings: map[string]datatypes.ReadingValue{
				"exhaustTemp": datatypes.NumberValue(400),
			},
			OperatorID: "op-1",
			CreatedAt:  clock.Stamp{WallMillis: 1, Counter: 1, DeviceID: "dev"},
			UpdatedAt:  clock.Stamp{WallMillis: 1, Counter: 1, DeviceID: "dev"},
		},
	}
}

func TestEnqueue_AssignsSequence(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, entryMutation("01"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	b, err := q.Enqueue(ctx, entryMutation("02"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if b.Seq <= a.Seq {
		t.Errorf("sequence not increasing: %d then %d", a.Seq, b.Seq)
	}
	if a.ID == b.ID {
		t.Error("items share an id")
	}
}

func TestEnqueue_RejectsInvalidMutation(t *testing.T) {
	q := newTestQueue(t)

	m := entryMutation("01")
	m.Entry.HourID = "99"

	_, err := q.Enqueue(context.Background(), m)
	if !errors.Is(err, syncerr.ErrPermanentValidation) {
		t.Errorf("expected permanent validation error, got %v", err)
	}
}

func TestPeekNext_PerTargetFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, entryMutation("05"))

	// A revision of the same hour: same target key, later seq.
	revised := entryMutation("05")
	revised.Kind = datatypes.MutationUpdate
	q.Enqueue(ctx, revised)

	// A different hour must not interleave.
	q.Enqueue(ctx, entryMutation("06"))

	head, err := q.PeekNext(ctx, first.TargetKey)
	if err != nil {
		t.Fatalf("PeekNext: %v", err)
	}
	if head.ID != first.ID {
		t.Errorf("head = %s, want first enqueued %s", head.ID, first.ID)
	}
}

func TestPeekNext_EmptyTarget(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.PeekNext(context.Background(), "entry:none:20250601:00")
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func TestMarkSucceeded_RemovesAndIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, entryMutation("05"))

	if err := q.MarkSucceeded(ctx, item.ID); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if _, err := q.PeekNext(ctx, item.TargetKey); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("item still present after success: %v", err)
	}

	// Second call is a no-op.
	if err := q.MarkSucceeded(ctx, item.ID); err != nil {
		t.Errorf("second MarkSucceeded errored: %v", err)
	}
}

func TestMarkFailed_SchedulesRetry(t *testing.T) {
	q := newTestQueue(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, entryMutation("05"))

	cause := syncerr.Transient(errors.New("dial tcp: connection refused"))
	if err := q.MarkFailed(ctx, item.ID, cause); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, err := q.PeekNext(ctx, item.TargetKey)
	if err != nil {
		t.Fatalf("PeekNext: %v", err)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if got.LastErrorClass != "transient" {
		t.Errorf("LastErrorClass = %q, want transient", got.LastErrorClass)
	}
	if !got.NextAttemptAt.After(base) {
		t.Errorf("NextAttemptAt = %v, want after %v", got.NextAttemptAt, base)
	}

	// Not drainable until the backoff elapses.
	batches, err := q.Drainable(ctx, base)
	if err != nil {
		t.Fatalf("Drainable: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("backed-off item returned as drainable")
	}

	batches, err = q.Drainable(ctx, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("Drainable: %v", err)
	}
	if len(batches) != 1 {
		t.Errorf("item not drainable after backoff elapsed")
	}
}

func TestDrainable_HeadOfLineBlocksTarget(t *testing.T) {
	q := newTestQueue(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }
	ctx := context.Background()

	head, _ := q.Enqueue(ctx, entryMutation("05"))
	revised := entryMutation("05")
	revised.Kind = datatypes.MutationUpdate
	q.Enqueue(ctx, revised)

	// Head fails; its backoff must hold back the whole target.
	q.MarkFailed(ctx, head.ID, syncerr.ErrTransientNetwork)

	batches, err := q.Drainable(ctx, base)
	if err != nil {
		t.Fatalf("Drainable: %v", err)
	}
	for _, b := range batches {
		if b.TargetKey == head.TargetKey {
			t.Error("target with backed-off head returned as drainable")
		}
	}
}

func TestDrainable_PreservesIntraTargetOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		m := entryMutation("05")
		if i > 0 {
			m.Kind = datatypes.MutationUpdate
		}
		item, err := q.Enqueue(ctx, m)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, item.ID)
	}

	batches, err := q.Drainable(ctx, time.Now())
	if err != nil {
		t.Fatalf("Drainable: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	for i, item := range batches[0].Items {
		if item.ID != ids[i] {
			t.Errorf("batch item %d = %s, want %s (enqueue order)", i, item.ID, ids[i])
		}
	}
}

func TestMarkDead_MovesToDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, entryMutation("05"))

	cause := syncerr.Permanent(errors.New("unknown field key"))
	if err := q.MarkDead(ctx, item.ID, cause); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	if _, err := q.PeekNext(ctx, item.TargetKey); !errors.Is(err, ErrItemNotFound) {
		t.Error("dead item still pending")
	}

	dead, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != item.ID {
		t.Fatalf("dead letters = %+v, want the dead item", dead)
	}
	if dead[0].LastErrorClass != "permanent" {
		t.Errorf("LastErrorClass = %q, want permanent", dead[0].LastErrorClass)
	}

	batches, _ := q.Drainable(ctx, time.Now().Add(time.Hour))
	if len(batches) != 0 {
		t.Error("dead item returned as drainable")
	}
}

func TestStats(t *testing.T) {
	q := newTestQueue(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	q.now = func() time.Time { return now }
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, entryMutation("01"))
	now = base.Add(30 * time.Second)
	q.Enqueue(ctx, entryMutation("02"))

	q.MarkFailed(ctx, a.ID, syncerr.ErrTransientNetwork)
	q.MarkFailed(ctx, a.ID, syncerr.ErrTransientNetwork)

	dead, _ := q.Enqueue(ctx, entryMutation("03"))
	q.MarkDead(ctx, dead.ID, syncerr.ErrPermanentValidation)

	now = base.Add(90 * time.Second)
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.PendingCount != 2 {
		t.Errorf("PendingCount = %d, want 2", stats.PendingCount)
	}
	if stats.DeadCount != 1 {
		t.Errorf("DeadCount = %d, want 1", stats.DeadCount)
	}
	if stats.OldestPendingAge != 90*time.Second {
		t.Errorf("OldestPendingAge = %v, want 90s", stats.OldestPendingAge)
	}
	if stats.MaxAttemptCount != 2 {
		t.Errorf("MaxAttemptCount = %d, want 2", stats.MaxAttemptCount)
	}
	if stats.LastError == "" {
		t.Error("LastError empty, want most recent failure")
	}
}

// plantTornRecord writes garbage bytes under a live queue key,
// simulating a write torn by power loss.
func plantTornRecord(t *testing.T, q *Queue, key string) {
	t.Helper()
	err := q.db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte{0xde, 0xad})
	})
	if err != nil {
		t.Fatalf("plant torn record: %v", err)
	}
}

func TestDrainable_QuarantinesTornRecord(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	good, err := q.Enqueue(ctx, entryMutation("01"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	plantTornRecord(t, q, "queue:entry:proj-1:20250601:02:0000000000000099")

	batches, err := q.Drainable(ctx, time.Now())
	if err != nil {
		t.Fatalf("torn record aborted the snapshot: %v", err)
	}
	if len(batches) != 1 || batches[0].Items[0].ID != good.ID {
		t.Fatalf("healthy item not drainable past the torn record: %+v", batches)
	}

	// The torn record moved out of the live prefix but stays counted.
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.PendingCount != 1 {
		t.Errorf("PendingCount = %d, want 1", stats.PendingCount)
	}
	if stats.DeadCount != 1 {
		t.Errorf("DeadCount = %d, want the quarantined record counted", stats.DeadCount)
	}

	batches, err = q.Drainable(ctx, time.Now())
	if err != nil {
		t.Fatalf("Drainable after quarantine: %v", err)
	}
	if len(batches) != 1 {
		t.Errorf("snapshot after quarantine = %+v, want the healthy item only", batches)
	}
}

func TestStats_SurvivesTornRecord(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, entryMutation("01")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	plantTornRecord(t, q, "queue:entry:proj-1:20250601:03:0000000000000099")

	// Status reporting works before any drain cycle has quarantined
	// the record.
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed on torn record: %v", err)
	}
	if stats.PendingCount != 1 || stats.DeadCount != 1 {
		t.Errorf("stats = %+v, want 1 pending and the torn record counted dead", stats)
	}
}

func TestQueue_SequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := badgerstore.Config{Path: dir, SyncWrites: true}

	db, err := badgerstore.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q, err := New(db, DefaultBackoffSchedule(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	first, _ := q.Enqueue(ctx, entryMutation("01"))
	db.Close()

	db2, err := badgerstore.Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	q2, err := New(db2, DefaultBackoffSchedule(), nil)
	if err != nil {
		t.Fatalf("New after reopen: %v", err)
	}

	second, err := q2.Enqueue(ctx, entryMutation("02"))
	if err != nil {
		t.Fatalf("Enqueue after reopen: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Errorf("sequence regressed across reopen: %d then %d", first.Seq, second.Seq)
	}

	// The original item is still staged.
	if _, err := q2.PeekNext(ctx, first.TargetKey); err != nil {
		t.Errorf("item lost across reopen: %v", err)
	}
}
