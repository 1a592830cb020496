// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue implements the durable sync queue: an ordered, durable
// staging area for mutations that have not yet been confirmed by the
// remote log store.
//
// The queue is a write-ahead log over BadgerDB. Each item is stored
// under a key that embeds its target and a global sequence number:
//
//	queue:{targetKey}:{seq:016d} -> [4-byte CRC32][JSON SyncQueueItem]
//	dead:{targetKey}:{seq:016d}  -> same framing (dead-lettered items)
//	qid:{itemID}                 -> full item key (lookup index)
//
// A prefix iteration over queue:{targetKey}: therefore yields that
// target's items in enqueue order, which is the per-key FIFO guarantee
// reconciliation relies on. Items for different targets carry no
// ordering relationship.
//
// Items are persisted before Enqueue returns and removed only by
// MarkSucceeded or MarkDead; the queue never silently drops a mutation.
package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
	"github.com/MonteBryce/thermalog/services/fieldsync/storage/badgerstore"
	"github.com/MonteBryce/thermalog/services/fieldsync/syncerr"
)

var (
	// ErrItemCorrupted is returned when a stored item fails its CRC
	// check. Corrupted items are surfaced, never skipped silently.
	ErrItemCorrupted = errors.New("queue item corrupted (CRC mismatch)")

	// ErrItemNotFound is returned when an item id has no stored item.
	ErrItemNotFound = errors.New("queue item not found")
)

const (
	queuePrefix   = "queue:"
	deadPrefix    = "dead:"
	idPrefix      = "qid:"
	corruptPrefix = "corrupt:"
)

var tracer = otel.Tracer("thermalog.fieldsync.queue")

// Queue is the durable sync queue.
//
// Thread Safety: safe for concurrent use.
type Queue struct {
	db       *badgerstore.DB
	schedule BackoffSchedule
	logger   *slog.Logger

	seq atomic.Uint64

	// now is swappable for tests.
	now func() time.Time
}

// New opens the queue over the device database, recovering the
// sequence counter from any persisted items.
func New(db *badgerstore.DB, schedule BackoffSchedule, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		db:       db,
		schedule: schedule,
		logger:   logger.With(slog.String("component", "syncqueue")),
		now:      time.Now,
	}

	if err := q.initSeq(); err != nil {
		return nil, fmt.Errorf("recover queue sequence: %w", err)
	}

	return q, nil
}

// initSeq scans persisted items for the highest sequence number so new
// items keep ordering after a restart.
func (q *Queue) initSeq() error {
	var maxSeq uint64

	err := q.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for _, prefix := range []string{queuePrefix, deadPrefix} {
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				err := it.Item().Value(func(val []byte) error {
					item, err := decodeItem(val)
					if err != nil {
						// Count corrupted values toward the sequence
						// floor conservatively by skipping; they are
						// reported when actually drained.
						return nil
					}
					if item.Seq > maxSeq {
						maxSeq = item.Seq
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.seq.Store(maxSeq)
	return nil
}

func itemKey(targetKey string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016d", queuePrefix, targetKey, seq))
}

func deadKey(targetKey string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016d", deadPrefix, targetKey, seq))
}

func idKey(itemID string) []byte {
	return []byte(idPrefix + itemID)
}

// encodeItem frames an item as [4-byte CRC32][JSON]. The CRC guards
// against torn writes on devices that lose power mid-sync.
func encodeItem(item *datatypes.SyncQueueItem) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(item); err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	framed := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(framed[:4], crc)
	copy(framed[4:], buf.Bytes())
	return framed, nil
}

func decodeItem(data []byte) (*datatypes.SyncQueueItem, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: value too short", ErrItemCorrupted)
	}

	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); computed != stored {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrItemCorrupted, stored, computed)
	}

	var item datatypes.SyncQueueItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return &item, nil
}

// Enqueue validates and durably appends a mutation. The item is
// persisted before Enqueue returns: if this call fails, the mutation
// was not staged and the caller must not report the write as saved.
//
// Outputs:
//
//	*SyncQueueItem - The staged item, with its assigned id and sequence.
//	error - ErrPermanentValidation for an invalid mutation;
//	        ErrStorageWrite if persistence fails.
func (q *Queue) Enqueue(ctx context.Context, m *datatypes.Mutation) (*datatypes.SyncQueueItem, error) {
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	if err := m.Validate(); err != nil {
		return nil, syncerr.Permanent(err)
	}

	item := &datatypes.SyncQueueItem{
		ID:         uuid.NewString(),
		Seq:        q.seq.Add(1),
		TargetKey:  m.TargetKey(),
		Mutation:   *m,
		EnqueuedAt: q.now(),
	}

	data, err := encodeItem(item)
	if err != nil {
		return nil, syncerr.Storage(err)
	}

	key := itemKey(item.TargetKey, item.Seq)
	err = q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey(item.ID), key)
	})
	if err != nil {
		return nil, syncerr.Storage(fmt.Errorf("persist queue item: %w", err))
	}

	span.SetAttributes(
		attribute.String("target_key", item.TargetKey),
		attribute.Int64("seq", int64(item.Seq)),
	)
	q.logger.Debug("mutation enqueued",
		slog.String("item_id", item.ID),
		slog.String("target", item.TargetKey),
		slog.Uint64("seq", item.Seq))

	return item, nil
}

// PeekNext returns the oldest queued item for a target key, or
// ErrItemNotFound when the target has no pending items.
func (q *Queue) PeekNext(ctx context.Context, targetKey string) (*datatypes.SyncQueueItem, error) {
	var found *datatypes.SyncQueueItem

	prefix := []byte(queuePrefix + targetKey + ":")
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return ErrItemNotFound
		}
		return it.Item().Value(func(val []byte) error {
			item, err := decodeItem(val)
			if err != nil {
				return err
			}
			found = item
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// TargetBatch is one target's pending items in enqueue order.
type TargetBatch struct {
	TargetKey string
	Items     []*datatypes.SyncQueueItem
}

// Drainable returns a snapshot of targets whose head item is
// retry-eligible at the given time, each with its full pending item
// list in sequence order. Targets whose head is still backing off are
// excluded entirely: draining a later item first would violate the
// per-key ordering guarantee.
//
// Records that fail their CRC check are quarantined under the corrupt:
// prefix rather than aborting the snapshot — one torn write must not
// wedge every healthy target. Quarantined records stay on disk and are
// counted by Stats.
//
// The snapshot is finite and restartable; the next call observes
// whatever state the queue has then.
func (q *Queue) Drainable(ctx context.Context, now time.Time) ([]TargetBatch, error) {
	ctx, span := tracer.Start(ctx, "queue.Drainable")
	defer span.End()

	byTarget := make(map[string][]*datatypes.SyncQueueItem)
	var corrupt []corruptRecord

	prefix := []byte(queuePrefix)
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			err := it.Item().Value(func(val []byte) error {
				item, err := decodeItem(val)
				if err != nil {
					corrupt = append(corrupt, corruptRecord{
						key: it.Item().KeyCopy(nil),
						val: append([]byte(nil), val...),
					})
					return nil
				}
				byTarget[item.TargetKey] = append(byTarget[item.TargetKey], item)
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

	q.quarantine(ctx, corrupt)

	var batches []TargetBatch
	for target, items := range byTarget {
		sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
		if !items[0].Eligible(now) {
			continue
		}
		batches = append(batches, TargetBatch{TargetKey: target, Items: items})
	}
	// Deterministic drain order across targets keeps tests and logs
	// stable; it carries no cross-key ordering semantics.
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].Items[0].Seq < batches[j].Items[0].Seq
	})

	span.SetAttributes(attribute.Int("batch_count", len(batches)))
	return batches, nil
}

// corruptRecord is a stored value that failed its CRC check, captured
// during a scan for quarantine.
type corruptRecord struct {
	key []byte
	val []byte
}

// quarantine moves undecodable records under the corrupt: prefix so a
// torn write cannot block draining. The raw bytes are kept on disk for
// manual inspection — a compliance record is never discarded, even one
// the device can no longer read.
func (q *Queue) quarantine(ctx context.Context, records []corruptRecord) {
	for _, rec := range records {
		err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
			if err := txn.Set(append([]byte(corruptPrefix), rec.key...), rec.val); err != nil {
				return err
			}
			return txn.Delete(rec.key)
		})
		if err != nil {
			q.logger.Error("corrupted queue record not quarantined",
				slog.String("key", string(rec.key)),
				slog.String("error", err.Error()))
			continue
		}
		q.logger.Error("corrupted queue record quarantined",
			slog.String("key", string(rec.key)))
	}
}

// getByID loads an item via the id index. Returns the storage key as
// well so callers can delete or move the record.
func (q *Queue) getByID(txn *badger.Txn, itemID string) ([]byte, *datatypes.SyncQueueItem, error) {
	idxItem, err := txn.Get(idKey(itemID))
	if err == badger.ErrKeyNotFound {
		return nil, nil, ErrItemNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	storageKey, err := idxItem.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}

	stored, err := txn.Get(storageKey)
	if err == badger.ErrKeyNotFound {
		return nil, nil, ErrItemNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	var item *datatypes.SyncQueueItem
	err = stored.Value(func(val []byte) error {
		item, err = decodeItem(val)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return storageKey, item, nil
}

// MarkSucceeded removes a confirmed item. Idempotent: a second call
// for the same id is a no-op, which at-least-once delivery requires.
func (q *Queue) MarkSucceeded(ctx context.Context, itemID string) error {
	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		storageKey, _, err := q.getByID(txn, itemID)
		if errors.Is(err, ErrItemNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(storageKey); err != nil {
			return err
		}
		return txn.Delete(idKey(itemID))
	})
	if err != nil {
		return syncerr.Storage(fmt.Errorf("remove queue item %s: %w", itemID, err))
	}
	return nil
}

// MarkFailed records a retryable failure: bumps the attempt count,
// stores the error, and schedules the next attempt per the backoff
// schedule. The item stays queued.
func (q *Queue) MarkFailed(ctx context.Context, itemID string, cause error) error {
	class := syncerr.Classify(cause)

	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		storageKey, item, err := q.getByID(txn, itemID)
		if err != nil {
			return err
		}

		item.AttemptCount++
		item.LastError = cause.Error()
		item.LastErrorClass = class.String()
		item.NextAttemptAt = q.schedule.NextAttempt(item.AttemptCount, class, q.now())

		data, err := encodeItem(item)
		if err != nil {
			return err
		}
		return txn.Set(storageKey, data)
	})
	if err != nil {
		return syncerr.Storage(fmt.Errorf("record failure for item %s: %w", itemID, err))
	}

	q.logger.Warn("queue item failed",
		slog.String("item_id", itemID),
		slog.String("class", class.String()),
		slog.String("error", cause.Error()))
	return nil
}

// MarkDead moves an item to the dead-letter state after a permanent
// failure. Dead items are excluded from draining but kept on disk and
// surfaced through DeadLetters and Stats — a compliance record is
// never silently dropped.
func (q *Queue) MarkDead(ctx context.Context, itemID string, cause error) error {
	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		storageKey, item, err := q.getByID(txn, itemID)
		if err != nil {
			return err
		}

		item.AttemptCount++
		item.LastError = cause.Error()
		item.LastErrorClass = syncerr.Classify(cause).String()

		data, err := encodeItem(item)
		if err != nil {
			return err
		}

		dk := deadKey(item.TargetKey, item.Seq)
		if err := txn.Set(dk, data); err != nil {
			return err
		}
		if err := txn.Delete(storageKey); err != nil {
			return err
		}
		return txn.Set(idKey(itemID), dk)
	})
	if err != nil {
		return syncerr.Storage(fmt.Errorf("dead-letter item %s: %w", itemID, err))
	}

	q.logger.Error("queue item dead-lettered",
		slog.String("item_id", itemID),
		slog.String("error", cause.Error()))
	return nil
}

// DeadLetters returns all dead-lettered items in sequence order.
func (q *Queue) DeadLetters(ctx context.Context) ([]*datatypes.SyncQueueItem, error) {
	var items []*datatypes.SyncQueueItem

	prefix := []byte(deadPrefix)
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				item, err := decodeItem(val)
				if err != nil {
					return err
				}
				items = append(items, item)
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

	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

// Stats summarizes queue state for sync status reporting.
type Stats struct {
	// PendingCount is the number of items awaiting delivery.
	PendingCount int

	// DeadCount is the number of items no longer eligible for
	// delivery: dead-lettered items plus quarantined corrupt records.
	DeadCount int

	// OldestPendingAge is the age of the oldest pending item, zero
	// when the queue is empty.
	OldestPendingAge time.Duration

	// MaxAttemptCount is the highest attempt count among pending
	// items; the service's delay threshold compares against it.
	MaxAttemptCount int

	// LastError is the most recent recorded failure among pending and
	// dead items.
	LastError string
}

// Stats scans the queue and returns a point-in-time summary.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var oldest time.Time
	var lastErrSeq uint64

	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		scan := func(prefix string, dead bool) error {
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				err := it.Item().Value(func(val []byte) error {
					item, err := decodeItem(val)
					if err != nil {
						// Torn record awaiting quarantine. Status
						// reporting must keep working, so count it
						// out of delivery rather than failing.
						s.DeadCount++
						return nil
					}
					if dead {
						s.DeadCount++
					} else {
						s.PendingCount++
						if oldest.IsZero() || item.EnqueuedAt.Before(oldest) {
							oldest = item.EnqueuedAt
						}
						if item.AttemptCount > s.MaxAttemptCount {
							s.MaxAttemptCount = item.AttemptCount
						}
					}
					if item.LastError != "" && item.Seq >= lastErrSeq {
						lastErrSeq = item.Seq
						s.LastError = item.LastError
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		}

		if err := scan(queuePrefix, false); err != nil {
			return err
		}
		if err := scan(deadPrefix, true); err != nil {
			return err
		}

		cp := []byte(corruptPrefix)
		for it.Seek(cp); it.ValidForPrefix(cp); it.Next() {
			s.DeadCount++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	if !oldest.IsZero() {
		s.OldestPendingAge = q.now().Sub(oldest)
	}
	return s, nil
}
