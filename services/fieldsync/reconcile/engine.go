// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reconcile drains the sync queue against the remote log store
// and resolves concurrent edits deterministically.
//
// Conflict resolution is last-write-wins on the entry's logical
// UpdatedAt stamp. When two devices produce the exact same stamp for
// different payloads, the tie is broken by comparing content hashes:
// the lexicographically greater digest wins. Both rules are pure
// functions of the two documents, so every replica that observes the
// same pair resolves it the same way without coordination.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MonteBryce/thermalog/services/fieldsync/aggregate"
	"github.com/MonteBryce/thermalog/services/fieldsync/clock"
	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
	"github.com/MonteBryce/thermalog/services/fieldsync/observability"
	"github.com/MonteBryce/thermalog/services/fieldsync/queue"
	"github.com/MonteBryce/thermalog/services/fieldsync/remote"
	"github.com/MonteBryce/thermalog/services/fieldsync/syncerr"
)

var tracer = otel.Tracer("thermalog.fieldsync.reconcile")

// Config tunes the reconciliation engine.
type Config struct {
	// BatchSize bounds how many items one drain cycle processes.
	// Default: 50.
	BatchSize int

	// BatchWindow bounds how long one drain cycle runs. Whatever is
	// left stays queued for the next cycle. Default: 10s.
	BatchWindow time.Duration

	// Parallelism is the number of target keys drained concurrently.
	// Items within one target are always sequential. Default: 4.
	Parallelism int

	// WritesPerSecond paces remote writes so a device coming back
	// online after a long gap does not flood the store. Default: 10.
	WritesPerSecond float64

	// DrainInterval is the periodic drain trigger. Default: 30s.
	DrainInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	if out.BatchWindow <= 0 {
		out.BatchWindow = 10 * time.Second
	}
	if out.Parallelism <= 0 {
		out.Parallelism = 4
	}
	if out.WritesPerSecond <= 0 {
		out.WritesPerSecond = 10
	}
	if out.DrainInterval <= 0 {
		out.DrainInterval = 30 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Engine drains the queue against the remote store.
//
// Thread Safety: safe for concurrent use; at most one drain cycle runs
// at a time.
type Engine struct {
	cfg     Config
	queue   *queue.Queue
	store   remote.Store
	clk     *clock.Clock
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *slog.Logger

	kick chan struct{}

	// drainGate serializes cycles: Flush during a periodic drain waits
	// for the running cycle instead of interleaving with it.
	drainGate chan struct{}

	now func() time.Time
}

// New creates an engine. metrics may be nil.
func New(cfg Config, q *queue.Queue, store remote.Store, clk *clock.Clock, metrics *observability.Metrics) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		queue:     q,
		store:     store,
		clk:       clk,
		limiter:   rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), 1),
		metrics:   metrics,
		logger:    cfg.Logger.With(slog.String("component", "reconcile")),
		kick:      make(chan struct{}, 1),
		drainGate: make(chan struct{}, 1),
		now:       time.Now,
	}
	e.drainGate <- struct{}{}
	return e
}

// Run drains on the periodic interval and on kicks from Flush and
// NotifyOnline until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.kick:
		}
		if err := e.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("drain cycle failed", slog.String("error", err.Error()))
		}
	}
}

// Flush requests an immediate drain from the Run loop. Non-blocking;
// a kick is already pending when the channel is full.
func (e *Engine) Flush() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// NotifyOnline signals regained connectivity. Same effect as Flush; a
// separate name so call sites read as what they mean.
func (e *Engine) NotifyOnline() {
	e.Flush()
}

// Drain runs one bounded drain cycle synchronously: up to BatchSize
// items or BatchWindow elapsed, whichever first. Different target keys
// proceed concurrently; within a target, strictly in enqueue order.
func (e *Engine) Drain(ctx context.Context) error {
	select {
	case <-e.drainGate:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { e.drainGate <- struct{}{} }()

	ctx, span := tracer.Start(ctx, "reconcile.Drain")
	defer span.End()

	start := e.now()
	defer func() {
		e.metrics.ObserveDrain(e.now().Sub(start).Seconds())
		if stats, err := e.queue.Stats(ctx); err == nil {
			e.metrics.SetQueueGauges(stats.PendingCount, stats.DeadCount)
		}
	}()

	batches, err := e.queue.Drainable(ctx, e.now())
	if err != nil {
		return fmt.Errorf("snapshot queue: %w", err)
	}
	if len(batches) == 0 {
		return nil
	}

	// Cap the cycle: keep whole targets, clip the item budget across
	// them in drain order.
	budget := e.cfg.BatchSize
	var work []queue.TargetBatch
	for _, b := range batches {
		if budget <= 0 {
			break
		}
		if len(b.Items) > budget {
			b.Items = b.Items[:budget]
		}
		budget -= len(b.Items)
		work = append(work, b)
	}

	cycleCtx, cancel := context.WithTimeout(ctx, e.cfg.BatchWindow)
	defer cancel()

	g, gctx := errgroup.WithContext(cycleCtx)
	g.SetLimit(e.cfg.Parallelism)
	for _, batch := range work {
		batch := batch
		g.Go(func() error {
			e.drainTarget(gctx, batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("targets", len(work)))
	return nil
}

// drainTarget processes one target's items in order, stopping at the
// first item that stays queued so later items never overtake it.
func (e *Engine) drainTarget(ctx context.Context, batch queue.TargetBatch) {
	for _, item := range batch.Items {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}

		outcome, err := e.syncItem(ctx, item)
		if err == nil {
			if markErr := e.queue.MarkSucceeded(ctx, item.ID); markErr != nil {
				e.logger.Error("confirmed item not removed",
					slog.String("item_id", item.ID),
					slog.String("error", markErr.Error()))
				return
			}
			e.metrics.RecordOutcome(outcome)
			continue
		}

		switch syncerr.Classify(err) {
		case syncerr.ClassPermanent:
			if markErr := e.queue.MarkDead(ctx, item.ID, err); markErr != nil {
				e.logger.Error("dead-letter failed",
					slog.String("item_id", item.ID),
					slog.String("error", markErr.Error()))
			}
			e.metrics.RecordOutcome(observability.OutcomeDead)
			// Later items for this target may still be valid; keep
			// draining behind the removed head.
			continue
		case syncerr.ClassStorage:
			// The local store is unhealthy; nothing useful can happen
			// this cycle.
			e.logger.Error("local storage failure during drain",
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()))
			return
		default:
			if markErr := e.queue.MarkFailed(ctx, item.ID, err); markErr != nil {
				e.logger.Error("failure not recorded",
					slog.String("item_id", item.ID),
					slog.String("error", markErr.Error()))
			}
			e.metrics.RecordOutcome(observability.OutcomeFailed)
			// The head is now backing off; stop so order holds.
			return
		}
	}
}

// syncItem applies one mutation to the remote store and returns the
// outcome label. A non-nil error means the item stays queued (or is
// dead-lettered, per its class).
func (e *Engine) syncItem(ctx context.Context, item *datatypes.SyncQueueItem) (string, error) {
	ctx, span := tracer.Start(ctx, "reconcile.syncItem")
	defer span.End()
	span.SetAttributes(attribute.String("target_key", item.TargetKey))

	switch item.Mutation.Kind {
	case datatypes.MutationNotes:
		return e.syncNotes(ctx, &item.Mutation)
	default:
		return e.syncEntry(ctx, &item.Mutation)
	}
}

func (e *Engine) syncEntry(ctx context.Context, m *datatypes.Mutation) (string, error) {
	local := m.Entry

	current, err := e.store.GetEntry(ctx, local.EntryKey)
	switch {
	case errors.Is(err, syncerr.ErrNotFound):
		if err := e.store.PutEntry(ctx, local); err != nil {
			return "", err
		}
		return observability.OutcomeApplied, e.recomputeDay(ctx, local.ProjectID, local.DateKey)
	case err != nil:
		return "", err
	}

	// Fold the remote stamp into our clock so later local edits stamp
	// strictly after everything this device has observed.
	e.clk.Observe(current.UpdatedAt)

	cmp := local.UpdatedAt.Compare(current.UpdatedAt)
	switch {
	case cmp > 0:
		if err := e.store.PutEntry(ctx, local); err != nil {
			return "", err
		}
		return observability.OutcomeApplied, e.recomputeDay(ctx, local.ProjectID, local.DateKey)

	case cmp < 0:
		// The remote copy is newer: another device's edit already won.
		// The queued mutation is superseded and succeeds as a no-op.
		// The recompute still runs — an earlier delivery of this item
		// may have written the entry and died before its rollup write.
		e.logResolution(syncerr.Resolution{
			TargetKey:   m.TargetKey(),
			LocalStamp:  local.UpdatedAt.String(),
			RemoteStamp: current.UpdatedAt.String(),
			Winner:      "remote",
			Rule:        "newer-stamp",
		})
		return observability.OutcomeSuperseded, e.recomputeDay(ctx, local.ProjectID, local.DateKey)

	default:
		localHash, remoteHash := local.ContentHash(), current.ContentHash()
		if localHash == remoteHash {
			// Identical stamp and payload: our own earlier delivery,
			// replayed after a lost acknowledgment. The first attempt
			// may have failed between the entry write and the rollup
			// write, so the replay must finish the recompute too.
			return observability.OutcomeReplayed, e.recomputeDay(ctx, local.ProjectID, local.DateKey)
		}

		res := syncerr.Resolution{
			TargetKey:   m.TargetKey(),
			LocalStamp:  local.UpdatedAt.String(),
			RemoteStamp: current.UpdatedAt.String(),
			Rule:        "content-hash",
		}
		if localHash > remoteHash {
			res.Winner = "local"
			e.logResolution(res)
			if err := e.store.PutEntry(ctx, local); err != nil {
				return "", err
			}
			return observability.OutcomeApplied, e.recomputeDay(ctx, local.ProjectID, local.DateKey)
		}
		res.Winner = "remote"
		e.logResolution(res)
		return observability.OutcomeSuperseded, e.recomputeDay(ctx, local.ProjectID, local.DateKey)
	}
}

// syncNotes writes dashboard notes onto the day's rollup. Notes ride
// the same queue as entries so offline note edits survive restarts.
func (e *Engine) syncNotes(ctx context.Context, m *datatypes.Mutation) (string, error) {
	log, err := e.store.GetDailyLog(ctx, m.ProjectID, m.DateKey)
	if errors.Is(err, syncerr.ErrNotFound) {
		log = &datatypes.DailyLog{
			ProjectID:        m.ProjectID,
			DateKey:          m.DateKey,
			CompletionStatus: datatypes.StatusNotStarted,
			DailyMetrics:     map[string]float64{},
			OperatorIDs:      []string{},
		}
	} else if err != nil {
		return "", err
	}

	// An empty string is a deliberate clear; the non-nil pointer keeps
	// the merge from resurrecting the old notes.
	notes := m.Notes
	log.Notes = &notes
	log.UpdatedAt = e.now().UnixMilli()
	if err := e.store.PutDailyLog(ctx, log); err != nil {
		return "", err
	}
	return observability.OutcomeApplied, nil
}

// recomputeDay rebuilds the rollup from the remote's full entry set
// after an entry resolution. A failure here keeps the queue item: the
// entry write is idempotent, and every resolution outcome — applied,
// superseded, or replayed — re-runs the recompute on retry.
func (e *Engine) recomputeDay(ctx context.Context, projectID, dateKey string) error {
	entries, err := e.store.ListEntries(ctx, projectID, dateKey)
	if err != nil {
		return fmt.Errorf("list entries for rollup: %w", err)
	}
	log := aggregate.Recompute(projectID, dateKey, entries)
	if err := e.store.PutDailyLog(ctx, log); err != nil {
		return fmt.Errorf("write rollup: %w", err)
	}
	return nil
}

func (e *Engine) logResolution(res syncerr.Resolution) {
	e.metrics.RecordConflict()
	e.logger.Info("conflict resolved",
		slog.String("target", res.TargetKey),
		slog.String("local_stamp", res.LocalStamp),
		slog.String("remote_stamp", res.RemoteStamp),
		slog.String("winner", res.Winner),
		slog.String("rule", res.Rule))
}
