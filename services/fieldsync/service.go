// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fieldsync is the offline-first synchronization core for
// hourly compliance logging. A field device records entries into a
// local cache, stages every mutation in a durable queue, and a
// reconciliation engine delivers them to the remote log store whenever
// connectivity allows.
//
// The Service type is the facade the HTTP handlers and the desktop UI
// call. Identity is an explicit parameter on every mutating operation;
// there is no ambient current-user state anywhere below the HTTP edge.
package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MonteBryce/thermalog/services/fieldsync/aggregate"
	"github.com/MonteBryce/thermalog/services/fieldsync/cache"
	"github.com/MonteBryce/thermalog/services/fieldsync/clock"
	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
	"github.com/MonteBryce/thermalog/services/fieldsync/observability"
	"github.com/MonteBryce/thermalog/services/fieldsync/queue"
	"github.com/MonteBryce/thermalog/services/fieldsync/reconcile"
	"github.com/MonteBryce/thermalog/services/fieldsync/remote"
	"github.com/MonteBryce/thermalog/services/fieldsync/syncerr"
)

// ErrNotPermitted is returned when an identity lacks the capability an
// operation requires.
var ErrNotPermitted = errors.New("identity lacks the required capability")

// Identity is the authenticated caller of a mutating operation, passed
// explicitly from the edge down.
type Identity struct {
	// OperatorID identifies the person recording or validating.
	OperatorID string

	// CanValidate grants the entry validation capability, typically
	// held by shift supervisors.
	CanValidate bool
}

func (id Identity) validate() error {
	if id.OperatorID == "" {
		return syncerr.Permanent(fmt.Errorf("operator id must not be empty"))
	}
	return nil
}

// SubmitResult reports what happened to a submitted entry.
type SubmitResult struct {
	// Accepted means the entry passed validation and was persisted
	// locally. The reading is safe even if the device goes offline now.
	Accepted bool

	// Queued means the mutation was staged for remote delivery.
	Queued bool

	// Entry is the stored entry, stamps assigned.
	Entry *datatypes.Entry
}

// SyncStatus summarizes queue health for UI indicators.
type SyncStatus struct {
	// PendingCount is the number of mutations awaiting delivery.
	PendingCount int `json:"pendingCount"`

	// OldestPendingAge is how long the oldest pending mutation has
	// waited.
	OldestPendingAge time.Duration `json:"oldestPendingAge"`

	// LastError is the most recent delivery failure, empty when clean.
	LastError string `json:"lastError,omitempty"`

	// DeadLetters counts mutations parked after permanent failures.
	// Anything above zero needs operator attention.
	DeadLetters int `json:"deadLetters"`

	// Delayed is set once any pending item has failed at least the
	// configured attempt threshold, meaning the backlog is not just a
	// momentary blip.
	Delayed bool `json:"delayed"`
}

// Deps are the service's collaborators, constructed by the caller so
// tests can substitute any of them.
type Deps struct {
	Cache    *cache.Store
	Queue    *queue.Queue
	Engine   *reconcile.Engine
	Store    remote.Store
	Projects remote.ProjectDirectory
	Clock    *clock.Clock
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Options tunes service behavior.
type Options struct {
	// DelayedAttemptThreshold is the attempt count at which the sync
	// status flips to Delayed. Default: 5.
	DelayedAttemptThreshold int
}

// Service is the synchronization facade.
//
// Thread Safety: safe for concurrent use.
type Service struct {
	deps             Deps
	delayedThreshold int
	logger           *slog.Logger
}

// NewService wires the facade.
func NewService(deps Deps, opts Options) *Service {
	threshold := opts.DelayedAttemptThreshold
	if threshold <= 0 {
		threshold = 5
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		deps:             deps,
		delayedThreshold: threshold,
		logger:           logger.With(slog.String("component", "fieldsync")),
	}
}

// SubmitEntry records an hourly reading: validates it against the
// project's template schema, persists it to the local cache, and stages
// it for remote delivery. The call succeeds or fails atomically from
// the caller's view — a storage failure means the reading was NOT
// saved, and the UI must say so.
//
// clientStamp, when non-zero, is the stamp of the client-side edit
// being submitted (a UI replaying edits captured before a restart). It
// is folded into the device clock so the issued stamp orders after it.
func (s *Service) SubmitEntry(
	ctx context.Context,
	identity Identity,
	projectID, dateKey, hourID string,
	readings map[string]datatypes.ReadingValue,
	clientStamp clock.Stamp,
) (*SubmitResult, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}
	key := datatypes.EntryKey{ProjectID: projectID, DateKey: dateKey, HourID: hourID}
	if err := key.Validate(); err != nil {
		return nil, syncerr.Permanent(err)
	}

	project, err := s.Project(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if err := project.Template.ValidateReadings(readings); err != nil {
		return nil, syncerr.Permanent(err)
	}

	if !clientStamp.Zero() {
		s.deps.Clock.Observe(clientStamp)
	}
	stamp := s.deps.Clock.Issue()

	kind := datatypes.MutationCreate
	entry := &datatypes.Entry{
		EntryKey:   key,
		Readings:   readings,
		OperatorID: identity.OperatorID,
		CreatedAt:  stamp,
		UpdatedAt:  stamp,
	}
	if existing, err := s.deps.Cache.GetEntry(ctx, key); err == nil {
		// A revision: keep the original creation stamp, and drop any
		// prior validation — edited readings need review again.
		kind = datatypes.MutationUpdate
		entry.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, syncerr.ErrNotFound) {
		return nil, err
	}

	if err := s.deps.Cache.PutEntry(ctx, entry); err != nil {
		return nil, err
	}
	if _, err := s.deps.Queue.Enqueue(ctx, &datatypes.Mutation{Kind: kind, Entry: entry}); err != nil {
		return nil, err
	}
	s.deps.Metrics.RecordEnqueue()
	s.deps.Engine.Flush()

	s.logger.Info("entry submitted",
		slog.String("key", key.String()),
		slog.String("operator", identity.OperatorID),
		slog.String("kind", string(kind)))

	return &SubmitResult{Accepted: true, Queued: true, Entry: entry}, nil
}

// ValidateEntry marks an entry as reviewed. Requires the validate
// capability.
func (s *Service) ValidateEntry(
	ctx context.Context,
	identity Identity,
	projectID, dateKey, hourID string,
) (*datatypes.Entry, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}
	if !identity.CanValidate {
		return nil, fmt.Errorf("%w: validate requires the supervisor capability", ErrNotPermitted)
	}

	key := datatypes.EntryKey{ProjectID: projectID, DateKey: dateKey, HourID: hourID}
	if err := key.Validate(); err != nil {
		return nil, syncerr.Permanent(err)
	}

	entry, err := s.deps.Cache.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}

	stamp := s.deps.Clock.Issue()
	entry.Validated = true
	entry.ValidatedBy = identity.OperatorID
	entry.ValidatedAt = &stamp
	entry.UpdatedAt = stamp

	if err := s.deps.Cache.PutEntry(ctx, entry); err != nil {
		return nil, err
	}
	if _, err := s.deps.Queue.Enqueue(ctx, &datatypes.Mutation{
		Kind: datatypes.MutationUpdate, Entry: entry,
	}); err != nil {
		return nil, err
	}
	s.deps.Metrics.RecordEnqueue()
	s.deps.Engine.Flush()
	return entry, nil
}

// SetDailyNotes stages a notes edit for the day's rollup.
func (s *Service) SetDailyNotes(ctx context.Context, identity Identity, projectID, dateKey, notes string) error {
	if err := identity.validate(); err != nil {
		return err
	}
	if _, err := s.deps.Queue.Enqueue(ctx, &datatypes.Mutation{
		Kind: datatypes.MutationNotes, ProjectID: projectID, DateKey: dateKey, Notes: notes,
	}); err != nil {
		return err
	}
	s.deps.Metrics.RecordEnqueue()
	s.deps.Engine.Flush()
	return nil
}

// GetDailyLog returns the day's rollup: the remote store's copy when
// reachable, otherwise a rollup recomputed from the local cache. The
// offline rollup reflects only this device's entries, which is exactly
// what the operator on this device recorded.
func (s *Service) GetDailyLog(ctx context.Context, projectID, dateKey string) (*datatypes.DailyLog, error) {
	log, err := s.deps.Store.GetDailyLog(ctx, projectID, dateKey)
	if err == nil {
		return log, nil
	}
	if !errors.Is(err, syncerr.ErrNotFound) {
		s.logger.Debug("remote rollup unavailable, using local cache",
			slog.String("project", projectID),
			slog.String("date", dateKey),
			slog.String("error", err.Error()))
	}

	entries, cacheErr := s.deps.Cache.EntriesForDay(ctx, projectID, dateKey)
	if cacheErr != nil {
		return nil, cacheErr
	}
	return aggregate.Recompute(projectID, dateKey, entries), nil
}

// GetEntriesForDay returns the locally cached entries for a project
// day, ordered by hour. This is the stable read surface the export
// tooling consumes.
func (s *Service) GetEntriesForDay(ctx context.Context, projectID, dateKey string) ([]*datatypes.Entry, error) {
	return s.deps.Cache.EntriesForDay(ctx, projectID, dateKey)
}

// GetSyncStatus summarizes queue health for the UI sync indicator.
func (s *Service) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	stats, err := s.deps.Queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.SetQueueGauges(stats.PendingCount, stats.DeadCount)
	return &SyncStatus{
		PendingCount:     stats.PendingCount,
		OldestPendingAge: stats.OldestPendingAge,
		LastError:        stats.LastError,
		DeadLetters:      stats.DeadCount,
		Delayed:          stats.MaxAttemptCount >= s.delayedThreshold,
	}, nil
}

// Project returns project metadata from the local cache, refreshing
// from the remote directory on a miss.
func (s *Service) Project(ctx context.Context, projectID string) (*datatypes.CachedProject, error) {
	project, err := s.deps.Cache.GetProject(ctx, projectID)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, syncerr.ErrNotFound) {
		return nil, err
	}
	return s.RefreshProject(ctx, projectID)
}

// RefreshProject fetches project metadata from the remote directory and
// replaces the cached copy.
func (s *Service) RefreshProject(ctx context.Context, projectID string) (*datatypes.CachedProject, error) {
	project, err := s.deps.Projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("refresh project %s: %w", projectID, err)
	}
	project.RefreshedAt = time.Now()
	if err := s.deps.Cache.PutProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// Flush asks the engine for an immediate drain cycle.
func (s *Service) Flush() {
	s.deps.Engine.Flush()
}

// NotifyOnline signals regained connectivity to the engine.
func (s *Service) NotifyOnline() {
	s.deps.Engine.NotifyOnline()
}
