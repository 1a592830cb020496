// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package aggregate derives the per-day rollup from a day's entries.
//
// The rollup is always recomputed from the full entry set, never
// incrementally patched. Incremental updates drift when a replay or
// conflict resolution rewrites an hour out of order; a full recompute
// is a pure function of its input, so the same entries always produce
// the same rollup no matter what sequence of syncs led there.
package aggregate

import (
	"sort"
	"time"

	"github.com/MonteBryce/thermalog/services/fieldsync/clock"
	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
)

// Recompute derives the DailyLog for a project day from its entries.
// Entries belonging to other days are the caller's bug; they are
// included as given. Notes are never produced here — they are authored
// on the dashboard and merged at the write boundary.
//
// The result is deterministic for a given entry set except UpdatedAt,
// which carries the recompute's wall-clock time.
func Recompute(projectID, dateKey string, entries []*datatypes.Entry) *datatypes.DailyLog {
	return recomputeAt(projectID, dateKey, entries, time.Now())
}

func recomputeAt(projectID, dateKey string, entries []*datatypes.Entry, now time.Time) *datatypes.DailyLog {
	log := &datatypes.DailyLog{
		ProjectID:    projectID,
		DateKey:      dateKey,
		DailyMetrics: map[string]float64{},
		OperatorIDs:  []string{},
		UpdatedAt:    now.UnixMilli(),
	}

	// One entry per hour slot; duplicates should not exist, but if a
	// caller passes them the latest stamp wins so counts stay <= 24.
	byHour := make(map[string]*datatypes.Entry, len(entries))
	for _, e := range entries {
		if prev, ok := byHour[e.HourID]; ok && !e.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		byHour[e.HourID] = e
	}

	operators := map[string]bool{}
	type fieldAgg struct {
		sum, min, max float64
		count         int
	}
	fields := map[string]*fieldAgg{}

	validated := 0
	var first, last *clock.Stamp
	for _, e := range byHour {
		log.TotalEntries++
		if e.Validated {
			validated++
		}
		if e.OperatorID != "" {
			operators[e.OperatorID] = true
		}

		created := e.CreatedAt
		updated := e.UpdatedAt
		if first == nil || first.After(created) {
			first = &created
		}
		if last == nil || updated.After(*last) {
			last = &updated
		}

		for key, v := range e.Readings {
			if v.Kind != datatypes.ReadingNumber {
				continue
			}
			agg, ok := fields[key]
			if !ok {
				agg = &fieldAgg{min: v.Number, max: v.Number}
				fields[key] = agg
			}
			agg.sum += v.Number
			agg.count++
			if v.Number < agg.min {
				agg.min = v.Number
			}
			if v.Number > agg.max {
				agg.max = v.Number
			}
		}
	}

	log.CompletedHours = log.TotalEntries
	log.ValidatedHours = validated
	log.CompletionStatus = datatypes.StatusForCounts(log.CompletedHours, log.ValidatedHours)
	log.FirstEntryAt = first
	log.LastEntryAt = last

	for key, agg := range fields {
		log.DailyMetrics[key+"_avg"] = agg.sum / float64(agg.count)
		log.DailyMetrics[key+"_min"] = agg.min
		log.DailyMetrics[key+"_max"] = agg.max
		log.DailyMetrics[key+"_count"] = float64(agg.count)
	}

	for op := range operators {
		log.OperatorIDs = append(log.OperatorIDs, op)
	}
	sort.Strings(log.OperatorIDs)

	return log
}
