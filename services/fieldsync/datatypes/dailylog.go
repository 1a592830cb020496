// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"github.com/MonteBryce/thermalog/services/fieldsync/clock"
)

// CompletionStatus describes how much of a day's 24 hourly slots are
// filled and validated.
type CompletionStatus string

const (
	// StatusNotStarted means no entries exist for the day.
	StatusNotStarted CompletionStatus = "NOT_STARTED"

	// StatusIncomplete means between 1 and 23 hours are filled.
	StatusIncomplete CompletionStatus = "INCOMPLETE"

	// StatusComplete means all 24 hours are filled but not all validated.
	StatusComplete CompletionStatus = "COMPLETE"

	// StatusValidated means all 24 hours are filled and validated.
	StatusValidated CompletionStatus = "VALIDATED"
)

// StatusForCounts is the completion state machine: a pure function of
// (completedHours, validatedHours). It is re-entrant — un-validating an
// entry moves a VALIDATED day back to COMPLETE on the next recompute.
func StatusForCounts(completedHours, validatedHours int) CompletionStatus {
	switch {
	case completedHours == 0:
		return StatusNotStarted
	case completedHours < 24:
		return StatusIncomplete
	case validatedHours < 24:
		return StatusComplete
	default:
		return StatusValidated
	}
}

// DailyLog is the per-day aggregate over a project's entries. It is
// exclusively derived — recomputed from scratch on every entry change —
// except for Notes, which dashboard users author directly and which the
// merge write must never disturb.
type DailyLog struct {
	ProjectID string `json:"projectId"`
	DateKey   string `json:"dateKey"`

	CompletionStatus CompletionStatus `json:"completionStatus"`

	TotalEntries   int `json:"totalEntries"`
	CompletedHours int `json:"completedHours"`
	ValidatedHours int `json:"validatedHours"`

	FirstEntryAt *clock.Stamp `json:"firstEntryAt,omitempty"`
	LastEntryAt  *clock.Stamp `json:"lastEntryAt,omitempty"`

	// DailyMetrics maps "{field}_avg", "{field}_min", "{field}_max",
	// and "{field}_count" to the derived statistic over all numeric
	// readings of that field across the day's entries.
	DailyMetrics map[string]float64 `json:"dailyMetrics"`

	// OperatorIDs is the sorted set of operators who contributed
	// entries to the day.
	OperatorIDs []string `json:"operatorIds"`

	// Notes is free text authored on the dashboard. The only field of
	// the rollup that is not derived. nil means this write carries no
	// notes and the stored ones must survive the merge; a non-nil
	// empty string is a deliberate clear.
	Notes *string `json:"notes,omitempty"`

	// UpdatedAt is the wall-clock write stamp of the last recompute.
	// Excluded from idempotence comparisons.
	UpdatedAt int64 `json:"updatedAt"`
}

// Clone returns a deep copy of the rollup.
func (d *DailyLog) Clone() *DailyLog {
	if d == nil {
		return nil
	}
	cp := *d
	cp.DailyMetrics = make(map[string]float64, len(d.DailyMetrics))
	for k, v := range d.DailyMetrics {
		cp.DailyMetrics[k] = v
	}
	cp.OperatorIDs = append([]string(nil), d.OperatorIDs...)
	if d.FirstEntryAt != nil {
		s := *d.FirstEntryAt
		cp.FirstEntryAt = &s
	}
	if d.LastEntryAt != nil {
		s := *d.LastEntryAt
		cp.LastEntryAt = &s
	}
	if d.Notes != nil {
		n := *d.Notes
		cp.Notes = &n
	}
	return &cp
}
