// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the core records of the compliance logging
// system: hourly entries, daily rollups, sync queue items, and cached
// project metadata.
//
// Reading payloads are schema-driven: the set of field keys varies by
// the template assigned to a project, so readings are modeled as a
// validated map of tagged values rather than a fixed struct.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MonteBryce/thermalog/services/fieldsync/clock"
)

// HourIDs is the fixed set of valid hour identifiers, "00" through "23".
var HourIDs = [24]string{
	"00", "01", "02", "03", "04", "05", "06", "07",
	"08", "09", "10", "11", "12", "13", "14", "15",
	"16", "17", "18", "19", "20", "21", "22", "23",
}

// ValidHourID reports whether h is one of the 24 fixed hour strings.
func ValidHourID(h string) bool {
	if len(h) != 2 {
		return false
	}
	for _, id := range HourIDs {
		if h == id {
			return true
		}
	}
	return false
}

// ValidDateKey reports whether d is a YYYYMMDD string encoding a real
// calendar date.
func ValidDateKey(d string) bool {
	if len(d) != 8 {
		return false
	}
	parsed, err := time.Parse("20060102", d)
	if err != nil {
		return false
	}
	// time.Parse normalizes out-of-range components (e.g. 20250230
	// parses to March 2nd), so re-format and compare.
	return parsed.Format("20060102") == d
}

// ReadingKind tags the type of a reading value.
type ReadingKind string

const (
	// ReadingNumber is a numeric sensor reading.
	ReadingNumber ReadingKind = "number"

	// ReadingText is a free-text observation.
	ReadingText ReadingKind = "text"
)

// ReadingValue is one tagged reading field value.
type ReadingValue struct {
	Kind   ReadingKind `json:"kind"`
	Number float64     `json:"number,omitempty"`
	Text   string      `json:"text,omitempty"`
}

// NumberValue constructs a numeric reading value.
func NumberValue(v float64) ReadingValue {
	return ReadingValue{Kind: ReadingNumber, Number: v}
}

// TextValue constructs a text reading value.
func TextValue(s string) ReadingValue {
	return ReadingValue{Kind: ReadingText, Text: s}
}

// EntryKey is the composite identity of an hourly entry.
type EntryKey struct {
	ProjectID string `json:"projectId"`
	DateKey   string `json:"dateKey"`
	HourID    string `json:"hourId"`
}

// Validate checks the key components.
func (k EntryKey) Validate() error {
	if k.ProjectID == "" {
		return fmt.Errorf("project id must not be empty")
	}
	if !ValidDateKey(k.DateKey) {
		return fmt.Errorf("date key %q is not a valid YYYYMMDD date", k.DateKey)
	}
	if !ValidHourID(k.HourID) {
		return fmt.Errorf("hour id %q is not one of the 24 hour slots", k.HourID)
	}
	return nil
}

// String renders the key in its canonical "project:date:hour" form,
// which is also the storage key suffix in the local cache and queue.
func (k EntryKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.ProjectID, k.DateKey, k.HourID)
}

// DayKey returns the per-day portion, "project:date".
func (k EntryKey) DayKey() string {
	return fmt.Sprintf("%s:%s", k.ProjectID, k.DateKey)
}

// Entry is one hour's worth of sensor readings for one project on one
// day. Entries are never hard-deleted; a correction supersedes the
// previous version by carrying a newer UpdatedAt stamp.
type Entry struct {
	EntryKey

	// Readings maps reading field key to value. Keys are defined by the
	// project's assigned template schema.
	Readings map[string]ReadingValue `json:"readings"`

	// Validated marks the entry as reviewed by someone holding the
	// validate capability.
	Validated   bool         `json:"validated"`
	ValidatedBy string       `json:"validatedBy,omitempty"`
	ValidatedAt *clock.Stamp `json:"validatedAt,omitempty"`

	// OperatorID is the identity that recorded the reading.
	OperatorID string `json:"operatorId"`

	// CreatedAt and UpdatedAt are logical stamps, not wall-clock-only:
	// last-write-wins reconciliation orders on UpdatedAt.
	CreatedAt clock.Stamp `json:"createdAt"`
	UpdatedAt clock.Stamp `json:"updatedAt"`
}

// Validate checks the entry's identity and payload shape.
func (e *Entry) Validate() error {
	if err := e.EntryKey.Validate(); err != nil {
		return err
	}
	if e.OperatorID == "" {
		return fmt.Errorf("operator id must not be empty")
	}
	if len(e.Readings) == 0 {
		return fmt.Errorf("entry must carry at least one reading")
	}
	for key, v := range e.Readings {
		if key == "" {
			return fmt.Errorf("reading field key must not be empty")
		}
		if v.Kind != ReadingNumber && v.Kind != ReadingText {
			return fmt.Errorf("reading %q has unknown kind %q", key, v.Kind)
		}
	}
	return nil
}

// Clone returns a deep copy. Queue payloads are snapshots; callers must
// not share the readings map with a mutating caller.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Readings = make(map[string]ReadingValue, len(e.Readings))
	for k, v := range e.Readings {
		cp.Readings[k] = v
	}
	if e.ValidatedAt != nil {
		va := *e.ValidatedAt
		cp.ValidatedAt = &va
	}
	return &cp
}

// hashablePayload is the canonical content used for the conflict
// tie-break hash. It deliberately excludes the timestamps: the hash is
// only consulted when two payloads carry identical stamps.
type hashablePayload struct {
	Readings    map[string]ReadingValue `json:"readings"`
	Validated   bool                    `json:"validated"`
	ValidatedBy string                  `json:"validatedBy"`
	OperatorID  string                  `json:"operatorId"`
}

// ContentHash returns the SHA-256 hex digest of the entry's canonical
// payload. encoding/json marshals map keys in sorted order, so the
// digest is a pure function of payload content: any two devices hashing
// the same payload produce the same digest, which makes the
// equal-stamp tie-break deterministic on every replica.
func (e *Entry) ContentHash() string {
	data, err := json.Marshal(hashablePayload{
		Readings:    e.Readings,
		Validated:   e.Validated,
		ValidatedBy: e.ValidatedBy,
		OperatorID:  e.OperatorID,
	})
	if err != nil {
		// Marshal of these types cannot fail; keep the signature clean.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
