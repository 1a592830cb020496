// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"
)

// FieldType is the declared type of a template reading field.
type FieldType string

const (
	// FieldNumber declares a numeric reading, optionally range-bounded.
	FieldNumber FieldType = "number"

	// FieldText declares a free-text reading.
	FieldText FieldType = "text"
)

// FieldSpec declares one reading field of a log template.
type FieldSpec struct {
	Key   string    `json:"key"`
	Label string    `json:"label,omitempty"`
	Type  FieldType `json:"type"`
	Unit  string    `json:"unit,omitempty"`

	// Min and Max bound numeric readings when set. A reading outside
	// the declared range is a permanent validation failure.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Required fields must be present in every submitted entry.
	Required bool `json:"required,omitempty"`
}

// TemplateSchema is the set of valid reading field keys for a project,
// supplied by the template management collaborator. The sync core only
// consumes it: entry payloads are checked against the schema before
// they are accepted into the queue.
type TemplateSchema struct {
	ID      string               `json:"id"`
	Version int                  `json:"version"`
	Fields  map[string]FieldSpec `json:"fields"`
}

// ValidateReadings checks a reading payload against the schema. Every
// violation here is permanent: retrying an unknown key or out-of-range
// value can never succeed.
func (s *TemplateSchema) ValidateReadings(readings map[string]ReadingValue) error {
	for key, value := range readings {
		spec, ok := s.Fields[key]
		if !ok {
			return fmt.Errorf("reading field %q is not declared by template %s v%d", key, s.ID, s.Version)
		}
		switch spec.Type {
		case FieldNumber:
			if value.Kind != ReadingNumber {
				return fmt.Errorf("reading field %q must be numeric", key)
			}
			if spec.Min != nil && value.Number < *spec.Min {
				return fmt.Errorf("reading field %q value %v below declared minimum %v", key, value.Number, *spec.Min)
			}
			if spec.Max != nil && value.Number > *spec.Max {
				return fmt.Errorf("reading field %q value %v above declared maximum %v", key, value.Number, *spec.Max)
			}
		case FieldText:
			if value.Kind != ReadingText {
				return fmt.Errorf("reading field %q must be text", key)
			}
		}
	}

	for key, spec := range s.Fields {
		if spec.Required {
			if _, ok := readings[key]; !ok {
				return fmt.Errorf("required reading field %q is missing", key)
			}
		}
	}

	return nil
}

// CachedProject is the device-local read-through cache of project
// metadata, used for offline form rendering and payload validation.
// Refreshed opportunistically; never a write target of reconciliation.
type CachedProject struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Facility string `json:"facility,omitempty"`

	// Template is the assigned schema, embedded so validation works
	// offline.
	Template TemplateSchema `json:"template"`

	// RefreshedAt is when this cache record was last refreshed from
	// the remote store.
	RefreshedAt time.Time `json:"refreshedAt"`
}
