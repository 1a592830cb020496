// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"encoding/json"
	"fmt"

	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
)

// structuredEntryFields are the document keys a current-format entry
// owns. Anything outside this set on a legacy document is a flat
// reading field written before readings became a structured map.
var structuredEntryFields = map[string]bool{
	"projectId":   true,
	"dateKey":     true,
	"hourId":      true,
	"readings":    true,
	"validated":   true,
	"validatedBy": true,
	"validatedAt": true,
	"operatorId":  true,
	"createdAt":   true,
	"updatedAt":   true,
}

// decodeEntry parses a remote entry document, upgrading legacy flat
// layouts at the read boundary. Old documents stored each reading as a
// top-level field ("exhaustTemp": 612.5) instead of inside the readings
// map; those fields are hoisted into Readings so nothing downstream of
// this function ever sees the legacy shape. Writes always emit the
// structured layout, so a legacy document disappears on its next sync.
func decodeEntry(data []byte) (*datatypes.Entry, error) {
	var entry datatypes.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if len(entry.Readings) > 0 {
		return &entry, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode entry fields: %w", err)
	}

	readings := make(map[string]datatypes.ReadingValue)
	for field, value := range raw {
		if structuredEntryFields[field] {
			continue
		}
		var num float64
		if err := json.Unmarshal(value, &num); err == nil {
			readings[field] = datatypes.NumberValue(num)
			continue
		}
		var text string
		if err := json.Unmarshal(value, &text); err == nil {
			readings[field] = datatypes.TextValue(text)
		}
		// Anything non-scalar is not a reading; skip it.
	}
	if len(readings) > 0 {
		entry.Readings = readings
	}
	return &entry, nil
}
