// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"testing"

	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
)

func TestDecodeEntry_CurrentFormat(t *testing.T) {
	doc := []byte(`{
		"projectId": "proj-1",
		"dateKey": "20250601",
		"hourId": "09",
		"readings": {"exhaustTemp": {"kind": "number", "number": 612.5}},
		"operatorId": "op-1",
		"createdAt": {"wallMillis": 10, "counter": 1, "deviceId": "dev-a"},
		"updatedAt": {"wallMillis": 10, "counter": 1, "deviceId": "dev-a"}
	}`)

	entry, err := decodeEntry(doc)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if entry.Readings["exhaustTemp"].Number != 612.5 {
		t.Errorf("structured readings mangled: %+v", entry.Readings)
	}
}

func TestDecodeEntry_LegacyFlatFields(t *testing.T) {
	// Pre-structured documents stored readings as top-level fields.
	doc := []byte(`{
		"projectId": "proj-1",
		"dateKey": "20240115",
		"hourId": "09",
		"exhaustTemp": 612.5,
		"inletPressure": 14.2,
		"observations": "steady burn",
		"operatorId": "op-1",
		"validated": true,
		"validatedBy": "supervisor-3",
		"createdAt": {"wallMillis": 10, "counter": 1, "deviceId": "dev-a"},
		"updatedAt": {"wallMillis": 10, "counter": 1, "deviceId": "dev-a"}
	}`)

	entry, err := decodeEntry(doc)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}

	tests := []struct {
		field string
		want  datatypes.ReadingValue
	}{
		{"exhaustTemp", datatypes.NumberValue(612.5)},
		{"inletPressure", datatypes.NumberValue(14.2)},
		{"observations", datatypes.TextValue("steady burn")},
	}
	for _, tt := range tests {
		if got := entry.Readings[tt.field]; got != tt.want {
			t.Errorf("Readings[%q] = %+v, want %+v", tt.field, got, tt.want)
		}
	}

	// Structured fields must not be hoisted into readings.
	for _, field := range []string{"operatorId", "validated", "validatedBy", "hourId"} {
		if _, ok := entry.Readings[field]; ok {
			t.Errorf("structured field %q hoisted into readings", field)
		}
	}
	if !entry.Validated || entry.ValidatedBy != "supervisor-3" {
		t.Errorf("structured fields lost: %+v", entry)
	}
}

func TestDecodeEntry_LegacySkipsNonScalars(t *testing.T) {
	doc := []byte(`{
		"projectId": "proj-1",
		"dateKey": "20240115",
		"hourId": "09",
		"exhaustTemp": 612.5,
		"attachments": [{"id": "a1"}],
		"operatorId": "op-1"
	}`)

	entry, err := decodeEntry(doc)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if _, ok := entry.Readings["attachments"]; ok {
		t.Error("non-scalar field hoisted into readings")
	}
	if len(entry.Readings) != 1 {
		t.Errorf("Readings = %+v, want only exhaustTemp", entry.Readings)
	}
}

func TestDecodeEntry_Malformed(t *testing.T) {
	if _, err := decodeEntry([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed document")
	}
}
