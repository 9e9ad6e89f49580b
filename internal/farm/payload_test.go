package farm

import (
	"testing"
	"time"
)

func TestEncodeDecodeDispatch(t *testing.T) {
	rec := &HealthRecord{
		ID:         "h-1",
		AnimalID:   "a-1",
		EventType:  "vaccination",
		Medicine:   "FMD vaccine",
		OccurredAt: time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC),
	}

	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(TableHealthRecords, data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got, ok := decoded.(*HealthRecord)
	if !ok {
		t.Fatalf("expected *HealthRecord, got %T", decoded)
	}
	if got.Medicine != rec.Medicine || !got.OccurredAt.Equal(rec.OccurredAt) {
		t.Errorf("round trip lost data: %+v", got)
	}
}

func TestDecodeUnknownTable(t *testing.T) {
	if _, err := Decode("tractors", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown table")
	}
}

func TestEncodeValidatesFirst(t *testing.T) {
	cases := []struct {
		name string
		p    Payload
	}{
		{"animal missing tag", &Animal{ID: "a-1"}},
		{"milking negative liters", &MilkingRecord{ID: "m-1", AnimalID: "a-1", Liters: -1}},
		{"feeding without target", &FeedingRecord{ID: "f-1", FeedType: "hay"}},
		{"health missing event type", &HealthRecord{ID: "h-1", AnimalID: "a-1"}},
		{"weight zero kg", &WeightRecord{ID: "w-1", AnimalID: "a-1"}},
		{"breeding missing animal", &BreedingRecord{ID: "b-1", EventType: "heat"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Encode(tc.p); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestKnownTablesCoverDecode(t *testing.T) {
	for _, table := range KnownTables() {
		if _, err := Decode(table, []byte(`{}`)); err != nil {
			t.Errorf("table %s listed but not decodable: %v", table, err)
		}
	}
}
