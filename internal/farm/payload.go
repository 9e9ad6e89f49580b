// Package farm defines the typed record payloads that flow through the
// offline cache and write queue, one shape per synced table.
//
// The queue itself stores payloads as raw JSON keyed by table name; this
// package is the single place that knows how to decode a table's bytes back
// into a concrete type. Unknown tables fail at decode time rather than
// silently round-tripping as untyped maps.
package farm

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table names for every record type the sync core moves.
const (
	TableAnimals         = "animals"
	TableMilkingRecords  = "milking_records"
	TableFeedingRecords  = "feeding_records"
	TableHealthRecords   = "health_records"
	TableWeightRecords   = "weight_records"
	TableBreedingRecords = "breeding_records"
)

// Payload is a domain record that can be cached locally and replayed
// against the remote store.
type Payload interface {
	// Table returns the remote table this payload belongs to.
	Table() string

	// Key returns the record's identifier within its table. For records
	// created offline this is the client-assigned optimistic ID until the
	// server returns a canonical one.
	Key() string

	// Validate checks required fields before the payload is enqueued.
	Validate() error
}

// Animal is the herd registry record.
type Animal struct {
	ID       string     `json:"id"`
	TagNo    string     `json:"tag_no"`
	Name     string     `json:"name,omitempty"`
	Breed    string     `json:"breed,omitempty"`
	Sex      string     `json:"sex,omitempty"`
	BornAt   *time.Time `json:"born_at,omitempty"`
	Archived bool       `json:"archived,omitempty"`
}

func (a *Animal) Table() string { return TableAnimals }
func (a *Animal) Key() string   { return a.ID }

func (a *Animal) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("animal: id is required")
	}
	if a.TagNo == "" {
		return fmt.Errorf("animal %s: tag_no is required", a.ID)
	}
	return nil
}

// MilkingRecord is a single milking session for one animal.
type MilkingRecord struct {
	ID       string    `json:"id"`
	AnimalID string    `json:"animal_id"`
	Session  string    `json:"session"` // morning, midday, evening
	Liters   float64   `json:"liters"`
	MilkedAt time.Time `json:"milked_at"`
	Notes    string    `json:"notes,omitempty"`
}

func (m *MilkingRecord) Table() string { return TableMilkingRecords }
func (m *MilkingRecord) Key() string   { return m.ID }

func (m *MilkingRecord) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("milking record: id is required")
	}
	if m.AnimalID == "" {
		return fmt.Errorf("milking record %s: animal_id is required", m.ID)
	}
	if m.Liters < 0 {
		return fmt.Errorf("milking record %s: liters cannot be negative", m.ID)
	}
	return nil
}

// FeedingRecord is one feeding event, possibly covering a whole group.
type FeedingRecord struct {
	ID       string    `json:"id"`
	AnimalID string    `json:"animal_id,omitempty"`
	GroupID  string    `json:"group_id,omitempty"`
	FeedType string    `json:"feed_type"`
	AmountKg float64   `json:"amount_kg"`
	FedAt    time.Time `json:"fed_at"`
}

func (f *FeedingRecord) Table() string { return TableFeedingRecords }
func (f *FeedingRecord) Key() string   { return f.ID }

func (f *FeedingRecord) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("feeding record: id is required")
	}
	if f.AnimalID == "" && f.GroupID == "" {
		return fmt.Errorf("feeding record %s: animal_id or group_id is required", f.ID)
	}
	if f.FeedType == "" {
		return fmt.Errorf("feeding record %s: feed_type is required", f.ID)
	}
	return nil
}

// HealthRecord covers treatments, vaccinations and diagnoses.
type HealthRecord struct {
	ID         string     `json:"id"`
	AnimalID   string     `json:"animal_id"`
	EventType  string     `json:"event_type"` // treatment, vaccination, diagnosis
	Details    string     `json:"details,omitempty"`
	Medicine   string     `json:"medicine,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
	FollowUp   *time.Time `json:"follow_up,omitempty"`
}

func (h *HealthRecord) Table() string { return TableHealthRecords }
func (h *HealthRecord) Key() string   { return h.ID }

func (h *HealthRecord) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("health record: id is required")
	}
	if h.AnimalID == "" {
		return fmt.Errorf("health record %s: animal_id is required", h.ID)
	}
	if h.EventType == "" {
		return fmt.Errorf("health record %s: event_type is required", h.ID)
	}
	return nil
}

// WeightRecord is a weigh-in measurement.
type WeightRecord struct {
	ID         string    `json:"id"`
	AnimalID   string    `json:"animal_id"`
	WeightKg   float64   `json:"weight_kg"`
	MeasuredAt time.Time `json:"measured_at"`
}

func (w *WeightRecord) Table() string { return TableWeightRecords }
func (w *WeightRecord) Key() string   { return w.ID }

func (w *WeightRecord) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("weight record: id is required")
	}
	if w.AnimalID == "" {
		return fmt.Errorf("weight record %s: animal_id is required", w.ID)
	}
	if w.WeightKg <= 0 {
		return fmt.Errorf("weight record %s: weight_kg must be positive", w.ID)
	}
	return nil
}

// BreedingRecord covers AI services, heat observations and pregnancy checks.
type BreedingRecord struct {
	ID        string     `json:"id"`
	AnimalID  string     `json:"animal_id"`
	EventType string     `json:"event_type"` // heat, insemination, pregnancy_check, calving
	SireID    string     `json:"sire_id,omitempty"`
	Result    string     `json:"result,omitempty"`
	EventAt   time.Time  `json:"event_at"`
	DueAt     *time.Time `json:"due_at,omitempty"`
}

func (b *BreedingRecord) Table() string { return TableBreedingRecords }
func (b *BreedingRecord) Key() string   { return b.ID }

func (b *BreedingRecord) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("breeding record: id is required")
	}
	if b.AnimalID == "" {
		return fmt.Errorf("breeding record %s: animal_id is required", b.ID)
	}
	if b.EventType == "" {
		return fmt.Errorf("breeding record %s: event_type is required", b.ID)
	}
	return nil
}

// Decode unmarshals raw payload bytes into the concrete type for the given
// table. Returns an error for tables this build does not know about.
func Decode(table string, data []byte) (Payload, error) {
	var p Payload
	switch table {
	case TableAnimals:
		p = &Animal{}
	case TableMilkingRecords:
		p = &MilkingRecord{}
	case TableFeedingRecords:
		p = &FeedingRecord{}
	case TableHealthRecords:
		p = &HealthRecord{}
	case TableWeightRecords:
		p = &WeightRecord{}
	case TableBreedingRecords:
		p = &BreedingRecord{}
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", table, err)
	}
	return p, nil
}

// Encode marshals a payload after validating it.
func Encode(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Table(), err)
	}
	return data, nil
}

// KnownTables lists every table the decode dispatch understands, in stable
// order. Used by full-sync passes that iterate all tables for a scope.
func KnownTables() []string {
	return []string{
		TableAnimals,
		TableMilkingRecords,
		TableFeedingRecords,
		TableHealthRecords,
		TableWeightRecords,
		TableBreedingRecords,
	}
}
