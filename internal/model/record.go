package model

import (
	"slices"
	"time"
)

// State is the lifecycle state of a canonical record. Locations and events
// use disjoint state sets.
type State string

// Location lifecycle states.
const (
	StateCandidate           State = "CANDIDATE"
	StatePendingVerification State = "PENDING_VERIFICATION"
	StateVerified            State = "VERIFIED"
	StateRetired             State = "RETIRED"
)

// Event lifecycle states.
const (
	EventStateCandidate State = "candidate"
	EventStateVerified  State = "verified"
	EventStatePublished State = "published"
	EventStateRejected  State = "rejected"
)

// InitialState returns the state a freshly inserted record of kind k gets.
func InitialState(k Kind) State {
	if k == KindEvent {
		return EventStateCandidate
	}
	return StateCandidate
}

// Mergeable field names. A field listed in Record.ManualFields was set by a
// human and is never overwritten by automated merges.
const (
	FieldName     = "name"
	FieldAddress  = "address"
	FieldCategory = "category"
	FieldLocation = "location"
	FieldWindow   = "window"
	FieldSummary  = "summary"
)

// Record is a canonical location or event.
type Record struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Name         string     `json:"name"`
	NameKey      string     `json:"name_key"`
	Address      string     `json:"address,omitempty"`
	Locality     string     `json:"locality,omitempty"`
	Lat          float64    `json:"lat,omitempty"`
	Lng          float64    `json:"lng,omitempty"`
	HasGeo       bool       `json:"has_geo"`
	Bucket       string     `json:"bucket"`
	Category     string     `json:"category,omitempty"`
	CategoryHint string     `json:"category_hint,omitempty"`
	StartsAt     *time.Time `json:"starts_at,omitempty"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
	Description  string     `json:"description,omitempty"`
	URL          string     `json:"url,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	LanguageCode string     `json:"language_code,omitempty"`
	Source       string     `json:"source"`
	ExternalID   *string    `json:"external_id,omitempty"`
	ContentHash  string     `json:"content_hash,omitempty"`
	Confidence   *float64   `json:"confidence,omitempty"`
	State        State      `json:"state"`
	DuplicateOf  *string    `json:"duplicate_of,omitempty"`
	Retired      bool       `json:"retired"`
	ManualFields []string   `json:"manual_fields,omitempty"`
	FirstSeenAt  time.Time  `json:"first_seen_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsManual reports whether field was curated by a human.
func (r *Record) IsManual(field string) bool {
	return slices.Contains(r.ManualFields, field)
}

// IsDuplicate reports whether the record points at another canonical record.
func (r *Record) IsDuplicate() bool {
	return r.DuplicateOf != nil && *r.DuplicateOf != ""
}

// Overlaps reports whether the record's time window intersects [start, end].
func (r *Record) Overlaps(start, end *time.Time) bool {
	if r.StartsAt == nil || start == nil {
		return false
	}
	rEnd := r.EndsAt
	if rEnd == nil {
		rEnd = r.StartsAt
	}
	if end == nil {
		end = start
	}
	return !r.StartsAt.After(*end) && !start.After(*rEnd)
}

// OwnsKey reports whether (source, externalID) is the record's own
// provider key rather than an alias merged into it.
func (r *Record) OwnsKey(source, externalID string) bool {
	return r.Source == source && r.ExternalID != nil && *r.ExternalID == externalID
}

// Alias binds a provider key that was merged into another record, so
// replays of that key resolve to the record it was merged into.
type Alias struct {
	Kind        Kind      `json:"kind"`
	Source      string    `json:"source"`
	ExternalID  string    `json:"external_id"`
	RecordID    string    `json:"record_id"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
