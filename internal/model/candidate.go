// Package model holds the domain types shared by the discovery pipeline:
// raw and normalized candidates, canonical records, classification results,
// audit decisions and runs.
package model

import (
	"encoding/json"
	"time"
)

// Kind distinguishes the two canonical record families.
type Kind string

const (
	KindLocation Kind = "location"
	KindEvent    Kind = "event"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLocation || k == KindEvent
}

// RawCandidate is a provider record as fetched, before normalization.
// Payload keeps the provider's fields verbatim for audit.
type RawCandidate struct {
	Source       string    `json:"source"`
	Kind         Kind      `json:"kind"`
	ExternalID   string    `json:"external_id,omitempty"`
	Name         string    `json:"name"`
	Address      string    `json:"address,omitempty"`
	Lat          *float64  `json:"lat,omitempty"`
	Lng          *float64  `json:"lng,omitempty"`
	CategoryHint string    `json:"category_hint,omitempty"`
	StartRaw     string    `json:"start_raw,omitempty"`
	EndRaw       string    `json:"end_raw,omitempty"`
	Description  string    `json:"description,omitempty"`
	URL          string    `json:"url,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Candidate is a normalized provider record, ready for reconciliation.
// Candidates are never mutated after normalization.
type Candidate struct {
	Kind         Kind       `json:"kind"`
	Source       string     `json:"source"`
	ExternalID   string     `json:"external_id,omitempty"`
	Name         string     `json:"name"`
	NameKey      string     `json:"name_key"`
	Address      string     `json:"address,omitempty"`
	Locality     string     `json:"locality,omitempty"`
	Lat          float64    `json:"lat,omitempty"`
	Lng          float64    `json:"lng,omitempty"`
	HasGeo       bool       `json:"has_geo"`
	CategoryHint string     `json:"category_hint,omitempty"`
	StartsAt     *time.Time `json:"starts_at,omitempty"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
	Description  string     `json:"description,omitempty"`
	URL          string     `json:"url,omitempty"`
	ContentHash  string     `json:"content_hash"`
	FetchedAt    time.Time  `json:"fetched_at"`
	Raw          []byte     `json:"raw,omitempty"`
}

// CandidateStatus is the terminal outcome of one fetched item within a run.
type CandidateStatus string

const (
	CandidateReconciled      CandidateStatus = "reconciled"
	CandidateNormalizeFailed CandidateStatus = "normalize_failed"
	CandidateErrored         CandidateStatus = "errored"
)

// CandidateEntry is the retained copy of a fetched item: its provider
// payload and what the run did with it. Entries are append-only.
type CandidateEntry struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Kind        Kind            `json:"kind"`
	Source      string          `json:"source"`
	ExternalID  string          `json:"external_id,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      CandidateStatus `json:"status"`
	Outcome     string          `json:"outcome,omitempty"`
	RecordID    string          `json:"record_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	FetchedAt   time.Time       `json:"fetched_at"`
	CreatedAt   time.Time       `json:"created_at"`
}
