// Package store persists canonical records, provider key aliases, the
// decision log, retained candidates and runs.
//
// FindByExternal resolves a provider key either to the record that owns it
// or, through an alias, to the record it was merged into.
//
// Writers are split by ownership: UpdateRecord carries dedup merges and
// never touches lifecycle state, UpdateClassification carries classifier
// output, and TransitionState is the only way state changes, as a
// compare-and-set on the current value.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/radar-cli/internal/model"
)

var (
	// ErrNotFound is returned when a record or run does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when an insert collides with the unique
	// (kind, source, external_id) index.
	ErrConflict = eris.New("store: unique conflict")
	// ErrStateConflict is returned when a transition's expected current
	// state no longer matches the persisted one.
	ErrStateConflict = eris.New("store: state changed concurrently")
)

// RecordFilter selects canonical records. Zero fields do not filter.
type RecordFilter struct {
	Kind              model.Kind
	States            []model.State
	Buckets           []string
	DuplicateOf       string
	ExcludeDuplicates bool
	OnlyDuplicates    bool
	LastSeenBefore    *time.Time
	EndsAfter         *time.Time
	Limit             int
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Stage  model.Stage     `json:"stage,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Classification is the classifier-owned subset of a record.
type Classification struct {
	Category     string
	Confidence   *float64
	Summary      string
	LanguageCode string
}

// RecordStore holds canonical locations and events.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	FindByExternal(ctx context.Context, kind model.Kind, source, externalID string) (*model.Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error)
	InsertRecord(ctx context.Context, r *model.Record) error
	UpdateRecord(ctx context.Context, r *model.Record) error
	UpdateClassification(ctx context.Context, id string, c Classification) error
	TransitionState(ctx context.Context, id string, from, to model.State) error
	SetDuplicateOf(ctx context.Context, id, canonicalID string) error
	GetAlias(ctx context.Context, kind model.Kind, source, externalID string) (*model.Alias, error)
	PutAlias(ctx context.Context, a *model.Alias) error
}

// DecisionLog is the append-only audit trail.
type DecisionLog interface {
	AppendDecisions(ctx context.Context, ds ...model.Decision) error
	ListDecisions(ctx context.Context, subjectID string) ([]model.Decision, error)
}

// CandidateFilter selects retained candidates. Zero fields do not filter.
type CandidateFilter struct {
	RunID  string                `json:"run_id,omitempty"`
	Status model.CandidateStatus `json:"status,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Offset int                   `json:"offset,omitempty"`
}

// CandidateLog retains every fetched item with its terminal status.
type CandidateLog interface {
	AppendCandidates(ctx context.Context, cs ...model.CandidateEntry) error
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.CandidateEntry, error)
}

// RunStore persists pipeline runs. Runs are never deleted.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	StartRun(ctx context.Context, id string) error
	UpdateRunProgress(ctx context.Context, id string, progress float64, counters model.Counters) error
	FinishRun(ctx context.Context, id string, status model.RunStatus, counters model.Counters, errMsg string) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
}

// Store is the full persistence surface.
type Store interface {
	RecordStore
	DecisionLog
	CandidateLog
	RunStore

	Migrate(ctx context.Context) error
	Close() error
}
