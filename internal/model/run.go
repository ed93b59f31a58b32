package model

import (
	"time"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
)

// Terminal reports whether the status is a final one.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed
}

// Stage names a pipeline stage a run executes.
type Stage string

const (
	StageIngest   Stage = "ingest"
	StageClassify Stage = "classify"
	StageReverify Stage = "reverify"
	StageDedupe   Stage = "dedupe"
	StagePublish  Stage = "publish"
)

// Counter names shared by the pipeline stages.
const (
	CounterFetched         = "fetched"
	CounterFetchErrors     = "fetch_errors"
	CounterNormalizeFailed = "normalize_failed"
	CounterInserted        = "inserted"
	CounterUpdated         = "updated"
	CounterSkipped         = "skipped"
	CounterErrored         = "errored"
	CounterClassified      = "classified"
	CounterClassifyInvalid = "classify_invalid"
	CounterPromoted        = "promoted"
	CounterRetired         = "retired"
	CounterVerified        = "verified"
	CounterDuplicates      = "duplicates"
	CounterPublished       = "published"
	CounterRejected        = "rejected"
	CounterWithdrawn       = "withdrawn"
)

// Counters is an open map of named integer counters attached to a run.
type Counters map[string]int64

// Add increments a counter by n.
func (c Counters) Add(name string, n int64) {
	c[name] += n
}

// Inc increments a counter by one.
func (c Counters) Inc(name string) {
	c[name]++
}

// Merge adds every counter of other into c.
func (c Counters) Merge(other Counters) {
	for k, v := range other {
		c[k] += v
	}
}

// Run is one execution of a pipeline stage for a scope.
type Run struct {
	ID         string     `json:"id"`
	Stage      Stage      `json:"stage"`
	Scope      Scope      `json:"scope"`
	Status     RunStatus  `json:"status"`
	Progress   float64    `json:"progress"`
	Counters   Counters   `json:"counters"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
