// Package dedup reconciles normalized candidates against the canonical
// record store and detects duplicates among existing records.
package dedup

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/store"
)

// OutcomeKind says what reconcile did with a candidate.
type OutcomeKind string

const (
	Inserted OutcomeKind = "inserted"
	Updated  OutcomeKind = "updated"
	Skipped  OutcomeKind = "skipped"
)

// Outcome is the result of reconciling one candidate. ID is the canonical
// record the candidate now belongs to.
type Outcome struct {
	Kind    OutcomeKind
	ID      string
	Matcher string
	Score   float64
	Changed []string
}

// Store is the subset of the canonical store the engine needs.
type Store interface {
	store.RecordStore
	store.DecisionLog
}

// Engine runs candidates through the ordered matchers.
type Engine struct {
	store    Store
	cfg      Thresholds
	strict   *StrictMatcher
	matchers []Matcher
}

// NewEngine creates an engine with the strict, fuzzy-geo, fuzzy-address and
// fuzzy-text matchers, in that order.
func NewEngine(st Store, cfg Thresholds) *Engine {
	if cfg.CellDegrees <= 0 {
		cfg.CellDegrees = DefaultCellDegrees
	}
	strict := &StrictMatcher{store: st}
	return &Engine{
		store:  st,
		cfg:    cfg,
		strict: strict,
		matchers: []Matcher{
			strict,
			&GeoMatcher{store: st, cfg: cfg},
			&AddressMatcher{store: st, cfg: cfg},
			&TextMatcher{store: st, cfg: cfg},
		},
	}
}

// Matchers returns the matcher names in evaluation order.
func (e *Engine) Matchers() []string {
	names := make([]string, len(e.matchers))
	for i, m := range e.matchers {
		names[i] = m.Name()
	}
	return names
}

// Reconcile decides whether c is new, an update of an existing record, or
// a replay. The first matcher with a hit wins.
func (e *Engine) Reconcile(ctx context.Context, c *model.Candidate) (Outcome, error) {
	for _, m := range e.matchers {
		match, err := m.Match(ctx, c)
		if err != nil {
			return Outcome{}, err
		}
		if match == nil {
			continue
		}
		if match.Matcher == MatcherStrict {
			return e.applyStrict(ctx, c, match)
		}
		return e.applyFuzzy(ctx, c, match)
	}
	return e.insert(ctx, c)
}

func (e *Engine) insert(ctx context.Context, c *model.Candidate) (Outcome, error) {
	r := newRecord(c, uuid.New().String(), e.cfg.CellDegrees)
	err := e.store.InsertRecord(ctx, r)
	if err == nil {
		return Outcome{Kind: Inserted, ID: r.ID}, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return Outcome{}, eris.Wrap(err, "dedup: insert")
	}

	// Lost a race with a concurrent run on the same external key.
	match, merr := e.strict.Match(ctx, c)
	if merr != nil {
		return Outcome{}, merr
	}
	if match == nil {
		return Outcome{}, eris.Wrapf(err, "dedup: insert conflict for %s/%s without a strict match", c.Source, c.ExternalID)
	}
	return e.applyStrict(ctx, c, match)
}

func (e *Engine) applyStrict(ctx context.Context, c *model.Candidate, m *Match) (Outcome, error) {
	r := m.Record
	canonical := r.ID
	if r.IsDuplicate() {
		canonical = *r.DuplicateOf
	}
	if !r.OwnsKey(c.Source, c.ExternalID) {
		return e.applyAlias(ctx, c, r, canonical)
	}

	if r.ContentHash == c.ContentHash {
		if c.FetchedAt.After(r.LastSeenAt) {
			touch(r, c.FetchedAt)
			if err := e.store.UpdateRecord(ctx, r); err != nil {
				return Outcome{}, eris.Wrap(err, "dedup: touch strict match")
			}
		}
		return Outcome{Kind: Skipped, ID: canonical, Matcher: MatcherStrict, Score: 1}, nil
	}

	changed := refreshStrict(r, c, e.cfg.CellDegrees)
	if err := e.store.UpdateRecord(ctx, r); err != nil {
		return Outcome{}, eris.Wrap(err, "dedup: refresh strict match")
	}
	return Outcome{Kind: Updated, ID: canonical, Matcher: MatcherStrict, Score: 1, Changed: changed}, nil
}

// applyAlias handles a replay of a key that was merged into r. The alias,
// not r, remembers the key's last content hash; a change is folded in
// without overwriting what r's own provider said.
func (e *Engine) applyAlias(ctx context.Context, c *model.Candidate, r *model.Record, canonical string) (Outcome, error) {
	a, err := e.store.GetAlias(ctx, c.Kind, c.Source, c.ExternalID)
	if err != nil {
		return Outcome{}, eris.Wrap(err, "dedup: load alias")
	}

	if a.ContentHash == c.ContentHash {
		if c.FetchedAt.After(r.LastSeenAt) {
			touch(r, c.FetchedAt)
			if err := e.store.UpdateRecord(ctx, r); err != nil {
				return Outcome{}, eris.Wrap(err, "dedup: touch alias match")
			}
		}
		return Outcome{Kind: Skipped, ID: canonical, Matcher: MatcherStrict, Score: 1}, nil
	}

	changed := mergeFuzzy(r, c, e.cfg.CellDegrees)
	if err := e.store.UpdateRecord(ctx, r); err != nil {
		return Outcome{}, eris.Wrap(err, "dedup: alias merge")
	}
	a.ContentHash = c.ContentHash
	if err := e.store.PutAlias(ctx, a); err != nil {
		return Outcome{}, eris.Wrap(err, "dedup: refresh alias")
	}
	return Outcome{Kind: Updated, ID: canonical, Matcher: MatcherStrict, Score: 1, Changed: changed}, nil
}

func (e *Engine) applyFuzzy(ctx context.Context, c *model.Candidate, m *Match) (Outcome, error) {
	r := m.Record
	changed := mergeFuzzy(r, c, e.cfg.CellDegrees)
	if err := e.store.UpdateRecord(ctx, r); err != nil {
		return Outcome{}, eris.Wrap(err, "dedup: fuzzy merge")
	}
	if c.ExternalID != "" {
		a := &model.Alias{Kind: c.Kind, Source: c.Source, ExternalID: c.ExternalID, RecordID: r.ID, ContentHash: c.ContentHash}
		if err := e.store.PutAlias(ctx, a); err != nil {
			return Outcome{}, eris.Wrapf(err, "dedup: alias %s/%s", c.Source, c.ExternalID)
		}
	}

	out := Outcome{Kind: Updated, ID: r.ID, Matcher: m.Matcher, Score: m.Score, Changed: changed}
	d := model.Decision{
		SubjectID:  r.ID,
		ActionType: model.ActionMerge,
		InputSnapshot: model.Snapshot(map[string]any{
			"source":      c.Source,
			"external_id": c.ExternalID,
			"name":        c.Name,
			"hash":        c.ContentHash,
		}),
		ValidatedOutput: model.Snapshot(map[string]any{
			"matcher":    m.Matcher,
			"score":      m.Score,
			"distance_m": m.DistanceM,
			"changed":    changed,
		}),
		IsSuccess: true,
	}
	if err := e.store.AppendDecisions(ctx, d); err != nil {
		zap.L().Warn("dedup: merge decision not logged", zap.String("record_id", r.ID), zap.Error(err))
	}
	return out, nil
}

// ReconcileBatch reconciles candidates in fetch order. Item failures are
// logged and counted as errored; only context cancellation stops the batch.
func (e *Engine) ReconcileBatch(ctx context.Context, cs []model.Candidate) (model.Counters, error) {
	counters := model.Counters{}
	log := zap.L().With(zap.String("component", "dedup"))
	for i := range cs {
		if err := ctx.Err(); err != nil {
			return counters, err
		}
		out, err := e.Reconcile(ctx, &cs[i])
		if err != nil {
			if ctx.Err() != nil {
				return counters, ctx.Err()
			}
			counters.Inc(model.CounterErrored)
			log.Warn("reconcile failed",
				zap.String("source", cs[i].Source),
				zap.String("external_id", cs[i].ExternalID),
				zap.String("name", cs[i].Name),
				zap.Error(err),
			)
			continue
		}
		switch out.Kind {
		case Inserted:
			counters.Inc(model.CounterInserted)
		case Updated:
			counters.Inc(model.CounterUpdated)
		case Skipped:
			counters.Inc(model.CounterSkipped)
		}
	}
	return counters, nil
}
