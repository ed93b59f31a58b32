package dedup

import (
	"context"
	"errors"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/normalize"
	"github.com/sells-group/radar-cli/internal/store"
)

// ErrDuplicateChain is returned when marking a duplicate would make a
// duplicate point at another duplicate.
var ErrDuplicateChain = eris.New("dedup: duplicate chain rejected")

// MarkDuplicate points id at canonicalID. The target must be canonical and
// the subject must not be the canonical of anything else. Rejections are
// written to the decision log and returned as ErrDuplicateChain; they are
// never resolved by re-pointing.
func (e *Engine) MarkDuplicate(ctx context.Context, id, canonicalID string, score float64) error {
	err := e.markDuplicate(ctx, id, canonicalID)

	d := model.Decision{
		SubjectID:     id,
		ActionType:    model.ActionDuplicate,
		InputSnapshot: model.Snapshot(map[string]any{"canonical_id": canonicalID, "score": score}),
		IsSuccess:     err == nil,
	}
	if err == nil {
		d.ValidatedOutput = model.Snapshot(map[string]string{"duplicate_of": canonicalID})
	} else {
		d.ErrorMessage = err.Error()
	}
	if lerr := e.store.AppendDecisions(ctx, d); lerr != nil {
		zap.L().Warn("dedup: duplicate decision not logged", zap.String("record_id", id), zap.Error(lerr))
	}
	return err
}

func (e *Engine) markDuplicate(ctx context.Context, id, canonicalID string) error {
	if id == canonicalID {
		return eris.Wrapf(ErrDuplicateChain, "record %s cannot duplicate itself", id)
	}
	subject, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return eris.Wrap(err, "dedup: load duplicate")
	}
	canonical, err := e.store.GetRecord(ctx, canonicalID)
	if err != nil {
		return eris.Wrap(err, "dedup: load canonical")
	}
	if subject.Kind != canonical.Kind {
		return eris.Errorf("dedup: kind mismatch %s vs %s", subject.Kind, canonical.Kind)
	}
	if canonical.IsDuplicate() {
		return eris.Wrapf(ErrDuplicateChain, "target %s is itself a duplicate of %s", canonicalID, *canonical.DuplicateOf)
	}
	if subject.IsDuplicate() {
		return eris.Wrapf(ErrDuplicateChain, "record %s is already a duplicate of %s", id, *subject.DuplicateOf)
	}
	refs, err := e.store.ListRecords(ctx, store.RecordFilter{DuplicateOf: id, Limit: 1})
	if err != nil {
		return eris.Wrap(err, "dedup: check references")
	}
	if len(refs) > 0 {
		return eris.Wrapf(ErrDuplicateChain, "record %s is the canonical of %s", id, refs[0].ID)
	}

	if err := e.store.SetDuplicateOf(ctx, id, canonicalID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return eris.Wrapf(ErrDuplicateChain, "record %s changed concurrently", id)
		}
		return eris.Wrap(err, "dedup: set duplicate")
	}
	return nil
}

// DetectDuplicates compares every non-duplicate record in bucket with the
// records of the neighbouring buckets and marks matches as duplicates of
// the earliest-created record of the pair.
func (e *Engine) DetectDuplicates(ctx context.Context, kind model.Kind, bucket string) (model.Counters, error) {
	counters := model.Counters{}
	focus, err := e.store.ListRecords(ctx, store.RecordFilter{Kind: kind, Buckets: []string{bucket}, ExcludeDuplicates: true})
	if err != nil {
		return counters, eris.Wrap(err, "dedup: list bucket")
	}
	if len(focus) == 0 {
		return counters, nil
	}

	buckets := []string{bucket}
	for i := range focus {
		r := &focus[i]
		for _, b := range neighbourBuckets(kind, r.HasGeo, r.Lat, r.Lng, r.StartsAt, r.Locality, e.cfg.CellDegrees) {
			if !slices.Contains(buckets, b) {
				buckets = append(buckets, b)
			}
		}
	}
	pool, err := e.store.ListRecords(ctx, store.RecordFilter{Kind: kind, Buckets: buckets, ExcludeDuplicates: true})
	if err != nil {
		return counters, eris.Wrap(err, "dedup: list neighbourhood")
	}
	sortByCreated(pool)

	marked := make(map[string]bool)
	for i := range pool {
		a := &pool[i]
		if marked[a.ID] {
			continue
		}
		for j := i + 1; j < len(pool); j++ {
			b := &pool[j]
			if marked[b.ID] || (a.Bucket != bucket && b.Bucket != bucket) {
				continue
			}
			score, ok := e.pairScore(a, b)
			if !ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				return counters, err
			}
			if err := e.MarkDuplicate(ctx, b.ID, a.ID, score); err != nil {
				if errors.Is(err, ErrDuplicateChain) {
					counters.Inc(model.CounterRejected)
					zap.L().Info("duplicate chain rejected", zap.String("record_id", b.ID), zap.String("canonical_id", a.ID), zap.Error(err))
					continue
				}
				return counters, err
			}
			marked[b.ID] = true
			counters.Inc(model.CounterDuplicates)
		}
	}
	return counters, nil
}

// Sweep runs DetectDuplicates over every bucket holding records of kind.
func (e *Engine) Sweep(ctx context.Context, kind model.Kind) (model.Counters, error) {
	all, err := e.store.ListRecords(ctx, store.RecordFilter{Kind: kind, ExcludeDuplicates: true})
	if err != nil {
		return nil, eris.Wrap(err, "dedup: list records")
	}
	var buckets []string
	seen := make(map[string]bool)
	for _, r := range all {
		if r.Bucket == "" || seen[r.Bucket] {
			continue
		}
		seen[r.Bucket] = true
		buckets = append(buckets, r.Bucket)
	}
	slices.Sort(buckets)

	total := model.Counters{}
	for _, b := range buckets {
		c, err := e.DetectDuplicates(ctx, kind, b)
		total.Merge(c)
		if err != nil {
			return total, err
		}
	}
	zap.L().Info("duplicate sweep complete",
		zap.String("kind", string(kind)),
		zap.Int("buckets", len(buckets)),
		zap.Int64("duplicates", total[model.CounterDuplicates]),
		zap.Int64("rejected", total[model.CounterRejected]),
	)
	return total, nil
}

func (e *Engine) pairScore(a, b *model.Record) (float64, bool) {
	switch a.Kind {
	case model.KindLocation:
		if !a.HasGeo && !b.HasGeo {
			if a.Locality != b.Locality {
				return 0, false
			}
			return addressScore(a.NameKey, normalize.FoldName(a.Address), b, e.cfg.NameThreshold)
		}
		if !a.HasGeo || !b.HasGeo {
			return 0, false
		}
		sim := Similarity(a.NameKey, b.NameKey)
		if sim < e.cfg.NameThreshold || Haversine(a.Lat, a.Lng, b.Lat, b.Lng) > e.cfg.MaxDistanceM {
			return 0, false
		}
		return sim, true
	case model.KindEvent:
		if a.Locality != b.Locality || !a.Overlaps(b.StartsAt, b.EndsAt) {
			return 0, false
		}
		sim := Similarity(a.NameKey, b.NameKey)
		return sim, sim >= e.cfg.TitleThreshold
	}
	return 0, false
}

func sortByCreated(rs []model.Record) {
	slices.SortStableFunc(rs, func(a, b model.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
