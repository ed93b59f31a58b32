// Package orchestrator runs pipeline stages for scopes and tracks each
// execution as a run with progress, counters and the first error.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/radar-cli/internal/classify"
	"github.com/sells-group/radar-cli/internal/dedup"
	"github.com/sells-group/radar-cli/internal/lifecycle"
	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/normalize"
	"github.com/sells-group/radar-cli/internal/resilience"
	"github.com/sells-group/radar-cli/internal/source"
	"github.com/sells-group/radar-cli/internal/store"
)

// CounterSkippedLocked counts scopes skipped because their lock was held.
const CounterSkippedLocked = "skipped_locked"

// Classifier is the model-backed classification the ingest and classify
// stages use.
type Classifier interface {
	ClassifyLocation(ctx context.Context, r *model.Record) (*model.LocationVerdict, error)
	EnrichEvent(ctx context.Context, r *model.Record) (*model.EventEnrichment, error)
}

// Options configures optional collaborators.
type Options struct {
	Classifier  Classifier
	Locks       *ScopeLock
	Concurrency int
	// ProgressEvery is the number of candidates between progress updates.
	ProgressEvery int
}

// Orchestrator wires adapters, normalizer, dedup engine, classifier and
// state machine into runs.
type Orchestrator struct {
	store      store.Store
	sources    *source.Registry
	normalizer *normalize.Normalizer
	dedup      *dedup.Engine
	machine    *lifecycle.Machine
	opts       Options
}

// New creates an Orchestrator.
func New(st store.Store, sources *source.Registry, n *normalize.Normalizer, d *dedup.Engine, m *lifecycle.Machine, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ProgressEvery < 1 {
		opts.ProgressEvery = 25
	}
	return &Orchestrator{
		store:      st,
		sources:    sources,
		normalizer: n,
		dedup:      d,
		machine:    m,
		opts:       opts,
	}
}

// StartRun records a new run for stage and scope and marks it running.
func (o *Orchestrator) StartRun(ctx context.Context, stage model.Stage, scope model.Scope) (string, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Stage:     stage,
		Scope:     scope,
		Status:    model.RunStatusQueued,
		Counters:  model.Counters{},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return "", eris.Wrap(err, "orchestrator: create run")
	}
	if err := o.store.StartRun(ctx, run.ID); err != nil {
		return "", eris.Wrap(err, "orchestrator: start run")
	}
	return run.ID, nil
}

// UpdateProgress stores percent (clamped to 0..100) and a counter snapshot.
func (o *Orchestrator) UpdateProgress(ctx context.Context, runID string, percent float64, counters model.Counters) error {
	percent = min(max(percent, 0), 100)
	return eris.Wrapf(o.store.UpdateRunProgress(ctx, runID, percent, counters), "orchestrator: progress %s", runID)
}

// FinishRun records the final status, counters and the first error, if any.
func (o *Orchestrator) FinishRun(ctx context.Context, runID string, status model.RunStatus, counters model.Counters, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return eris.Wrapf(o.store.FinishRun(ctx, runID, status, counters, msg), "orchestrator: finish %s", runID)
}

// StageFunc executes one stage body, filling counters as it goes.
type StageFunc func(ctx context.Context, runID string, counters model.Counters) error

// Track wraps fn in a run: start, execute, finish. A failing fn marks the
// run failed; the run is finished even when ctx was canceled.
func (o *Orchestrator) Track(ctx context.Context, stage model.Stage, scope model.Scope, fn StageFunc) (*model.Run, error) {
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("stage", string(stage)), zap.String("scope", scope.Key()))

	runID, err := o.StartRun(ctx, stage, scope)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("run_id", runID))
	log.Info("run started")

	start := time.Now()
	counters := model.Counters{}
	runErr := fn(ctx, runID, counters)

	status := model.RunStatusFinished
	if runErr != nil {
		status = model.RunStatusFailed
		log.Error("run failed", zap.Error(runErr))
	}
	finishCtx := context.WithoutCancel(ctx)
	if err := o.FinishRun(finishCtx, runID, status, counters, runErr); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}
	log.Info("run complete",
		zap.String("status", string(status)),
		zap.Any("counters", counters),
		zap.Duration("elapsed", time.Since(start)),
	)

	run, err := o.store.GetRun(finishCtx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: reload run %s", runID)
	}
	return run, runErr
}

// Run ingests one scope: fetch, normalize, reconcile and, when the scope
// asks for it, classify what changed. A held scope lock skips the scope.
func (o *Orchestrator) Run(ctx context.Context, scope model.Scope) (*model.Run, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, &ConfigError{Path: "<inline>", Index: -1, Err: err}
	}

	if o.opts.Locks != nil {
		release, ok, err := o.opts.Locks.TryLock(scope.Key())
		if err != nil {
			return nil, err
		}
		if !ok {
			zap.L().Info("scope locked by another run, skipping", zap.String("scope", scope.Key()))
			return o.Track(ctx, model.StageIngest, scope, func(_ context.Context, _ string, c model.Counters) error {
				c.Inc(CounterSkippedLocked)
				return nil
			})
		}
		defer release()
	}

	return o.Track(ctx, model.StageIngest, scope, func(ctx context.Context, runID string, c model.Counters) error {
		return o.ingest(ctx, runID, scope, c)
	})
}

func (o *Orchestrator) ingest(ctx context.Context, runID string, scope model.Scope, counters model.Counters) error {
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("run_id", runID))

	adapter, err := o.sources.Get(scope.Source)
	if err != nil {
		return err
	}
	if adapter.Kind() != scope.Kind {
		return eris.Errorf("orchestrator: adapter %s fetches %s, scope wants %s", adapter.Name(), adapter.Kind(), scope.Kind)
	}

	res, fetchErr := adapter.Fetch(ctx, scope)
	if res == nil {
		res = &source.Result{}
	}
	counters.Add(model.CounterFetched, int64(len(res.Candidates)))
	counters.Add(model.CounterFetchErrors, int64(res.Failures))
	if fetchErr != nil && len(res.Candidates) == 0 {
		return eris.Wrap(fetchErr, "orchestrator: fetch")
	}
	if fetchErr != nil {
		log.Warn("fetch partially failed", zap.String("error_class", resilience.Classify(fetchErr)), zap.Error(fetchErr))
	}

	// Every fetched item is retained with its terminal status, flushed in
	// progress-sized batches.
	var retained []model.CandidateEntry
	flush := func(ctx context.Context) {
		if len(retained) == 0 {
			return
		}
		if err := o.store.AppendCandidates(ctx, retained...); err != nil {
			log.Warn("candidates not retained", zap.Int("count", len(retained)), zap.Error(err))
		}
		retained = retained[:0]
	}
	defer func() { flush(context.WithoutCancel(ctx)) }()

	var touched []string
	seen := make(map[string]bool)
	total := len(res.Candidates)
	for i, raw := range res.Candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := candidateEntry(runID, raw)

		cand, err := o.normalizer.Normalize(ctx, raw, scope)
		if err != nil {
			var ne *normalize.NormalizationError
			if !errors.As(err, &ne) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				counters.Inc(model.CounterErrored)
				entry.Status = model.CandidateErrored
			} else {
				counters.Inc(model.CounterNormalizeFailed)
				entry.Status = model.CandidateNormalizeFailed
			}
			entry.Error = err.Error()
			retained = append(retained, entry)
			log.Debug("candidate dropped", zap.String("external_id", raw.ExternalID), zap.Error(err))
			continue
		}
		entry.ContentHash = cand.ContentHash

		out, err := o.dedup.Reconcile(ctx, cand)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			counters.Inc(model.CounterErrored)
			entry.Status, entry.Error = model.CandidateErrored, err.Error()
			retained = append(retained, entry)
			log.Warn("reconcile failed",
				zap.String("external_id", raw.ExternalID),
				zap.String("error_class", resilience.Classify(err)),
				zap.Error(err),
			)
			continue
		}
		counters.Inc(string(out.Kind))
		entry.Status, entry.Outcome, entry.RecordID = model.CandidateReconciled, string(out.Kind), out.ID
		retained = append(retained, entry)
		if out.Kind != dedup.Skipped && !seen[out.ID] {
			seen[out.ID] = true
			touched = append(touched, out.ID)
		}

		if (i+1)%o.opts.ProgressEvery == 0 {
			flush(ctx)
			if err := o.UpdateProgress(ctx, runID, 100*float64(i+1)/float64(total), counters); err != nil {
				log.Warn("progress update failed", zap.Error(err))
			}
		}
	}
	flush(ctx)

	if scope.Classify && o.opts.Classifier != nil && len(touched) > 0 {
		for _, id := range touched {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := o.store.GetRecord(ctx, id)
			if err != nil {
				counters.Inc(model.CounterErrored)
				continue
			}
			o.classifyRecord(ctx, r, counters)
		}
	}
	return nil
}

// candidateEntry starts the retained copy of raw. The provider payload is
// kept when the adapter supplied one, otherwise the fetched fields are.
func candidateEntry(runID string, raw model.RawCandidate) model.CandidateEntry {
	payload := model.Snapshot(raw.Payload)
	if len(raw.Payload) == 0 {
		payload = model.Snapshot(raw)
	}
	return model.CandidateEntry{
		RunID:      runID,
		Kind:       raw.Kind,
		Source:     raw.Source,
		ExternalID: raw.ExternalID,
		Payload:    payload,
		FetchedAt:  raw.FetchedAt.UTC(),
	}
}

// ClassifyPending classifies every non-duplicate record of kind still in
// its initial state.
func (o *Orchestrator) ClassifyPending(ctx context.Context, kind model.Kind, limit int) (*model.Run, error) {
	if o.opts.Classifier == nil {
		return nil, eris.New("orchestrator: no classifier configured")
	}
	scope := model.Scope{Source: "store", Kind: kind}
	return o.Track(ctx, model.StageClassify, scope, func(ctx context.Context, runID string, counters model.Counters) error {
		records, err := o.store.ListRecords(ctx, store.RecordFilter{
			Kind:              kind,
			States:            []model.State{model.InitialState(kind)},
			ExcludeDuplicates: true,
			Limit:             limit,
		})
		if err != nil {
			return eris.Wrap(err, "orchestrator: list unclassified")
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.Concurrency)
		results := make([]model.Counters, len(records))
		for i := range records {
			results[i] = model.Counters{}
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.classifyRecord(gctx, &records[i], results[i])
				return nil
			})
		}
		err = g.Wait()
		for _, c := range results {
			counters.Merge(c)
		}
		return err
	})
}

// classifyRecord runs the classifier and applies the state machine.
// Failures are counted; the record is left as it was.
func (o *Orchestrator) classifyRecord(ctx context.Context, r *model.Record, counters model.Counters) {
	if r.IsDuplicate() || r.State != model.InitialState(r.Kind) {
		return
	}
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("record_id", r.ID))
	countErr := func(err error) {
		if classify.IsValidation(err) {
			counters.Inc(model.CounterClassifyInvalid)
		} else {
			counters.Inc(model.CounterErrored)
		}
		log.Warn("classification failed", zap.Error(err))
	}

	switch r.Kind {
	case model.KindLocation:
		v, err := o.opts.Classifier.ClassifyLocation(ctx, r)
		if err != nil {
			countErr(err)
			return
		}
		counters.Inc(model.CounterClassified)
		promoted, err := o.machine.ApplyClassification(ctx, r, *v)
		if err != nil {
			countErr(err)
			return
		}
		if promoted {
			counters.Inc(model.CounterPromoted)
		}
	case model.KindEvent:
		e, err := o.opts.Classifier.EnrichEvent(ctx, r)
		if err != nil {
			countErr(err)
			return
		}
		counters.Inc(model.CounterClassified)
		verified, err := o.machine.ApplyEnrichment(ctx, r, *e)
		if err != nil {
			countErr(err)
			return
		}
		if verified {
			counters.Inc(model.CounterVerified)
		}
	}
}

// BatchResult pairs a scope with its run, or the error that kept the run
// from being recorded.
type BatchResult struct {
	Scope model.Scope
	Run   *model.Run
	Err   error
}

// RunBatch runs every scope with bounded concurrency. A failing scope is
// recorded on its own run and never stops its siblings.
func (o *Orchestrator) RunBatch(ctx context.Context, scopes []model.Scope) []BatchResult {
	log := zap.L().With(zap.String("component", "orchestrator"))
	results := make([]BatchResult, len(scopes))

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, s := range scopes {
		results[i].Scope = s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			run, err := o.Run(ctx, s)
			results[i].Run, results[i].Err = run, err
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info("batch complete", zap.Int("scopes", len(scopes)), zap.Int("failed", failed))
	return results
}

// Reverify tracks a re-verification pass as a run.
func (o *Orchestrator) Reverify(ctx context.Context, rv *lifecycle.Reverifier) (*model.Run, error) {
	scope := model.Scope{Source: "store", Kind: model.KindLocation}
	return o.Track(ctx, model.StageReverify, scope, func(ctx context.Context, _ string, counters model.Counters) error {
		c, err := rv.Run(ctx)
		counters.Merge(c)
		return err
	})
}

// Dedupe tracks a duplicate sweep over kind as a run. Published events the
// sweep marks as duplicates are withdrawn.
func (o *Orchestrator) Dedupe(ctx context.Context, kind model.Kind) (*model.Run, error) {
	scope := model.Scope{Source: "store", Kind: kind}
	return o.Track(ctx, model.StageDedupe, scope, func(ctx context.Context, _ string, counters model.Counters) error {
		c, err := o.dedup.Sweep(ctx, kind)
		counters.Merge(c)
		if err != nil || kind != model.KindEvent {
			return err
		}
		w, err := o.machine.WithdrawDuplicates(ctx)
		counters.Merge(w)
		return err
	})
}

// Publish tracks an event publish pass as a run.
func (o *Orchestrator) Publish(ctx context.Context) (*model.Run, error) {
	scope := model.Scope{Source: "store", Kind: model.KindEvent}
	return o.Track(ctx, model.StagePublish, scope, func(ctx context.Context, _ string, counters model.Counters) error {
		c, err := o.machine.PublishPass(ctx)
		counters.Merge(c)
		return err
	})
}
