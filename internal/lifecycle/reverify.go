package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/radar-cli/internal/classify"
	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/store"
)

// Verifier runs the independent second classification of a location.
type Verifier interface {
	VerifyLocation(ctx context.Context, r *model.Record) (*model.LocationVerdict, error)
}

// Reverifier re-checks pending and verified locations on a schedule.
type Reverifier struct {
	machine     *Machine
	store       Store
	verifier    Verifier
	concurrency int
}

// NewReverifier creates a Reverifier. A nil verifier limits the pass to
// staleness checks.
func NewReverifier(m *Machine, st Store, v Verifier, concurrency int) *Reverifier {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reverifier{machine: m, store: st, verifier: v, concurrency: concurrency}
}

// Run re-verifies every pending location and flags stale verified ones.
// Per-record failures are counted, not returned.
func (rv *Reverifier) Run(ctx context.Context) (model.Counters, error) {
	log := zap.L().With(zap.String("component", "reverify"))
	counters := model.Counters{}
	var mu sync.Mutex
	count := func(name string) {
		mu.Lock()
		counters.Inc(name)
		mu.Unlock()
	}

	pending, err := rv.store.ListRecords(ctx, store.RecordFilter{
		Kind:              model.KindLocation,
		States:            []model.State{model.StatePendingVerification},
		ExcludeDuplicates: true,
	})
	if err != nil {
		return counters, eris.Wrap(err, "reverify: list pending")
	}
	log.Info("re-verifying pending locations", zap.Int("records", len(pending)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rv.concurrency)
	for i := range pending {
		r := &pending[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			rv.reverifyOne(gctx, r, count)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return counters, err
	}

	cutoff := rv.machine.now().Add(-rv.machine.th.Staleness)
	verified, err := rv.store.ListRecords(ctx, store.RecordFilter{
		Kind:              model.KindLocation,
		States:            []model.State{model.StateVerified},
		ExcludeDuplicates: true,
		LastSeenBefore:    &cutoff,
	})
	if err != nil {
		return counters, eris.Wrap(err, "reverify: list stale verified")
	}
	for i := range verified {
		stale, err := rv.machine.CheckStaleness(ctx, &verified[i])
		if err != nil {
			count(model.CounterErrored)
			log.Warn("stale flag failed", zap.String("record_id", verified[i].ID), zap.Error(err))
			continue
		}
		if stale {
			count(CounterStale)
		}
	}

	log.Info("re-verification complete", zap.Any("counters", counters))
	return counters, nil
}

// CounterStale counts verified records flagged stale.
const CounterStale = "stale_flagged"

func (rv *Reverifier) reverifyOne(ctx context.Context, r *model.Record, count func(string)) {
	log := zap.L().With(zap.String("component", "reverify"), zap.String("record_id", r.ID))

	stale, err := rv.machine.CheckStaleness(ctx, r)
	switch {
	case err != nil:
		count(model.CounterErrored)
		log.Warn("staleness check failed", zap.Error(err))
		return
	case stale:
		count(model.CounterRetired)
		return
	case rv.verifier == nil:
		return
	}

	v, err := rv.verifier.VerifyLocation(ctx, r)
	if err != nil {
		var ve *classify.ValidationError
		if errors.As(err, &ve) {
			count(model.CounterClassifyInvalid)
		} else {
			count(model.CounterErrored)
		}
		log.Warn("verification call failed", zap.Error(err))
		return
	}

	state, err := rv.machine.Verify(ctx, r, *v)
	if err != nil {
		count(model.CounterErrored)
		log.Warn("verification transition failed", zap.Error(err))
		return
	}
	if state == model.StateVerified {
		count(model.CounterVerified)
	} else {
		count(model.CounterRetired)
	}
}
