package lifecycle

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/store"
)

// PublishPass publishes every verified, non-duplicate event that has not
// ended. Duplicates and past events are left verified.
func (m *Machine) PublishPass(ctx context.Context) (model.Counters, error) {
	counters := model.Counters{}
	now := m.now()
	events, err := m.store.ListRecords(ctx, store.RecordFilter{
		Kind:              model.KindEvent,
		States:            []model.State{model.EventStateVerified},
		ExcludeDuplicates: true,
		EndsAfter:         &now,
	})
	if err != nil {
		return counters, eris.Wrap(err, "publish: list verified events")
	}

	for i := range events {
		if err := ctx.Err(); err != nil {
			return counters, err
		}
		r := &events[i]
		if err := m.Publish(ctx, r); err != nil {
			counters.Inc(model.CounterErrored)
			zap.L().Warn("publish failed", zap.String("record_id", r.ID), zap.Error(err))
			continue
		}
		counters.Inc(model.CounterPublished)
	}

	zap.L().Info("publish pass complete",
		zap.String("component", "lifecycle"),
		zap.Int("candidates", len(events)),
		zap.Int64("published", counters[model.CounterPublished]),
	)
	return counters, nil
}

// WithdrawDuplicates withdraws every published event that a duplicate pass
// has since attached to a canonical record.
func (m *Machine) WithdrawDuplicates(ctx context.Context) (model.Counters, error) {
	counters := model.Counters{}
	dups, err := m.store.ListRecords(ctx, store.RecordFilter{
		Kind:           model.KindEvent,
		States:         []model.State{model.EventStatePublished},
		OnlyDuplicates: true,
	})
	if err != nil {
		return counters, eris.Wrap(err, "publish: list published duplicates")
	}

	for i := range dups {
		if err := ctx.Err(); err != nil {
			return counters, err
		}
		r := &dups[i]
		if err := m.Withdraw(ctx, r, "duplicate of "+*r.DuplicateOf); err != nil {
			counters.Inc(model.CounterErrored)
			zap.L().Warn("withdraw failed", zap.String("record_id", r.ID), zap.Error(err))
			continue
		}
		counters.Inc(model.CounterWithdrawn)
	}

	if len(dups) > 0 {
		zap.L().Info("withdrew published duplicates",
			zap.String("component", "lifecycle"),
			zap.Int64("withdrawn", counters[model.CounterWithdrawn]),
		)
	}
	return counters, nil
}
