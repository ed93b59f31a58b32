package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/radar-cli/internal/model"
)

func event(name string, state model.State, start time.Time) model.Record {
	end := start.Add(2 * time.Hour)
	return model.Record{
		Kind:     model.KindEvent,
		Name:     name,
		Source:   "html:example.org",
		State:    state,
		StartsAt: &start,
		EndsAt:   &end,
	}
}

func TestApplyEnrichment(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()
	next := testNow.Add(72 * time.Hour)

	ok := seed(t, st, event("ok", model.EventStateCandidate, next))
	verified, err := m.ApplyEnrichment(ctx, ok, model.EventEnrichment{LanguageCode: "tr", CategoryKey: "music", Confidence: 0.70})
	require.NoError(t, err)
	assert.True(t, verified)
	assert.Equal(t, model.EventStateVerified, reload(t, st, ok.ID).State)

	low := seed(t, st, event("low", model.EventStateCandidate, next))
	verified, err = m.ApplyEnrichment(ctx, low, model.EventEnrichment{Confidence: 0.69})
	require.NoError(t, err)
	assert.False(t, verified)
	assert.Equal(t, model.EventStateCandidate, reload(t, st, low.ID).State)
}

func TestPublishPass(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()
	next := testNow.Add(48 * time.Hour)

	upcoming := seed(t, st, event("upcoming", model.EventStateVerified, next))
	past := seed(t, st, event("past", model.EventStateVerified, testNow.Add(-48*time.Hour)))
	candidate := seed(t, st, event("candidate", model.EventStateCandidate, next))
	dup := seed(t, st, event("dup", model.EventStateVerified, next))
	require.NoError(t, st.SetDuplicateOf(ctx, dup.ID, upcoming.ID))

	counters, err := m.PublishPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters[model.CounterPublished])
	assert.Zero(t, counters[model.CounterErrored])

	assert.Equal(t, model.EventStatePublished, reload(t, st, upcoming.ID).State)
	assert.Equal(t, model.EventStateVerified, reload(t, st, past.ID).State)
	assert.Equal(t, model.EventStateCandidate, reload(t, st, candidate.ID).State)
	assert.Equal(t, model.EventStateVerified, reload(t, st, dup.ID).State)
}

func TestPublish_Blocked(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()

	past := seed(t, st, event("past", model.EventStateVerified, testNow.Add(-5*time.Hour)))
	assert.ErrorIs(t, m.Publish(ctx, past), ErrIllegalTransition)

	cand := seed(t, st, event("cand", model.EventStateCandidate, testNow.Add(time.Hour)))
	assert.ErrorIs(t, m.Publish(ctx, cand), ErrIllegalTransition)
}

func TestReject(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()

	r := seed(t, st, event("r", model.EventStateVerified, testNow.Add(time.Hour)))
	require.NoError(t, m.Reject(ctx, r, "not community related"))
	assert.Equal(t, model.EventStateRejected, reload(t, st, r.ID).State)

	// Rejected is absorbing.
	assert.ErrorIs(t, m.Reject(ctx, r, "again"), ErrIllegalTransition)
	_, err := m.Override(ctx, r.ID, model.EventStateVerified, false, "")
	assert.ErrorIs(t, err, ErrOverrideRejected)
}

func TestOverride_EventPublishNeedsConditions(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()

	past := seed(t, st, event("past", model.EventStateVerified, testNow.Add(-5*time.Hour)))
	_, err := m.Override(ctx, past.ID, model.EventStatePublished, false, "")
	assert.ErrorIs(t, err, ErrOverrideRejected)

	_, err = m.Override(ctx, past.ID, model.EventStatePublished, true, "archive entry")
	require.NoError(t, err)
	assert.Equal(t, model.EventStatePublished, reload(t, st, past.ID).State)
}

func TestWithdrawDuplicates(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()
	next := testNow.Add(48 * time.Hour)

	canonical := seed(t, st, event("film night", model.EventStatePublished, next))
	dup := seed(t, st, event("film nights", model.EventStatePublished, next))
	verifiedDup := seed(t, st, event("film night!", model.EventStateVerified, next))
	require.NoError(t, st.SetDuplicateOf(ctx, dup.ID, canonical.ID))
	require.NoError(t, st.SetDuplicateOf(ctx, verifiedDup.ID, canonical.ID))

	counters, err := m.WithdrawDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters[model.CounterWithdrawn])
	assert.Zero(t, counters[model.CounterErrored])

	assert.Equal(t, model.EventStateRejected, reload(t, st, dup.ID).State)
	assert.Equal(t, model.EventStatePublished, reload(t, st, canonical.ID).State)
	assert.Equal(t, model.EventStateVerified, reload(t, st, verifiedDup.ID).State)

	ds, err := st.ListDecisions(ctx, dup.ID)
	require.NoError(t, err)
	require.NotEmpty(t, ds)
	last := ds[len(ds)-1]
	assert.Equal(t, model.ActionTransition, last.ActionType)
	assert.True(t, last.IsSuccess)
	assert.Contains(t, string(last.InputSnapshot), "withdrawn: duplicate of "+canonical.ID)

	// Nothing left to withdraw.
	counters, err = m.WithdrawDuplicates(ctx)
	require.NoError(t, err)
	assert.Zero(t, counters[model.CounterWithdrawn])
}

func TestWithdraw_OnlyPublished(t *testing.T) {
	m, st := newTestMachine(t)
	r := seed(t, st, event("r", model.EventStateVerified, testNow.Add(time.Hour)))
	assert.ErrorIs(t, m.Withdraw(context.Background(), r, "duplicate"), ErrIllegalTransition)
	assert.Equal(t, model.EventStateVerified, reload(t, st, r.ID).State)
}
