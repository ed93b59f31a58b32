package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestInitialState(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StateCandidate, InitialState(KindLocation))
	assert.Equal(t, EventStateCandidate, InitialState(KindEvent))
}

func TestRecord_Overlaps(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	rec := &Record{StartsAt: ptrTime(base), EndsAt: ptrTime(base.Add(2 * time.Hour))}

	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		want  bool
	}{
		{"inside", base.Add(30 * time.Minute), base.Add(time.Hour), true},
		{"touching end", base.Add(2 * time.Hour), base.Add(3 * time.Hour), true},
		{"before", base.Add(-3 * time.Hour), base.Add(-time.Hour), false},
		{"after", base.Add(3 * time.Hour), base.Add(4 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rec.Overlaps(ptrTime(tt.start), ptrTime(tt.end)))
		})
	}

	assert.False(t, (&Record{}).Overlaps(ptrTime(base), nil))
}

func TestRecord_IsManualAndDuplicate(t *testing.T) {
	t.Parallel()

	rec := &Record{ManualFields: []string{FieldName}}
	assert.True(t, rec.IsManual(FieldName))
	assert.False(t, rec.IsManual(FieldCategory))
	assert.False(t, rec.IsDuplicate())

	empty := ""
	rec.DuplicateOf = &empty
	assert.False(t, rec.IsDuplicate())

	id := "abc"
	rec.DuplicateOf = &id
	assert.True(t, rec.IsDuplicate())
}

func TestScope_KeyAndLocation(t *testing.T) {
	t.Parallel()

	s := Scope{Source: "places", Kind: KindLocation, City: " Rotterdam ", Category: "Bakery"}
	assert.Equal(t, "places:location:rotterdam:bakery", s.Key())

	loc, err := s.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	s.Timezone = "Europe/Amsterdam"
	loc, err = s.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Amsterdam", loc.String())

	s.Timezone = "Mars/Olympus"
	_, err = s.Location()
	assert.Error(t, err)
}

func TestBoundingBox_Valid(t *testing.T) {
	t.Parallel()
	assert.True(t, BoundingBox{SWLat: 51.8, SWLng: 4.3, NELat: 52.0, NELng: 4.6}.Valid())
	assert.False(t, BoundingBox{SWLat: 52.0, SWLng: 4.3, NELat: 51.8, NELng: 4.6}.Valid())
	assert.False(t, BoundingBox{SWLat: -91, SWLng: 4.3, NELat: 51.8, NELng: 4.6}.Valid())
}

func TestCounters(t *testing.T) {
	t.Parallel()

	c := Counters{}
	c.Inc(CounterInserted)
	c.Add(CounterUpdated, 3)
	c.Merge(Counters{CounterInserted: 2, CounterErrored: 1})

	assert.Equal(t, int64(3), c[CounterInserted])
	assert.Equal(t, int64(3), c[CounterUpdated])
	assert.Equal(t, int64(1), c[CounterErrored])
	assert.True(t, RunStatusFailed.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Snapshot(nil))
	assert.JSONEq(t, `{"a":1}`, string(Snapshot(map[string]int{"a": 1})))
	assert.JSONEq(t, `{"raw":true}`, string(Snapshot([]byte(`{"raw":true}`))))

	bad := Snapshot(func() {})
	assert.Contains(t, string(bad), "marshal_error")
}
