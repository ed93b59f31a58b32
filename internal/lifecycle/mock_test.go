package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/store"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T) (*Machine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "lifecycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	m := NewMachine(st, DefaultThresholds())
	m.now = func() time.Time { return testNow }
	return m, st
}

func seed(t *testing.T, st *store.SQLiteStore, r model.Record) *model.Record {
	t.Helper()
	if r.Kind == "" {
		r.Kind = model.KindLocation
	}
	if r.State == "" {
		r.State = model.InitialState(r.Kind)
	}
	if r.Source == "" {
		r.Source = "google_places"
	}
	if r.LastSeenAt.IsZero() {
		r.LastSeenAt = testNow.Add(-24 * time.Hour)
	}
	r.FirstSeenAt = r.LastSeenAt
	require.NoError(t, st.InsertRecord(context.Background(), &r))
	return &r
}

func conf(f float64) *float64 { return &f }

func reload(t *testing.T, st *store.SQLiteStore, id string) *model.Record {
	t.Helper()
	r, err := st.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return r
}

// stubVerifier returns canned verdicts by record name.
type stubVerifier struct {
	verdicts map[string]model.LocationVerdict
	errs     map[string]error
}

func (s *stubVerifier) VerifyLocation(_ context.Context, r *model.Record) (*model.LocationVerdict, error) {
	if err := s.errs[r.Name]; err != nil {
		return nil, err
	}
	v := s.verdicts[r.Name]
	return &v, nil
}
