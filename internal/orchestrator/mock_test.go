package orchestrator

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/radar-cli/internal/dedup"
	"github.com/sells-group/radar-cli/internal/lifecycle"
	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/normalize"
	"github.com/sells-group/radar-cli/internal/source"
	"github.com/sells-group/radar-cli/internal/store"
)

// stubAdapter returns canned candidates.
type stubAdapter struct {
	name  string
	kind  model.Kind
	items []model.RawCandidate
	fails int
	err   error
	calls atomic.Int32
	// onFetch runs at the start of every Fetch.
	onFetch func()
}

func (a *stubAdapter) Name() string     { return a.name }
func (a *stubAdapter) Kind() model.Kind { return a.kind }

func (a *stubAdapter) Fetch(ctx context.Context, _ model.Scope) (*source.Result, error) {
	a.calls.Add(1)
	if a.onFetch != nil {
		a.onFetch()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &source.Result{Candidates: a.items, Failures: a.fails, Requests: 1}, a.err
}

// stubClassifier returns verdicts by record name.
type stubClassifier struct {
	verdicts map[string]model.LocationVerdict
	enrich   map[string]model.EventEnrichment
	errs     map[string]error
	calls    atomic.Int32
}

func (c *stubClassifier) ClassifyLocation(_ context.Context, r *model.Record) (*model.LocationVerdict, error) {
	c.calls.Add(1)
	if err := c.errs[r.Name]; err != nil {
		return nil, err
	}
	v := c.verdicts[r.Name]
	return &v, nil
}

func (c *stubClassifier) EnrichEvent(_ context.Context, r *model.Record) (*model.EventEnrichment, error) {
	c.calls.Add(1)
	if err := c.errs[r.Name]; err != nil {
		return nil, err
	}
	e := c.enrich[r.Name]
	return &e, nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "radar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestOrchestrator(t *testing.T, st *store.SQLiteStore, opts Options, adapters ...source.Adapter) *Orchestrator {
	t.Helper()
	return New(st,
		source.NewRegistry(adapters...),
		normalize.New(),
		dedup.NewEngine(st, dedup.DefaultThresholds()),
		lifecycle.NewMachine(st, lifecycle.DefaultThresholds()),
		opts,
	)
}

func fp(f float64) *float64 { return &f }

var fetchedAt = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func place(id, name string, lat, lng float64) model.RawCandidate {
	return model.RawCandidate{
		Source:     "google_places",
		Kind:       model.KindLocation,
		ExternalID: id,
		Name:       name,
		Address:    "Kade 1, Rotterdam",
		Lat:        fp(lat),
		Lng:        fp(lng),
		FetchedAt:  fetchedAt,
	}
}

func placesScope() model.Scope {
	return model.Scope{
		Source:   "google_places",
		Kind:     model.KindLocation,
		City:     "Rotterdam",
		Category: "turkish_grocery",
		Query:    "turkse supermarkt",
		Timezone: "Europe/Amsterdam",
		Bounds:   &model.BoundingBox{SWLat: 51.90, SWLng: 4.45, NELat: 51.95, NELng: 4.55},
		CellKM:   5,
	}
}
