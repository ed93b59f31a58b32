package source

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/resilience"
	"github.com/sells-group/radar-cli/pkg/google"
)

const (
	// PlacesName is the adapter name used in scope files.
	PlacesName = "places"
	// PlacesSource is the provider recorded on candidates.
	PlacesSource = "google_places"
	// PlacesProvider keys the shared limiter and breaker.
	PlacesProvider = "google_places"

	defaultMaxPages = 3
	// saturatedResults is the result count that suggests a cell is too large.
	saturatedResults = 60
)

// PlacesAdapter discovers locations with Google Places text search over a
// grid of cells covering the scope's bounding box.
type PlacesAdapter struct {
	client   google.Client
	guard    *resilience.Guard
	maxPages int
	language string
	now      func() time.Time

	mu sync.Mutex // one outstanding fetch per adapter
}

// NewPlacesAdapter creates a PlacesAdapter. maxPages <= 0 uses the default.
func NewPlacesAdapter(client google.Client, guard *resilience.Guard, maxPages int, language string) *PlacesAdapter {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &PlacesAdapter{
		client:   client,
		guard:    guard,
		maxPages: maxPages,
		language: language,
		now:      time.Now,
	}
}

func (a *PlacesAdapter) Name() string     { return PlacesName }
func (a *PlacesAdapter) Kind() model.Kind { return model.KindLocation }

// Fetch searches every grid cell, paginating up to maxPages per cell. A
// failed cell is counted and skipped; Fetch fails only when every cell does.
func (a *PlacesAdapter) Fetch(ctx context.Context, scope model.Scope) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if scope.Bounds == nil {
		return nil, eris.Errorf("places: scope %s has no bounds", scope.Key())
	}
	query := placesQuery(scope)
	if query == "" {
		return nil, eris.Errorf("places: scope %s has no query or category", scope.Key())
	}
	cells, err := GridCells(*scope.Bounds, scope.CellKM)
	if err != nil {
		return nil, eris.Wrap(err, "places")
	}

	log := zap.L().With(zap.String("adapter", PlacesName), zap.String("scope", scope.Key()))
	log.Info("searching grid", zap.Int("cells", len(cells)), zap.String("query", query))

	res := &Result{}
	seen := make(map[string]bool)
	var firstErr error
	failedCells := 0

	for i, cell := range cells {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		places, calls, err := a.searchCell(ctx, query, cell)
		res.Requests += calls
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			failedCells++
			res.Failures++
			if firstErr == nil {
				firstErr = err
			}
			log.Warn("cell search failed", zap.Int("cell", i), zap.Error(err))
			continue
		}
		if len(places) >= saturatedResults {
			log.Warn("cell saturated, consider a smaller cell_km", zap.Int("cell", i), zap.Int("results", len(places)))
		}

		for _, p := range places {
			if p.ID == "" || seen[p.ID] || p.BusinessStatus == "CLOSED_PERMANENTLY" {
				continue
			}
			seen[p.ID] = true
			raw, err := a.toRaw(p)
			if err != nil {
				res.Failures++
				log.Debug("skipping place", zap.String("place_id", p.ID), zap.Error(err))
				continue
			}
			res.Candidates = append(res.Candidates, raw)
		}
	}

	if failedCells == len(cells) && firstErr != nil {
		return res, eris.Wrapf(firstErr, "places: all %d cells failed", len(cells))
	}
	log.Info("grid search complete",
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("api_calls", res.Requests),
		zap.Int("failed_cells", failedCells),
	)
	return res, nil
}

func (a *PlacesAdapter) searchCell(ctx context.Context, query string, cell Cell) ([]google.Place, int, error) {
	var (
		out       []google.Place
		pageToken string
		calls     int
	)
	for page := 0; page < a.maxPages; page++ {
		req := google.SearchRequest{
			Query: query,
			Rect: &google.Rectangle{
				Low:  google.LatLng{Latitude: cell.SWLat, Longitude: cell.SWLng},
				High: google.LatLng{Latitude: cell.NELat, Longitude: cell.NELng},
			},
			PageToken: pageToken,
			Language:  a.language,
		}
		resp, err := resilience.Call(ctx, a.guard, PlacesProvider, "search_text", func(ctx context.Context) (*google.SearchResponse, error) {
			return a.client.SearchText(ctx, req)
		})
		calls++
		if err != nil {
			return out, calls, eris.Wrap(err, "places: search text")
		}
		out = append(out, resp.Places...)
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return out, calls, nil
}

func (a *PlacesAdapter) toRaw(p google.Place) (model.RawCandidate, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return model.RawCandidate{}, eris.Wrap(err, "places: marshal payload")
	}
	raw := model.RawCandidate{
		Source:       PlacesSource,
		Kind:         model.KindLocation,
		ExternalID:   p.ID,
		Name:         p.DisplayName.Text,
		Address:      p.FormattedAddress,
		CategoryHint: p.PrimaryType,
		URL:          p.WebsiteURI,
		Payload:      payload,
		FetchedAt:    a.now().UTC(),
	}
	if p.Location != nil {
		lat, lng := p.Location.Latitude, p.Location.Longitude
		raw.Lat, raw.Lng = &lat, &lng
	}
	return raw, nil
}

func placesQuery(scope model.Scope) string {
	if q := strings.TrimSpace(scope.Query); q != "" {
		return q
	}
	category := strings.ReplaceAll(strings.TrimSpace(scope.Category), "_", " ")
	if category == "" {
		return ""
	}
	if scope.City != "" {
		return category + " in " + scope.City
	}
	return category
}
