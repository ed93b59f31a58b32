package dedup

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/normalize"
	"github.com/sells-group/radar-cli/internal/store"
)

// Matcher names.
const (
	MatcherStrict       = "strict"
	MatcherFuzzyGeo     = "fuzzy-geo"
	MatcherFuzzyAddress = "fuzzy-address"
	MatcherFuzzyText    = "fuzzy-text"
)

// Match is a matcher's verdict: the existing record the candidate belongs to.
type Match struct {
	Matcher   string
	Record    *model.Record
	Score     float64
	DistanceM float64
}

// Matcher finds the existing canonical record for a candidate. A nil match
// with a nil error means no hit.
type Matcher interface {
	Name() string
	Match(ctx context.Context, c *model.Candidate) (*Match, error)
}

// Thresholds tunes the fuzzy matchers. Locations and events keep separate
// thresholds over the same similarity function.
type Thresholds struct {
	NameThreshold  float64
	MaxDistanceM   float64
	TitleThreshold float64
	CellDegrees    float64
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		NameThreshold:  0.85,
		MaxDistanceM:   150,
		TitleThreshold: 0.80,
		CellDegrees:    DefaultCellDegrees,
	}
}

// StrictMatcher matches on (kind, source, external id). Keys merged into
// another record by a fuzzy matcher resolve through their alias.
type StrictMatcher struct {
	store store.RecordStore
}

func (m *StrictMatcher) Name() string { return MatcherStrict }

func (m *StrictMatcher) Match(ctx context.Context, c *model.Candidate) (*Match, error) {
	if c.ExternalID == "" {
		return nil, nil
	}
	r, err := m.store.FindByExternal(ctx, c.Kind, c.Source, c.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "dedup: strict lookup")
	}
	return &Match{Matcher: MatcherStrict, Record: r, Score: 1}, nil
}

// GeoMatcher matches locations by folded name similarity and distance
// within the 3×3 cell neighbourhood.
type GeoMatcher struct {
	store store.RecordStore
	cfg   Thresholds
}

func (m *GeoMatcher) Name() string { return MatcherFuzzyGeo }

func (m *GeoMatcher) Match(ctx context.Context, c *model.Candidate) (*Match, error) {
	if c.Kind != model.KindLocation || !c.HasGeo {
		return nil, nil
	}
	pool, err := m.store.ListRecords(ctx, store.RecordFilter{
		Kind:              model.KindLocation,
		Buckets:           NeighbourKeys(c.Lat, c.Lng, m.cfg.CellDegrees),
		ExcludeDuplicates: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dedup: fuzzy-geo candidates")
	}

	var best *Match
	for i := range pool {
		r := &pool[i]
		score, dist, ok := m.score(c, r)
		if !ok {
			continue
		}
		if best == nil || score > best.Score || (score == best.Score && dist < best.DistanceM) {
			best = &Match{Matcher: MatcherFuzzyGeo, Record: r, Score: score, DistanceM: dist}
		}
	}
	return best, nil
}

func (m *GeoMatcher) score(c *model.Candidate, r *model.Record) (float64, float64, bool) {
	if !r.HasGeo {
		return 0, 0, false
	}
	sim := Similarity(c.NameKey, r.NameKey)
	if sim < m.cfg.NameThreshold {
		return 0, 0, false
	}
	dist := Haversine(c.Lat, c.Lng, r.Lat, r.Lng)
	if dist > m.cfg.MaxDistanceM {
		return 0, 0, false
	}
	return sim, dist, true
}

// AddressMatcher matches locations that have no coordinates by folded name
// and folded address within the same locality. Only records that lack
// coordinates themselves are considered.
type AddressMatcher struct {
	store store.RecordStore
	cfg   Thresholds
}

func (m *AddressMatcher) Name() string { return MatcherFuzzyAddress }

func (m *AddressMatcher) Match(ctx context.Context, c *model.Candidate) (*Match, error) {
	if c.Kind != model.KindLocation || c.HasGeo || c.Address == "" {
		return nil, nil
	}
	pool, err := m.store.ListRecords(ctx, store.RecordFilter{
		Kind:              model.KindLocation,
		Buckets:           []string{AddressBucket(c.Locality)},
		ExcludeDuplicates: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dedup: fuzzy-address candidates")
	}

	addrKey := normalize.FoldName(c.Address)
	var best *Match
	for i := range pool {
		r := &pool[i]
		if r.HasGeo {
			continue
		}
		score, ok := addressScore(c.NameKey, addrKey, r, m.cfg.NameThreshold)
		if ok && (best == nil || score > best.Score) {
			best = &Match{Matcher: MatcherFuzzyAddress, Record: r, Score: score}
		}
	}
	return best, nil
}

// addressScore is the lower of the name and address similarities; both
// must reach threshold.
func addressScore(nameKey, addrKey string, r *model.Record, threshold float64) (float64, bool) {
	if addrKey == "" || r.Address == "" {
		return 0, false
	}
	nameSim := Similarity(nameKey, r.NameKey)
	if nameSim < threshold {
		return 0, false
	}
	addrSim := Similarity(addrKey, normalize.FoldName(r.Address))
	if addrSim < threshold {
		return 0, false
	}
	return min(nameSim, addrSim), true
}

// TextMatcher matches events by title similarity and overlapping time
// windows within the same locality.
type TextMatcher struct {
	store store.RecordStore
	cfg   Thresholds
}

func (m *TextMatcher) Name() string { return MatcherFuzzyText }

func (m *TextMatcher) Match(ctx context.Context, c *model.Candidate) (*Match, error) {
	if c.Kind != model.KindEvent || c.StartsAt == nil {
		return nil, nil
	}
	pool, err := m.store.ListRecords(ctx, store.RecordFilter{
		Kind:              model.KindEvent,
		Buckets:           EventNeighbourKeys(*c.StartsAt, c.Locality),
		ExcludeDuplicates: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dedup: fuzzy-text candidates")
	}

	var best *Match
	for i := range pool {
		r := &pool[i]
		if r.Locality != c.Locality || !r.Overlaps(c.StartsAt, c.EndsAt) {
			continue
		}
		sim := Similarity(c.NameKey, r.NameKey)
		if sim < m.cfg.TitleThreshold {
			continue
		}
		if best == nil || sim > best.Score {
			best = &Match{Matcher: MatcherFuzzyText, Record: r, Score: sim}
		}
	}
	return best, nil
}
