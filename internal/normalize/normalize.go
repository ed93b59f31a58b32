// Package normalize turns provider records into clean, comparable candidates.
package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/pkg/geocode"
)

// DefaultEventDuration is applied when an event has no end time.
const DefaultEventDuration = 2 * time.Hour

// NormalizationError is a non-fatal per-item outcome: the candidate is
// dropped and counted, the batch continues.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: %s: %s", e.Field, e.Reason)
}

func fieldErr(field, reason string) *NormalizationError {
	return &NormalizationError{Field: field, Reason: reason}
}

// Geocoder resolves free-text locations to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (*geocode.Result, error)
}

// Normalizer normalizes raw candidates, optionally geocoding locations that
// arrive without coordinates.
type Normalizer struct {
	geocoder      Geocoder
	eventDuration time.Duration
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithGeocoder enables address resolution.
func WithGeocoder(g Geocoder) Option {
	return func(n *Normalizer) { n.geocoder = g }
}

// WithEventDuration overrides DefaultEventDuration.
func WithEventDuration(d time.Duration) Option {
	return func(n *Normalizer) {
		if d > 0 {
			n.eventDuration = d
		}
	}
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{eventDuration: DefaultEventDuration}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize is the pure form: no geocoding, default event duration.
func Normalize(raw model.RawCandidate, scope model.Scope) (*model.Candidate, error) {
	return New().normalize(raw, scope)
}

// Normalize runs the pure normalization and then, when a geocoder is
// configured, resolves missing coordinates from the address text.
// Every validation failure is a *NormalizationError.
func (n *Normalizer) Normalize(ctx context.Context, raw model.RawCandidate, scope model.Scope) (*model.Candidate, error) {
	c, err := n.normalize(raw, scope)
	if err != nil {
		return nil, err
	}
	if c.HasGeo || n.geocoder == nil || c.Address == "" {
		return c, nil
	}

	query := c.Address
	if scope.City != "" && !strings.Contains(strings.ToLower(query), strings.ToLower(scope.City)) {
		query += ", " + scope.City
	}
	res, gerr := n.geocoder.Geocode(ctx, query)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	switch {
	case gerr != nil:
		if c.Kind == model.KindLocation {
			return nil, fieldErr("location", "geocode failed: "+gerr.Error())
		}
		zap.L().Debug("normalize: event geocode failed", zap.String("title", c.Name), zap.Error(gerr))
		return c, nil
	case res == nil || !res.Matched:
		if c.Kind == model.KindLocation {
			return nil, fieldErr("location", "address did not resolve")
		}
		return c, nil
	}
	if err := checkCoords(res.Latitude, res.Longitude); err != nil {
		return nil, err
	}

	c.Lat, c.Lng, c.HasGeo = res.Latitude, res.Longitude, true
	if scope.City == "" && res.Locality != "" {
		c.Locality = FoldName(res.Locality)
	}
	c.ContentHash = ContentHash(c)
	return c, nil
}

func (n *Normalizer) normalize(raw model.RawCandidate, scope model.Scope) (*model.Candidate, error) {
	if !raw.Kind.Valid() {
		return nil, fieldErr("kind", fmt.Sprintf("unknown kind %q", raw.Kind))
	}
	c := &model.Candidate{
		Kind:         raw.Kind,
		Source:       strings.TrimSpace(raw.Source),
		ExternalID:   strings.TrimSpace(raw.ExternalID),
		Name:         CleanText(raw.Name),
		Address:      CleanText(raw.Address),
		CategoryHint: strings.ToLower(CleanText(raw.CategoryHint)),
		Description:  CleanText(raw.Description),
		URL:          strings.TrimSpace(raw.URL),
		FetchedAt:    raw.FetchedAt.UTC(),
		Raw:          raw.Payload,
	}
	if c.FetchedAt.IsZero() {
		c.FetchedAt = time.Now().UTC()
	}
	if c.Source == "" {
		return nil, fieldErr("source", "empty")
	}
	if c.Name == "" {
		if c.Kind == model.KindEvent {
			return nil, fieldErr("title", "empty")
		}
		return nil, fieldErr("name", "empty")
	}
	c.NameKey = FoldName(c.Name)
	c.Locality = LocalityToken(scope.City, c.Address)

	if raw.Lat != nil && raw.Lng != nil {
		if err := checkCoords(*raw.Lat, *raw.Lng); err != nil {
			return nil, err
		}
		c.Lat, c.Lng, c.HasGeo = *raw.Lat, *raw.Lng, true
	}

	switch c.Kind {
	case model.KindLocation:
		if !c.HasGeo && c.Address == "" {
			return nil, fieldErr("location", "neither coordinates nor address")
		}
	case model.KindEvent:
		if err := n.eventWindow(c, raw, scope); err != nil {
			return nil, err
		}
	}

	c.ContentHash = ContentHash(c)
	return c, nil
}

func (n *Normalizer) eventWindow(c *model.Candidate, raw model.RawCandidate, scope model.Scope) error {
	if strings.TrimSpace(raw.StartRaw) == "" {
		return fieldErr("start", "empty")
	}
	loc, err := scope.Location()
	if err != nil {
		return fieldErr("timezone", err.Error())
	}
	start, err := ParseTimestamp(raw.StartRaw, loc)
	if err != nil {
		return fieldErr("start", err.Error())
	}
	end := start.Add(n.eventDuration)
	if strings.TrimSpace(raw.EndRaw) != "" {
		end, err = ParseTimestamp(raw.EndRaw, loc)
		if err != nil {
			return fieldErr("end", err.Error())
		}
		if end.Before(start) {
			return fieldErr("end", "before start")
		}
	}
	c.StartsAt, c.EndsAt = &start, &end
	return nil
}

func checkCoords(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fieldErr("lat", "out of range: "+strconv.FormatFloat(lat, 'f', -1, 64))
	}
	if lng < -180 || lng > 180 {
		return fieldErr("lng", "out of range: "+strconv.FormatFloat(lng, 'f', -1, 64))
	}
	return nil
}

// ContentHash fingerprints the normalized content fields. Fetch time and raw
// payload are excluded so an unchanged item hashes the same on every fetch.
func ContentHash(c *model.Candidate) string {
	parts := []string{
		string(c.Kind),
		c.Name,
		c.Address,
		c.CategoryHint,
		c.Description,
		c.URL,
	}
	if c.HasGeo {
		parts = append(parts, strconv.FormatFloat(c.Lat, 'f', 6, 64), strconv.FormatFloat(c.Lng, 'f', 6, 64))
	}
	if c.StartsAt != nil {
		parts = append(parts, c.StartsAt.UTC().Format(time.RFC3339))
	}
	if c.EndsAt != nil {
		parts = append(parts, c.EndsAt.UTC().Format(time.RFC3339))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
