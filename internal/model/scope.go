package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// BoundingBox is a lat/lng rectangle.
type BoundingBox struct {
	SWLat float64 `json:"sw_lat" yaml:"sw_lat"`
	SWLng float64 `json:"sw_lng" yaml:"sw_lng"`
	NELat float64 `json:"ne_lat" yaml:"ne_lat"`
	NELng float64 `json:"ne_lng" yaml:"ne_lng"`
}

// Valid reports whether the box has a positive area inside WGS84 bounds.
func (b BoundingBox) Valid() bool {
	return b.SWLat >= -90 && b.NELat <= 90 &&
		b.SWLng >= -180 && b.NELng <= 180 &&
		b.SWLat < b.NELat && b.SWLng < b.NELng
}

// Scope parameterizes a single run: which source to pull from and for what
// city/category. It is a value object; two scopes with the same key are the
// same unit of work.
type Scope struct {
	Source   string       `json:"source" yaml:"source"`
	Kind     Kind         `json:"kind" yaml:"kind"`
	City     string       `json:"city,omitempty" yaml:"city"`
	Category string       `json:"category,omitempty" yaml:"category"`
	Query    string       `json:"query,omitempty" yaml:"query"`
	Timezone string       `json:"timezone,omitempty" yaml:"timezone"`
	Bounds   *BoundingBox `json:"bounds,omitempty" yaml:"bounds"`
	CellKM   float64      `json:"cell_km,omitempty" yaml:"cell_km"`
	URLs     []string     `json:"urls,omitempty" yaml:"urls"`
	Classify bool         `json:"classify,omitempty" yaml:"classify"`
}

// Key returns a stable identifier for the scope, used for locking and logs.
func (s Scope) Key() string {
	parts := []string{s.Source, string(s.Kind), s.City, s.Category}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ":")
}

// Location resolves the scope's IANA zone, falling back to UTC when unset.
func (s Scope) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "scope %s: timezone %q", s.Key(), s.Timezone)
	}
	return loc, nil
}
