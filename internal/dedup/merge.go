package dedup

import (
	"time"

	"github.com/sells-group/radar-cli/internal/model"
)

// mergeFuzzy folds a fuzzily matched candidate into r without overwriting
// anything: empty fields are filled, event windows only widen and manual
// fields are left alone. It returns the names of the fields it changed.
func mergeFuzzy(r *model.Record, c *model.Candidate, deg float64) []string {
	var changed []string
	fill := func(field string, dst *string, src string) {
		if *dst == "" && src != "" && !r.IsManual(field) {
			*dst = src
			changed = append(changed, field)
		}
	}
	fill(model.FieldAddress, &r.Address, c.Address)
	fill("locality", &r.Locality, c.Locality)
	fill("category_hint", &r.CategoryHint, c.CategoryHint)
	fill("description", &r.Description, c.Description)
	fill("url", &r.URL, c.URL)

	if !r.HasGeo && c.HasGeo && !r.IsManual(model.FieldLocation) {
		r.Lat, r.Lng, r.HasGeo = c.Lat, c.Lng, true
		changed = append(changed, model.FieldLocation)
	}
	if r.Kind == model.KindEvent && !r.IsManual(model.FieldWindow) && widenWindow(r, c.StartsAt, c.EndsAt) {
		changed = append(changed, model.FieldWindow)
	}

	touch(r, c.FetchedAt)
	r.Bucket = recordBucket(r, deg)
	return changed
}

// refreshStrict applies a changed provider record to the record it owns.
// The provider is authoritative for its own content, except for fields a
// human curated.
func refreshStrict(r *model.Record, c *model.Candidate, deg float64) []string {
	var changed []string
	set := func(field string, dst *string, src string) {
		if src != "" && *dst != src && !r.IsManual(field) {
			*dst = src
			changed = append(changed, field)
		}
	}
	set(model.FieldName, &r.Name, c.Name)
	if !r.IsManual(model.FieldName) && c.NameKey != "" {
		r.NameKey = c.NameKey
	}
	set(model.FieldAddress, &r.Address, c.Address)
	set("category_hint", &r.CategoryHint, c.CategoryHint)
	set("description", &r.Description, c.Description)
	set("url", &r.URL, c.URL)
	if r.Locality == "" {
		r.Locality = c.Locality
	}

	if c.HasGeo && !r.IsManual(model.FieldLocation) && (!r.HasGeo || r.Lat != c.Lat || r.Lng != c.Lng) {
		r.Lat, r.Lng, r.HasGeo = c.Lat, c.Lng, true
		changed = append(changed, model.FieldLocation)
	}
	if r.Kind == model.KindEvent && c.StartsAt != nil && !r.IsManual(model.FieldWindow) &&
		(!timeEq(r.StartsAt, c.StartsAt) || !timeEq(r.EndsAt, c.EndsAt)) {
		r.StartsAt, r.EndsAt = c.StartsAt, c.EndsAt
		changed = append(changed, model.FieldWindow)
	}

	r.ContentHash = c.ContentHash
	touch(r, c.FetchedAt)
	r.Bucket = recordBucket(r, deg)
	return changed
}

func widenWindow(r *model.Record, start, end *time.Time) bool {
	if start == nil {
		return false
	}
	if end == nil {
		end = start
	}
	if r.StartsAt == nil {
		s, e := *start, *end
		r.StartsAt, r.EndsAt = &s, &e
		return true
	}
	changed := false
	if start.Before(*r.StartsAt) {
		s := *start
		r.StartsAt = &s
		changed = true
	}
	if r.EndsAt == nil || end.After(*r.EndsAt) {
		e := *end
		r.EndsAt = &e
		changed = true
	}
	return changed
}

func touch(r *model.Record, seen time.Time) {
	if seen.After(r.LastSeenAt) {
		r.LastSeenAt = seen.UTC()
	}
}

func timeEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func newRecord(c *model.Candidate, id string, deg float64) *model.Record {
	r := &model.Record{
		ID:           id,
		Kind:         c.Kind,
		Name:         c.Name,
		NameKey:      c.NameKey,
		Address:      c.Address,
		Locality:     c.Locality,
		Lat:          c.Lat,
		Lng:          c.Lng,
		HasGeo:       c.HasGeo,
		CategoryHint: c.CategoryHint,
		StartsAt:     c.StartsAt,
		EndsAt:       c.EndsAt,
		Description:  c.Description,
		URL:          c.URL,
		Source:       c.Source,
		ContentHash:  c.ContentHash,
		State:        model.InitialState(c.Kind),
		FirstSeenAt:  c.FetchedAt.UTC(),
		LastSeenAt:   c.FetchedAt.UTC(),
	}
	if c.ExternalID != "" {
		ext := c.ExternalID
		r.ExternalID = &ext
	}
	r.Bucket = recordBucket(r, deg)
	return r
}
