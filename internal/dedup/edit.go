package dedup

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/normalize"
)

// Edit is a human correction. Every field it sets is added to the record's
// manual fields and is from then on immune to automated merges.
type Edit struct {
	Name     *string    `json:"name,omitempty"`
	Address  *string    `json:"address,omitempty"`
	Lat      *float64   `json:"lat,omitempty"`
	Lng      *float64   `json:"lng,omitempty"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

// ErrEmptyEdit is returned for an edit that sets nothing.
var ErrEmptyEdit = eris.New("dedup: edit sets no fields")

// ApplyEdit writes a manual edit to record id and logs it.
func (e *Engine) ApplyEdit(ctx context.Context, id string, ed Edit) (*model.Record, error) {
	r, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: load record for edit")
	}

	var fields []string
	if ed.Name != nil {
		name := normalize.CleanText(*ed.Name)
		if name == "" {
			return nil, eris.New("dedup: edit name is empty")
		}
		r.Name, r.NameKey = name, normalize.FoldName(name)
		fields = append(fields, model.FieldName)
	}
	if ed.Address != nil {
		r.Address = normalize.CleanText(*ed.Address)
		fields = append(fields, model.FieldAddress)
	}
	if (ed.Lat == nil) != (ed.Lng == nil) {
		return nil, eris.New("dedup: edit must set lat and lng together")
	}
	if ed.Lat != nil {
		if *ed.Lat < -90 || *ed.Lat > 90 || *ed.Lng < -180 || *ed.Lng > 180 {
			return nil, eris.Errorf("dedup: edit coordinates out of range: %v,%v", *ed.Lat, *ed.Lng)
		}
		r.Lat, r.Lng, r.HasGeo = *ed.Lat, *ed.Lng, true
		fields = append(fields, model.FieldLocation)
	}
	if ed.StartsAt != nil || ed.EndsAt != nil {
		if r.Kind != model.KindEvent {
			return nil, eris.New("dedup: only events have a time window")
		}
		start, end := r.StartsAt, r.EndsAt
		if ed.StartsAt != nil {
			s := ed.StartsAt.UTC()
			start = &s
		}
		if ed.EndsAt != nil {
			t := ed.EndsAt.UTC()
			end = &t
		}
		if start == nil || (end != nil && end.Before(*start)) {
			return nil, eris.New("dedup: edit window is invalid")
		}
		r.StartsAt, r.EndsAt = start, end
		fields = append(fields, model.FieldWindow)
	}
	if len(fields) == 0 {
		return nil, ErrEmptyEdit
	}

	for _, f := range fields {
		if !slices.Contains(r.ManualFields, f) {
			r.ManualFields = append(r.ManualFields, f)
		}
	}
	r.Bucket = recordBucket(r, e.cfg.CellDegrees)
	if err := e.store.UpdateRecord(ctx, r); err != nil {
		return nil, eris.Wrap(err, "dedup: apply edit")
	}

	d := model.Decision{
		SubjectID:       id,
		ActionType:      model.ActionEdit,
		InputSnapshot:   model.Snapshot(ed),
		ValidatedOutput: model.Snapshot(map[string]string{"fields": strings.Join(fields, ",")}),
		IsSuccess:       true,
	}
	if err := e.store.AppendDecisions(ctx, d); err != nil {
		return r, eris.Wrap(err, "dedup: log edit")
	}
	return r, nil
}
