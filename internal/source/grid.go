package source

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/radar-cli/internal/model"
)

// DegreesPerKM is an approximate conversion factor for latitude degrees to kilometers.
const DegreesPerKM = 1.0 / 111.0

// DefaultCellKM is the search cell size when a scope does not set one.
const DefaultCellKM = 2.0

// maxCells bounds the number of search cells per scope to cap API cost.
const maxCells = 400

// Cell is one rectangular search area.
type Cell struct {
	SWLat, SWLng float64
	NELat, NELng float64
}

// GridCells covers the bounding box with square cells of about cellKM per
// side. Longitude steps are widened by the latitude of the box centre so
// cells stay roughly square. Edge cells are clipped to the box.
func GridCells(b model.BoundingBox, cellKM float64) ([]Cell, error) {
	if !b.Valid() {
		return nil, eris.Errorf("grid: invalid bounds %+v", b)
	}
	if cellKM <= 0 {
		cellKM = DefaultCellKM
	}

	latStep := cellKM * DegreesPerKM
	midLat := (b.SWLat + b.NELat) / 2
	lngStep := latStep / math.Max(math.Cos(midLat*math.Pi/180), 0.01)

	rows := int(math.Ceil((b.NELat - b.SWLat) / latStep))
	cols := int(math.Ceil((b.NELng - b.SWLng) / lngStep))
	if rows*cols > maxCells {
		return nil, eris.Errorf("grid: %d cells of %.1f km exceed the limit of %d; use a larger cell_km", rows*cols, cellKM, maxCells)
	}

	cells := make([]Cell, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			cells = append(cells, Cell{
				SWLat: b.SWLat + float64(i)*latStep,
				SWLng: b.SWLng + float64(j)*lngStep,
				NELat: math.Min(b.SWLat+float64(i+1)*latStep, b.NELat),
				NELng: math.Min(b.SWLng+float64(j+1)*lngStep, b.NELng),
			})
		}
	}
	return cells, nil
}
