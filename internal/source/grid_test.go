package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/radar-cli/internal/model"
)

func TestGridCells_CoversBounds(t *testing.T) {
	b := model.BoundingBox{SWLat: 52.30, SWLng: 4.80, NELat: 52.42, NELng: 5.00}
	cells, err := GridCells(b, 5)
	require.NoError(t, err)
	require.NotEmpty(t, cells)

	first, last := cells[0], cells[len(cells)-1]
	assert.Equal(t, b.SWLat, first.SWLat)
	assert.Equal(t, b.SWLng, first.SWLng)
	assert.Equal(t, b.NELat, last.NELat)
	assert.Equal(t, b.NELng, last.NELng)

	for _, c := range cells {
		assert.Less(t, c.SWLat, c.NELat)
		assert.Less(t, c.SWLng, c.NELng)
		assert.LessOrEqual(t, c.NELat, b.NELat)
		assert.LessOrEqual(t, c.NELng, b.NELng)
	}
}

func TestGridCells_LongitudeStepWidensWithLatitude(t *testing.T) {
	b := model.BoundingBox{SWLat: 60, SWLng: 10, NELat: 60.09, NELng: 10.5}
	cells, err := GridCells(b, 10)
	require.NoError(t, err)
	// 10 km is ~0.09° of latitude and ~0.18° of longitude at 60°N.
	assert.Len(t, cells, 3)
}

func TestGridCells_Errors(t *testing.T) {
	_, err := GridCells(model.BoundingBox{SWLat: 1, SWLng: 1, NELat: 0, NELng: 2}, 1)
	assert.Error(t, err)

	_, err = GridCells(model.BoundingBox{SWLat: 50, SWLng: 0, NELat: 54, NELng: 8}, 1)
	assert.ErrorContains(t, err, "exceed the limit")
}

func TestGridCells_DefaultCellSize(t *testing.T) {
	b := model.BoundingBox{SWLat: 0, SWLng: 0, NELat: 0.01, NELng: 0.01}
	cells, err := GridCells(b, 0)
	require.NoError(t, err)
	assert.Len(t, cells, 1)
}
