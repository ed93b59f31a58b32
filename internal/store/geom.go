package store

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// encodePoint returns the EWKB for a WGS84 point, or nil without geo.
func encodePoint(hasGeo bool, lat, lng float64) ([]byte, error) {
	if !hasGeo {
		return nil, nil
	}
	p := geom.NewPointFlat(geom.XY, []float64{lng, lat}).SetSRID(4326)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode point")
	}
	return data, nil
}
