package dedup

import (
	"fmt"
	"math"
	"time"

	"github.com/sells-group/radar-cli/internal/model"
)

// DefaultCellDegrees is the side of the coordinate cell used to bucket
// locations. 0.01° is roughly 1.1 km north-south.
const DefaultCellDegrees = 0.01

const dayLayout = "2006-01-02"

// CellKey returns the bucket key of the cell containing (lat, lng).
func CellKey(lat, lng, deg float64) string {
	x, y := cellIndex(lat, lng, deg)
	return fmt.Sprintf("%d:%d", x, y)
}

// NeighbourKeys returns the 3×3 block of cell keys centred on (lat, lng).
// Two points closer than one cell side always share a block.
func NeighbourKeys(lat, lng, deg float64) []string {
	x, y := cellIndex(lat, lng, deg)
	keys := make([]string, 0, 9)
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			keys = append(keys, fmt.Sprintf("%d:%d", x+dx, y+dy))
		}
	}
	return keys
}

func cellIndex(lat, lng, deg float64) (int64, int64) {
	if deg <= 0 {
		deg = DefaultCellDegrees
	}
	// The epsilon keeps values like 52.36/0.01 from landing in the cell below.
	return int64(math.Floor(lat/deg + 1e-9)), int64(math.Floor(lng/deg + 1e-9))
}

// EventBucket keys an event by its UTC start day and locality token.
func EventBucket(start time.Time, locality string) string {
	return start.UTC().Format(dayLayout) + "|" + locality
}

// EventNeighbourKeys returns the buckets for the day before, the day of and
// the day after start, so windows that cross midnight still meet.
func EventNeighbourKeys(start time.Time, locality string) []string {
	day := start.UTC()
	return []string{
		EventBucket(day.AddDate(0, 0, -1), locality),
		EventBucket(day, locality),
		EventBucket(day.AddDate(0, 0, 1), locality),
	}
}

// addressBucketPrefix marks the buckets of locations without coordinates.
const addressBucketPrefix = "addr|"

// AddressBucket keys a location that has no coordinates by its locality
// token.
func AddressBucket(locality string) string {
	return addressBucketPrefix + locality
}

func recordBucket(r *model.Record, deg float64) string {
	switch r.Kind {
	case model.KindLocation:
		if r.HasGeo {
			return CellKey(r.Lat, r.Lng, deg)
		}
		return AddressBucket(r.Locality)
	case model.KindEvent:
		if r.StartsAt != nil {
			return EventBucket(*r.StartsAt, r.Locality)
		}
	}
	return ""
}

// neighbourBuckets returns the buckets a record or candidate can match in.
func neighbourBuckets(kind model.Kind, hasGeo bool, lat, lng float64, start *time.Time, locality string, deg float64) []string {
	switch kind {
	case model.KindLocation:
		if hasGeo {
			return NeighbourKeys(lat, lng, deg)
		}
		return []string{AddressBucket(locality)}
	case model.KindEvent:
		if start != nil {
			return EventNeighbourKeys(*start, locality)
		}
	}
	return nil
}
