package dedup

import (
	"math"
	"slices"
	"strings"

	"github.com/agext/levenshtein"
)

const earthRadiusM = 6371008.8

// Similarity scores two folded name keys in [0,1]. Token order is ignored,
// so "ali bakkal" and "bakkal ali" score 1.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		if a == b {
			return 1
		}
		return 0
	}
	if a == b {
		return 1
	}
	direct := levenshtein.Similarity(a, b, nil)
	sorted := levenshtein.Similarity(sortTokens(a), sortTokens(b), nil)
	return math.Max(direct, sorted)
}

func sortTokens(s string) string {
	fields := strings.Fields(s)
	slices.Sort(fields)
	return strings.Join(fields, " ")
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dφ := (lat2 - lat1) * math.Pi / 180
	dλ := (lng2 - lng1) * math.Pi / 180

	h := math.Sin(dφ/2)*math.Sin(dφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}
