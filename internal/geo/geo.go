package geo

import (
	"math"

	"github.com/example/pickup-presence/internal/models"
	"github.com/example/pickup-presence/internal/presence"
)

type Match struct {
	Record         presence.Record
	DistanceMeters float64
}

// Nearby returns up to limit records ordered by distance from origin.
// naive scan; the waiting set is small enough that an index isn't worth it
func Nearby(origin models.Coord, recs []presence.Record, limit int) []Match {
	arr := make([]Match, 0, len(recs))
	for _, r := range recs {
		dist := Haversine(origin.Lat, origin.Lng, r.Location.Lat, r.Location.Lng)
		arr = append(arr, Match{Record: r, DistanceMeters: dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceMeters < arr[minIdx].DistanceMeters {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n]
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
