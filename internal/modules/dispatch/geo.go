package dispatch

import (
	"math"
	"time"
)

const (
	earthRadiusKm = 6371.0
	// courierKmh is an average urban courier speed.
	courierKmh = 15.0
	// pickupOverhead covers parking and handoff at the restaurant.
	pickupOverhead = 8 * time.Minute
	defaultTravel  = 25 * time.Minute
)

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// straightLineTravel estimates pickup-to-dropoff time from coordinates alone.
// ok is false when either address has none.
func straightLineTravel(from, to Address) (time.Duration, bool) {
	if (from.Lat == 0 && from.Lng == 0) || (to.Lat == 0 && to.Lng == 0) {
		return 0, false
	}
	km := haversineKm(from.Lat, from.Lng, to.Lat, to.Lng)
	ride := time.Duration(km / courierKmh * float64(time.Hour))
	return (pickupOverhead + ride).Round(time.Minute), true
}
