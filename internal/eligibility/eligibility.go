// Package eligibility decides which providers may see and bid on a request.
// Everything here is pure: no I/O, no clocks.
package eligibility

import (
	"math"
	"strings"

	"fleetops/internal/models"
)

const earthRadiusKm = 6371.0

// IsEligible reports whether the provider described by profile may see and
// act on req.
func IsEligible(req models.Request, profile models.ProviderProfile) bool {
	if !profile.Available || req.Status.Terminal() {
		return false
	}
	if !Matches(req.Category, profile.Capabilities) {
		return false
	}
	return InCoverage(req.Location, profile)
}

// Matches reports whether any capability contains category, ignoring case and
// surrounding whitespace. An empty category never matches.
func Matches(category string, capabilities []string) bool {
	category = normalize(category)
	if len(category) == 0 {
		return false
	}
	for _, c := range capabilities {
		if strings.Contains(normalize(c), category) {
			return true
		}
	}
	return false
}

// InCoverage checks the coverage radius. Requests without a location and
// profiles without a base or radius are not restricted.
func InCoverage(loc *models.GeoPoint, profile models.ProviderProfile) bool {
	if loc == nil || profile.Base == nil || profile.CoverageKm <= 0 {
		return true
	}
	return DistanceKm(*loc, *profile.Base) <= profile.CoverageKm
}

// DistanceKm is the haversine great-circle distance between a and b.
func DistanceKm(a, b models.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
