package main

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// orb points are [lon, lat].
func pointOf(lat, lng float64) orb.Point {
	return orb.Point{lng, lat}
}

func validCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	return geo.DistanceHaversine(pointOf(lat1, lng1), pointOf(lat2, lng2))
}

// radiusBounds returns the lat/lng box that contains every point within
// radiusMeters of the center. It is a prefilter only; callers still compare
// the exact haversine distance.
//
// Near the antimeridian the box wraps and minLng > maxLng. A box touching a
// pole covers every longitude.
func radiusBounds(lat, lng, radiusMeters float64) (minLat, maxLat, minLng, maxLng float64) {
	bound := geo.NewBoundAroundPoint(pointOf(lat, lng), radiusMeters)
	minLat = math.Max(bound.Min.Lat(), -90)
	maxLat = math.Min(bound.Max.Lat(), 90)
	minLng, maxLng = bound.Min.Lon(), bound.Max.Lon()
	if minLat <= -90 || maxLat >= 90 || maxLng-minLng >= 360 || math.IsNaN(minLng) || math.IsNaN(maxLng) {
		return minLat, maxLat, -180, 180
	}
	if minLng < -180 {
		minLng += 360
	}
	if maxLng > 180 {
		maxLng -= 360
	}
	return minLat, maxLat, minLng, maxLng
}

func lngInBounds(lng, minLng, maxLng float64) bool {
	if minLng > maxLng {
		return lng >= minLng || lng <= maxLng
	}
	return lng >= minLng && lng <= maxLng
}

// longitudeFilter is the SQL form of lngInBounds over placeholders $3 and $4.
func longitudeFilter(minLng, maxLng float64) string {
	if minLng > maxLng {
		return "(longitude >= $3 OR longitude <= $4)"
	}
	return "longitude BETWEEN $3 AND $4"
}

// parseZoneBoundary accepts a GeoJSON Polygon or MultiPolygon geometry.
func parseZoneBoundary(raw json.RawMessage) (orb.Geometry, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	geometry, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("boundaries must be a GeoJSON geometry: %w", err)
	}
	switch g := geometry.Geometry().(type) {
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) < 4 {
			return nil, fmt.Errorf("boundaries polygon needs a closed ring of at least 4 points")
		}
		return g, nil
	case orb.MultiPolygon:
		if len(g) == 0 {
			return nil, fmt.Errorf("boundaries multipolygon is empty")
		}
		return g, nil
	default:
		return nil, fmt.Errorf("boundaries must be a Polygon or MultiPolygon, got %s", geometry.Type)
	}
}

func boundaryContains(boundary orb.Geometry, lat, lng float64) bool {
	point := pointOf(lat, lng)
	switch g := boundary.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, point)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, point)
	}
	return false
}
