package main

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/paulmach/orb/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hyderabadLat = 17.3850
	hyderabadLng = 78.4867
)

// offsetPoint returns the lat/lng reached by walking meters along bearing.
func offsetPoint(lat, lng, bearing, meters float64) (float64, float64) {
	p := geo.PointAtBearingAndDistance(pointOf(lat, lng), bearing, meters)
	return p.Lat(), p.Lon()
}

func TestHaversineMetersMatchesOffset(t *testing.T) {
	lat, lng := offsetPoint(hyderabadLat, hyderabadLng, 45, 30)
	assert.InDelta(t, 30, haversineMeters(hyderabadLat, hyderabadLng, lat, lng), 0.5)
	assert.Zero(t, haversineMeters(hyderabadLat, hyderabadLng, hyderabadLat, hyderabadLng))
}

func TestRadiusBoundsContainCircle(t *testing.T) {
	minLat, maxLat, minLng, maxLng := radiusBounds(hyderabadLat, hyderabadLng, 50)
	for _, bearing := range []float64{0, 90, 180, 270, 45, 135} {
		lat, lng := offsetPoint(hyderabadLat, hyderabadLng, bearing, 49.9)
		assert.True(t, lat >= minLat && lat <= maxLat, "lat at bearing %v", bearing)
		assert.True(t, lng >= minLng && lng <= maxLng, "lng at bearing %v", bearing)
	}
	assert.Equal(t, "longitude BETWEEN $3 AND $4", longitudeFilter(minLng, maxLng))
}

func TestRadiusBoundsWrapAtAntimeridian(t *testing.T) {
	for _, centerLng := range []float64{179.9999, -179.9999} {
		minLat, maxLat, minLng, maxLng := radiusBounds(0, centerLng, 50)
		assert.Greater(t, minLng, maxLng, "center %v", centerLng)
		assert.True(t, minLng >= -180 && minLng <= 180)
		assert.True(t, maxLng >= -180 && maxLng <= 180)
		assert.Equal(t, "(longitude >= $3 OR longitude <= $4)", longitudeFilter(minLng, maxLng))

		for _, bearing := range []float64{0, 90, 180, 270, 45, 225} {
			lat, lng := offsetPoint(0, centerLng, bearing, 49.9)
			assert.True(t, lat >= minLat && lat <= maxLat, "lat at bearing %v", bearing)
			assert.True(t, lngInBounds(lng, minLng, maxLng), "lng %v at bearing %v", lng, bearing)
		}
	}
}

func TestRadiusBoundsAtPoleCoverAllLongitudes(t *testing.T) {
	minLat, maxLat, minLng, maxLng := radiusBounds(89.9999, 10, 50)
	assert.LessOrEqual(t, maxLat, 90.0)
	assert.Less(t, minLat, 89.9999)
	assert.Equal(t, -180.0, minLng)
	assert.Equal(t, 180.0, maxLng)
}

func TestLngInBounds(t *testing.T) {
	assert.True(t, lngInBounds(10, 5, 15))
	assert.False(t, lngInBounds(20, 5, 15))
	assert.True(t, lngInBounds(179.99, 179.9, -179.9))
	assert.True(t, lngInBounds(-179.99, 179.9, -179.9))
	assert.False(t, lngInBounds(0, 179.9, -179.9))
}

func TestValidCoordinates(t *testing.T) {
	assert.True(t, validCoordinates(hyderabadLat, hyderabadLng))
	assert.True(t, validCoordinates(-90, 180))
	assert.False(t, validCoordinates(90.1, 0))
	assert.False(t, validCoordinates(0, -180.5))
	assert.False(t, validCoordinates(math.NaN(), 0))
}

const squareZone = `{"type":"Polygon","coordinates":[[[78.48,17.38],[78.49,17.38],[78.49,17.39],[78.48,17.39],[78.48,17.38]]]}`

func TestParseZoneBoundary(t *testing.T) {
	boundary, err := parseZoneBoundary(json.RawMessage(squareZone))
	require.NoError(t, err)
	assert.True(t, boundaryContains(boundary, hyderabadLat, hyderabadLng))
	assert.False(t, boundaryContains(boundary, 17.40, hyderabadLng))

	empty, err := parseZoneBoundary(nil)
	assert.NoError(t, err)
	assert.Nil(t, empty)

	_, err = parseZoneBoundary(json.RawMessage(`{"type":"Point","coordinates":[78.48,17.38]}`))
	assert.Error(t, err)
	_, err = parseZoneBoundary(json.RawMessage(`{"type":"Polygon","coordinates":[[[78.48,17.38],[78.49,17.38]]]}`))
	assert.Error(t, err)
	_, err = parseZoneBoundary(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestParseZoneBoundaryMultiPolygon(t *testing.T) {
	raw := `{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,1],[0,0]]],[[[78.48,17.38],[78.49,17.38],[78.49,17.39],[78.48,17.39],[78.48,17.38]]]]}`
	boundary, err := parseZoneBoundary(json.RawMessage(raw))
	require.NoError(t, err)
	assert.True(t, boundaryContains(boundary, hyderabadLat, hyderabadLng))
	assert.True(t, boundaryContains(boundary, 0.5, 0.5))
	assert.False(t, boundaryContains(boundary, 5, 5))
}
