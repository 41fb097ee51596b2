package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGeocoder struct {
	result *GeocodeResult
	err    error
	calls  int
}

func (s *stubGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	s.calls++
	return s.result, s.err
}

func TestMapboxGeocoder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/geocode/v6/reverse", r.URL.Path)
		assert.Equal(t, "78.486700", r.URL.Query().Get("longitude"))
		assert.Equal(t, "17.385000", r.URL.Query().Get("latitude"))
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		_, _ = w.Write([]byte(`{"features":[{"properties":{"full_address":"Road 12, Banjara Hills","context":{"place":{"name":"Hyderabad"},"postcode":{"name":"500034"}}}}]}`))
	}))
	defer server.Close()

	g := &MapboxGeocoder{AccessToken: "tok", BaseURL: server.URL, Client: server.Client()}
	res, err := g.Geocode(context.Background(), hyderabadLat, hyderabadLng)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "Road 12, Banjara Hills, 500034 Hyderabad", res.Label())
}

func TestMapboxGeocoderErrors(t *testing.T) {
	_, err := (&MapboxGeocoder{Client: http.DefaultClient}).Geocode(context.Background(), 1, 1)
	assert.Error(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()
	g := &MapboxGeocoder{AccessToken: "tok", BaseURL: server.URL, Client: server.Client()}
	_, err = g.Geocode(context.Background(), 1, 1)
	assert.ErrorContains(t, err, "403")
}

func TestNominatimGeocoder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		assert.Equal(t, "WasteWatch-Test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"address":{"road":"Road No. 12","house_number":"8","town":"Secunderabad","postcode":"500003"}}`))
	}))
	defer server.Close()

	g := &NominatimGeocoder{UserAgent: "WasteWatch-Test", BaseURL: server.URL, Client: server.Client()}
	res, err := g.Geocode(context.Background(), hyderabadLat, hyderabadLng)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "Road No. 12 8", res.Address)
	assert.Equal(t, "Secunderabad", res.City)
}

func TestNominatimGeocoderEmptyAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"address":{}}`))
	}))
	defer server.Close()

	g := &NominatimGeocoder{UserAgent: "WasteWatch-Test", BaseURL: server.URL, Client: server.Client()}
	res, err := g.Geocode(context.Background(), 0, 0)
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestFallbackGeocoder(t *testing.T) {
	found := &GeocodeResult{Address: "Road 1", City: "Hyderabad"}

	primary := &stubGeocoder{err: errors.New("quota")}
	secondary := &stubGeocoder{result: found}
	res, err := (&FallbackGeocoder{Primary: primary, Secondary: secondary}).Geocode(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, found, res)

	primary = &stubGeocoder{result: found}
	secondary = &stubGeocoder{}
	_, err = (&FallbackGeocoder{Primary: primary, Secondary: secondary}).Geocode(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Zero(t, secondary.calls)

	primary = &stubGeocoder{err: errors.New("quota")}
	secondary = &stubGeocoder{err: errors.New("down")}
	_, err = (&FallbackGeocoder{Primary: primary, Secondary: secondary}).Geocode(context.Background(), 1, 1)
	assert.ErrorContains(t, err, "quota")
	assert.ErrorContains(t, err, "down")
}
