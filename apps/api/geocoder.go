package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GeocodeResult is the address found for a coordinate pair.
type GeocodeResult struct {
	Address    string
	City       string
	PostalCode string
}

// Label renders the result as the free-text complaint location.
func (r GeocodeResult) Label() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{r.Address, strings.TrimSpace(r.PostalCode + " " + r.City)} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ", ")
}

// Geocoder reverse-geocodes complaint coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error)
}

func formatCoordinate(value float64) string {
	return strconv.FormatFloat(value, 'f', 6, 64)
}

// MapboxGeocoder uses the Mapbox v6 reverse endpoint.
type MapboxGeocoder struct {
	AccessToken string
	BaseURL     string
	Client      *http.Client
}

func (g *MapboxGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if g.AccessToken == "" {
		return nil, errors.New("mapbox access token missing")
	}
	base := g.BaseURL
	if base == "" {
		base = "https://api.mapbox.com"
	}
	query := url.Values{}
	query.Set("longitude", formatCoordinate(lng))
	query.Set("latitude", formatCoordinate(lat))
	query.Set("access_token", g.AccessToken)
	query.Set("types", "address")
	query.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/search/geocode/v6/reverse?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("mapbox error (%d): %s", resp.StatusCode, string(body))
	}

	var data struct {
		Features []struct {
			Properties struct {
				FullAddress string `json:"full_address"`
				Context     struct {
					Place struct {
						Name string `json:"name"`
					} `json:"place"`
					Postcode struct {
						Name string `json:"name"`
					} `json:"postcode"`
				} `json:"context"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	if len(data.Features) == 0 {
		return nil, nil
	}

	props := data.Features[0].Properties
	return &GeocodeResult{
		Address:    props.FullAddress,
		City:       props.Context.Place.Name,
		PostalCode: props.Context.Postcode.Name,
	}, nil
}

// NominatimGeocoder uses OSM Nominatim. The public instance allows one request
// per second and requires a User-Agent.
type NominatimGeocoder struct {
	UserAgent string
	BaseURL   string
	Client    *http.Client

	mu       sync.Mutex
	lastCall time.Time
}

func (g *NominatimGeocoder) throttle(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := time.Second - time.Since(g.lastCall); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	g.lastCall = time.Now()
	return nil
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if err := g.throttle(ctx); err != nil {
		return nil, err
	}
	base := g.BaseURL
	if base == "" {
		base = "https://nominatim.openstreetmap.org"
	}
	query := url.Values{}
	query.Set("format", "jsonv2")
	query.Set("lat", formatCoordinate(lat))
	query.Set("lon", formatCoordinate(lng))
	query.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/reverse?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", g.UserAgent)

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim error: %d", resp.StatusCode)
	}

	var data struct {
		Address struct {
			Road        string `json:"road"`
			HouseNumber string `json:"house_number"`
			Suburb      string `json:"suburb"`
			City        string `json:"city"`
			Town        string `json:"town"`
			Village     string `json:"village"`
			Postcode    string `json:"postcode"`
		} `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	city := data.Address.City
	if city == "" {
		city = data.Address.Town
	}
	if city == "" {
		city = data.Address.Village
	}
	addr := data.Address.Road
	if addr != "" && data.Address.HouseNumber != "" {
		addr = addr + " " + data.Address.HouseNumber
	}
	if addr == "" {
		addr = data.Address.Suburb
	}
	if addr == "" && city == "" {
		return nil, nil
	}

	return &GeocodeResult{
		Address:    addr,
		City:       city,
		PostalCode: data.Address.Postcode,
	}, nil
}

// FallbackGeocoder asks Secondary when Primary fails or finds nothing.
type FallbackGeocoder struct {
	Primary   Geocoder
	Secondary Geocoder
}

func (g *FallbackGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	res, err := g.Primary.Geocode(ctx, lat, lng)
	if err == nil && res != nil {
		return res, nil
	}
	fallback, fallbackErr := g.Secondary.Geocode(ctx, lat, lng)
	if fallbackErr != nil && err != nil {
		return nil, errors.Join(err, fallbackErr)
	}
	return fallback, fallbackErr
}
