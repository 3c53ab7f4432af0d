package maps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"
)

var ErrNoResult = errors.New("no matching place")

// Address is a street address split the way delivery providers want it.
type Address struct {
	Name      string
	Street    string
	City      string
	State     string
	Zip       string
	Country   string
	Formatted string
	Lat       float64
	Lng       float64
}

// PlacesService resolves restaurant names and campus locations to addresses.
type PlacesService struct {
	client *maps.Client
}

// NewPlacesService creates a new PlacesService with the given API Key.
func NewPlacesService(apiKey string) (*PlacesService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &PlacesService{client: client}, nil
}

// FindRestaurant returns the open branch of name closest to near.
func (s *PlacesService) FindRestaurant(ctx context.Context, name, near string) (Address, error) {
	query := name
	if near != "" {
		query = fmt.Sprintf("%s near %s", name, near)
	}
	resp, err := s.client.TextSearch(ctx, &maps.TextSearchRequest{
		Query:    query,
		Type:     maps.PlaceTypeRestaurant,
		Language: "en",
		Region:   "us",
	})
	if err != nil {
		return Address{}, fmt.Errorf("places api error: %w", err)
	}

	for _, result := range resp.Results {
		// Text search also returns nearby places that merely mention the name.
		if !containsIgnoreCase(result.Name, name) {
			continue
		}
		return s.Geocode(ctx, result.FormattedAddress)
	}
	return Address{}, fmt.Errorf("%w: %s", ErrNoResult, query)
}

// Geocode turns a free-form address or landmark into structured components.
func (s *PlacesService) Geocode(ctx context.Context, query string) (Address, error) {
	results, err := s.client.Geocode(ctx, &maps.GeocodingRequest{
		Address:  query,
		Language: "en",
		Region:   "us",
	})
	if err != nil {
		return Address{}, fmt.Errorf("geocode api error: %w", err)
	}
	if len(results) == 0 {
		return Address{}, fmt.Errorf("%w: %s", ErrNoResult, query)
	}
	return toAddress(query, results[0]), nil
}

func toAddress(name string, r maps.GeocodingResult) Address {
	a := Address{
		Name:      name,
		Formatted: r.FormattedAddress,
		Lat:       r.Geometry.Location.Lat,
		Lng:       r.Geometry.Location.Lng,
	}
	var number, route string
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			switch t {
			case "street_number":
				number = c.LongName
			case "route":
				route = c.ShortName
			case "locality":
				a.City = c.LongName
			case "administrative_area_level_1":
				a.State = c.ShortName
			case "postal_code":
				a.Zip = c.LongName
			case "country":
				a.Country = c.ShortName
			}
		}
	}
	a.Street = strings.TrimSpace(number + " " + route)
	return a
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
