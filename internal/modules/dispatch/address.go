// README: Address book for restaurants and dropoff points; static campus table first, Google Maps second.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"pangea/internal/maps"
)

type Address = maps.Address

// Resolver looks up addresses the static table does not know.
type Resolver interface {
	FindRestaurant(ctx context.Context, name, near string) (maps.Address, error)
	Geocode(ctx context.Context, query string) (maps.Address, error)
}

type AddressBook struct {
	mu          sync.RWMutex
	restaurants map[string]Address
	dropoffs    map[string]Address
	resolver    Resolver
}

// NewAddressBook starts from the built-in campus table; resolver may be nil.
func NewAddressBook(resolver Resolver) *AddressBook {
	b := &AddressBook{
		restaurants: make(map[string]Address),
		dropoffs:    make(map[string]Address),
		resolver:    resolver,
	}
	for _, a := range defaultRestaurants {
		b.restaurants[addressKey(a.Name)] = a
	}
	for _, a := range defaultDropoffs {
		b.dropoffs[addressKey(a.Name)] = a
	}
	return b
}

// Restaurant resolves the pickup address of name, preferring a branch near the dropoff.
func (b *AddressBook) Restaurant(ctx context.Context, name string, near Address) (Address, error) {
	key := addressKey(name)
	b.mu.RLock()
	a, ok := b.restaurants[key]
	b.mu.RUnlock()
	if ok {
		return a, nil
	}
	if b.resolver == nil {
		return Address{}, fmt.Errorf("%w: restaurant %q", ErrUnknownAddress, name)
	}
	a, err := b.resolver.FindRestaurant(ctx, name, near.Formatted)
	if err != nil {
		return Address{}, fmt.Errorf("%w: restaurant %q: %v", ErrUnknownAddress, name, err)
	}
	a.Name = name
	b.mu.Lock()
	b.restaurants[key] = a
	b.mu.Unlock()
	return a, nil
}

// Dropoff resolves a campus location or free-form address.
func (b *AddressBook) Dropoff(ctx context.Context, location string) (Address, error) {
	key := addressKey(location)
	b.mu.RLock()
	a, ok := b.dropoffs[key]
	b.mu.RUnlock()
	if ok {
		return a, nil
	}
	if b.resolver == nil {
		return Address{}, fmt.Errorf("%w: location %q", ErrUnknownAddress, location)
	}
	a, err := b.resolver.Geocode(ctx, location)
	if err != nil {
		return Address{}, fmt.Errorf("%w: location %q: %v", ErrUnknownAddress, location, err)
	}
	a.Name = location
	b.mu.Lock()
	b.dropoffs[key] = a
	b.mu.Unlock()
	return a, nil
}

func addressKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func chicago(name, street, zip string, lat, lng float64) Address {
	return Address{
		Name:      name,
		Street:    street,
		City:      "Chicago",
		State:     "IL",
		Zip:       zip,
		Country:   "US",
		Formatted: fmt.Sprintf("%s, Chicago, IL %s", street, zip),
		Lat:       lat,
		Lng:       lng,
	}
}

var defaultRestaurants = []Address{
	chicago("Chipotle", "1132 S Clinton St", "60607", 41.8676, -87.6410),
	chicago("McDonald's", "2315 W Ogden Ave", "60608", 41.8627, -87.6846),
	chicago("Chick-fil-A", "1106 S Clinton St", "60607", 41.8680, -87.6410),
	chicago("Portillo's", "520 W Taylor St", "60607", 41.8695, -87.6405),
	chicago("Starbucks", "1430 W Taylor St", "60607", 41.8694, -87.6628),
}

var defaultDropoffs = []Address{
	chicago("Richard J Daley Library", "801 S Morgan St", "60607", 41.8718, -87.6500),
	chicago("Student Center East", "750 S Halsted St", "60607", 41.8719, -87.6475),
	chicago("Student Center West", "828 S Wolcott Ave", "60612", 41.8716, -87.6737),
	chicago("Student Services Building", "1200 W Harrison St", "60607", 41.8745, -87.6571),
	chicago("University Hall", "601 S Morgan St", "60607", 41.8738, -87.6508),
}
