package crawler

import (
	"errors"
	"math"
	"strings"
)

const (
	// MaxPriceAmount is the exclusive upper bound of the listings.price_amount
	// column, NUMERIC(14,2).
	MaxPriceAmount = 1e12
	// MaxMileage bounds odometer readings in kilometres.
	MaxMileage int64 = 10_000_000
)

var (
	// ErrMissingURL is returned for a listing without a source URL.
	ErrMissingURL = errors.New("listing url is required")
	// ErrPriceRange is returned for a negative, non-finite or oversized price.
	ErrPriceRange = errors.New("price out of range")
	// ErrMileageRange is returned for a negative or oversized mileage.
	ErrMileageRange = errors.New("mileage out of range")
)

// ValidateListing checks the invariants every Store enforces before a write.
func ValidateListing(l Listing) error {
	switch {
	case strings.TrimSpace(l.URL) == "":
		return ErrMissingURL
	case l.Price != nil && !ValidPriceAmount(l.Price.Amount):
		return ErrPriceRange
	case l.Mileage != nil && !ValidMileage(*l.Mileage):
		return ErrMileageRange
	}
	return nil
}

// ValidPriceAmount reports whether amount fits the stored price column.
func ValidPriceAmount(amount float64) bool {
	return !math.IsNaN(amount) && amount >= 0 && amount < MaxPriceAmount
}

// ValidMileage reports whether km is a plausible odometer reading.
func ValidMileage(km int64) bool {
	return km >= 0 && km <= MaxMileage
}
