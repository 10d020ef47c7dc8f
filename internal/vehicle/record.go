// Package vehicle defines the canonical vehicle record returned by plate
// lookups, the lookup error taxonomy, the upstream payload normalizer and
// the fallback builder that guarantees a complete record on any failure.
package vehicle

import (
	"maps"
	"time"
)

// NotInformed is the sentinel stored in any field the upstream did not
// provide. Record fields are never empty.
const NotInformed = "Não informado"

// Year bounds. The upper bound is relative to the query time.
const MinYear = 1900

// MaxYear returns the newest acceptable model/manufacture year at now.
func MaxYear(now time.Time) int { return now.Year() + 1 }

// Category is the fixed vehicle category enum.
type Category string

const (
	CategoryCar        Category = "car"
	CategoryMotorcycle Category = "motorcycle"
	CategoryTruck      Category = "truck"
	CategoryVan        Category = "van"
	CategoryBus        Category = "bus"
	CategoryOther      Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryCar, CategoryMotorcycle, CategoryTruck, CategoryVan, CategoryBus, CategoryOther:
		return true
	}
	return false
}

// Origin tags where a record came from, which tells callers how much to
// trust it.
type Origin string

const (
	OriginCache    Origin = "cache"
	OriginAPI      Origin = "api"
	OriginFallback Origin = "fallback"
)

// Record is the normalized result of a plate lookup.
type Record struct {
	Plate              string            `json:"plate"`
	Brand              string            `json:"brand"`
	Model              string            `json:"model"`
	// YearMade and YearModel fall in 1900..current year+1 on api and
	// cache records. Fallback records carry 0, meaning unknown.
	YearMade           int               `json:"year_made"`
	YearModel          int               `json:"year_model"`
	Category           Category          `json:"category"`
	Color              string            `json:"color"`
	Chassis            string            `json:"chassis"`
	RegistrationNumber string            `json:"registration_number"`
	Origin             Origin            `json:"data_origin"`
	QueriedAt          time.Time         `json:"queried_at"`
	ProviderMetadata   map[string]string `json:"provider_metadata"`

	// Error is set only on fallback records.
	Error *ErrorInfo `json:"error,omitempty"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.ProviderMetadata = maps.Clone(r.ProviderMetadata)
	if r.Error != nil {
		info := *r.Error
		info.MissingFields = append([]string(nil), r.Error.MissingFields...)
		if r.Error.ResetAt != nil {
			resetAt := *r.Error.ResetAt
			info.ResetAt = &resetAt
		}
		out.Error = &info
	}
	return out
}

// IsFallback reports whether r is a degraded record.
func (r Record) IsFallback() bool { return r.Origin == OriginFallback }
