package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	UnitsPlaces = 4
	ValuePlaces = 2
)

// IdentityRecord is a persisted investor keyed by identifier.
type IdentityRecord struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// MergeFrom overlays the non-empty fields of other onto r.
func (r *IdentityRecord) MergeFrom(other IdentityRecord) {
	if other.Name != "" {
		r.Name = other.Name
	}
	if other.Email != "" {
		r.Email = other.Email
	}
	if other.Phone != "" {
		r.Phone = other.Phone
	}
}

// PositionKey uniquely identifies a holding.
type PositionKey struct {
	Identifier string `json:"identifier"`
	SchemeName string `json:"scheme_name"`
}

// Position is a persisted per-investor-per-scheme balance and its valuation.
type Position struct {
	PositionKey
	SchemeCode   string          `json:"scheme_code,omitempty"`
	TotalUnits   decimal.Decimal `json:"total_units"`
	NAV          decimal.Decimal `json:"nav"`
	CurrentValue decimal.Decimal `json:"current_value"`
	NAVAsOf      *time.Time      `json:"nav_as_of,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Version      int64           `json:"version"`
}

// Revalue recomputes CurrentValue from TotalUnits and nav.
func (p *Position) Revalue(nav decimal.Decimal, asOf *time.Time) {
	p.NAV = nav
	p.NAVAsOf = asOf
	p.CurrentValue = Valuation(p.TotalUnits, nav)
}

// RoundUnits rounds a unit balance to the stored precision.
func RoundUnits(d decimal.Decimal) decimal.Decimal { return d.Round(UnitsPlaces) }

// Valuation returns units*nav rounded to the stored money precision.
func Valuation(units, nav decimal.Decimal) decimal.Decimal {
	return units.Mul(nav).Round(ValuePlaces)
}

// NAVQuote is the latest published price of a scheme.
type NAVQuote struct {
	SchemeCode string          `json:"scheme_code"`
	SchemeName string          `json:"scheme_name"`
	NAV        decimal.Decimal `json:"nav"`
	AsOf       *time.Time      `json:"as_of,omitempty"`
}

// WatchedScheme is a scheme whose NAV is tracked by the refresh job.
type WatchedScheme struct {
	SchemeCode  string          `json:"scheme_code"`
	SchemeName  string          `json:"scheme_name"`
	CurrentNAV  decimal.Decimal `json:"current_nav"`
	LastNAVDate *time.Time      `json:"last_nav_date,omitempty"`
}

// StagingEntry is one audit row of the staging log.
type StagingEntry struct {
	BatchID  string `json:"batch_id"`
	Resolved bool   `json:"resolved"`
	RawTransaction
}
