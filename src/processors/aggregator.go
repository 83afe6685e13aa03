package processors

import (
	"sort"

	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/shopspring/decimal"
)

// UnknownActionPolicy controls how rows with an unclassified action are
// treated by Aggregate.
type UnknownActionPolicy string

const (
	// UnknownAsZero keeps the row with a zero contribution, so its key is
	// still merged and revalued.
	UnknownAsZero UnknownActionPolicy = "zero"
	// UnknownExcluded leaves the row out of aggregation entirely.
	UnknownExcluded UnknownActionPolicy = "exclude"
)

// Aggregation is the net signed unit movement per position key.
type Aggregation struct {
	Deltas      map[models.PositionKey]decimal.Decimal
	Rows        int // rows that contributed
	UnknownRows int
	Skipped     int // rows without identifier or scheme, or excluded by policy
}

// Keys returns the position keys in a stable order.
func (a Aggregation) Keys() []models.PositionKey {
	keys := make([]models.PositionKey, 0, len(a.Deltas))
	for k := range a.Deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Identifier != keys[j].Identifier {
			return keys[i].Identifier < keys[j].Identifier
		}
		return keys[i].SchemeName < keys[j].SchemeName
	})
	return keys
}

// Aggregate nets the resolved rows per (identifier, scheme) with exact
// decimal arithmetic.
func Aggregate(rows []models.RawTransaction, policy UnknownActionPolicy) Aggregation {
	agg := Aggregation{Deltas: make(map[models.PositionKey]decimal.Decimal)}
	for _, tx := range rows {
		if tx.Identifier == "" || tx.SchemeName == "" {
			agg.Skipped++
			continue
		}
		if tx.Action == models.ActionUnknown {
			agg.UnknownRows++
			if policy == UnknownExcluded {
				agg.Skipped++
				continue
			}
		}
		key := models.PositionKey{Identifier: tx.Identifier, SchemeName: tx.SchemeName}
		agg.Deltas[key] = agg.Deltas[key].Add(tx.SignedUnits())
		agg.Rows++
	}
	return agg
}
