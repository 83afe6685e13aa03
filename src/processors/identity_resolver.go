package processors

import (
	"context"
	"strings"

	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a display name to its lookup form: NFKC, upper case,
// single spaces.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToUpper(norm.NFKC.String(name))), " ")
}

// NameIndex maps normalized display names to identifiers for the duration of
// one Resolve call.
type NameIndex struct {
	byName map[string]string
}

func NewNameIndex(persisted []models.IdentityRecord) *NameIndex {
	ix := &NameIndex{byName: make(map[string]string, len(persisted))}
	for _, rec := range persisted {
		ix.Add(rec.Name, rec.Identifier)
	}
	return ix
}

// Add records or overwrites the mapping for name.
func (ix *NameIndex) Add(name, identifier string) {
	key := NormalizeName(name)
	if key == "" || identifier == "" {
		return
	}
	ix.byName[key] = identifier
}

func (ix *NameIndex) Lookup(name string) (string, bool) {
	id, ok := ix.byName[NormalizeName(name)]
	return id, ok
}

func (ix *NameIndex) Len() int { return len(ix.byName) }

// Resolution is the output of IdentityResolver.Resolve.
type Resolution struct {
	// Batch holds every input row, in input order, with identifiers
	// backfilled where a name matched.
	Batch []models.RawTransaction
	// Upserts is one record per identifier seen with a name in the batch.
	Upserts []models.IdentityRecord
	// Unresolved holds the rows that still carry a name but no identifier.
	Unresolved []models.RawTransaction
	Backfilled int
}

type IdentityResolver struct{}

func NewIdentityResolver() *IdentityResolver { return &IdentityResolver{} }

// Resolve backfills missing identifiers by name. The index is seeded from
// persisted and then overwritten by every identified row of the batch before
// any row is backfilled, so identities introduced in this batch resolve
// ledger rows of the same batch.
func (r *IdentityResolver) Resolve(ctx context.Context, batch []models.RawTransaction, persisted []models.IdentityRecord) Resolution {
	ix := NewNameIndex(persisted)

	var order []string
	upserts := make(map[string]*models.IdentityRecord)
	for _, tx := range batch {
		if tx.Identifier == "" || tx.DisplayName == "" {
			continue
		}
		ix.Add(tx.DisplayName, tx.Identifier)

		rec, seen := upserts[tx.Identifier]
		if !seen {
			rec = &models.IdentityRecord{Identifier: tx.Identifier}
			upserts[tx.Identifier] = rec
			order = append(order, tx.Identifier)
		}
		rec.MergeFrom(models.IdentityRecord{Name: tx.DisplayName, Email: tx.Email, Phone: tx.Phone})
	}

	res := Resolution{Batch: make([]models.RawTransaction, len(batch))}
	for i, tx := range batch {
		if tx.Identifier == "" && tx.DisplayName != "" {
			if id, ok := ix.Lookup(tx.DisplayName); ok {
				tx.Identifier = id
				res.Backfilled++
			} else {
				res.Unresolved = append(res.Unresolved, tx)
			}
		}
		res.Batch[i] = tx
	}

	res.Upserts = make([]models.IdentityRecord, 0, len(order))
	for _, id := range order {
		res.Upserts = append(res.Upserts, *upserts[id])
	}

	logger.FromContext(ctx).Info("Identities resolved",
		"rows", len(batch), "indexSize", ix.Len(), "backfilled", res.Backfilled,
		"unresolved", len(res.Unresolved), "upserts", len(res.Upserts))
	return res
}
