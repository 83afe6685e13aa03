package services

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/model"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/processors"
	"github.com/shopspring/decimal"
)

type syncServiceImpl struct {
	db         *sql.DB
	prices     PriceService
	workers    int
	maxRetries int
	now        func() time.Time
}

func NewSyncService(db *sql.DB, prices PriceService, workers, maxRetries int) SyncService {
	if workers < 1 {
		workers = 1
	}
	return &syncServiceImpl{db: db, prices: prices, workers: workers, maxRetries: maxRetries, now: time.Now}
}

func (s *syncServiceImpl) Reconcile(ctx context.Context, in ReconcileInput) ReconcileResult {
	log := logger.FromContext(ctx)
	var out ReconcileResult

	for _, rec := range in.Resolution.Upserts {
		if err := model.UpsertIdentity(ctx, s.db, rec); err != nil {
			out.Errors = append(out.Errors, models.BatchError{
				Kind: models.ErrMergeConflict, Identifier: rec.Identifier, Name: rec.Name,
				Reason: fmt.Sprintf("identity upsert: %v", err),
			})
			continue
		}
		out.IdentitiesUpserted++
	}

	for _, tx := range in.Resolution.Batch {
		entry := models.StagingEntry{BatchID: in.BatchID, Resolved: tx.Identifier != "", RawTransaction: tx}
		if err := model.AppendStagingEntry(ctx, s.db, entry); err != nil {
			out.Errors = append(out.Errors, models.BatchError{
				Kind: models.ErrMergeConflict, File: tx.SourceFile, Row: tx.SourceRow, Identifier: tx.Identifier,
				Reason: fmt.Sprintf("staging log: %v", err),
			})
			continue
		}
		out.StagingRowsWritten++
	}

	if in.Reset {
		ids := processors.BatchIdentifiers(in.Resolution.Batch)
		deleted, err := model.DeletePositionsForIdentifiers(ctx, s.db, ids)
		if err != nil {
			// Keys in this batch still merge from a zero baseline.
			out.Errors = append(out.Errors, models.BatchError{
				Kind: models.ErrMergeConflict, Reason: fmt.Sprintf("reset: %v", err),
			})
		} else {
			out.PositionsDeleted = deleted
			log.Warn("Reset applied: positions deleted before merge", "identifiers", len(ids), "deleted", deleted)
		}
	}

	merged, degraded, errs := s.MergePositions(ctx, in.Aggregation, in.Reset)
	out.PositionsMerged = merged
	out.DegradedNAV = degraded
	out.Errors = append(out.Errors, errs...)

	log.Info("Batch reconciled",
		"identities", out.IdentitiesUpserted, "staging", out.StagingRowsWritten,
		"merged", out.PositionsMerged, "degradedNAV", out.DegradedNAV, "errors", len(out.Errors))
	return out
}

type mergeOutcome struct {
	key      models.PositionKey
	degraded bool
	err      error
}

// MergePositions applies every aggregated delta. Keys are sharded by hash so
// that one key is only ever handled by one worker; the version check in the
// store guards against writers outside this batch.
func (s *syncServiceImpl) MergePositions(ctx context.Context, agg processors.Aggregation, reset bool) (int, int, []models.BatchError) {
	keys := agg.Keys()
	if len(keys) == 0 {
		return 0, 0, nil
	}
	workers := s.workers
	if workers > len(keys) {
		workers = len(keys)
	}

	shards := make([]chan models.PositionKey, workers)
	outcomes := make(chan mergeOutcome, len(keys))
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan models.PositionKey, 16)
		wg.Add(1)
		go func(in <-chan models.PositionKey) {
			defer wg.Done()
			for key := range in {
				degraded, err := s.mergeKey(ctx, key, agg.Deltas[key], reset)
				outcomes <- mergeOutcome{key: key, degraded: degraded, err: err}
			}
		}(shards[i])
	}
	for _, key := range keys {
		shards[shardFor(key, workers)] <- key
	}
	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()
	close(outcomes)

	var (
		merged, degraded int
		errs             []models.BatchError
	)
	for o := range outcomes {
		if o.err != nil {
			errs = append(errs, models.BatchError{
				Kind: models.ErrMergeConflict, Identifier: o.key.Identifier, Scheme: o.key.SchemeName, Reason: o.err.Error(),
			})
			continue
		}
		merged++
		if o.degraded {
			degraded++
		}
	}
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Identifier != errs[j].Identifier {
			return errs[i].Identifier < errs[j].Identifier
		}
		return errs[i].Scheme < errs[j].Scheme
	})
	return merged, degraded, errs
}

func (s *syncServiceImpl) mergeKey(ctx context.Context, key models.PositionKey, delta decimal.Decimal, reset bool) (degraded bool, err error) {
	d := model.PositionDelta{Key: key, Delta: delta, ResetBaseline: reset, Now: s.now()}

	quote, ok := s.prices.LookupNAV(ctx, key.SchemeName)
	switch {
	case ok:
		d.Quote = &quote
	default:
		degraded = true
		logger.WarnFromContext(ctx, "No NAV for scheme, position valued at zero",
			"identifier", key.Identifier, "scheme", key.SchemeName)
		if quote.SchemeCode != "" {
			d.Quote = &models.NAVQuote{SchemeCode: quote.SchemeCode}
		}
	}

	if _, err := model.ApplyPositionDelta(ctx, s.db, d, s.maxRetries); err != nil {
		return degraded, err
	}
	return degraded, nil
}

func shardFor(key models.PositionKey, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key.Identifier))
	h.Write([]byte{0})
	h.Write([]byte(key.SchemeName))
	return int(h.Sum32() % uint32(n))
}
