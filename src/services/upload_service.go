package services

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/samruddhi/portfolio-sync/backend/src/config"
	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/model"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/parsers"
	"github.com/samruddhi/portfolio-sync/backend/src/parsers/registry"
	"github.com/samruddhi/portfolio-sync/backend/src/processors"
	"golang.org/x/sync/errgroup"
)

const (
	ckLatestBatchReport    = "agg_latest_batch_report"
	DefaultCacheExpiration = 15 * time.Minute
	CacheCleanupInterval   = 30 * time.Minute
)

type uploadServiceImpl struct {
	db             *sql.DB
	registry       *registry.Registry
	detector       *parsers.Detector
	resolver       *processors.IdentityResolver
	resetPolicy    *processors.ResetPolicy
	syncService    SyncService
	passwords      []string
	unknownPolicy  processors.UnknownActionPolicy
	extractWorkers int
	reportCache    *cache.Cache
}

func NewUploadService(db *sql.DB, cfg *config.AppConfig, syncService SyncService, reportCache *cache.Cache) UploadService {
	workers := cfg.ExtractWorkers
	if workers < 1 {
		workers = 1
	}
	return &uploadServiceImpl{
		db:             db,
		registry:       registry.New(cfg),
		detector:       parsers.NewDetector(cfg.FormatOverrides),
		resolver:       processors.NewIdentityResolver(),
		resetPolicy:    processors.NewResetPolicy(cfg.ResetMarkers, cfg.ResetRequireConfirmation),
		syncService:    syncService,
		passwords:      cfg.ArchivePasswords,
		unknownPolicy:  processors.UnknownActionPolicy(cfg.UnknownActionPolicy),
		extractWorkers: workers,
		reportCache:    reportCache,
	}
}

type fileResult struct {
	summary models.FileSummary
	rows    []models.RawTransaction
	errs    []models.BatchError
}

// ProcessBatch runs one sequential pass over files. Partial failures are
// reported in the returned report; only a batch with no readable file
// returns an error (ErrNoReadableInput), alongside the report.
func (s *uploadServiceImpl) ProcessBatch(ctx context.Context, files []UploadedFile, opts BatchOptions) (*models.BatchReport, error) {
	if len(files) == 0 {
		return nil, ErrEmptyBatch
	}

	batchID := uuid.New().String()
	ctx = logger.WithBatch(ctx, batchID)
	log := logger.FromContext(ctx)
	report := &models.BatchReport{BatchID: batchID, StartedAt: time.Now().UTC(), Errors: []models.BatchError{}}
	log.Info("Batch started", "files", len(files), "confirmReset", opts.ConfirmReset, "forceReset", opts.ForceReset)

	// Extraction, parallel per file.
	detector := s.detector.WithOverrides(opts.FormatOverrides)
	passwords := append(append([]string{}, opts.Passwords...), s.passwords...)
	results := make([]fileResult, len(files))
	var g errgroup.Group
	g.SetLimit(s.extractWorkers)
	for i, f := range files {
		g.Go(func() error {
			results[i] = s.extractFile(ctx, f, detector, passwords)
			return nil
		})
	}
	_ = g.Wait()

	var (
		batch    []models.RawTransaction
		readable int
		detected bool
	)
	for _, r := range results {
		report.Files = append(report.Files, r.summary)
		report.Errors = append(report.Errors, r.errs...)
		batch = append(batch, r.rows...)
		if r.summary.Readable {
			readable++
		}
		detected = detected || r.summary.ResetMarker
	}
	report.RowsExtracted = len(batch)

	if readable == 0 {
		report.Errors = append(report.Errors, models.BatchError{
			Kind: models.ErrCatastrophicInputError, Reason: "none of the uploaded files could be read",
		})
		report.FinishedAt = time.Now().UTC()
		s.recordBatch(ctx, report)
		log.Error("Batch aborted: no readable input", "files", len(files))
		return report, ErrNoReadableInput
	}

	// Identity resolution.
	persisted, err := model.GetAllIdentities(ctx, s.db)
	if err != nil {
		log.Error("Failed to load persisted identities, resolving from batch only", "error", err)
	}
	res := s.resolver.Resolve(ctx, batch, persisted)
	for _, tx := range res.Batch {
		if tx.Identifier != "" {
			report.RowsResolved++
		}
	}
	report.RowsUnresolved = len(res.Unresolved)
	for _, tx := range res.Unresolved {
		report.Errors = append(report.Errors, models.BatchError{
			Kind: models.ErrUnresolvedIdentity, File: tx.SourceFile, Row: tx.SourceRow, Name: tx.DisplayName, Scheme: tx.SchemeName,
			Reason: "no identifier known for this name",
		})
	}

	// Reset decision.
	decision := s.resetPolicy.Decide(detected, opts.ConfirmReset, opts.ForceReset)
	markerFiles := filesWithResetMarker(report.Files)
	switch {
	case decision.Apply:
		report.ResetApplied = true
		report.Events = append(report.Events, models.BatchEvent{Kind: models.EventResetApplied, Message: decision.Reason, Files: markerFiles})
		log.Warn("Full restatement batch: stored positions of every batch identifier will be replaced", "reason", decision.Reason)
	case decision.Skipped:
		report.Events = append(report.Events, models.BatchEvent{Kind: models.EventResetSkipped, Message: decision.Reason, Files: markerFiles})
		log.Warn("Restatement marker ignored without confirmation", "files", markerFiles)
	}

	// Aggregation.
	agg := processors.Aggregate(res.Batch, s.unknownPolicy)
	if agg.UnknownRows > 0 {
		log.Warn("Rows with unclassified transaction type", "count", agg.UnknownRows, "policy", string(s.unknownPolicy))
	}
	log.Info("Batch aggregated", "keys", len(agg.Deltas), "rows", agg.Rows, "skipped", agg.Skipped)

	// Reconciling sync.
	rr := s.syncService.Reconcile(ctx, ReconcileInput{
		BatchID:     batchID,
		Resolution:  res,
		Aggregation: agg,
		Reset:       decision.Apply,
	})
	report.IdentitiesUpserted = rr.IdentitiesUpserted
	report.StagingRowsWritten = rr.StagingRowsWritten
	report.PositionsDeleted = rr.PositionsDeleted
	report.PositionsMerged = rr.PositionsMerged
	report.PositionsDegradedNAV = rr.DegradedNAV
	report.Errors = append(report.Errors, rr.Errors...)
	report.FinishedAt = time.Now().UTC()
	s.recordBatch(ctx, report)

	log.Info("Batch finished", "processed", report.ProcessedCount(), "errors", len(report.Errors), "resetApplied", report.ResetApplied)
	return report, nil
}

func (s *uploadServiceImpl) extractFile(ctx context.Context, f UploadedFile, detector *parsers.Detector, passwords []string) fileResult {
	out := fileResult{summary: models.FileSummary{Name: f.Name}}
	unreadable := func(err error) fileResult {
		logger.FromContext(ctx).Warn("File skipped", "file", f.Name, "error", err)
		out.errs = append(out.errs, models.BatchError{Kind: models.ErrFileUnreadable, File: f.Name, Reason: err.Error()})
		return out
	}

	format := detector.Detect(f.Name)
	if f.Rejected != nil {
		out.summary.Format = format
		return unreadable(f.Rejected)
	}
	content := f.Data
	if parsers.IsArchive(f.Data) {
		member, data, err := parsers.OpenArchive(f.Data, passwords)
		if err != nil {
			return unreadable(err)
		}
		out.summary.Member = member
		content = data
		if format == models.FormatUnrecognized {
			format = detector.Detect(member)
		}
	}
	out.summary.Format = format

	parser, err := s.registry.GetParser(format)
	if err != nil {
		return unreadable(fmt.Errorf("cannot classify %s: %w", f.Name, err))
	}

	rows, rowErrs, err := parsers.Extract(ctx, bytes.NewReader(content), f.Name, parser)
	if err != nil {
		return unreadable(err)
	}
	out.summary.Readable = true
	out.summary.ResetMarker = s.resetPolicy.Detect(f.Name) || (out.summary.Member != "" && s.resetPolicy.Detect(out.summary.Member))
	out.summary.RowsExtracted = len(rows)
	out.summary.RowsFailed = len(rowErrs)
	out.rows = rows
	out.errs = append(out.errs, rowErrs...)
	return out
}

// recordBatch stores the report in the batch history and as the latest report,
// aborted batches included.
func (s *uploadServiceImpl) recordBatch(ctx context.Context, report *models.BatchReport) {
	if err := model.InsertBatch(ctx, s.db, report); err != nil {
		logger.ErrorFromContext(ctx, "Failed to record batch history", "error", err)
	}
	s.reportCache.Set(ckLatestBatchReport, report, cache.DefaultExpiration)
}

func filesWithResetMarker(files []models.FileSummary) []string {
	var out []string
	for _, f := range files {
		if f.ResetMarker {
			out = append(out, f.Name)
		}
	}
	return out
}

func (s *uploadServiceImpl) GetLatestReport() (*models.BatchReport, bool) {
	if cached, found := s.reportCache.Get(ckLatestBatchReport); found {
		return cached.(*models.BatchReport), true
	}
	return nil, false
}

func (s *uploadServiceImpl) ListBatches(ctx context.Context, limit int) ([]model.BatchRecord, error) {
	return model.ListBatches(ctx, s.db, limit)
}
