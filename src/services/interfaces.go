package services

import (
	"context"
	"errors"

	"github.com/samruddhi/portfolio-sync/backend/src/model"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/processors"
)

var (
	// ErrNoReadableInput aborts a batch in which not a single file could be read.
	ErrNoReadableInput = errors.New("no readable input file in batch")
	ErrEmptyBatch      = errors.New("batch contains no files")
)

// UploadedFile is one input of a batch, held in memory.
type UploadedFile struct {
	Name string
	Data []byte
	// Rejected is set when the transport refused the content. The file is
	// then reported unreadable and the rest of the batch proceeds.
	Rejected error
}

// BatchOptions carries the per-request knobs of a batch.
type BatchOptions struct {
	// Passwords are tried before the configured archive passwords.
	Passwords    []string
	ConfirmReset bool
	ForceReset   bool
	// FormatOverrides maps a file name or glob to a format name.
	FormatOverrides map[string]string
}

// UploadService runs the extract, resolve, aggregate and reconcile pipeline.
type UploadService interface {
	ProcessBatch(ctx context.Context, files []UploadedFile, opts BatchOptions) (*models.BatchReport, error)
	GetLatestReport() (*models.BatchReport, bool)
	ListBatches(ctx context.Context, limit int) ([]model.BatchRecord, error)
}

// PriceService supplies NAV quotes for valuation and refreshes them from the
// public feed.
type PriceService interface {
	// LookupNAV never blocks longer than the configured lookup timeout. ok is
	// false when no quote is known.
	LookupNAV(ctx context.Context, scheme string) (quote models.NAVQuote, ok bool)
	RefreshNAVs(ctx context.Context) (*models.RefreshResult, error)
	InvalidateCache()
}

// ReconcileInput is everything the sync stage needs from the earlier stages.
type ReconcileInput struct {
	BatchID     string
	Resolution  processors.Resolution
	Aggregation processors.Aggregation
	Reset       bool
}

// ReconcileResult counts what each sub-write achieved.
type ReconcileResult struct {
	IdentitiesUpserted int
	StagingRowsWritten int
	PositionsDeleted   int64
	PositionsMerged    int
	DegradedNAV        int
	Errors             []models.BatchError
}

// SyncService writes a resolved batch to the store. Identity, staging, reset
// and position writes are isolated: a failure in one never blocks another.
type SyncService interface {
	Reconcile(ctx context.Context, in ReconcileInput) ReconcileResult
	MergePositions(ctx context.Context, agg processors.Aggregation, reset bool) (merged, degraded int, errs []models.BatchError)
}
