package models

import "time"

// ErrorKind classifies an entry of the batch error ledger.
type ErrorKind string

const (
	ErrFileUnreadable         ErrorKind = "FILE_UNREADABLE"
	ErrRowExtractionFailed    ErrorKind = "ROW_EXTRACTION_FAILED"
	ErrUnresolvedIdentity     ErrorKind = "UNRESOLVED_IDENTITY"
	ErrMergeConflict          ErrorKind = "MERGE_CONFLICT"
	ErrCatastrophicInputError ErrorKind = "CATASTROPHIC_INPUT_ERROR"
)

// BatchError is one entry of the per-row / per-file / per-key error ledger.
type BatchError struct {
	Kind       ErrorKind `json:"kind"`
	File       string    `json:"file,omitempty"`
	Row        int       `json:"row,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Scheme     string    `json:"scheme,omitempty"`
	Name       string    `json:"name,omitempty"`
	Reason     string    `json:"reason"`
}

// BatchEventKind marks batch-wide events that change merge semantics.
type BatchEventKind string

const (
	EventResetApplied BatchEventKind = "RESET_APPLIED"
	EventResetSkipped BatchEventKind = "RESET_SKIPPED"
)

// BatchEvent is a prominent, batch-wide announcement in the report.
type BatchEvent struct {
	Kind    BatchEventKind `json:"kind"`
	Message string         `json:"message"`
	Files   []string       `json:"files,omitempty"`
}

// FileSummary describes how a single input file was handled.
type FileSummary struct {
	Name          string     `json:"name"`
	Member        string     `json:"member,omitempty"`
	Format        FileFormat `json:"format"`
	RowsExtracted int        `json:"rows_extracted"`
	RowsFailed    int        `json:"rows_failed"`
	ResetMarker   bool       `json:"reset_marker"`
	Readable      bool       `json:"readable"`
}

// BatchReport is the caller-visible result of one ingest-then-reconcile pass.
type BatchReport struct {
	BatchID              string        `json:"batch_id"`
	StartedAt            time.Time     `json:"started_at"`
	FinishedAt           time.Time     `json:"finished_at"`
	Files                []FileSummary `json:"files"`
	RowsExtracted        int           `json:"rows_extracted"`
	RowsResolved         int           `json:"rows_resolved"`
	RowsUnresolved       int           `json:"rows_unresolved"`
	IdentitiesUpserted   int           `json:"identities_upserted"`
	StagingRowsWritten   int           `json:"staging_rows_written"`
	PositionsMerged      int           `json:"positions_merged"`
	PositionsDegradedNAV int           `json:"positions_degraded_nav"`
	ResetApplied         bool          `json:"reset_applied"`
	PositionsDeleted     int64         `json:"positions_deleted"`
	Events               []BatchEvent  `json:"events,omitempty"`
	Errors               []BatchError  `json:"errors"`
}

// ProcessedCount is the number of positions successfully merged.
func (r *BatchReport) ProcessedCount() int { return r.PositionsMerged }

// ErrorsOfKind filters the error ledger.
func (r *BatchReport) ErrorsOfKind(kind ErrorKind) []BatchError {
	var out []BatchError
	for _, e := range r.Errors {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// RefreshResult is the outcome of one NAV refresh run.
type RefreshResult struct {
	LinesScanned     int          `json:"lines_scanned"`
	SchemesWatched   int          `json:"schemes_watched"`
	SchemesUpdated   int          `json:"schemes_updated"`
	PositionsUpdated int          `json:"positions_updated"`
	Errors           []BatchError `json:"errors"`
}
