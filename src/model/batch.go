package model

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/samruddhi/portfolio-sync/backend/src/models"
)

// BatchRecord is a row of the batch history table.
type BatchRecord struct {
	BatchID         string `json:"batch_id"`
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at"`
	Files           int    `json:"files"`
	RowsExtracted   int    `json:"rows_extracted"`
	PositionsMerged int    `json:"positions_merged"`
	ResetApplied    bool   `json:"reset_applied"`
	ErrorCount      int    `json:"error_count"`
}

// InsertBatch records the outcome of a finished batch.
func InsertBatch(ctx context.Context, db *sql.DB, r *models.BatchReport) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO batches (batch_id, started_at, finished_at, files, rows_extracted, positions_merged, reset_applied, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BatchID, r.StartedAt.UTC().Format(timestampLayout), r.FinishedAt.UTC().Format(timestampLayout),
		len(r.Files), r.RowsExtracted, r.PositionsMerged, r.ResetApplied, len(r.Errors))
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", r.BatchID, err)
	}
	return nil
}

// ListBatches returns the most recent batches first.
func ListBatches(ctx context.Context, db *sql.DB, limit int) ([]BatchRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT batch_id, started_at, finished_at, files, rows_extracted, positions_merged, reset_applied, error_count
		FROM batches ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var b BatchRecord
		if err := rows.Scan(&b.BatchID, &b.StartedAt, &b.FinishedAt, &b.Files, &b.RowsExtracted, &b.PositionsMerged,
			&b.ResetApplied, &b.ErrorCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
