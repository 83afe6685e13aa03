package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/samruddhi/portfolio-sync/backend/src/models"
)

// AppendStagingEntry writes one audit row to the append-only staging log.
func AppendStagingEntry(ctx context.Context, db *sql.DB, e models.StagingEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO staging_log
		(batch_id, source_file, source_row, format, identifier, name, email, phone, scheme_name, units, action, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BatchID, e.SourceFile, e.SourceRow, string(e.Format),
		nullString(e.Identifier), nullString(e.DisplayName), nullString(e.Email), nullString(e.Phone),
		nullString(e.SchemeName), e.Units.String(), string(e.Action), e.Resolved,
		time.Now().UTC().Format(timestampLayout))
	if err != nil {
		return fmt.Errorf("append staging row %s:%d: %w", e.SourceFile, e.SourceRow, err)
	}
	return nil
}

// ListStagingByBatch returns the audit rows of one batch in insertion order.
func ListStagingByBatch(ctx context.Context, db *sql.DB, batchID string) ([]models.StagingEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT batch_id, source_file, source_row, format, identifier, name, email, phone, scheme_name, units, action, resolved
		FROM staging_log WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StagingEntry
	for rows.Next() {
		var e models.StagingEntry
		var format, action string
		var identifier, name, email, phone, scheme sql.NullString
		if err := rows.Scan(&e.BatchID, &e.SourceFile, &e.SourceRow, &format, &identifier, &name, &email, &phone,
			&scheme, &e.Units, &action, &e.Resolved); err != nil {
			return nil, err
		}
		e.Format = models.FileFormat(format)
		e.Action = models.Action(action)
		e.Identifier, e.DisplayName, e.Email, e.Phone, e.SchemeName = identifier.String, name.String, email.String, phone.String, scheme.String
		out = append(out, e)
	}
	return out, rows.Err()
}
