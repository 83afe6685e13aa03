package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/samruddhi/portfolio-sync/backend/src/models"
)

// GetAllIdentities returns every persisted investor. It seeds the name index
// used to backfill identifiers.
func GetAllIdentities(ctx context.Context, db *sql.DB) ([]models.IdentityRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT identifier, name, email, phone FROM identities ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IdentityRecord
	for rows.Next() {
		var rec models.IdentityRecord
		var email, phone sql.NullString
		if err := rows.Scan(&rec.Identifier, &rec.Name, &email, &phone); err != nil {
			return nil, err
		}
		rec.Email, rec.Phone = email.String, phone.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetIdentity returns a single investor, or sql.ErrNoRows.
func GetIdentity(ctx context.Context, db *sql.DB, identifier string) (models.IdentityRecord, error) {
	var rec models.IdentityRecord
	var email, phone sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT identifier, name, email, phone FROM identities WHERE identifier = ?`, identifier,
	).Scan(&rec.Identifier, &rec.Name, &email, &phone)
	if err != nil {
		return rec, err
	}
	rec.Email, rec.Phone = email.String, phone.String
	return rec, nil
}

// UpsertIdentity inserts or merges an investor. Fields that are empty in rec
// never overwrite stored values.
func UpsertIdentity(ctx context.Context, db *sql.DB, rec models.IdentityRecord) error {
	if rec.Identifier == "" {
		return fmt.Errorf("upsert identity: empty identifier")
	}
	now := time.Now().UTC().Format(timestampLayout)
	query := `
		INSERT INTO identities (identifier, name, email, phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), identities.name),
			email = COALESCE(excluded.email, identities.email),
			phone = COALESCE(excluded.phone, identities.phone),
			updated_at = excluded.updated_at;
	`
	_, err := db.ExecContext(ctx, query, rec.Identifier, rec.Name, nullString(rec.Email), nullString(rec.Phone), now, now)
	if err != nil {
		return fmt.Errorf("upsert identity %s: %w", rec.Identifier, err)
	}
	return nil
}
