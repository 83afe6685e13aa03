package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/shopspring/decimal"
)

func scanWatchedScheme(scan func(dest ...any) error) (models.WatchedScheme, error) {
	var s models.WatchedScheme
	var navDate sql.NullString
	if err := scan(&s.SchemeCode, &s.SchemeName, &s.CurrentNAV, &navDate); err != nil {
		return s, err
	}
	s.LastNAVDate = parseDate(navDate)
	return s, nil
}

// ListWatchedSchemes returns every scheme tracked by the NAV refresh job.
func ListWatchedSchemes(ctx context.Context, db *sql.DB) ([]models.WatchedScheme, error) {
	rows, err := db.QueryContext(ctx, `SELECT scheme_code, scheme_name, current_nav, last_nav_date FROM watched_schemes ORDER BY scheme_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WatchedScheme
	for rows.Next() {
		s, err := scanWatchedScheme(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindWatchedScheme looks a scheme up by code or, case-insensitively, by name.
func FindWatchedScheme(ctx context.Context, db *sql.DB, scheme string) (models.WatchedScheme, bool, error) {
	scheme = strings.TrimSpace(scheme)
	row := db.QueryRowContext(ctx, `
		SELECT scheme_code, scheme_name, current_nav, last_nav_date FROM watched_schemes
		WHERE scheme_code = ? OR scheme_name = ? COLLATE NOCASE
		ORDER BY CASE WHEN scheme_code = ? THEN 0 ELSE 1 END
		LIMIT 1`, scheme, scheme, scheme)
	s, err := scanWatchedScheme(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	return s, true, nil
}

// UpsertWatchedScheme adds a scheme to the watch list or renames it. A known
// NAV is kept when the new record carries none.
func UpsertWatchedScheme(ctx context.Context, db *sql.DB, s models.WatchedScheme) error {
	if s.SchemeCode == "" {
		return fmt.Errorf("upsert watched scheme: empty scheme code")
	}
	query := `
		INSERT INTO watched_schemes (scheme_code, scheme_name, current_nav, last_nav_date, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scheme_code) DO UPDATE SET
			scheme_name = excluded.scheme_name,
			current_nav = CASE WHEN excluded.last_nav_date IS NULL THEN watched_schemes.current_nav ELSE excluded.current_nav END,
			last_nav_date = COALESCE(excluded.last_nav_date, watched_schemes.last_nav_date),
			updated_at = excluded.updated_at;
	`
	_, err := db.ExecContext(ctx, query, s.SchemeCode, s.SchemeName, s.CurrentNAV.String(), formatDate(s.LastNAVDate),
		time.Now().UTC().Format(timestampLayout))
	if err != nil {
		logger.L.Error("Failed to upsert watched scheme", "schemeCode", s.SchemeCode, "error", err)
	}
	return err
}

// UpdateWatchedSchemeNAV stores the latest published NAV of a watched scheme.
func UpdateWatchedSchemeNAV(ctx context.Context, db *sql.DB, schemeCode string, nav decimal.Decimal, navDate time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE watched_schemes SET current_nav = ?, last_nav_date = ?, updated_at = ? WHERE scheme_code = ?`,
		nav.String(), navDate.Format(dateLayout), time.Now().UTC().Format(timestampLayout), schemeCode)
	if err != nil {
		logger.L.Error("Failed to update watched scheme NAV", "schemeCode", schemeCode, "error", err)
	}
	return err
}
