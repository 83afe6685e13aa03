package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/shopspring/decimal"
)

// ErrVersionConflict is returned when a position changed between read and
// write more often than the caller allowed retries for.
var ErrVersionConflict = errors.New("position version conflict")

const positionColumns = `identifier, scheme_name, scheme_code, total_units, nav, current_value, nav_as_of, updated_at, version`

func scanPosition(scan func(dest ...any) error) (models.Position, error) {
	var p models.Position
	var code, asOf sql.NullString
	var updatedAt string
	if err := scan(&p.Identifier, &p.SchemeName, &code, &p.TotalUnits, &p.NAV, &p.CurrentValue, &asOf, &updatedAt, &p.Version); err != nil {
		return p, err
	}
	p.SchemeCode = code.String
	p.NAVAsOf = parseDate(asOf)
	p.UpdatedAt = parseTimestamp(updatedAt)
	return p, nil
}

func getPosition(ctx context.Context, q querier, key models.PositionKey) (models.Position, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE identifier = ? AND scheme_name = ?`,
		key.Identifier, key.SchemeName)
	p, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Position{}, false, nil
	}
	if err != nil {
		return models.Position{}, false, err
	}
	return p, true, nil
}

// GetPosition returns the persisted position for key, if any.
func GetPosition(ctx context.Context, db *sql.DB, key models.PositionKey) (models.Position, bool, error) {
	return getPosition(ctx, db, key)
}

func listPositions(ctx context.Context, db *sql.DB, where string, args ...any) ([]models.Position, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions `+where+` ORDER BY identifier, scheme_name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPositions returns the positions of one investor, or all positions when
// identifier is empty.
func ListPositions(ctx context.Context, db *sql.DB, identifier string) ([]models.Position, error) {
	if identifier == "" {
		return listPositions(ctx, db, "")
	}
	return listPositions(ctx, db, "WHERE identifier = ?", identifier)
}

// ListPositionsBySchemeCode returns every position valued against a scheme code.
func ListPositionsBySchemeCode(ctx context.Context, db *sql.DB, schemeCode string) ([]models.Position, error) {
	return listPositions(ctx, db, "WHERE scheme_code = ?", schemeCode)
}

// DeletePositionsForIdentifiers removes every position held by the given
// investors in a single transaction and reports how many rows went away.
func DeletePositionsForIdentifiers(ctx context.Context, db *sql.DB, identifiers []string) (int64, error) {
	if len(identifiers) == 0 {
		return 0, nil
	}
	args := make([]any, len(identifiers))
	for i, id := range identifiers {
		args[i] = id
	}
	query := `DELETE FROM positions WHERE identifier IN (?` + strings.Repeat(",?", len(identifiers)-1) + `)`

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete positions: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete positions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete positions: commit: %w", err)
	}
	return n, nil
}

// PositionDelta describes one atomic merge of a netted unit movement.
type PositionDelta struct {
	Key           models.PositionKey
	Delta         decimal.Decimal
	ResetBaseline bool             // treat the stored balance as zero
	Quote         *models.NAVQuote // nil when no NAV is known
	Now           time.Time
}

// ApplyPositionDelta performs the read-modify-write of a position as one
// atomic operation: the current row is read inside a transaction and written
// back only if its version is unchanged. On a version conflict the whole
// sequence is retried up to maxRetries times.
func ApplyPositionDelta(ctx context.Context, db *sql.DB, d PositionDelta, maxRetries int) (models.Position, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		p, err := applyPositionDeltaOnce(ctx, db, d)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return p, err
	}
	return models.Position{}, fmt.Errorf("%w: %s / %s after %d attempts", ErrVersionConflict, d.Key.Identifier, d.Key.SchemeName, maxRetries)
}

func applyPositionDeltaOnce(ctx context.Context, db *sql.DB, d PositionDelta) (models.Position, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return models.Position{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	current, found, err := getPosition(ctx, tx, d.Key)
	if err != nil {
		return models.Position{}, fmt.Errorf("read position: %w", err)
	}

	baseline := decimal.Zero
	if found && !d.ResetBaseline {
		baseline = current.TotalUnits
	}

	next := models.Position{
		PositionKey: d.Key,
		SchemeCode:  current.SchemeCode,
		TotalUnits:  models.RoundUnits(baseline.Add(d.Delta)),
		UpdatedAt:   d.Now.UTC(),
	}
	if d.Quote != nil {
		if d.Quote.SchemeCode != "" {
			next.SchemeCode = d.Quote.SchemeCode
		}
		next.Revalue(d.Quote.NAV, d.Quote.AsOf)
	} else {
		next.Revalue(decimal.Zero, nil)
	}

	var res sql.Result
	if found {
		next.Version = current.Version + 1
		res, err = tx.ExecContext(ctx, `
			UPDATE positions SET scheme_code = ?, total_units = ?, nav = ?, current_value = ?, nav_as_of = ?, updated_at = ?, version = ?
			WHERE identifier = ? AND scheme_name = ? AND version = ?`,
			nullString(next.SchemeCode), next.TotalUnits.String(), next.NAV.String(), next.CurrentValue.String(),
			formatDate(next.NAVAsOf), next.UpdatedAt.Format(timestampLayout), next.Version,
			d.Key.Identifier, d.Key.SchemeName, current.Version)
	} else {
		next.Version = 1
		res, err = tx.ExecContext(ctx, `
			INSERT INTO positions (`+positionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(identifier, scheme_name) DO NOTHING`,
			d.Key.Identifier, d.Key.SchemeName, nullString(next.SchemeCode), next.TotalUnits.String(), next.NAV.String(),
			next.CurrentValue.String(), formatDate(next.NAVAsOf), next.UpdatedAt.Format(timestampLayout), next.Version)
	}
	if err != nil {
		return models.Position{}, fmt.Errorf("write position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Position{}, ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return models.Position{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// RevaluePosition applies a new NAV to an existing position with the same
// version check as ApplyPositionDelta. Units are left untouched.
func RevaluePosition(ctx context.Context, db *sql.DB, key models.PositionKey, quote models.NAVQuote, now time.Time, maxRetries int) (models.Position, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, found, err := getPosition(ctx, db, key)
		if err != nil {
			return models.Position{}, fmt.Errorf("read position: %w", err)
		}
		if !found {
			return models.Position{}, sql.ErrNoRows
		}

		next := current
		next.Revalue(quote.NAV, quote.AsOf)
		next.UpdatedAt = now.UTC()
		next.Version = current.Version + 1

		res, err := db.ExecContext(ctx, `
			UPDATE positions SET nav = ?, current_value = ?, nav_as_of = ?, updated_at = ?, version = ?
			WHERE identifier = ? AND scheme_name = ? AND version = ?`,
			next.NAV.String(), next.CurrentValue.String(), formatDate(next.NAVAsOf), next.UpdatedAt.Format(timestampLayout),
			next.Version, key.Identifier, key.SchemeName, current.Version)
		if err != nil {
			return models.Position{}, fmt.Errorf("revalue position: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, nil
		}
	}
	return models.Position{}, fmt.Errorf("%w: %s / %s after %d attempts", ErrVersionConflict, key.Identifier, key.SchemeName, maxRetries)
}
