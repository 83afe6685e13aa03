package model

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/samruddhi/portfolio-sync/backend/src/database"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "model.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestUpsertIdentityNeverBlanksKnownFields(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, UpsertIdentity(ctx, db, models.IdentityRecord{
		Identifier: "ABCDE1234F", Name: "JOHN DOE", Email: "john@example.com", Phone: "9999999999",
	}))
	require.NoError(t, UpsertIdentity(ctx, db, models.IdentityRecord{Identifier: "ABCDE1234F", Name: "JOHN A DOE"}))

	got, err := GetIdentity(ctx, db, "ABCDE1234F")
	require.NoError(t, err)
	assert.Equal(t, models.IdentityRecord{
		Identifier: "ABCDE1234F", Name: "JOHN A DOE", Email: "john@example.com", Phone: "9999999999",
	}, got)

	all, err := GetAllIdentities(ctx, db)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = GetIdentity(ctx, db, "ZZZZZ9999Z")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestApplyPositionDeltaAccumulatesAndRounds(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	key := models.PositionKey{Identifier: "ABCDE1234F", SchemeName: "Fund A"}
	asOf := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	quote := &models.NAVQuote{SchemeCode: "100001", NAV: dec("10.0"), AsOf: &asOf}

	p, err := ApplyPositionDelta(ctx, db, PositionDelta{Key: key, Delta: dec("60"), Quote: quote, Now: time.Now()}, 3)
	require.NoError(t, err)
	assert.True(t, p.TotalUnits.Equal(dec("60")))
	assert.True(t, p.CurrentValue.Equal(dec("600")))
	assert.Equal(t, int64(1), p.Version)

	p, err = ApplyPositionDelta(ctx, db, PositionDelta{Key: key, Delta: dec("0.123456"), Quote: quote, Now: time.Now()}, 3)
	require.NoError(t, err)
	assert.Equal(t, "60.1235", p.TotalUnits.String())
	assert.Equal(t, "601.24", p.CurrentValue.String())
	assert.Equal(t, int64(2), p.Version)

	stored, found, err := GetPosition(ctx, db, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "60.1235", stored.TotalUnits.String())
	assert.Equal(t, "100001", stored.SchemeCode)
	require.NotNil(t, stored.NAVAsOf)
	assert.Equal(t, asOf, *stored.NAVAsOf)
}

func TestApplyPositionDeltaResetBaselineIgnoresStoredUnits(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	key := models.PositionKey{Identifier: "X1", SchemeName: "Fund B"}

	_, err := ApplyPositionDelta(ctx, db, PositionDelta{Key: key, Delta: dec("1000"), Now: time.Now()}, 3)
	require.NoError(t, err)

	p, err := ApplyPositionDelta(ctx, db, PositionDelta{Key: key, Delta: dec("-5"), ResetBaseline: true, Now: time.Now()}, 3)
	require.NoError(t, err)
	assert.True(t, p.TotalUnits.Equal(dec("-5")))
	assert.True(t, p.NAV.IsZero())
	assert.True(t, p.CurrentValue.IsZero())
}

func TestApplyPositionDeltaConcurrentSameKeyLosesNothing(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	key := models.PositionKey{Identifier: "ABCDE1234F", SchemeName: "Fund A"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ApplyPositionDelta(ctx, db, PositionDelta{Key: key, Delta: dec("1.5"), Now: time.Now()}, 5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, found, err := GetPosition(ctx, db, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, p.TotalUnits.Equal(dec("30")), "got %s", p.TotalUnits)
	assert.Equal(t, int64(20), p.Version)
}

func TestDeletePositionsForIdentifiers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	for _, k := range []models.PositionKey{
		{Identifier: "A1", SchemeName: "S1"},
		{Identifier: "A1", SchemeName: "S2"},
		{Identifier: "B2", SchemeName: "S1"},
	} {
		_, err := ApplyPositionDelta(ctx, db, PositionDelta{Key: k, Delta: dec("1"), Now: time.Now()}, 1)
		require.NoError(t, err)
	}

	n, err := DeletePositionsForIdentifiers(ctx, db, []string{"A1", "NOPE"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := ListPositions(ctx, db, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "B2", left[0].Identifier)

	n, err = DeletePositionsForIdentifiers(ctx, db, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWatchedSchemesAndRevalue(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, UpsertWatchedScheme(ctx, db, models.WatchedScheme{SchemeCode: "119551", SchemeName: "Axis Bluechip Fund"}))

	s, found, err := FindWatchedScheme(ctx, db, "axis bluechip fund")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "119551", s.SchemeCode)
	assert.Nil(t, s.LastNAVDate)

	navDate := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	require.NoError(t, UpdateWatchedSchemeNAV(ctx, db, "119551", dec("52.1234"), navDate))

	// Renaming keeps the stored NAV.
	require.NoError(t, UpsertWatchedScheme(ctx, db, models.WatchedScheme{SchemeCode: "119551", SchemeName: "Axis Bluechip Fund - Growth"}))
	s, found, err = FindWatchedScheme(ctx, db, "119551")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "52.1234", s.CurrentNAV.String())
	assert.Equal(t, "Axis Bluechip Fund - Growth", s.SchemeName)

	key := models.PositionKey{Identifier: "A1", SchemeName: "Axis Bluechip Fund - Growth"}
	_, err = ApplyPositionDelta(ctx, db, PositionDelta{
		Key: key, Delta: dec("10"), Quote: &models.NAVQuote{SchemeCode: "119551", NAV: dec("50")}, Now: time.Now(),
	}, 1)
	require.NoError(t, err)

	byCode, err := ListPositionsBySchemeCode(ctx, db, "119551")
	require.NoError(t, err)
	require.Len(t, byCode, 1)

	p, err := RevaluePosition(ctx, db, key, models.NAVQuote{SchemeCode: "119551", NAV: dec("52.1234"), AsOf: &navDate}, time.Now(), 3)
	require.NoError(t, err)
	assert.Equal(t, "10", p.TotalUnits.String())
	assert.Equal(t, "521.23", p.CurrentValue.String())

	_, err = RevaluePosition(ctx, db, models.PositionKey{Identifier: "nobody", SchemeName: "x"}, models.NAVQuote{}, time.Now(), 1)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStagingAndBatchHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	entry := models.StagingEntry{
		BatchID: "b1",
		RawTransaction: models.RawTransaction{
			DisplayName: "JANE ROE", SchemeName: "Fund A", Units: dec("12.5"),
			Action: models.ActionAdd, SourceRow: 3, SourceFile: "R33.csv", Format: models.FormatTransactionLedger,
		},
	}
	require.NoError(t, AppendStagingEntry(ctx, db, entry))

	got, err := ListStagingByBatch(ctx, db, "b1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "JANE ROE", got[0].DisplayName)
	assert.False(t, got[0].Resolved)
	assert.Equal(t, "12.5", got[0].Units.String())

	report := &models.BatchReport{BatchID: "b1", StartedAt: time.Now(), FinishedAt: time.Now(), PositionsMerged: 2, ResetApplied: true}
	require.NoError(t, InsertBatch(ctx, db, report))
	batches, err := ListBatches(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].ResetApplied)
	assert.Equal(t, 2, batches[0].PositionsMerged)
}
