package services

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samruddhi/portfolio-sync/backend/src/config"
	"github.com/samruddhi/portfolio-sync/backend/src/database"
	"github.com/samruddhi/portfolio-sync/backend/src/model"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeka/zip"
)

const (
	masterCSV = "Investor Name,Email ID,PAN Number,Mobile Number\n" +
		"John Doe,john@example.com,ABCDE1234F,9876543210\n"
	ledgerCSV = "SCHEME,INVNAME,UNITS,TRXN_TYPE_FLAG\n" +
		"Fund A,JOHN DOE,100,Purchase\n" +
		"Fund A,john  doe,40,Redemption\n" +
		"Fund A,JOHN DOE,25,Units Pledging confirmation\n"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		ResetMarkers:                  []string{"RESTATEMENT", "HOLDINGS"},
		UnknownActionPolicy:           "zero",
		LedgerACreditKeywords:         []string{"PURCHASE", "SYSTEMATIC INSTALLMENT", "SWITCH IN"},
		LedgerADebitKeywords:          []string{"REDEMPTION", "TRANSFER", "WITHDRAWAL", "SWITCH OUT"},
		LedgerAExcludeKeywords:        []string{"PLEDGING", "REJ."},
		ExternalLedgerCreditKeywords:  []string{"PURCHASE", "S T P IN", "SWITCH IN"},
		ExternalLedgerDebitKeywords:   []string{"LATERAL SHIFT OUT", "REDEMPTION", "SWITCH OUT"},
		ExternalLedgerExcludeKeywords: []string{"PLEDGING", "REJ."},
		ExtractWorkers:                2,
		MergeWorkers:                  3,
		MergeMaxRetries:               3,
		NAVFeedURL:                    config.DefaultNAVFeedURL,
		NAVLookupTimeout:              2 * time.Second,
		NAVFeedTimeout:                5 * time.Second,
		NAVCacheTTL:                   time.Minute,
	}
}

type harness struct {
	db     *sql.DB
	prices PriceService
	sync   SyncService
	upload UploadService
}

func newHarness(t *testing.T, cfg *config.AppConfig) *harness {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "services.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	prices := NewPriceService(db, cfg)
	syncSvc := NewSyncService(db, prices, cfg.MergeWorkers, cfg.MergeMaxRetries)
	return &harness{
		db:     db,
		prices: prices,
		sync:   syncSvc,
		upload: NewUploadService(db, cfg, syncSvc, cache.New(DefaultCacheExpiration, CacheCleanupInterval)),
	}
}

func (h *harness) watch(t *testing.T, code, name, nav string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, model.UpsertWatchedScheme(ctx, h.db, models.WatchedScheme{SchemeCode: code, SchemeName: name}))
	if nav != "" {
		require.NoError(t, model.UpdateWatchedSchemeNAV(ctx, h.db, code, dec(nav), time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)))
	}
}

func (h *harness) position(t *testing.T, id, scheme string) models.Position {
	t.Helper()
	p, found, err := model.GetPosition(context.Background(), h.db, models.PositionKey{Identifier: id, SchemeName: scheme})
	require.NoError(t, err)
	require.True(t, found, "position %s/%s", id, scheme)
	return p
}

func batchFiles(ledgerName string) []UploadedFile {
	return []UploadedFile{
		{Name: "MFSD211_oct.csv", Data: []byte(masterCSV)},
		{Name: ledgerName, Data: []byte(ledgerCSV)},
	}
}

func TestProcessBatchNetsAndValues(t *testing.T) {
	h := newHarness(t, testConfig())
	h.watch(t, "100001", "Fund A", "10.0")

	report, err := h.upload.ProcessBatch(context.Background(), batchFiles("WBR33_oct.csv"), BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.RowsExtracted)
	assert.Equal(t, 3, report.RowsResolved)
	assert.Zero(t, report.RowsUnresolved)
	assert.Equal(t, 1, report.IdentitiesUpserted)
	assert.Equal(t, 3, report.StagingRowsWritten)
	assert.Equal(t, 1, report.PositionsMerged)
	assert.Zero(t, report.PositionsDegradedNAV)
	assert.False(t, report.ResetApplied)
	assert.Empty(t, report.Errors)

	p := h.position(t, "ABCDE1234F", "Fund A")
	assert.True(t, p.TotalUnits.Equal(dec("60")))
	assert.True(t, p.CurrentValue.Equal(dec("600")))
	assert.Equal(t, "100001", p.SchemeCode)

	id, err := model.GetIdentity(context.Background(), h.db, "ABCDE1234F")
	require.NoError(t, err)
	assert.Equal(t, "9876543210", id.Phone)

	latest, ok := h.upload.GetLatestReport()
	require.True(t, ok)
	assert.Equal(t, report.BatchID, latest.BatchID)

	history, err := h.upload.ListBatches(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, report.BatchID, history[0].BatchID)
}

func TestDeltaBatchTwiceDoubles(t *testing.T) {
	h := newHarness(t, testConfig())
	h.watch(t, "100001", "Fund A", "10")

	for i := 0; i < 2; i++ {
		_, err := h.upload.ProcessBatch(context.Background(), batchFiles("WBR33_oct.csv"), BatchOptions{})
		require.NoError(t, err)
	}
	p := h.position(t, "ABCDE1234F", "Fund A")
	assert.True(t, p.TotalUnits.Equal(dec("120")))
	assert.True(t, p.CurrentValue.Equal(dec("1200")))
}

func TestResetBatchIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.watch(t, "100001", "Fund A", "10")
	ctx := context.Background()

	stale := models.PositionKey{Identifier: "ABCDE1234F", SchemeName: "Fund Z"}
	_, err := model.ApplyPositionDelta(ctx, h.db, model.PositionDelta{Key: stale, Delta: dec("5"), Now: time.Now()}, 1)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		report, err := h.upload.ProcessBatch(ctx, batchFiles("WBR33_HOLDINGS_oct.csv"), BatchOptions{})
		require.NoError(t, err)
		assert.True(t, report.ResetApplied)
		require.NotEmpty(t, report.Events)
		assert.Equal(t, models.EventResetApplied, report.Events[0].Kind)
		assert.Equal(t, []string{"WBR33_HOLDINGS_oct.csv"}, report.Events[0].Files)
	}

	positions, err := model.ListPositions(ctx, h.db, "ABCDE1234F")
	require.NoError(t, err)
	require.Len(t, positions, 1, "positions outside the restatement are deleted")
	assert.True(t, positions[0].TotalUnits.Equal(dec("60")))
	assert.True(t, positions[0].CurrentValue.Equal(dec("600")))
}

func TestResetIgnoresPersistedBaseline(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	key := models.PositionKey{Identifier: "XYZAB1234C", SchemeName: "Fund B"}
	_, err := model.ApplyPositionDelta(ctx, h.db, model.PositionDelta{Key: key, Delta: dec("1000"), Now: time.Now()}, 1)
	require.NoError(t, err)

	files := []UploadedFile{
		{Name: "MFSD211.csv", Data: []byte("Investor Name,Email ID,PAN Number,Mobile Number\nSam Poe,,XYZAB1234C,\n")},
		{Name: "MFSD201_restatement.csv", Data: []byte("Investor Name,Fund Description,Units,Transaction Description\nSAM POE,Fund B,5,Redemption\n")},
	}
	report, err := h.upload.ProcessBatch(ctx, files, BatchOptions{})
	require.NoError(t, err)
	assert.True(t, report.ResetApplied)
	assert.Equal(t, int64(1), report.PositionsDeleted)

	p := h.position(t, "XYZAB1234C", "Fund B")
	assert.True(t, p.TotalUnits.Equal(dec("-5")), "got %s", p.TotalUnits)
	assert.Equal(t, 1, report.PositionsDegradedNAV)
	assert.True(t, p.CurrentValue.IsZero())
}

func TestResetRequiresConfirmationWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.ResetRequireConfirmation = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		report, err := h.upload.ProcessBatch(ctx, batchFiles("WBR33_HOLDINGS.csv"), BatchOptions{})
		require.NoError(t, err)
		assert.False(t, report.ResetApplied)
		require.Len(t, report.Events, 1)
		assert.Equal(t, models.EventResetSkipped, report.Events[0].Kind)
	}
	assert.True(t, h.position(t, "ABCDE1234F", "Fund A").TotalUnits.Equal(dec("120")))

	report, err := h.upload.ProcessBatch(ctx, batchFiles("WBR33_HOLDINGS.csv"), BatchOptions{ConfirmReset: true})
	require.NoError(t, err)
	assert.True(t, report.ResetApplied)
	assert.True(t, h.position(t, "ABCDE1234F", "Fund A").TotalUnits.Equal(dec("60")))
}

func TestEncryptedArchiveAndOverrides(t *testing.T) {
	h := newHarness(t, testConfig())

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Encrypt("export.csv", "pan-dob", zip.AES256Encryption)
	require.NoError(t, err)
	_, err = fw.Write([]byte(ledgerCSV))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	files := []UploadedFile{
		{Name: "MFSD211.csv", Data: []byte(masterCSV)},
		{Name: "cams_mailback.zip", Data: buf.Bytes()},
	}
	report, err := h.upload.ProcessBatch(context.Background(), files, BatchOptions{
		Passwords:       []string{"wrong", "pan-dob"},
		FormatOverrides: map[string]string{"cams_mailback.zip": "R33"},
	})
	require.NoError(t, err)
	require.Len(t, report.Files, 2)
	assert.Equal(t, "export.csv", report.Files[1].Member)
	assert.Equal(t, models.FormatTransactionLedger, report.Files[1].Format)
	assert.True(t, h.position(t, "ABCDE1234F", "Fund A").TotalUnits.Equal(dec("60")))
}

func TestUnreadableFilesAreIsolated(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	files := append(batchFiles("WBR33.csv"),
		UploadedFile{Name: "notes.pdf", Data: []byte("hello")},
		UploadedFile{Name: "WBR33_broken.zip", Data: []byte("PK\x03\x04garbage")},
		UploadedFile{Name: "WBR33_extra.xls", Rejected: errors.New("file appears to be binary")},
	)
	report, err := h.upload.ProcessBatch(ctx, files, BatchOptions{})
	require.NoError(t, err)
	unreadable := report.ErrorsOfKind(models.ErrFileUnreadable)
	require.Len(t, unreadable, 3)
	assert.Equal(t, "WBR33_extra.xls", unreadable[2].File)
	assert.Contains(t, unreadable[2].Reason, "binary")
	assert.Equal(t, models.FormatTransactionLedger, report.Files[4].Format)
	assert.False(t, report.Files[4].Readable)
	assert.Equal(t, 1, report.PositionsMerged)

	report, err = h.upload.ProcessBatch(ctx, files[2:], BatchOptions{})
	assert.ErrorIs(t, err, ErrNoReadableInput)
	require.NotNil(t, report)
	assert.Len(t, report.ErrorsOfKind(models.ErrCatastrophicInputError), 1)

	_, err = h.upload.ProcessBatch(ctx, nil, BatchOptions{})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestMalformedMasterEmailStillBackfills(t *testing.T) {
	h := newHarness(t, testConfig())
	h.watch(t, "100001", "Fund A", "10")
	ctx := context.Background()

	files := []UploadedFile{
		{Name: "MFSD211.csv", Data: []byte("Investor Name,Email ID,PAN Number,Mobile Number\nJohn Doe,NA,ABCDE1234F,9876543210\n")},
		{Name: "MFSD201.csv", Data: []byte("Investor Name,Fund Description,Units,Transaction Description\nJOHN DOE,Fund A,100,Purchase\n")},
	}
	report, err := h.upload.ProcessBatch(ctx, files, BatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Zero(t, report.RowsUnresolved)
	assert.Equal(t, 1, report.IdentitiesUpserted)
	assert.Equal(t, 1, report.PositionsMerged)
	assert.True(t, h.position(t, "ABCDE1234F", "Fund A").TotalUnits.Equal(dec("100")))

	id, err := model.GetIdentity(ctx, h.db, "ABCDE1234F")
	require.NoError(t, err)
	assert.Empty(t, id.Email)
	assert.Equal(t, "9876543210", id.Phone)
}

func TestAbortedBatchIsRecorded(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	report, err := h.upload.ProcessBatch(ctx, []UploadedFile{{Name: "notes.pdf", Data: []byte("hello")}}, BatchOptions{})
	require.ErrorIs(t, err, ErrNoReadableInput)

	latest, ok := h.upload.GetLatestReport()
	require.True(t, ok)
	assert.Equal(t, report.BatchID, latest.BatchID)

	history, err := h.upload.ListBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, report.BatchID, history[0].BatchID)
	assert.Zero(t, history[0].PositionsMerged)
	assert.Equal(t, 2, history[0].ErrorCount)
}

func TestUnresolvedRowsAreReportedAndStaged(t *testing.T) {
	h := newHarness(t, testConfig())
	files := []UploadedFile{{Name: "WBR33.csv", Data: []byte(ledgerCSV)}}

	report, err := h.upload.ProcessBatch(context.Background(), files, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.RowsUnresolved)
	assert.Len(t, report.ErrorsOfKind(models.ErrUnresolvedIdentity), 2)
	assert.Zero(t, report.PositionsMerged)

	staged, err := model.ListStagingByBatch(context.Background(), h.db, report.BatchID)
	require.NoError(t, err)
	require.Len(t, staged, 2)
	assert.False(t, staged[0].Resolved)
}

func TestReconcileIsolatesSubWriteFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	_, err := h.db.Exec(`CREATE TRIGGER fail_identities BEFORE INSERT ON identities BEGIN SELECT RAISE(ABORT, 'identities offline'); END`)
	require.NoError(t, err)
	_, err = h.db.Exec(`CREATE TRIGGER fail_one_position BEFORE INSERT ON positions WHEN NEW.identifier = 'BADPN0000Z'
		BEGIN SELECT RAISE(ABORT, 'position rejected'); END`)
	require.NoError(t, err)

	files := []UploadedFile{
		{Name: "MFSD211.csv", Data: []byte("Investor Name,Email ID,PAN Number,Mobile Number\nGood One,,GOODP1111A,\nBad One,,BADPN0000Z,\n")},
		{Name: "MFSD201.csv", Data: []byte("Investor Name,Fund Description,Units,Transaction Description\n" +
			"GOOD ONE,Fund A,3,Purchase\nBAD ONE,Fund A,4,Purchase\n")},
	}
	report, err := h.upload.ProcessBatch(ctx, files, BatchOptions{})
	require.NoError(t, err)

	assert.Zero(t, report.IdentitiesUpserted)
	assert.Equal(t, 4, report.StagingRowsWritten)
	assert.Equal(t, 1, report.PositionsMerged)

	conflicts := report.ErrorsOfKind(models.ErrMergeConflict)
	require.Len(t, conflicts, 3)
	assert.True(t, h.position(t, "GOODP1111A", "Fund A").TotalUnits.Equal(dec("3")))
}

func TestLookupNAV(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.watch(t, "119551", "Axis Bluechip Fund", "52.5")
	h.watch(t, "120503", "Axis Midcap Fund", "")

	q, ok := h.prices.LookupNAV(ctx, "axis bluechip fund")
	require.True(t, ok)
	assert.Equal(t, "119551", q.SchemeCode)
	assert.Equal(t, "52.5", q.NAV.String())

	q, ok = h.prices.LookupNAV(ctx, "Axis Midcap Fund")
	assert.False(t, ok)
	assert.Equal(t, "120503", q.SchemeCode)

	_, ok = h.prices.LookupNAV(ctx, "Unknown Fund")
	assert.False(t, ok)
}

func TestRefreshNAVsCascadesToPositions(t *testing.T) {
	feed := "Scheme Code;ISIN Div Payout/ ISIN Growth;ISIN Div Reinvestment;Scheme Name;Net Asset Value;Date\n\n" +
		"Axis Mutual Fund\n\n" +
		"119551;INF846K01DP8;-;Axis Bluechip Fund;55.0000;17-Oct-2026\n" +
		"999999;INF000000000;-;Other Fund;1.0;17-Oct-2026\n"
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.NAVFeedURL = srv.URL
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.watch(t, "119551", "Axis Bluechip Fund", "50")

	files := []UploadedFile{
		{Name: "MFSD211.csv", Data: []byte(masterCSV)},
		{Name: "MFSD201.csv", Data: []byte("Investor Name,Fund Description,Units,Transaction Description\nJOHN DOE,Axis Bluechip Fund,10,Purchase\n")},
	}
	_, err := h.upload.ProcessBatch(ctx, files, BatchOptions{})
	require.NoError(t, err)
	assert.True(t, h.position(t, "ABCDE1234F", "Axis Bluechip Fund").CurrentValue.Equal(dec("500")))
	q, ok := h.prices.LookupNAV(ctx, "119551")
	require.True(t, ok)
	require.True(t, q.NAV.Equal(dec("50")))

	res, err := h.prices.RefreshNAVs(ctx)
	require.NoError(t, err)
	assert.Contains(t, gotUA, "Mozilla")
	assert.Equal(t, 1, res.SchemesWatched)
	assert.Equal(t, 1, res.SchemesUpdated)
	assert.Equal(t, 1, res.PositionsUpdated)
	assert.Empty(t, res.Errors)

	p := h.position(t, "ABCDE1234F", "Axis Bluechip Fund")
	assert.True(t, p.CurrentValue.Equal(dec("550")))
	require.NotNil(t, p.NAVAsOf)
	assert.Equal(t, "2026-10-17", p.NAVAsOf.Format("2006-01-02"))

	q, ok = h.prices.LookupNAV(ctx, "119551")
	require.True(t, ok)
	assert.True(t, q.NAV.Equal(dec("55")), "cache was invalidated")
}

func TestRefreshNAVsWithoutWatchedSchemesIsNoop(t *testing.T) {
	cfg := testConfig()
	cfg.NAVFeedURL = "http://127.0.0.1:1/unreachable"
	h := newHarness(t, cfg)

	res, err := h.prices.RefreshNAVs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.SchemesWatched)
}
