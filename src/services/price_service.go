package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samruddhi/portfolio-sync/backend/src/config"
	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/model"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/processors"
	"golang.org/x/net/publicsuffix"
)

const (
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	ckNAVQuote       = "nav_quote_%s"
	maxSkippedLogged = 5
)

type priceServiceImpl struct {
	db            *sql.DB
	httpClient    http.Client
	feedURL       string
	lookupTimeout time.Duration
	maxRetries    int
	navCache      *cache.Cache
}

func NewPriceService(db *sql.DB, cfg *config.AppConfig) PriceService {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		logger.L.Error("Failed to create cookie jar", "error", err)
	}

	return &priceServiceImpl{
		db: db,
		httpClient: http.Client{
			Jar:     jar,
			Timeout: cfg.NAVFeedTimeout,
		},
		feedURL:       cfg.NAVFeedURL,
		lookupTimeout: cfg.NAVLookupTimeout,
		maxRetries:    cfg.MergeMaxRetries,
		navCache:      cache.New(cfg.NAVCacheTTL, 2*cfg.NAVCacheTTL),
	}
}

// LookupNAV resolves scheme (a scheme code or name) against the watched
// schemes. A scheme that is watched but has no published NAV yet comes back
// with ok=false and its SchemeCode set, so callers can still tag the position.
func (s *priceServiceImpl) LookupNAV(ctx context.Context, scheme string) (models.NAVQuote, bool) {
	cacheKey := fmt.Sprintf(ckNAVQuote, strings.ToUpper(strings.TrimSpace(scheme)))
	if cached, found := s.navCache.Get(cacheKey); found {
		return cached.(models.NAVQuote), true
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	ws, found, err := model.FindWatchedScheme(lookupCtx, s.db, scheme)
	if err != nil {
		logger.WarnFromContext(ctx, "NAV lookup failed", "scheme", scheme, "error", err)
		return models.NAVQuote{}, false
	}
	if !found {
		return models.NAVQuote{}, false
	}

	quote := models.NAVQuote{SchemeCode: ws.SchemeCode, SchemeName: ws.SchemeName, NAV: ws.CurrentNAV, AsOf: ws.LastNAVDate}
	if ws.LastNAVDate == nil || !ws.CurrentNAV.IsPositive() {
		return quote, false
	}
	s.navCache.Set(cacheKey, quote, cache.DefaultExpiration)
	return quote, true
}

func (s *priceServiceImpl) InvalidateCache() {
	s.navCache.Flush()
}

// RefreshNAVs downloads the end-of-day NAV list once, stores the NAV of every
// watched scheme and revalues every position tagged with that scheme code.
func (s *priceServiceImpl) RefreshNAVs(ctx context.Context) (*models.RefreshResult, error) {
	log := logger.FromContext(ctx)
	result := &models.RefreshResult{Errors: []models.BatchError{}}

	watched, err := model.ListWatchedSchemes(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("list watched schemes: %w", err)
	}
	result.SchemesWatched = len(watched)
	if len(watched) == 0 {
		log.Info("No watched schemes, skipping NAV refresh")
		return result, nil
	}
	codes := make(map[string]bool, len(watched))
	for _, w := range watched {
		codes[w.SchemeCode] = true
	}

	feed, err := s.fetchFeed(ctx, codes)
	if err != nil {
		return nil, err
	}
	result.LinesScanned = feed.LinesScanned
	for i, line := range feed.Skipped {
		if i >= maxSkippedLogged {
			log.Warn("More NAV lines skipped", "count", len(feed.Skipped)-maxSkippedLogged)
			break
		}
		log.Warn("Skipping unparsable NAV line", "line", line)
	}

	now := time.Now()
	for code, quote := range feed.Quotes {
		if err := model.UpdateWatchedSchemeNAV(ctx, s.db, code, quote.NAV, *quote.AsOf); err != nil {
			result.Errors = append(result.Errors, models.BatchError{
				Kind: models.ErrMergeConflict, Scheme: code, Reason: fmt.Sprintf("update watched scheme: %v", err),
			})
			continue
		}
		result.SchemesUpdated++

		positions, err := model.ListPositionsBySchemeCode(ctx, s.db, code)
		if err != nil {
			result.Errors = append(result.Errors, models.BatchError{
				Kind: models.ErrMergeConflict, Scheme: code, Reason: fmt.Sprintf("list positions: %v", err),
			})
			continue
		}
		for _, p := range positions {
			if _, err := model.RevaluePosition(ctx, s.db, p.PositionKey, quote, now, s.maxRetries); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				result.Errors = append(result.Errors, models.BatchError{
					Kind: models.ErrMergeConflict, Identifier: p.Identifier, Scheme: p.SchemeName, Reason: err.Error(),
				})
				continue
			}
			result.PositionsUpdated++
		}
	}

	s.InvalidateCache()
	log.Info("NAV refresh finished",
		"watched", result.SchemesWatched, "updated", result.SchemesUpdated,
		"positions", result.PositionsUpdated, "errors", len(result.Errors))
	return result, nil
}

func (s *priceServiceImpl) fetchFeed(ctx context.Context, codes map[string]bool) (processors.NAVFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return processors.NAVFeed{}, fmt.Errorf("build nav feed request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return processors.NAVFeed{}, fmt.Errorf("failed to fetch nav feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return processors.NAVFeed{}, fmt.Errorf("nav feed returned non-OK status %d", resp.StatusCode)
	}
	return processors.ParseNAVFeed(resp.Body, codes)
}
