package processors

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/shopspring/decimal"
)

const navDateLayout = "02-Jan-2006"

// NAVFeed is the parsed content of an end-of-day NAV list.
type NAVFeed struct {
	Quotes       map[string]models.NAVQuote // by scheme code
	LinesScanned int
	Skipped      []string // data lines that could not be parsed
}

// ParseNAVFeed reads the semicolon separated AMFI list
// (code;isin;isin;name;nav;dd-Mon-yyyy). Category headings and blank lines
// are ignored. When watched is non-nil only those scheme codes are kept.
func ParseNAVFeed(r io.Reader, watched map[string]bool) (NAVFeed, error) {
	feed := NAVFeed{Quotes: make(map[string]models.NAVQuote)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.Contains(line, ";") {
			continue
		}
		feed.LinesScanned++

		parts := strings.Split(line, ";")
		if len(parts) < 6 {
			feed.Skipped = append(feed.Skipped, line)
			continue
		}
		code := strings.TrimSpace(parts[0])
		if strings.EqualFold(code, "Scheme Code") {
			continue
		}
		if watched != nil && !watched[code] {
			continue
		}

		nav, err := decimal.NewFromString(strings.TrimSpace(parts[4]))
		if err != nil {
			feed.Skipped = append(feed.Skipped, line)
			continue
		}
		asOf, err := time.Parse(navDateLayout, strings.TrimSpace(parts[5]))
		if err != nil {
			feed.Skipped = append(feed.Skipped, line)
			continue
		}
		feed.Quotes[code] = models.NAVQuote{
			SchemeCode: code,
			SchemeName: strings.TrimSpace(parts[3]),
			NAV:        nav,
			AsOf:       &asOf,
		}
	}
	if err := sc.Err(); err != nil {
		return feed, fmt.Errorf("read nav feed: %w", err)
	}
	return feed, nil
}
