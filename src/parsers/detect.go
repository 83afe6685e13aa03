package parsers

import (
	"path"
	"sort"
	"strings"

	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
)

type override struct {
	pattern string
	format  models.FileFormat
}

// Detector classifies files by name. Explicit overrides are consulted before
// the built-in rules.
type Detector struct {
	overrides []override
}

// NewDetector builds a detector from "glob -> format" overrides. Globs are
// matched case-insensitively against the base name; invalid entries are
// logged and ignored.
func NewDetector(overrides map[string]string) *Detector {
	d := &Detector{}
	patterns := make([]string, 0, len(overrides))
	for p := range overrides {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		d.add(p, overrides[p])
	}
	return d
}

func (d *Detector) add(pattern, format string) {
	f, ok := models.ParseFileFormat(format)
	if !ok {
		logger.L.Warn("Ignoring format override with unknown format", "pattern", pattern, "format", format)
		return
	}
	pattern = strings.ToUpper(strings.TrimSpace(pattern))
	if _, err := path.Match(pattern, ""); err != nil {
		logger.L.Warn("Ignoring format override with bad pattern", "pattern", pattern, "error", err)
		return
	}
	d.overrides = append(d.overrides, override{pattern: pattern, format: f})
}

// WithOverrides returns a copy whose request-scoped overrides take precedence
// over the configured ones. Keys are exact file names or globs.
func (d *Detector) WithOverrides(extra map[string]string) *Detector {
	if len(extra) == 0 {
		return d
	}
	next := NewDetector(extra)
	next.overrides = append(next.overrides, d.overrides...)
	return next
}

// Detect returns the layout of filename, or FormatUnrecognized.
func (d *Detector) Detect(filename string) models.FileFormat {
	base := strings.ToUpper(path.Base(strings.ReplaceAll(filename, `\`, "/")))
	for _, o := range d.overrides {
		if ok, _ := path.Match(o.pattern, base); ok {
			return o.format
		}
	}
	switch {
	case strings.Contains(base, "R9"):
		return models.FormatIdentityMaster
	case strings.Contains(base, "R33"):
		return models.FormatTransactionLedger
	case strings.HasPrefix(base, "MFSD211"):
		return models.FormatExternalMaster
	case strings.HasPrefix(base, "MFSD201"):
		return models.FormatExternalLedger
	default:
		return models.FormatUnrecognized
	}
}
