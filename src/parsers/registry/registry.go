// Package registry wires each known file layout to its parser.
package registry

import (
	"fmt"

	"github.com/samruddhi/portfolio-sync/backend/src/config"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/parsers"
	"github.com/samruddhi/portfolio-sync/backend/src/parsers/cams"
	"github.com/samruddhi/portfolio-sync/backend/src/parsers/kfintech"
)

type Registry struct {
	byFormat map[models.FileFormat]parsers.Parser
}

// New builds the parser set with the keyword lists from cfg.
func New(cfg *config.AppConfig) *Registry {
	camsClassifier := parsers.NewClassifier(cfg.LedgerACreditKeywords, cfg.LedgerADebitKeywords, cfg.LedgerAExcludeKeywords)
	kfinClassifier := parsers.NewClassifier(cfg.ExternalLedgerCreditKeywords, cfg.ExternalLedgerDebitKeywords, cfg.ExternalLedgerExcludeKeywords)

	return &Registry{byFormat: map[models.FileFormat]parsers.Parser{
		models.FormatIdentityMaster:    cams.NewIdentityMasterParser(),
		models.FormatTransactionLedger: cams.NewLedgerParser(camsClassifier),
		models.FormatExternalMaster:    kfintech.NewMasterParser(),
		models.FormatExternalLedger:    kfintech.NewLedgerParser(kfinClassifier),
	}}
}

// GetParser returns the parser for format.
func (r *Registry) GetParser(format models.FileFormat) (parsers.Parser, error) {
	p, ok := r.byFormat[format]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized format %q", parsers.ErrFileUnreadable, format)
	}
	return p, nil
}
