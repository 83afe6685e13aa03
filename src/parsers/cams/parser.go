// Package cams reads CAMS registrar extracts: the WBR9 investor master and
// the WBR33 transaction ledger.
package cams

import (
	"fmt"

	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/parsers"
	"github.com/samruddhi/portfolio-sync/backend/src/security/validation"
)

const (
	colInvestorName = "INV_NAME"

	colScheme     = "SCHEME"
	colLedgerName = "INVNAME"
	colUnits      = "UNITS"
	colTrxnType   = "TRXN_TYPE_FLAG"
)

// IdentityMasterParser reads the R9 investor master. Its header layout varies
// between extracts, so the PAN and email are found by scanning the whole row.
type IdentityMasterParser struct{}

func NewIdentityMasterParser() *IdentityMasterParser {
	return &IdentityMasterParser{}
}

func (p *IdentityMasterParser) Format() models.FileFormat { return models.FormatIdentityMaster }

func (p *IdentityMasterParser) ExtractRow(row parsers.Row) (models.RawTransaction, bool, error) {
	name, _ := row.Value(colInvestorName)
	joined := row.Joined()
	return models.RawTransaction{
		Identifier:  validation.PANPattern.FindString(joined),
		DisplayName: validation.CollapseWhitespace(name),
		Email:       validation.EmailPattern.FindString(joined),
	}, true, nil
}

// LedgerParser reads the R33 transaction ledger.
type LedgerParser struct {
	classifier parsers.Classifier
}

func NewLedgerParser(classifier parsers.Classifier) *LedgerParser {
	return &LedgerParser{classifier: classifier}
}

func (p *LedgerParser) Format() models.FileFormat { return models.FormatTransactionLedger }

func (p *LedgerParser) ExtractRow(row parsers.Row) (models.RawTransaction, bool, error) {
	var tx models.RawTransaction

	name, err := row.Require(colLedgerName)
	if err != nil {
		return tx, false, err
	}
	tx.DisplayName = validation.CollapseWhitespace(name)

	flag, err := row.Require(colTrxnType)
	if err != nil {
		return tx, false, err
	}
	action, excluded := p.classifier.Classify(flag)
	if excluded {
		return tx, false, nil
	}
	tx.Action = action

	scheme, err := row.Require(colScheme)
	if err != nil {
		return tx, false, err
	}
	tx.SchemeName = validation.CollapseWhitespace(scheme)

	rawUnits, err := row.Require(colUnits)
	if err != nil {
		return tx, false, err
	}
	units, err := validation.ParseUnits(rawUnits)
	if err != nil {
		return tx, false, fmt.Errorf("%w: %s: %v", parsers.ErrMalformedCell, colUnits, err)
	}
	tx.Units = units
	return tx, true, nil
}
