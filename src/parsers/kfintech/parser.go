// Package kfintech reads KFintech registrar extracts: the MFSD211 investor
// master and the MFSD201 transaction ledger.
package kfintech

import (
	"fmt"

	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/parsers"
	"github.com/samruddhi/portfolio-sync/backend/src/security/validation"
)

const (
	colInvestorName = "Investor Name"
	colEmail        = "Email ID"
	colPAN          = "PAN Number"
	colMobile       = "Mobile Number"

	colFund        = "Fund Description"
	colUnits       = "Units"
	colDescription = "Transaction Description"
)

// MasterParser reads the MFSD211 investor master.
type MasterParser struct{}

func NewMasterParser() *MasterParser {
	return &MasterParser{}
}

func (p *MasterParser) Format() models.FileFormat { return models.FormatExternalMaster }

func (p *MasterParser) ExtractRow(row parsers.Row) (models.RawTransaction, bool, error) {
	var tx models.RawTransaction
	cols := make(map[string]string, 4)
	for _, c := range []string{colInvestorName, colEmail, colPAN, colMobile} {
		v, err := row.Require(c)
		if err != nil {
			return tx, false, err
		}
		cols[c] = v
	}
	tx.DisplayName = validation.CollapseWhitespace(cols[colInvestorName])

	pan, err := validation.NormalizePAN(cols[colPAN])
	if err != nil {
		return tx, false, fmt.Errorf("%w: %s: %v", parsers.ErrMalformedCell, colPAN, err)
	}
	tx.Identifier = pan

	// Email is optional: a malformed value is dropped and the row kept.
	if err := validation.ValidateEmail(cols[colEmail]); err != nil {
		logger.L.Warn("Ignoring malformed email in investor master", "row", row.Number, "error", err)
	} else {
		tx.Email = cols[colEmail]
	}
	tx.Phone = validation.NormalizePhone(cols[colMobile])
	return tx, true, nil
}

// LedgerParser reads the MFSD201 transaction ledger.
type LedgerParser struct {
	classifier parsers.Classifier
}

func NewLedgerParser(classifier parsers.Classifier) *LedgerParser {
	return &LedgerParser{classifier: classifier}
}

func (p *LedgerParser) Format() models.FileFormat { return models.FormatExternalLedger }

func (p *LedgerParser) ExtractRow(row parsers.Row) (models.RawTransaction, bool, error) {
	var tx models.RawTransaction

	name, err := row.Require(colInvestorName)
	if err != nil {
		return tx, false, err
	}
	tx.DisplayName = validation.CollapseWhitespace(name)

	desc, err := row.Require(colDescription)
	if err != nil {
		return tx, false, err
	}
	action, excluded := p.classifier.Classify(desc)
	if excluded {
		return tx, false, nil
	}
	tx.Action = action

	fund, err := row.Require(colFund)
	if err != nil {
		return tx, false, err
	}
	tx.SchemeName = validation.CollapseWhitespace(fund)

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
