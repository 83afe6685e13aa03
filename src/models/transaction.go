package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Action is the direction a ledger row moves the unit balance.
type Action string

const (
	ActionAdd     Action = "ADD"
	ActionDeduct  Action = "DEDUCT"
	ActionUnknown Action = "UNKNOWN"
)

// FileFormat identifies one of the known RTA extract layouts.
type FileFormat string

const (
	FormatIdentityMaster    FileFormat = "IDENTITY_MASTER"    // CAMS R9 investor master
	FormatTransactionLedger FileFormat = "TRANSACTION_LEDGER" // CAMS R33 transactions
	FormatExternalMaster    FileFormat = "EXTERNAL_MASTER"    // KFintech MFSD211 investor master
	FormatExternalLedger    FileFormat = "EXTERNAL_LEDGER"    // KFintech MFSD201 transactions
	FormatUnrecognized      FileFormat = "UNRECOGNIZED"
)

// ParseFileFormat accepts either the canonical name or the RTA report code
// used in file names (R9, R33, MFSD211, MFSD201).
func ParseFileFormat(s string) (FileFormat, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(FormatIdentityMaster), "R9":
		return FormatIdentityMaster, true
	case string(FormatTransactionLedger), "R33":
		return FormatTransactionLedger, true
	case string(FormatExternalMaster), "MFSD211":
		return FormatExternalMaster, true
	case string(FormatExternalLedger), "MFSD201":
		return FormatExternalLedger, true
	default:
		return FormatUnrecognized, false
	}
}

// RawTransaction is one normalized row extracted from an RTA file.
// An empty string means the field is absent in the source row.
type RawTransaction struct {
	Identifier  string          `json:"identifier,omitempty"` // PAN
	DisplayName string          `json:"display_name,omitempty"`
	Email       string          `json:"email,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	SchemeName  string          `json:"scheme_name,omitempty"`
	Units       decimal.Decimal `json:"units"` // never negative; direction lives in Action
	Action      Action          `json:"action"`
	SourceRow   int             `json:"source_row"` // 1-based data row in SourceFile
	SourceFile  string          `json:"source_file"`
	Format      FileFormat      `json:"format"`
}

// HasIdentity reports whether the row carries enough to be retained.
func (t RawTransaction) HasIdentity() bool {
	return t.Identifier != "" || t.DisplayName != ""
}

// SignedUnits returns the contribution of the row to its position.
func (t RawTransaction) SignedUnits() decimal.Decimal {
	switch t.Action {
	case ActionAdd:
		return t.Units
	case ActionDeduct:
		return t.Units.Neg()
	default:
		return decimal.Zero
	}
}
