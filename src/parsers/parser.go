package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/security/validation"
)

var (
	ErrFileUnreadable = errors.New("file unreadable")
	ErrMissingColumn  = errors.New("missing required column")
	ErrMalformedCell  = errors.New("malformed cell")
)

// Parser turns one header-normalized row of a known layout into a
// RawTransaction. keep is false when the row must be dropped silently, for
// example because its description carries an exclusion keyword.
type Parser interface {
	Format() models.FileFormat
	ExtractRow(row Row) (tx models.RawTransaction, keep bool, err error)
}

// Row is one data row addressed by header name.
type Row struct {
	Number int // 1-based line of the file the row starts on
	cells  []string
	index  map[string]int
}

// NewRow builds a Row from a header and raw cells. It is mostly useful in tests.
func NewRow(number int, header, cells []string) Row {
	return Row{Number: number, cells: cleanCells(cells), index: headerIndex(header)}
}

// NormalizeHeader trims a column name, strips quote characters and collapses
// inner whitespace.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.NewReplacer(`"`, "", "'", "").Replace(h)
	return validation.CollapseWhitespace(h)
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToUpper(NormalizeHeader(h))
		if _, dup := idx[key]; !dup && key != "" {
			idx[key] = i
		}
	}
	return idx
}

func cleanCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = validation.CleanCell(c)
	}
	return out
}

// Value returns the cleaned cell under column. ok is false when the header
// has no such column; a short row yields an empty value.
func (r Row) Value(column string) (string, bool) {
	i, ok := r.index[strings.ToUpper(NormalizeHeader(column))]
	if !ok {
		return "", false
	}
	if i >= len(r.cells) {
		return "", true
	}
	return r.cells[i], true
}

// Require is Value with a missing column reported as ErrMissingColumn.
func (r Row) Require(column string) (string, error) {
	v, ok := r.Value(column)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingColumn, column)
	}
	return v, nil
}

// Joined concatenates every cell of the row with single spaces.
func (r Row) Joined() string {
	return strings.Join(r.cells, " ")
}

// IsEmpty reports whether every cell is blank.
func (r Row) IsEmpty() bool {
	for _, c := range r.cells {
		if c != "" {
			return false
		}
	}
	return true
}

// Extract reads a delimited text file with p. Row-level failures are returned
// as ledger entries and never stop the file. The returned error is non-nil
// (wrapping ErrFileUnreadable) only when the file itself cannot be read.
func Extract(ctx context.Context, r io.Reader, file string, p Parser) ([]models.RawTransaction, []models.BatchError, error) {
	log := logger.FromContext(ctx).With("file", file, "format", string(p.Format()))

	br := bufio.NewReader(r)
	if bom, _ := br.Peek(3); bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	reader := csv.NewReader(br)
	reader.Comma = sniffDelimiter(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: read header: %v", ErrFileUnreadable, file, err)
	}
	index := headerIndex(header)

	var (
		rows    []models.RawTransaction
		rowErrs []models.BatchError
		dropped int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rowErrs = append(rowErrs, rowError(file, perr.StartLine, "", fmt.Errorf("%w: %v", ErrMalformedCell, err)))
				continue
			}
			return rows, rowErrs, fmt.Errorf("%w: %s: %v", ErrFileUnreadable, file, err)
		}

		// Quoted cells may span lines, so the record count is not the line.
		n, _ := reader.FieldPos(0)
		row := Row{Number: n, cells: cleanCells(record), index: index}
		if row.IsEmpty() {
			continue
		}
		tx, keep, err := p.ExtractRow(row)
		if err != nil {
			rowErrs = append(rowErrs, rowError(file, n, tx.DisplayName, err))
			continue
		}
		if !keep || !tx.HasIdentity() {
			dropped++
			continue
		}
		tx.SourceRow = n
		tx.SourceFile = file
		tx.Format = p.Format()
		rows = append(rows, tx)
	}

	log.Info("File extracted", "rows", len(rows), "rowErrors", len(rowErrs), "dropped", dropped)
	return rows, rowErrs, nil
}

func rowError(file string, row int, name string, err error) models.BatchError {
	return models.BatchError{
		Kind:   models.ErrRowExtractionFailed,
		File:   file,
		Row:    row,
		Name:   name,
		Reason: err.Error(),
	}
}

// sniffDelimiter picks the most frequent candidate separator in the first
// line, defaulting to a comma.
func sniffDelimiter(br *bufio.Reader) rune {
	head, _ := br.Peek(4096)
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	best, bestCount := ',', bytes.Count(head, []byte{','})
	for _, c := range []rune{'\t', '|', ';'} {
		if n := bytes.Count(head, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}
