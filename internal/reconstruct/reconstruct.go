// Package reconstruct merges the wrapped continuation rows of a raw
// transaction table into complete logical records. Disclosure tables wrap
// long free-text fields (security description, intermediary) onto a second
// visual line without repeating the other columns; the only reliable signal
// that a new transaction has started is a non-empty anchor cell near the end
// of the row.
package reconstruct

import (
	"strings"

	"github.com/cvmdata/insider-pipeline/internal/model"
	"github.com/cvmdata/insider-pipeline/internal/normalize"
)

// DefaultAnchorColumns holds the anchor-cell offsets from the end of the
// row: the last column and the third-from-last. The offsets are
// configurable because the heuristic is inferred from observed layouts and
// historical template revisions may move the anchor.
var DefaultAnchorColumns = []int{0, 2}

// state of the merge machine. A row with a non-empty anchor cell closes the
// open record and starts a new one; any other non-empty row extends the open
// record.
type state int

const (
	idle state = iota
	accumulating
)

// HeaderIndex locates the header row: the first row containing a day column
// and a price column. Returns -1 when the table is not a transaction table.
func HeaderIndex(rows [][]string) int {
	for i, row := range rows {
		if isHeaderRow(row) {
			return i
		}
	}
	return -1
}

func isHeaderRow(row []string) bool {
	hasDay := false
	hasPrice := false
	for _, cell := range row {
		c := strings.ToLower(normalize.CleanText(cell))
		if c == "dia" {
			hasDay = true
		}
		if strings.Contains(c, "preço") || strings.Contains(c, "preco") {
			hasPrice = true
		}
	}
	return hasDay && hasPrice
}

// Reconstruct turns a raw table into ordered logical records. Tables without
// a recognizable header yield nil, which is not an error: pages carry other
// tables (balances, identification blocks) that are simply not transaction
// tables. A leading continuation row (anchor empty before any record is
// open) is discarded.
func Reconstruct(table model.RawTable, anchorColumns []int) []model.LogicalRecord {
	if len(anchorColumns) == 0 {
		anchorColumns = DefaultAnchorColumns
	}

	h := HeaderIndex(table.Rows)
	if h < 0 {
		return nil
	}

	headers := make([]string, len(table.Rows[h]))
	for i, cell := range table.Rows[h] {
		headers[i] = normalize.CleanText(cell)
	}

	var records []model.LogicalRecord
	var current []string
	st := idle

	flush := func() {
		if st == accumulating {
			records = append(records, model.LogicalRecord{Headers: headers, Values: current})
			current = nil
			st = idle
		}
	}

	for _, row := range table.Rows[h+1:] {
		row = fitToHeaders(row, len(headers))
		if rowEmpty(row) {
			continue
		}

		if anchorPresent(row, anchorColumns) {
			flush()
			current = make([]string, len(headers))
			for i, cell := range row {
				current[i] = normalize.CleanText(cell)
			}
			st = accumulating
			continue
		}

		if st == idle {
			// Continuation with no open record: accepted data loss.
			continue
		}
		for i, cell := range row {
			cell = normalize.CleanText(cell)
			if cell == "" {
				continue
			}
			if current[i] == "" {
				current[i] = cell
			} else {
				current[i] += " " + cell
			}
		}
	}
	flush()

	return records
}

// anchorPresent reports whether any configured anchor cell, counted from the
// end of the row, is non-empty.
func anchorPresent(row []string, anchorColumns []int) bool {
	for _, offset := range anchorColumns {
		idx := len(row) - 1 - offset
		if idx < 0 || idx >= len(row) {
			continue
		}
		if normalize.CleanText(row[idx]) != "" {
			return true
		}
	}
	return false
}

func rowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// fitToHeaders pads or truncates a row to the header width so column
// positions stay aligned for anchor checks and merging.
func fitToHeaders(row []string, width int) []string {
	if len(row) == width {
		return row
	}
	fitted := make([]string, width)
	copy(fitted, row)
	return fitted
}
