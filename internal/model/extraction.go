package model

import (
	"fmt"
	"strings"
)

// PartyBlock is the disclosing-party identification block found in the
// filing, as printed.
type PartyBlock struct {
	Name     string
	Document string
}

// RawTable is one table recovered from a PDF page: rows of cell strings in
// visual order, empty strings preserved for blank cells. Month and Year come
// from the monthly section header the table belongs to.
type RawTable struct {
	Page  int
	Month int
	Year  int
	Rows  [][]string
}

// LogicalRecord is a fully reconstructed transaction row after
// continuation-row merging, keyed by the table's header labels.
type LogicalRecord struct {
	Headers []string
	Values  []string
}

// Get returns the value whose header label equals name after cleanup and
// case folding, or "" when absent.
func (r LogicalRecord) Get(name string) string {
	for i, h := range r.Headers {
		if i >= len(r.Values) {
			break
		}
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return r.Values[i]
		}
	}
	return ""
}

// GetContains returns the value of the first column whose header label
// contains sub (case-insensitive), or "" when absent. Filing templates vary
// the exact labels across revisions, so field lookup is by token, not by
// exact column name.
func (r LogicalRecord) GetContains(sub string) string {
	sub = strings.ToLower(sub)
	for i, h := range r.Headers {
		if i >= len(r.Values) {
			break
		}
		if strings.Contains(strings.ToLower(h), sub) {
			return r.Values[i]
		}
	}
	return ""
}

// FieldError describes a single row that could not be turned into a valid
// Transaction. Field-level failures drop the row and leave sibling rows in
// the same filing untouched.
type FieldError struct {
	Page   int
	Row    int
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("page %d row %d: field %q: %s", e.Page, e.Row, e.Field, e.Reason)
}
