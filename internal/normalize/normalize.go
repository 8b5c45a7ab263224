// Package normalize holds the pure field-level parsing functions for values
// extracted from CVM filings: whitespace cleanup, pt-BR numeric notation
// (thousands dots, decimal comma, parenthesised negatives) and reference
// date assembly. Parsing failures never panic; they degrade to nil so the
// caller can apply the row-level invariants.
package normalize

import (
	"strconv"
	"strings"
	"time"
)

// CleanText collapses internal whitespace runs to single spaces and trims.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NameKey normalizes a disclosing-party name for (issuer, name) lookups.
func NameKey(s string) string {
	return strings.ToLower(CleanText(s))
}

// ParseNumber parses a pt-BR formatted numeric cell. "1.050,00" yields
// 1050.00 and "(500)" yields -500. Empty cells and the "-" placeholder
// yield nil, as does anything unparseable.
func ParseNumber(s string) *float64 {
	cleaned := CleanText(s)
	if cleaned == "" || cleaned == "-" {
		return nil
	}

	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		negative = true
		cleaned = strings.TrimSpace(cleaned[1 : len(cleaned)-1])
	}

	cleaned = strings.TrimPrefix(cleaned, "R$")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ".", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	if cleaned == "" || cleaned == "-" {
		return nil
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	if negative {
		v = -v
	}
	return &v
}

// ParseDay parses a day-of-month cell. Some templates render days as
// "15,0", so the value goes through ParseNumber first.
func ParseDay(s string) (int, bool) {
	v := ParseNumber(s)
	if v == nil {
		return 0, false
	}
	day := int(*v)
	if float64(day) != *v || day < 1 || day > 31 {
		return 0, false
	}
	return day, true
}

// ParseMonthYear parses the "MM/YYYY" reference of a monthly section header.
func ParseMonthYear(s string) (month, year int, ok bool) {
	parts := strings.SplitN(CleanText(s), "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(parts[0])
	if err != nil || m < 1 || m > 12 {
		return 0, 0, false
	}
	y, err := strconv.Atoi(parts[1])
	if err != nil || y < 1900 || y > 9999 {
		return 0, 0, false
	}
	return m, y, true
}

// MakeDate combines a reference month/year with a per-row day. Days that do
// not exist in the month (Feb 30) are rejected rather than normalized.
func MakeDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Year() != year || d.Month() != time.Month(month) || d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}
