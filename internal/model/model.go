// Package model defines the domain records shared across the pipeline:
// filings discovered from the regulator's index, the insiders disclosed in
// them, and the individual security transactions extracted from the PDFs.
package model

import "time"

// Filing is one disclosure document submitted by a company for a reference
// period. Protocol is the regulator-assigned natural key; ProcessedAt stays
// nil until the pipeline reaches a terminal outcome for the filing.
type Filing struct {
	ID            int64
	Protocol      string
	IssuerCNPJ    string
	ReferenceDate time.Time
	DocumentURL   string
	ProcessedAt   *time.Time
}

// Processed reports whether the filing has reached a terminal outcome.
func (f Filing) Processed() bool {
	return f.ProcessedAt != nil
}

// Insider is a disclosing party (individual or legal entity) tied to one
// issuer. At most one row exists per (issuer, normalized name) pair.
type Insider struct {
	ID             int64
	IssuerCNPJ     string
	Name           string
	Document       *string
	Classification string
}

// Transaction is one reported movement of a security, owned by exactly one
// Filing and one Insider. Quantity is never zero for persisted rows; Price
// and Volume are nil when the filing leaves them blank.
type Transaction struct {
	ID           int64
	FilingID     int64
	InsiderID    int64
	Date         time.Time
	Operation    string
	Asset        string
	Quantity     int64
	Price        *float64
	Volume       *float64
	Intermediary *string
}
