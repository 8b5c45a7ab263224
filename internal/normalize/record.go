package normalize

import (
	"github.com/cvmdata/insider-pipeline/internal/model"
)

// Column lookup tokens for the transaction table. Labels vary slightly
// across filing-template revisions; matching is by token, mirroring the
// header search in the reconstructor.
const (
	colDay          = "dia"
	colOperation    = "opera"
	colAsset        = "valor mobili"
	colQuantity     = "quantidade"
	colPrice        = "pre"
	colVolume       = "volume"
	colIntermediary = "intermedi"
)

// RecordToTransaction converts a reconstructed logical record into a
// Transaction dated within the given reference month. A nil FieldError
// means the transaction is valid; otherwise the row must be dropped.
// FilingID and InsiderID are left for the caller to assign.
func RecordToTransaction(rec model.LogicalRecord, year, month, page, row int) (*model.Transaction, *model.FieldError) {
	day, ok := ParseDay(rec.Get(colDay))
	if !ok {
		return nil, &model.FieldError{Page: page, Row: row, Field: "day", Reason: "missing or invalid day"}
	}
	date, ok := MakeDate(year, month, day)
	if !ok {
		return nil, &model.FieldError{Page: page, Row: row, Field: "day", Reason: "day outside reference month"}
	}

	quantity := ParseNumber(rec.GetContains(colQuantity))
	if quantity == nil {
		return nil, &model.FieldError{Page: page, Row: row, Field: "quantity", Reason: "missing or unparseable quantity"}
	}
	if *quantity == 0 {
		// Zero-quantity rows are reporting artifacts, not transactions.
		return nil, &model.FieldError{Page: page, Row: row, Field: "quantity", Reason: "zero quantity"}
	}

	tx := &model.Transaction{
		Date:      date,
		Operation: CleanText(rec.GetContains(colOperation)),
		Asset:     CleanText(rec.GetContains(colAsset)),
		Quantity:  int64(*quantity),
		Price:     ParseNumber(rec.GetContains(colPrice)),
		Volume:    ParseNumber(rec.GetContains(colVolume)),
	}
	if im := CleanText(rec.GetContains(colIntermediary)); im != "" {
		tx.Intermediary = &im
	}
	return tx, nil
}
