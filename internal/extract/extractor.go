// Package extract recovers the transaction tables of a CVM art. 11 filing
// from its PDF layout. The documents carry no machine-readable schema: the
// grid is implicit, so tables are rebuilt from positioned text by clustering
// glyphs into visual rows and assigning cells to the columns defined by the
// header row.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfcpumodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/cvmdata/insider-pipeline/internal/model"
	"github.com/cvmdata/insider-pipeline/internal/normalize"
	"github.com/cvmdata/insider-pipeline/internal/reconstruct"
)

const (
	// Layout thresholds, in points. Rows are glyph clusters within
	// rowTolerance on Y; a horizontal gap above cellGap separates cells,
	// one above wordGap separates words inside a cell.
	rowTolerance = 5.0
	cellGap      = 6.0
	wordGap      = 1.2

	monthSectionMarker = "movimentações no mês"
	partyNameLabel     = "nome da pessoa física ou jurídica"
	partyDocLabel      = "cpf/cnpj"
)

var refMonthPattern = regexp.MustCompile(`[Ee]m\s*(\d{2}/\d{4})`)

// noOperationsPattern matches the no-operations option only with its box
// checked. The same sentence is printed with an empty box "( )" on pages
// that do report operations.
var noOperationsPattern = regexp.MustCompile(`(?i)\(\s*x\s*\)\s*não foram realizadas operações`)

// Document is the extraction result for one filing: the disclosing-party
// block (first page wins), every monthly transaction table in page order,
// and per-page warnings for content that could not be read.
type Document struct {
	PageCount    int
	Party        *model.PartyBlock
	Tables       []model.RawTable
	NoOperations bool
	Warnings     []string
}

// Extractor turns PDF bytes into a Document.
type Extractor struct {
	maxFileSize int64
}

// NewExtractor creates an extractor that rejects documents above
// maxFileSize bytes (0 disables the check).
func NewExtractor(maxFileSize int64) *Extractor {
	return &Extractor{maxFileSize: maxFileSize}
}

// ExtractDocument parses the PDF and recovers the party block and monthly
// transaction tables. An error means the document itself is unreadable;
// pages that fail individually are skipped with a warning so one bad page
// does not lose the rest of the filing.
func (e *Extractor) ExtractDocument(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	if e.maxFileSize > 0 && int64(len(data)) > e.maxFileSize {
		return nil, fmt.Errorf("document too large: %d bytes (max %d)", len(data), e.maxFileSize)
	}

	if err := validateBytes(data); err != nil {
		return nil, fmt.Errorf("invalid PDF: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	doc := &Document{PageCount: reader.NumPage()}
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		e.extractPage(reader, pageNum, doc)
	}
	return doc, nil
}

// validateBytes runs a relaxed structural validation before text
// extraction, so corrupt downloads fail as a document-level parse error
// rather than a panic deep inside glyph decoding.
func validateBytes(data []byte) error {
	conf := pdfcpumodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfcpumodel.ValidationRelaxed

	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return err
	}
	return ctx.EnsurePageCount()
}

// extractPage processes a single page. Malformed page trees and content
// streams can panic inside the PDF library, so page resolution happens
// behind the recover too; the page is abandoned with a warning.
func (e *Extractor) extractPage(reader *pdf.Reader, pageNum int, doc *Document) {
	defer func() {
		if r := recover(); r != nil {
			doc.Warnings = append(doc.Warnings, fmt.Sprintf("page %d: panic during extraction: %v", pageNum, r))
		}
	}()

	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return
	}

	rows := clusterRows(page.Content().Text, rowTolerance)
	runRows := make([][]cellRun, 0, len(rows))
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		runs := mergeRuns(row, cellGap, wordGap)
		if len(runs) == 0 {
			continue
		}
		runRows = append(runRows, runs)
		lines = append(lines, rowText(runs))
	}
	if len(lines) == 0 {
		return
	}

	pageText := strings.Join(lines, "\n")
	lowerText := strings.ToLower(pageText)

	// The identification block appears on every page; only the first hit is
	// kept, since the whole filing belongs to one disclosing party.
	if doc.Party == nil {
		doc.Party = findParty(lines)
	}

	if noOperationsPattern.MatchString(pageText) {
		// "(X) não foram realizadas operações": a legitimate
		// zero-transaction page, not an error.
		doc.NoOperations = true
		return
	}
	if !strings.Contains(lowerText, monthSectionMarker) {
		return
	}

	m := refMonthPattern.FindStringSubmatch(pageText)
	if m == nil {
		doc.Warnings = append(doc.Warnings, fmt.Sprintf("page %d: monthly section without Em MM/YYYY reference", pageNum))
		return
	}
	month, year, ok := normalize.ParseMonthYear(m[1])
	if !ok {
		doc.Warnings = append(doc.Warnings, fmt.Sprintf("page %d: unparseable reference %q", pageNum, m[1]))
		return
	}

	doc.Tables = append(doc.Tables, pageTables(runRows, pageNum, month, year)...)
}

// pageTables slices the page's visual rows into tables, one per header row.
// Each table runs from its header to the next header (or page end); data
// cells are assigned to columns by the header's X boundaries.
func pageTables(runRows [][]cellRun, pageNum, month, year int) []model.RawTable {
	var tables []model.RawTable

	for i := 0; i < len(runRows); i++ {
		headerCells := runTexts(runRows[i])
		if reconstruct.HeaderIndex([][]string{headerCells}) != 0 {
			continue
		}

		bounds := columnBounds(runRows[i])
		tableRows := [][]string{headerCells}
		j := i + 1
		for ; j < len(runRows); j++ {
			cells := runTexts(runRows[j])
			if reconstruct.HeaderIndex([][]string{cells}) == 0 {
				break
			}
			tableRows = append(tableRows, assignColumns(runRows[j], bounds))
		}
		tables = append(tables, model.RawTable{Page: pageNum, Month: month, Year: year, Rows: tableRows})
		i = j - 1
	}

	return tables
}

// findParty locates the disclosing-party identification block. The value
// follows its label either on the same visual row or on the next one.
func findParty(lines []string) *model.PartyBlock {
	name := valueAfterLabel(lines, partyNameLabel, partyDocLabel)
	if name == "" {
		return nil
	}
	return &model.PartyBlock{
		Name:     name,
		Document: valueAfterLabel(lines, partyDocLabel, partyNameLabel),
	}
}

func valueAfterLabel(lines []string, label, otherLabel string) string {
	for i, line := range lines {
		idx := strings.Index(strings.ToLower(line), label)
		if idx < 0 {
			continue
		}

		rest := cleanLabelValue(line[idx+len(label):])
		if rest != "" && !strings.Contains(strings.ToLower(rest), otherLabel) {
			return rest
		}
		if i+1 < len(lines) {
			next := cleanLabelValue(lines[i+1])
			if next != "" && !strings.Contains(strings.ToLower(next), otherLabel) {
				return next
			}
		}
		return ""
	}
	return ""
}

func cleanLabelValue(s string) string {
	return normalize.CleanText(strings.TrimPrefix(strings.TrimSpace(s), ":"))
}
