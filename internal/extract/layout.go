package extract

import (
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// cellRun is a horizontal run of glyphs forming one table cell candidate.
type cellRun struct {
	x0, x1 float64
	text   string
}

// clusterRows groups positioned glyphs into visual rows by Y coordinate
// within tolerance, top of page first, left to right within a row.
func clusterRows(texts []pdf.Text, tolerance float64) [][]pdf.Text {
	if len(texts) == 0 {
		return nil
	}

	sorted := make([]pdf.Text, len(texts))
	copy(sorted, texts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var rows [][]pdf.Text
	currentRow := []pdf.Text{sorted[0]}
	currentY := sorted[0].Y

	for _, t := range sorted[1:] {
		if math.Abs(t.Y-currentY) <= tolerance {
			currentRow = append(currentRow, t)
		} else {
			rows = append(rows, currentRow)
			currentRow = []pdf.Text{t}
			currentY = t.Y
		}
	}
	rows = append(rows, currentRow)

	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })
	}
	return rows
}

// mergeRuns joins a row's glyphs into cell runs. A horizontal gap above
// cellGapPt starts a new cell; one above wordGapPt inserts a space within
// the current cell. Whitespace-only glyphs are dropped.
func mergeRuns(row []pdf.Text, cellGapPt, wordGapPt float64) []cellRun {
	var runs []cellRun
	open := false
	var current cellRun

	for _, t := range row {
		if strings.TrimSpace(t.S) == "" {
			continue
		}
		right := t.X + t.W

		if !open {
			current = cellRun{x0: t.X, x1: right, text: t.S}
			open = true
			continue
		}

		gap := t.X - current.x1
		if gap > cellGapPt {
			runs = append(runs, current)
			current = cellRun{x0: t.X, x1: right, text: t.S}
			continue
		}
		if gap > wordGapPt {
			current.text += " "
		}
		current.text += t.S
		if right > current.x1 {
			current.x1 = right
		}
	}
	if open {
		runs = append(runs, current)
	}
	return runs
}

func runTexts(runs []cellRun) []string {
	cells := make([]string, len(runs))
	for i, r := range runs {
		cells[i] = r.text
	}
	return cells
}

func rowText(runs []cellRun) string {
	return strings.Join(runTexts(runs), " ")
}

// columnBounds derives column boundaries from a header row: the midpoint of
// each gap between adjacent header cells, with open ends.
func columnBounds(header []cellRun) []float64 {
	bounds := make([]float64, len(header)+1)
	bounds[0] = math.Inf(-1)
	for i := 1; i < len(header); i++ {
		bounds[i] = (header[i-1].x1 + header[i].x0) / 2
	}
	bounds[len(header)] = math.Inf(1)
	return bounds
}

// assignColumns places each cell run into the header column containing its
// center. Runs landing in the same column are space-joined; columns with no
// run stay empty, which the reconstructor relies on for anchor checks.
func assignColumns(runs []cellRun, bounds []float64) []string {
	cells := make([]string, len(bounds)-1)
	for _, r := range runs {
		center := (r.x0 + r.x1) / 2
		for i := 0; i < len(cells); i++ {
			if center >= bounds[i] && center < bounds[i+1] {
				if cells[i] == "" {
					cells[i] = r.text
				} else {
					cells[i] += " " + r.text
				}
				break
			}
		}
	}
	return cells
}
