package sheetfix

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// scanStructural checks workbook and sheet layout: merged cells, long empty
// gaps inside data, near-empty sheets, sheet sprawl, and header rows with
// blank or duplicate labels.
func (c *Classifier) scanStructural(wb Workbook) ([]Defect, error) {
	var defects []Defect

	sheets := wb.Sheets()
	if len(sheets) > 20 {
		defects = append(defects, Defect{
			Kind:        KindStructural,
			Code:        "too_many_sheets",
			Sheet:       sheets[0],
			Severity:    SeverityLow,
			Description: fmt.Sprintf("workbook has %d sheets; consider consolidating", len(sheets)),
			AutoFixable: false,
		})
	}

	for _, sheet := range sheets {
		rows, err := wb.Rows(sheet)
		if err != nil {
			c.logger.Warn("skipping unreadable sheet", zap.String("sheet", sheet), zap.Error(err))
			continue
		}
		defects = append(defects, scanMergedCells(wb, sheet)...)
		defects = append(defects, scanEmptyGaps(sheet, rows)...)
		defects = append(defects, scanSparseSheet(sheet, rows)...)
		defects = append(defects, scanHeaders(sheet, rows)...)
	}
	return defects, nil
}

// scanMergedCells flags every merged range. Merges complicate formulas and
// sorting, so each one is reported for review.
func scanMergedCells(wb Workbook, sheet string) []Defect {
	ranges, err := wb.MergedRanges(sheet)
	if err != nil {
		return nil
	}
	defects := make([]Defect, 0, len(ranges))
	for _, mergedRange := range ranges {
		start := mergedRange
		if i := strings.Index(mergedRange, ":"); i >= 0 {
			start = mergedRange[:i]
		}
		defects = append(defects, Defect{
			Kind:        KindStructural,
			Code:        "merged_cells",
			Sheet:       sheet,
			Cell:        start,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("merged range %s complicates formulas and sorting", mergedRange),
			AutoFixable: false,
		})
	}
	return defects
}

// scanEmptyGaps reports a sheet whose used range holds more than 10 fully
// empty rows, whether they are consecutive or scattered.
func scanEmptyGaps(sheet string, rows [][]string) []Defect {
	empty, firstEmpty := 0, -1
	for i, row := range rows {
		if rowIsEmpty(row) {
			if firstEmpty < 0 {
				firstEmpty = i
			}
			empty++
		}
	}
	if empty <= 10 {
		return nil
	}
	return []Defect{{
		Kind:        KindStructural,
		Code:        "empty_rows",
		Sheet:       sheet,
		Cell:        fmt.Sprintf("A%d", firstEmpty+1),
		Severity:    SeverityLow,
		Description: fmt.Sprintf("%d empty rows in the used range fragment the data", empty),
		AutoFixable: false,
	}}
}

// scanSparseSheet flags sheets that are empty or hold a single value.
func scanSparseSheet(sheet string, rows [][]string) []Defect {
	values := 0
	for _, row := range rows {
		for _, v := range row {
			if strings.TrimSpace(v) != "" {
				values++
				if values > 1 {
					return nil
				}
			}
		}
	}
	description := "sheet is empty"
	if values == 1 {
		description = "sheet holds a single value"
	}
	return []Defect{{
		Kind:        KindStructural,
		Code:        "sparse_sheet",
		Sheet:       sheet,
		Severity:    SeverityLow,
		Description: description,
		AutoFixable: false,
	}}
}

// scanHeaders checks the first row for blank and duplicate labels. Labels
// are compared after NFKC normalization and case folding, so full-width and
// half-width variants of the same header collide.
func scanHeaders(sheet string, rows [][]string) []Defect {
	if len(rows) < 2 || rowIsEmpty(rows[0]) {
		return nil
	}
	var defects []Defect
	seen := make(map[string]int, len(rows[0]))
	for col, label := range rows[0] {
		cell, err := cellNameAt(col, 0)
		if err != nil {
			continue
		}
		canonical := strings.ToLower(strings.TrimSpace(norm.NFKC.String(label)))
		if canonical == "" {
			defects = append(defects, Defect{
				Kind:        KindStructural,
				Code:        "blank_header",
				Sheet:       sheet,
				Cell:        cell,
				Severity:    SeverityLow,
				Description: "header cell is blank",
				AutoFixable: false,
			})
			continue
		}
		if firstCol, dup := seen[canonical]; dup {
			firstCell, _ := cellNameAt(firstCol, 0)
			defects = append(defects, Defect{
				Kind:        KindStructural,
				Code:        "duplicate_header",
				Sheet:       sheet,
				Cell:        cell,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("header %q duplicates %s", label, firstCell),
				AutoFixable: false,
			})
			continue
		}
		seen[canonical] = col
	}
	return defects
}
