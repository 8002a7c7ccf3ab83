package sheetfix

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// rowScanner finds data quality defects in a workbook's row data. The
// in-memory scanner is always available; a SQL-backed scanner takes over
// when its driver can open a database.
type rowScanner interface {
	scan(wb Workbook) ([]Defect, error)
}

// newRowScanner picks the best available data quality backend.
func newRowScanner(logger *zap.Logger) rowScanner {
	if s, ok := newSQLRowScanner(logger); ok {
		return s
	}
	return &memoryRowScanner{logger: logger}
}

// memoryRowScanner walks sheet rows in memory. It flags exact duplicate
// rows, columns with more than half their values missing, and columns where
// more than 30% of the numeric-looking values are stored as text.
type memoryRowScanner struct {
	logger *zap.Logger
}

func (s *memoryRowScanner) scan(wb Workbook) ([]Defect, error) {
	var defects []Defect
	for _, sheet := range wb.Sheets() {
		rows, err := wb.Rows(sheet)
		if err != nil {
			s.logger.Warn("skipping unreadable sheet", zap.String("sheet", sheet), zap.Error(err))
			continue
		}
		defects = append(defects, scanDuplicateRows(sheet, rows)...)
		defects = append(defects, s.scanColumns(wb, sheet, rows)...)
	}
	return defects, nil
}

// scanDuplicateRows reports every non-empty row whose cells exactly match an
// earlier row on the same sheet. The first occurrence is not a defect.
func scanDuplicateRows(sheet string, rows [][]string) []Defect {
	var defects []Defect
	seen := make(map[string]int, len(rows))
	for i, row := range rows {
		if rowIsEmpty(row) {
			continue
		}
		key := strings.Join(row, "\x00")
		if first, dup := seen[key]; dup {
			defects = append(defects, Defect{
				Kind:        KindDataQuality,
				Code:        "duplicate_row",
				Sheet:       sheet,
				Cell:        fmt.Sprintf("A%d", i+1),
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("row %d duplicates row %d", i+1, first+1),
				AutoFixable: false,
			})
			continue
		}
		seen[key] = i
	}
	return defects
}

// scanColumns checks per-column fill rate and text-stored numbers. Columns
// are sampled against the data rows only; the first row is treated as a
// header when present.
func (s *memoryRowScanner) scanColumns(wb Workbook, sheet string, rows [][]string) []Defect {
	if len(rows) < 2 {
		return nil
	}
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	var defects []Defect
	dataRows := rows[1:]
	for col := 0; col < width; col++ {
		filled, numericText, numericLike := 0, 0, 0
		for r, row := range dataRows {
			var value string
			if col < len(row) {
				value = strings.TrimSpace(row[col])
			}
			if value == "" {
				continue
			}
			filled++
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				continue
			}
			numericLike++
			cell, err := cellNameAt(col, r+1)
			if err != nil {
				continue
			}
			if text, err := wb.IsTextCell(sheet, cell); err == nil && text {
				numericText++
			}
		}

		header, _ := cellNameAt(col, 0)
		missing := len(dataRows) - filled
		if float64(missing)/float64(len(dataRows)) > 0.5 {
			defects = append(defects, Defect{
				Kind:        KindDataQuality,
				Code:        "missing_values",
				Sheet:       sheet,
				Cell:        header,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("column is missing %d of %d values", missing, len(dataRows)),
				AutoFixable: false,
			})
		}
		if numericLike > 0 && float64(numericText)/float64(numericLike) > 0.3 {
			defects = append(defects, Defect{
				Kind:        KindDataQuality,
				Code:        "text_numbers",
				Sheet:       sheet,
				Cell:        header,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("%d of %d numeric values are stored as text", numericText, numericLike),
				AutoFixable: false,
			})
		}
	}
	return defects
}

func rowIsEmpty(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
