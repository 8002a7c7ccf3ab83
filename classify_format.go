package sheetfix

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xuri/nfp"
	"go.uber.org/zap"
)

// Date string shapes recognized in cell values. Each pattern is one family;
// mixing families within a sheet is a formatting defect.
var datePatterns = map[string]*regexp.Regexp{
	"iso":     regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
	"slash":   regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{2,4}$`),
	"dot":     regexp.MustCompile(`^\d{4}\.\d{1,2}\.\d{1,2}$`),
	"compact": regexp.MustCompile(`^\d{8}$`),
	"textual": regexp.MustCompile(`^\d{1,2} [A-Za-z]{3,9} \d{4}$`),
}

var currencyPattern = regexp.MustCompile(`^[₩$€£¥]\s?-?[\d,]+(\.\d+)?$`)

// scanFormatting looks for inconsistent date families and mixed currency
// symbols across each sheet, and for currency-looking text in cells whose
// number format is not a currency format. Date and currency mixing is
// tallied sheet-wide, so two internally consistent columns that disagree
// with each other still surface.
func (c *Classifier) scanFormatting(wb Workbook) ([]Defect, error) {
	var defects []Defect
	for _, sheet := range wb.Sheets() {
		rows, err := wb.Rows(sheet)
		if err != nil {
			c.logger.Warn("skipping unreadable sheet", zap.String("sheet", sheet), zap.Error(err))
			continue
		}
		defects = append(defects, scanSheetFormats(wb, sheet, rows)...)
	}
	return defects, nil
}

func scanSheetFormats(wb Workbook, sheet string, rows [][]string) []Defect {
	dateFamilies := make(map[string]bool)
	currencySymbols := make(map[string]bool)
	currencyTextByCol := make(map[int]int)

	for r, row := range rows {
		for col, raw := range row {
			value := strings.TrimSpace(raw)
			if value == "" {
				continue
			}
			for family, pattern := range datePatterns {
				if pattern.MatchString(value) {
					dateFamilies[family] = true
					break
				}
			}
			if currencyPattern.MatchString(value) {
				currencySymbols[string([]rune(value)[0])] = true
				cell, err := cellNameAt(col, r)
				if err == nil && !cellHasCurrencyFormat(wb, sheet, cell) {
					currencyTextByCol[col]++
				}
			}
		}
	}

	var defects []Defect
	if len(dateFamilies) > 1 {
		defects = append(defects, Defect{
			Kind:        KindFormatting,
			Code:        "mixed_date_formats",
			Sheet:       sheet,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("sheet mixes %d date formats", len(dateFamilies)),
			AutoFixable: false,
		})
	}
	if len(currencySymbols) > 1 {
		defects = append(defects, Defect{
			Kind:        KindFormatting,
			Code:        "mixed_currency",
			Sheet:       sheet,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("sheet mixes %d currency symbols", len(currencySymbols)),
			AutoFixable: false,
		})
	}
	for col, count := range currencyTextByCol {
		header, err := cellNameAt(col, 0)
		if err != nil {
			continue
		}
		defects = append(defects, Defect{
			Kind:        KindFormatting,
			Code:        "currency_as_text",
			Sheet:       sheet,
			Cell:        header,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("%d currency-looking values lack a currency number format", count),
			AutoFixable: false,
		})
	}
	return defects
}

// cellHasCurrencyFormat parses the cell's number format code and reports
// whether any section carries a currency token.
func cellHasCurrencyFormat(wb Workbook, sheet, cell string) bool {
	format, err := wb.NumberFormat(sheet, cell)
	if err != nil || format == "" || format == "General" {
		return false
	}
	parsed := nfp.NumberFormatParser()
	for _, section := range parsed.Parse(format) {
		for _, token := range section.Items {
			if token.TType == nfp.TokenTypeCurrencyLanguage {
				return true
			}
		}
	}
	return strings.ContainsAny(format, "₩$€£¥")
}
