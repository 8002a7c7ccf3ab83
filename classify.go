package sheetfix

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Classifier scans a workbook and produces categorized defects. Each check
// runs independently; a panic or error in one check is logged and the rest
// still run, so a malformed sheet never hides the other findings.
type Classifier struct {
	logger  *zap.Logger
	scanner rowScanner
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithClassifierLogger sets the classifier's logger.
func WithClassifierLogger(logger *zap.Logger) ClassifierOption {
	return func(c *Classifier) { c.logger = logger }
}

// WithRowScanner overrides the data quality scanning backend.
func WithRowScanner(s rowScanner) ClassifierOption {
	return func(c *Classifier) { c.scanner = s }
}

// NewClassifier constructs a classifier. The data quality backend defaults
// to the SQL scanner when its driver is available, the in-memory scanner
// otherwise.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.scanner == nil {
		c.scanner = newRowScanner(c.logger)
	}
	return c
}

type defectCheck struct {
	name string
	run  func(wb Workbook) ([]Defect, error)
}

// Classify runs every check over the workbook and returns the merged,
// sorted findings.
func (c *Classifier) Classify(wb Workbook) []Defect {
	checks := []defectCheck{
		{"formula_errors", c.scanFormulaErrors},
		{"inefficiencies", c.scanInefficiencies},
		{"data_quality", func(wb Workbook) ([]Defect, error) { return c.scanner.scan(wb) }},
		{"structural", c.scanStructural},
		{"formatting", c.scanFormatting},
	}

	var defects []Defect
	for _, check := range checks {
		found, err := c.runCheck(check, wb)
		if err != nil {
			c.logger.Warn("defect check failed", zap.String("check", check.name), zap.Error(err))
			continue
		}
		defects = append(defects, found...)
	}
	sortDefects(defects)
	return defects
}

func (c *Classifier) runCheck(check defectCheck, wb Workbook) (defects []Defect, err error) {
	defer func() {
		if r := recover(); r != nil {
			defects, err = nil, fmt.Errorf("check %s panicked: %v", check.name, r)
		}
	}()
	return check.run(wb)
}

// scanFormulaErrors walks every cell of every sheet. A cell whose displayed
// value is an Excel error code yields exactly one formula_error finding. A
// formula that embeds the literal #REF! token without evaluating to an error
// code yields a broken_reference finding instead.
func (c *Classifier) scanFormulaErrors(wb Workbook) ([]Defect, error) {
	var defects []Defect
	for _, sheet := range wb.Sheets() {
		rows, err := wb.Rows(sheet)
		if err != nil {
			c.logger.Warn("skipping unreadable sheet", zap.String("sheet", sheet), zap.Error(err))
			continue
		}
		for r, row := range rows {
			for col, value := range row {
				cell, err := cellNameAt(col, r)
				if err != nil {
					continue
				}
				value = strings.TrimSpace(value)
				if info, ok := errorCodes[value]; ok {
					formula, _ := wb.Formula(sheet, cell)
					defects = append(defects, Defect{
						Kind:         KindFormulaError,
						Code:         value,
						Sheet:        sheet,
						Cell:         cell,
						Formula:      formula,
						Value:        value,
						Severity:     info.severity,
						Description:  fmt.Sprintf("%s: %s", value, info.description),
						SuggestedFix: info.suggestion,
						AutoFixable:  info.autoFixable,
						Confidence:   info.confidence,
					})
					continue
				}
				formula, _ := wb.Formula(sheet, cell)
				if formula != "" && strings.Contains(formula, "#REF!") {
					defects = append(defects, Defect{
						Kind:         KindBrokenReference,
						Code:         "#REF!",
						Sheet:        sheet,
						Cell:         cell,
						Formula:      formula,
						Severity:     SeverityCritical,
						Description:  "formula references a deleted cell",
						SuggestedFix: "restore the deleted cell or update the reference",
						AutoFixable:  false,
						Confidence:   0.3,
					})
				}
			}
		}
	}
	return defects, nil
}

var nestedIFPattern = regexp.MustCompile(`(?i)\bIF\s*\(`)

// wholeRangePattern matches whole-column (A:A) and whole-row (3:3)
// references.
var wholeRangePattern = regexp.MustCompile(`(\$?[A-Za-z]{1,3}:\$?[A-Za-z]{1,3}|\$?[0-9]+:\$?[0-9]+)`)

// scanInefficiencies flags formula constructs that work but scale or age
// poorly: VLOOKUP where XLOOKUP fits, IF nesting deeper than three levels,
// whole column or row ranges, and legacy array formulas.
func (c *Classifier) scanInefficiencies(wb Workbook) ([]Defect, error) {
	var defects []Defect
	for _, sheet := range wb.Sheets() {
		rows, err := wb.Rows(sheet)
		if err != nil {
			continue
		}
		for r, row := range rows {
			for col := range row {
				cell, err := cellNameAt(col, r)
				if err != nil {
					continue
				}
				formula, err := wb.Formula(sheet, cell)
				if err != nil || formula == "" {
					continue
				}
				upper := strings.ToUpper(formula)
				if strings.Contains(upper, "VLOOKUP(") {
					defects = append(defects, inefficiency(sheet, cell, formula, "vlookup_to_xlookup",
						"VLOOKUP can be replaced with XLOOKUP for clarity and robustness", true, 0.8))
				}
				if n := len(nestedIFPattern.FindAllString(formula, -1)); n > 3 {
					defects = append(defects, inefficiency(sheet, cell, formula, "nested_if",
						fmt.Sprintf("%d nested IF levels; consider IFS or a lookup table", n), true, 0.75))
				}
				if wholeRangePattern.MatchString(formula) {
					defects = append(defects, inefficiency(sheet, cell, formula, "whole_range",
						"whole column or row reference forces scanning the entire sheet", true, 0.6))
				}
				if strings.HasPrefix(formula, "{=") && strings.HasSuffix(formula, "}") {
					defects = append(defects, inefficiency(sheet, cell, formula, "legacy_array",
						"legacy array formula; dynamic arrays no longer need Ctrl+Shift+Enter", true, 0.8))
				}
			}
		}
	}
	return defects, nil
}

func inefficiency(sheet, cell, formula, code, description string, fixable bool, confidence float64) Defect {
	return Defect{
		Kind:        KindInefficiency,
		Code:        code,
		Sheet:       sheet,
		Cell:        cell,
		Formula:     formula,
		Severity:    SeverityMedium,
		Description: description,
		AutoFixable: fixable,
		Confidence:  confidence,
	}
}
