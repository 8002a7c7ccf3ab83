package sheetfix

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// NamedRange is a user-defined name bound to one or more cell ranges. Each
// entry in Refs is a fully-qualified reference such as "Sheet1!A1:B2".
type NamedRange struct {
	Name string
	Refs []string
}

// Workbook is the read/write surface the analysis and repair components need
// from a parsed workbook. The file reader/writer itself is an external
// collaborator; ExcelizeWorkbook adapts *excelize.File to this interface.
type Workbook interface {
	// Sheets returns the sheet names in workbook order.
	Sheets() []string
	// Rows returns all cell values of a sheet by row, as excelize does:
	// trailing empty cells may be omitted and empty rows are empty slices.
	Rows(sheet string) ([][]string, error)
	// Value returns the current (cached) value of a cell.
	Value(sheet, cell string) (string, error)
	// Formula returns the cell's formula including the leading "=", or ""
	// for a non-formula cell.
	Formula(sheet, cell string) (string, error)
	// SetFormula replaces a cell's formula text. The leading "=" is
	// accepted and normalized.
	SetFormula(sheet, cell, formula string) error
	// IsTextCell reports whether the cell's value is stored as text.
	IsTextCell(sheet, cell string) (bool, error)
	// NumberFormat returns the cell's custom number format code, or ""
	// when the cell uses a general or built-in format.
	NumberFormat(sheet, cell string) (string, error)
	// MergedRanges returns the merged cell ranges of a sheet ("A1:B2").
	MergedRanges(sheet string) ([]string, error)
	// NamedRanges returns the workbook's defined names.
	NamedRanges() ([]NamedRange, error)
}

// ExcelizeWorkbook adapts an *excelize.File to the Workbook interface.
type ExcelizeWorkbook struct {
	f *excelize.File
}

// NewExcelizeWorkbook wraps an already opened excelize file.
func NewExcelizeWorkbook(f *excelize.File) *ExcelizeWorkbook {
	return &ExcelizeWorkbook{f: f}
}

// OpenWorkbookFile opens a workbook from disk. This is the catastrophic
// failure path: every other operation degrades to a partial result, but a
// workbook that cannot be opened surfaces as a hard error.
func OpenWorkbookFile(path string) (*ExcelizeWorkbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	return &ExcelizeWorkbook{f: f}, nil
}

// File exposes the underlying excelize file, for callers that need to save
// or close it.
func (w *ExcelizeWorkbook) File() *excelize.File { return w.f }

// Close closes the underlying file.
func (w *ExcelizeWorkbook) Close() error { return w.f.Close() }

// Sheets returns the sheet names in workbook order.
func (w *ExcelizeWorkbook) Sheets() []string { return w.f.GetSheetList() }

// Rows returns all cell values of a sheet by row.
func (w *ExcelizeWorkbook) Rows(sheet string) ([][]string, error) {
	return w.f.GetRows(sheet)
}

// Value returns the current value of a cell.
func (w *ExcelizeWorkbook) Value(sheet, cell string) (string, error) {
	return w.f.GetCellValue(sheet, cell)
}

// Formula returns the cell's formula with a leading "=", or "" when the cell
// holds no formula.
func (w *ExcelizeWorkbook) Formula(sheet, cell string) (string, error) {
	formula, err := w.f.GetCellFormula(sheet, cell)
	if err != nil || formula == "" {
		return "", err
	}
	if !strings.HasPrefix(formula, "=") {
		formula = "=" + formula
	}
	return formula, nil
}

// SetFormula replaces a cell's formula text.
func (w *ExcelizeWorkbook) SetFormula(sheet, cell, formula string) error {
	return w.f.SetCellFormula(sheet, cell, strings.TrimPrefix(formula, "="))
}

// IsTextCell reports whether the cell value is stored as a string.
func (w *ExcelizeWorkbook) IsTextCell(sheet, cell string) (bool, error) {
	t, err := w.f.GetCellType(sheet, cell)
	if err != nil {
		return false, err
	}
	return t == excelize.CellTypeSharedString || t == excelize.CellTypeInlineString, nil
}

// NumberFormat returns the custom number format code applied to the cell,
// or "" when none is set.
func (w *ExcelizeWorkbook) NumberFormat(sheet, cell string) (string, error) {
	styleID, err := w.f.GetCellStyle(sheet, cell)
	if err != nil {
		return "", err
	}
	style, err := w.f.GetStyle(styleID)
	if err != nil || style == nil {
		return "", err
	}
	if style.CustomNumFmt != nil {
		return *style.CustomNumFmt, nil
	}
	return "", nil
}

// MergedRanges returns the merged cell ranges of a sheet.
func (w *ExcelizeWorkbook) MergedRanges(sheet string) ([]string, error) {
	merged, err := w.f.GetMergeCells(sheet)
	if err != nil {
		return nil, err
	}
	ranges := make([]string, 0, len(merged))
	for _, m := range merged {
		ranges = append(ranges, m.GetStartAxis()+":"+m.GetEndAxis())
	}
	return ranges, nil
}

// NamedRanges returns the workbook's defined names with their destinations.
func (w *ExcelizeWorkbook) NamedRanges() ([]NamedRange, error) {
	defined := w.f.GetDefinedName()
	ranges := make([]NamedRange, 0, len(defined))
	for _, d := range defined {
		refs := make([]string, 0, 1)
		for _, ref := range strings.Split(d.RefersTo, ",") {
			ref = strings.TrimSpace(strings.ReplaceAll(ref, "$", ""))
			if ref != "" {
				refs = append(refs, strings.ReplaceAll(ref, "'", ""))
			}
		}
		if len(refs) > 0 {
			ranges = append(ranges, NamedRange{Name: d.Name, Refs: refs})
		}
	}
	return ranges, nil
}
