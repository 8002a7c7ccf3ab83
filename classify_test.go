package sheetfix

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func defectsOfKind(defects []Defect, kind DefectKind) []Defect {
	var out []Defect
	for _, d := range defects {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func TestClassifyFormulaErrors(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "A1", "=B1/C1", "#DIV/0!").
		setFormulaCell("Sheet1", "A2", "=VLOOKUP(B2,D:E,2,FALSE)", "#N/A").
		set("Sheet1", "A3", "plain text")

	defects := NewClassifier().Classify(wb)
	errors := defectsOfKind(defects, KindFormulaError)
	require.Len(t, errors, 2)

	byCell := make(map[string]Defect)
	for _, d := range errors {
		byCell[d.Cell] = d
	}

	div := byCell["A1"]
	assert.Equal(t, "#DIV/0!", div.Code)
	assert.Equal(t, "#DIV/0!", div.Value)
	assert.Equal(t, SeverityHigh, div.Severity)
	assert.True(t, div.AutoFixable)
	assert.InDelta(t, 0.9, div.Confidence, 1e-9)
	assert.NotEmpty(t, div.SuggestedFix)

	na := byCell["A2"]
	assert.Equal(t, "#N/A", na.Code)
	assert.InDelta(t, 0.7, na.Confidence, 1e-9)
}

func TestClassifyEachErrorCodeOnce(t *testing.T) {
	wb := newFakeWorkbook("Sheet1")
	row := 1
	for code := range errorCodes {
		cell, err := cellNameAt(0, row-1)
		require.NoError(t, err)
		wb.setFormulaCell("Sheet1", cell, "=X1", code)
		row++
	}

	defects := NewClassifier().Classify(wb)
	errors := defectsOfKind(defects, KindFormulaError)
	assert.Len(t, errors, len(errorCodes))
}

func TestClassifyRefErrorNotAutoFixable(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "B2", "=#REF!+1", "#REF!")

	defects := NewClassifier().Classify(wb)
	errors := defectsOfKind(defects, KindFormulaError)
	require.Len(t, errors, 1)
	assert.Equal(t, "#REF!", errors[0].Code)
	assert.Equal(t, SeverityCritical, errors[0].Severity)
	assert.False(t, errors[0].AutoFixable)

	// The cell evaluates to an error code, so it is a formula error, not a
	// separate broken reference finding.
	assert.Empty(t, defectsOfKind(defects, KindBrokenReference))
}

func TestClassifyBrokenReferenceInHealthyCell(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "A1", `=IFERROR(#REF!+1, 0)`, "0")

	defects := NewClassifier().Classify(wb)
	broken := defectsOfKind(defects, KindBrokenReference)
	require.Len(t, broken, 1)
	assert.Equal(t, SeverityCritical, broken[0].Severity)
}

func TestClassifyInefficiencies(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "A1", "=VLOOKUP(B1,D1:E9,2,FALSE)", "x").
		setFormulaCell("Sheet1", "A2", `=IF(B2=1,"a",IF(B2=2,"b",IF(B2=3,"c",IF(B2=4,"d","e"))))`, "a").
		setFormulaCell("Sheet1", "A3", "=SUM(B:B)", "0").
		setFormulaCell("Sheet1", "A4", "{=SUM(B1:B9*C1:C9)}", "0")

	defects := defectsOfKind(NewClassifier().Classify(wb), KindInefficiency)
	codes := make(map[string]bool)
	for _, d := range defects {
		codes[d.Code] = true
	}
	assert.True(t, codes["vlookup_to_xlookup"])
	assert.True(t, codes["nested_if"])
	assert.True(t, codes["whole_range"])
	assert.True(t, codes["legacy_array"])
	for _, d := range defects {
		assert.Equal(t, SeverityMedium, d.Severity, d.Code)
		assert.True(t, d.AutoFixable, d.Code)
	}
}

func TestClassifyDuplicateRows(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		set("Sheet1", "A1", "name").set("Sheet1", "B1", "amount").
		set("Sheet1", "A2", "widget").set("Sheet1", "B2", "10").
		set("Sheet1", "A3", "widget").set("Sheet1", "B3", "10").
		set("Sheet1", "A4", "gadget").set("Sheet1", "B4", "20")

	scanner := &memoryRowScanner{logger: zap.NewNop()}
	defects, err := scanner.scan(wb)
	require.NoError(t, err)

	dups := make([]Defect, 0)
	for _, d := range defects {
		if d.Code == "duplicate_row" {
			dups = append(dups, d)
		}
	}
	require.Len(t, dups, 1)
	assert.Equal(t, "A3", dups[0].Cell)
}

func TestClassifyMissingValues(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		set("Sheet1", "A1", "name").set("Sheet1", "B1", "amount")
	// Four data rows, column B filled once: 3 of 4 missing.
	wb.set("Sheet1", "A2", "a").set("Sheet1", "B2", "1")
	wb.set("Sheet1", "A3", "b")
	wb.set("Sheet1", "A4", "c")
	wb.set("Sheet1", "A5", "d")

	scanner := &memoryRowScanner{logger: zap.NewNop()}
	defects, err := scanner.scan(wb)
	require.NoError(t, err)

	var missing []Defect
	for _, d := range defects {
		if d.Code == "missing_values" {
			missing = append(missing, d)
		}
	}
	require.Len(t, missing, 1)
	assert.Equal(t, "B1", missing[0].Cell)
}

func TestClassifyFullyEmptyColumn(t *testing.T) {
	// Column B has a header but no data at all.
	wb := newFakeWorkbook("Sheet1").
		set("Sheet1", "A1", "name").set("Sheet1", "B1", "amount").set("Sheet1", "C1", "note")
	wb.set("Sheet1", "A2", "a").set("Sheet1", "C2", "x")
	wb.set("Sheet1", "A3", "b").set("Sheet1", "C3", "y")

	scanner := &memoryRowScanner{logger: zap.NewNop()}
	defects, err := scanner.scan(wb)
	require.NoError(t, err)

	var missing []Defect
	for _, d := range defects {
		if d.Code == "missing_values" {
			missing = append(missing, d)
		}
	}
	require.Len(t, missing, 1)
	assert.Equal(t, "B1", missing[0].Cell)
	assert.Contains(t, missing[0].Description, "2 of 2")
}

func TestClassifyTextNumbers(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		set("Sheet1", "A1", "amount").
		set("Sheet1", "A2", "10").
		set("Sheet1", "A3", "20").
		set("Sheet1", "A4", "30")
	wb.textCells["Sheet1!A2"] = true
	wb.textCells["Sheet1!A3"] = true

	scanner := &memoryRowScanner{logger: zap.NewNop()}
	defects, err := scanner.scan(wb)
	require.NoError(t, err)

	var textNums []Defect
	for _, d := range defects {
		if d.Code == "text_numbers" {
			textNums = append(textNums, d)
		}
	}
	require.Len(t, textNums, 1)
}

func TestClassifyStructural(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		set("Sheet1", "A1", "header").
		set("Sheet1", "A20", "data after a long gap")
	wb.merged["Sheet1"] = []string{"B1:C2"}

	defects := NewClassifier().Classify(wb)
	structural := defectsOfKind(defects, KindStructural)

	codes := make(map[string]bool)
	for _, d := range structural {
		codes[d.Code] = true
	}
	assert.True(t, codes["merged_cells"])
	assert.True(t, codes["empty_rows"])
}

func TestClassifyScatteredEmptyRows(t *testing.T) {
	// Eleven empty rows interleaved with data, never more than one in a row.
	wb := newFakeWorkbook("Sheet1")
	for i := 1; i <= 23; i += 2 {
		wb.set("Sheet1", fmt.Sprintf("A%d", i), "data")
	}

	defects := scanEmptyGaps("Sheet1", mustRows(t, wb))
	require.Len(t, defects, 1)
	assert.Equal(t, "empty_rows", defects[0].Code)
	assert.Contains(t, defects[0].Description, "11 empty rows")
}

func TestClassifyDuplicateHeaders(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		set("Sheet1", "A1", "Amount").
		set("Sheet1", "B1", "amount").
		set("Sheet1", "C1", "  ").
		set("Sheet1", "D1", "total").
		set("Sheet1", "A2", "1").set("Sheet1", "B2", "2").
		set("Sheet1", "C2", "3").set("Sheet1", "D2", "4")

	defects := scanHeaders("Sheet1", mustRows(t, wb))
	codes := make(map[string]int)
	for _, d := range defects {
		codes[d.Code]++
	}
	assert.Equal(t, 1, codes["duplicate_header"])
	assert.Equal(t, 1, codes["blank_header"])
}

func TestClassifySparseSheet(t *testing.T) {
	wb := newFakeWorkbook("Main", "Scratch").
		set("Main", "A1", "h").set("Main", "A2", "1").set("Main", "B2", "2").
		set("Scratch", "A1", "lonely")

	defects := defectsOfKind(NewClassifier().Classify(wb), KindStructural)
	var sparse []Defect
	for _, d := range defects {
		if d.Code == "sparse_sheet" {
			sparse = append(sparse, d)
		}
	}
	require.Len(t, sparse, 1)
	assert.Equal(t, "Scratch", sparse[0].Sheet)
}

func TestClassifyMixedDateFormats(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		set("Sheet1", "A1", "date").
		set("Sheet1", "A2", "2026-01-15").
		set("Sheet1", "A3", "15/01/2026")

	defects := defectsOfKind(NewClassifier().Classify(wb), KindFormatting)
	require.NotEmpty(t, defects)
	assert.Equal(t, "mixed_date_formats", defects[0].Code)
}

func TestClassifyMixedCurrency(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		set("Sheet1", "A1", "price").
		set("Sheet1", "A2", "$100").
		set("Sheet1", "A3", "€200")

	defects := defectsOfKind(NewClassifier().Classify(wb), KindFormatting)
	codes := make(map[string]bool)
	for _, d := range defects {
		codes[d.Code] = true
	}
	assert.True(t, codes["mixed_currency"])
}

func TestClassifyMixedFormatsAcrossColumns(t *testing.T) {
	// Each column is internally consistent; the sheet as a whole is not.
	wb := newFakeWorkbook("Sheet1").
		set("Sheet1", "A1", "2026-01-15").
		set("Sheet1", "A2", "2026-02-20").
		set("Sheet1", "B1", "15/01/2026").
		set("Sheet1", "B2", "20/02/2026").
		set("Sheet1", "C1", "$100").
		set("Sheet1", "D1", "€200")

	defects := defectsOfKind(NewClassifier().Classify(wb), KindFormatting)
	codes := make(map[string]bool)
	for _, d := range defects {
		codes[d.Code] = true
	}
	assert.True(t, codes["mixed_date_formats"])
	assert.True(t, codes["mixed_currency"])
}

func mustRows(t *testing.T, wb Workbook) [][]string {
	t.Helper()
	rows, err := wb.Rows("Sheet1")
	require.NoError(t, err)
	return rows
}
