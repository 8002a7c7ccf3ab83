package sheetfix

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// CellRef identifies a single cell by sheet name and A1-style cell name.
// The canonical string form is "Sheet!A1".
type CellRef struct {
	Sheet string
	Cell  string
}

// String returns the canonical "Sheet!A1" form of the reference.
func (r CellRef) String() string {
	return r.Sheet + "!" + r.Cell
}

// ParseCellRef parses a canonical "Sheet!A1" string. Sheet names wrapped in
// single quotes are unquoted. An unqualified cell name is resolved against
// defaultSheet.
func ParseCellRef(ref, defaultSheet string) (CellRef, error) {
	if i := strings.LastIndex(ref, "!"); i >= 0 {
		sheet := strings.Trim(ref[:i], "'")
		cell := ref[i+1:]
		if sheet == "" || cell == "" {
			return CellRef{}, fmt.Errorf("invalid cell reference %q", ref)
		}
		return CellRef{Sheet: sheet, Cell: normalizeCellName(cell)}, nil
	}
	if ref == "" {
		return CellRef{}, fmt.Errorf("invalid cell reference %q", ref)
	}
	return CellRef{Sheet: defaultSheet, Cell: normalizeCellName(ref)}, nil
}

// normalizeCellName strips absolute markers and upper-cases the column part,
// so $a$1, A$1 and a1 all canonicalize to A1.
func normalizeCellName(cell string) string {
	return strings.ToUpper(strings.ReplaceAll(cell, "$", ""))
}

// splitLocation splits a "Sheet!A1" location into its parts, defaulting the
// sheet to "" when the location is unqualified.
func splitLocation(location string) (sheet, cell string) {
	if i := strings.LastIndex(location, "!"); i >= 0 {
		return strings.Trim(location[:i], "'"), location[i+1:]
	}
	return "", location
}

// cellNameAt converts zero-based column and row indexes, as produced by row
// iteration, into a cell name.
func cellNameAt(col, row int) (string, error) {
	return excelize.CoordinatesToCellName(col+1, row+1)
}

// cellAbove returns the cell name one row above the given cell, or false when
// the cell is already in row 1 or malformed.
func cellAbove(cell string) (string, bool) {
	col, row, err := excelize.CellNameToCoordinates(cell)
	if err != nil || row <= 1 {
		return "", false
	}
	name, err := excelize.CoordinatesToCellName(col, row-1)
	if err != nil {
		return "", false
	}
	return name, true
}
