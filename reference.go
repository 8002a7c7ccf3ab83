package sheetfix

import (
	"regexp"
	"sort"
	"strings"

	"github.com/xuri/efp"
	"github.com/xuri/excelize/v2"
)

// maxRangeSpan bounds range expansion: a range is expanded into individual
// cells only if both dimensions span at most this many cells. Larger ranges
// are dropped silently to bound memory; this is a documented limitation of
// the analysis, not an error.
const maxRangeSpan = 100

var cellNamePattern = regexp.MustCompile(`^\$?[A-Za-z]{1,3}\$?[0-9]+$`)

// spreadsheet function names that must never be mistaken for named ranges
// when they appear as bare identifiers in a formula.
var functionNames = map[string]bool{
	"SUM": true, "AVERAGE": true, "COUNT": true, "MAX": true, "MIN": true,
	"IF": true, "VLOOKUP": true, "HLOOKUP": true, "XLOOKUP": true,
	"INDEX": true, "MATCH": true, "SUMIF": true, "SUMIFS": true,
	"COUNTIF": true, "COUNTIFS": true, "AND": true, "OR": true, "NOT": true,
	"IFERROR": true, "CONCATENATE": true, "LEFT": true, "RIGHT": true,
	"MID": true, "LEN": true, "TRIM": true, "DATE": true, "NOW": true,
	"TODAY": true, "TRUE": true, "FALSE": true,
}

// Resolver parses formula text into the set of fully-qualified cell
// references it depends on, resolving cross-sheet syntax and named ranges.
type Resolver struct {
	named map[string][]string
}

// NewResolver builds a resolver over the given named-range table. Named-range
// destinations are resolved through the same range-expansion rules as inline
// references.
func NewResolver(ranges []NamedRange) *Resolver {
	named := make(map[string][]string, len(ranges))
	for _, nr := range ranges {
		named[strings.ToUpper(nr.Name)] = nr.Refs
	}
	return &Resolver{named: named}
}

// Resolve returns the fully-qualified references a formula reads. Tokens that
// carry an explicit sheet qualifier resolve against that sheet; bare tokens
// resolve against currentSheet. Malformed tokens are skipped rather than
// raised, since real-world formula text is frequently irregular.
func (r *Resolver) Resolve(formula, currentSheet string) []CellRef {
	seen := make(map[CellRef]bool)

	ps := efp.ExcelParser()
	tokens := ps.Parse(strings.TrimPrefix(formula, "="))
	for _, token := range tokens {
		if token.TType != efp.TokenTypeOperand || token.TSubType != efp.TokenSubTypeRange {
			continue
		}
		r.resolveToken(token.TValue, currentSheet, seen)
	}

	refs := make([]CellRef, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Sheet != refs[j].Sheet {
			return refs[i].Sheet < refs[j].Sheet
		}
		return refs[i].Cell < refs[j].Cell
	})
	return refs
}

// resolveToken resolves one operand token: a cell name, a range, or a bare
// identifier that may name a defined range.
func (r *Resolver) resolveToken(value, currentSheet string, seen map[CellRef]bool) {
	sheet := currentSheet
	ref := value
	if i := strings.LastIndex(value, "!"); i >= 0 {
		sheet = strings.Trim(value[:i], "'")
		ref = value[i+1:]
	}

	switch {
	case strings.Contains(ref, ":"):
		expandRange(sheet, ref, seen)
	case cellNamePattern.MatchString(ref):
		seen[CellRef{Sheet: sheet, Cell: normalizeCellName(ref)}] = true
	default:
		r.resolveName(ref, seen)
	}
}

// resolveName looks a bare identifier up in the named-range table, excluding
// function names. Unknown identifiers are dropped.
func (r *Resolver) resolveName(name string, seen map[CellRef]bool) {
	upper := strings.ToUpper(name)
	if functionNames[upper] {
		return
	}
	for _, dest := range r.named[upper] {
		destSheet, destRef := splitLocation(dest)
		if destSheet == "" {
			continue
		}
		if strings.Contains(destRef, ":") {
			expandRange(destSheet, destRef, seen)
		} else if cellNamePattern.MatchString(destRef) {
			seen[CellRef{Sheet: destSheet, Cell: normalizeCellName(destRef)}] = true
		}
	}
}

// expandRange expands a range token into individual cells when both
// dimensions are within maxRangeSpan. Whole-column and whole-row references
// (A:A, 1:1) and oversized ranges are dropped silently.
func expandRange(sheet, rangeRef string, seen map[CellRef]bool) {
	parts := strings.SplitN(rangeRef, ":", 2)
	if len(parts) != 2 {
		return
	}
	start, end := normalizeCellName(parts[0]), normalizeCellName(parts[1])
	if !cellNamePattern.MatchString(start) || !cellNamePattern.MatchString(end) {
		return
	}

	startCol, startRow, err := excelize.CellNameToCoordinates(start)
	if err != nil {
		return
	}
	endCol, endRow, err := excelize.CellNameToCoordinates(end)
	if err != nil {
		return
	}
	if startCol > endCol {
		startCol, endCol = endCol, startCol
	}
	if startRow > endRow {
		startRow, endRow = endRow, startRow
	}
	if endCol-startCol+1 > maxRangeSpan || endRow-startRow+1 > maxRangeSpan {
		return
	}

	for col := startCol; col <= endCol; col++ {
		for row := startRow; row <= endRow; row++ {
			cell, err := excelize.CoordinatesToCellName(col, row)
			if err != nil {
				continue
			}
			seen[CellRef{Sheet: sheet, Cell: cell}] = true
		}
	}
}
