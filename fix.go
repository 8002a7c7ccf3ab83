package sheetfix

import (
	"fmt"
	"regexp"
	"strings"
)

// FixResult is one repair proposal for a formula.
type FixResult struct {
	Original    string  `json:"original_formula"`
	Fixed       string  `json:"fixed_formula"`
	FixType     string  `json:"fix_type"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
	// TestPassed reports whether the fix is safe to apply as-is. Advisory
	// results keep the original formula and set this false.
	TestPassed bool `json:"test_passed"`
}

// patternFixer attempts a deterministic repair of one error code. A nil
// result means the pattern does not apply and the caller may escalate.
type patternFixer func(formula string) *FixResult

// patternFixers maps error codes to their deterministic repair.
var patternFixers = map[string]patternFixer{
	"#DIV/0!":       fixDivisionByZero,
	"#N/A":          fixNA,
	"#NAME?":        fixNameTypo,
	"#NULL!":        fixNullRange,
	"#NUM!":         fixNum,
	"#VALUE!":       fixValue,
	"#SPILL!":       fixSpill,
	"#CALC!":        fixCalc,
	"#GETTING_DATA": fixGettingData,
}

var (
	divisionPattern   = regexp.MustCompile(`([A-Z]+\d+)/([A-Z]+\d+)`)
	vlookupPattern    = regexp.MustCompile(`(?i)VLOOKUP\s*\((.*?)\)`)
	matchPattern      = regexp.MustCompile(`(?i)MATCH\s*\((.*?)\)`)
	sqrtPattern       = regexp.MustCompile(`(?i)SQRT\s*\((.*?)\)`)
	arithmeticPattern = regexp.MustCompile(`([A-Z]+\d+)\s*([+\-*/])\s*([A-Z]+\d+)`)
	spaceRangePattern = regexp.MustCompile(`([A-Z]+\d+)\s+([A-Z]+\d+)`)
)

// fixDivisionByZero guards the first simple cell division with IFERROR.
func fixDivisionByZero(formula string) *FixResult {
	m := divisionPattern.FindStringSubmatch(formula)
	if m == nil {
		return nil
	}
	return &FixResult{
		Original:    formula,
		Fixed:       fmt.Sprintf("=IFERROR(%s/%s, 0)", m[1], m[2]),
		FixType:     "division_by_zero_protection",
		Confidence:  0.9,
		Explanation: fmt.Sprintf("return 0 when %s is zero", m[2]),
		TestPassed:  true,
	}
}

// fixNA wraps the failing lookup in IFERROR: VLOOKUP falls back to
// "Not Found", MATCH to 0.
func fixNA(formula string) *FixResult {
	if m := vlookupPattern.FindStringSubmatch(formula); m != nil {
		return &FixResult{
			Original:    formula,
			Fixed:       strings.Replace(formula, m[0], fmt.Sprintf(`IFERROR(VLOOKUP(%s), "Not Found")`, m[1]), 1),
			FixType:     "vlookup_na_protection",
			Confidence:  0.85,
			Explanation: `return "Not Found" when the lookup misses`,
			TestPassed:  true,
		}
	}
	if m := matchPattern.FindStringSubmatch(formula); m != nil {
		return &FixResult{
			Original:    formula,
			Fixed:       strings.Replace(formula, m[0], fmt.Sprintf("IFERROR(MATCH(%s), 0)", m[1]), 1),
			FixType:     "match_na_protection",
			Confidence:  0.8,
			Explanation: "return 0 when the match misses",
			TestPassed:  true,
		}
	}
	return nil
}

// functionTypos maps common misspellings to the intended function. Matching
// requires the opening parenthesis, so a typo never fires inside a longer
// function name or a string literal.
var functionTypos = map[string]string{
	"SUN":     "SUM",
	"SUME":    "SUM",
	"SUMM":    "SUM",
	"VLOOK":   "VLOOKUP",
	"VLOOKPU": "VLOOKUP",
	"IFF":     "IF",
	"CONT":    "COUNT",
	"CONUT":   "COUNT",
	"AVG":     "AVERAGE",
	"AVERAG":  "AVERAGE",
	"AVERGAE": "AVERAGE",
	"MAZ":     "MAX",
	"TOAY":    "TODAY",
	"TODA":    "TODAY",
}

// fixNameTypo corrects a misspelled function name. Only the matched name is
// rewritten; the rest of the formula keeps its original casing.
func fixNameTypo(formula string) *FixResult {
	upper := strings.ToUpper(formula)
	for typo, correct := range functionTypos {
		if !strings.Contains(upper, typo+"(") {
			continue
		}
		pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(typo) + `\(`)
		return &FixResult{
			Original:    formula,
			Fixed:       pattern.ReplaceAllString(formula, correct+"("),
			FixType:     "function_name_correction",
			Confidence:  0.95,
			Explanation: fmt.Sprintf("corrected function name %s to %s", typo, correct),
			TestPassed:  true,
		}
	}
	return nil
}

// fixNullRange replaces the space between two cell references, which Excel
// reads as the intersection operator, with the intended colon.
func fixNullRange(formula string) *FixResult {
	m := spaceRangePattern.FindStringSubmatch(formula)
	if m == nil {
		return nil
	}
	return &FixResult{
		Original:    formula,
		Fixed:       strings.Replace(formula, m[0], fmt.Sprintf("%s:%s", m[1], m[2]), 1),
		FixType:     "range_operator_fix",
		Confidence:  0.95,
		Explanation: fmt.Sprintf("replaced intersection %s %s with range %s:%s", m[1], m[2], m[1], m[2]),
		TestPassed:  true,
	}
}

// fixNum guards SQRT against negative input.
func fixNum(formula string) *FixResult {
	m := sqrtPattern.FindStringSubmatch(formula)
	if m == nil {
		return nil
	}
	return &FixResult{
		Original:    formula,
		Fixed:       strings.Replace(formula, m[0], fmt.Sprintf(`IF(%s>=0, SQRT(%s), "")`, m[1], m[1]), 1),
		FixType:     "sqrt_negative_protection",
		Confidence:  0.9,
		Explanation: "guard the square root against negative input",
		TestPassed:  true,
	}
}

// fixValue converts both operands of a simple arithmetic expression through
// VALUE, the usual cure for numbers stored as text.
func fixValue(formula string) *FixResult {
	m := arithmeticPattern.FindStringSubmatch(formula)
	if m == nil {
		return nil
	}
	return &FixResult{
		Original:    formula,
		Fixed:       fmt.Sprintf("=VALUE(%s)%sVALUE(%s)", m[1], m[2], m[3]),
		FixType:     "value_conversion",
		Confidence:  0.7,
		Explanation: "convert text-stored numbers with VALUE before the arithmetic",
		TestPassed:  true,
	}
}

// fixRef substitutes a broken reference with the cell above as a visible
// placeholder. The guess is never trustworthy, so the result is advisory
// and the engine will not apply it.
func fixRef(formula, cell string) *FixResult {
	if strings.Count(formula, "#REF!") != 1 {
		return nil
	}
	above, ok := cellAbove(cell)
	if !ok {
		return nil
	}
	return &FixResult{
		Original:    formula,
		Fixed:       strings.Replace(formula, "#REF!", above, 1),
		FixType:     "broken_reference_fix",
		Confidence:  0.3,
		Explanation: fmt.Sprintf("placeholder: the deleted reference was replaced with %s and needs manual review", above),
		TestPassed:  false,
	}
}

// fixSpill limits a dynamic array formula to its first result so it no
// longer collides with the blocked spill range.
func fixSpill(formula string) *FixResult {
	upper := strings.ToUpper(formula)
	if !strings.Contains(upper, "SORT(") && !strings.Contains(upper, "FILTER(") && !strings.Contains(upper, "UNIQUE(") {
		return nil
	}
	body := strings.TrimPrefix(formula, "=")
	return &FixResult{
		Original:    formula,
		Fixed:       fmt.Sprintf("=INDEX(%s, 1)", body),
		FixType:     "spill_error_fix",
		Confidence:  0.7,
		Explanation: "limit the dynamic array to its first result",
		TestPassed:  true,
	}
}

// fixCalc unwraps a legacy array formula into a dynamic one. Anything else
// gets an advisory suggesting the calculation be split across cells.
func fixCalc(formula string) *FixResult {
	if strings.HasPrefix(formula, "{=") && strings.HasSuffix(formula, "}") {
		return &FixResult{
			Original:    formula,
			Fixed:       "=" + formula[2:len(formula)-1],
			FixType:     "calc_error_array_fix",
			Confidence:  0.8,
			Explanation: "converted the legacy array formula to a dynamic array",
			TestPassed:  true,
		}
	}
	return &FixResult{
		Original:    formula,
		Fixed:       formula,
		FixType:     "calc_error_suggestion",
		Confidence:  0.3,
		Explanation: "split the calculation across several cells and combine the intermediate results",
		TestPassed:  false,
	}
}

// fixGettingData guards external data functions with IFERROR so a slow or
// failed connection shows a message instead of the error code.
func fixGettingData(formula string) *FixResult {
	upper := strings.ToUpper(formula)
	external := false
	for _, fn := range []string{"WEBSERVICE", "FILTERXML", "RTD"} {
		if strings.Contains(upper, fn) {
			external = true
			break
		}
	}
	if !external {
		return nil
	}
	body := strings.TrimPrefix(formula, "=")
	return &FixResult{
		Original:    formula,
		Fixed:       fmt.Sprintf(`=IFERROR(%s, "Loading...")`, body),
		FixType:     "getting_data_protection",
		Confidence:  0.8,
		Explanation: "show a placeholder while the external data loads",
		TestPassed:  true,
	}
}

// optimizers attempt modernization of inefficient constructs, keyed by the
// inefficiency code the classifier assigns.
var optimizers = map[string]patternFixer{
	"vlookup_to_xlookup": optimizeVLOOKUP,
	"nested_if":          optimizeNestedIF,
	"whole_range":        optimizeWholeRange,
	"legacy_array":       optimizeLegacyArray,
}

// optimizeVLOOKUP rewrites VLOOKUP as XLOOKUP over the table's first and
// indexed columns, with an explicit miss value.
func optimizeVLOOKUP(formula string) *FixResult {
	m := vlookupPattern.FindStringSubmatch(formula)
	if m == nil {
		return nil
	}
	args := strings.Split(m[1], ",")
	if len(args) < 3 {
		return nil
	}
	lookup := strings.TrimSpace(args[0])
	table := strings.TrimSpace(args[1])
	colIndex := strings.TrimSpace(args[2])
	replacement := fmt.Sprintf(`XLOOKUP(%s, INDEX(%s, 0, 1), INDEX(%s, 0, %s), "Not Found")`,
		lookup, table, table, colIndex)
	return &FixResult{
		Original:    formula,
		Fixed:       strings.Replace(formula, m[0], replacement, 1),
		FixType:     "vlookup_to_xlookup_optimization",
		Confidence:  0.8,
		Explanation: "replaced VLOOKUP with XLOOKUP",
		TestPassed:  true,
	}
}

// optimizeNestedIF declines: restructuring deep IF chains needs semantic
// understanding, so those escalate past the pattern stage.
func optimizeNestedIF(string) *FixResult {
	return nil
}

// optimizeWholeRange only advises; narrowing a whole column reference
// needs the actual data extent.
func optimizeWholeRange(formula string) *FixResult {
	if !wholeRangePattern.MatchString(formula) {
		return nil
	}
	return &FixResult{
		Original:    formula,
		Fixed:       formula,
		FixType:     "range_optimization_suggestion",
		Confidence:  0.6,
		Explanation: "limit the whole column or row reference to the actual data range",
		TestPassed:  false,
	}
}

// optimizeLegacyArray converts a Ctrl+Shift+Enter array formula to its
// dynamic equivalent.
func optimizeLegacyArray(formula string) *FixResult {
	if !strings.HasPrefix(formula, "{=") || !strings.HasSuffix(formula, "}") {
		return nil
	}
	return &FixResult{
		Original:    formula,
		Fixed:       "=" + formula[2:len(formula)-1],
		FixType:     "array_formula_modernization",
		Confidence:  0.8,
		Explanation: "converted the legacy array formula to a dynamic array",
		TestPassed:  true,
	}
}

// validateFormulaSyntax checks the minimal well-formedness of a formula
// proposed by the model: a leading equals sign, balanced parentheses, and
// none of the markup artifacts a model sometimes leaves behind. Deterministic
// pattern fixes are trusted without this check since several legitimately
// contain comparison operators.
func validateFormulaSyntax(formula string) error {
	if !strings.HasPrefix(formula, "=") {
		return fmt.Errorf("formula %q does not start with '='", formula)
	}
	depth := 0
	for _, r := range formula {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("formula %q has unbalanced parentheses", formula)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("formula %q has unbalanced parentheses", formula)
	}
	if strings.ContainsAny(formula, "#<>") {
		return fmt.Errorf("formula %q contains a residual error marker", formula)
	}
	return nil
}
