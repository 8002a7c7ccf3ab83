package sheetfix

import (
	"fmt"
	"sort"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Severity ranks how urgently a finding needs attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityRank = map[Severity]int{
	SeverityCritical: 3,
	SeverityHigh:     2,
	SeverityMedium:   1,
	SeverityLow:      0,
}

// DefectKind is the category a defect belongs to.
type DefectKind string

const (
	KindFormulaError    DefectKind = "formula_error"
	KindBrokenReference DefectKind = "broken_reference"
	KindInefficiency    DefectKind = "inefficiency"
	KindDataQuality     DefectKind = "data_quality"
	KindStructural      DefectKind = "structural"
	KindFormatting      DefectKind = "formatting"
)

// Defect is one finding in a workbook: a cell-level formula error, an
// inefficient construct, or a sheet-level data quality, structural or
// formatting issue.
type Defect struct {
	Kind         DefectKind `json:"kind"`
	Code         string     `json:"code,omitempty"`
	Sheet        string     `json:"sheet"`
	Cell         string     `json:"cell,omitempty"`
	Formula      string     `json:"formula,omitempty"`
	Value        string     `json:"current_value,omitempty"`
	Severity     Severity   `json:"severity"`
	Description  string     `json:"description"`
	SuggestedFix string     `json:"suggested_fix,omitempty"`
	AutoFixable  bool       `json:"auto_fixable"`
	Confidence   float64    `json:"fix_confidence"`
}

// Location renders the defect's position as Sheet!Cell, or just the sheet
// name for sheet-level findings.
func (d Defect) Location() string {
	if d.Cell == "" {
		return d.Sheet
	}
	return fmt.Sprintf("%s!%s", d.Sheet, d.Cell)
}

// errorCodeInfo is the static profile of one Excel error code.
type errorCodeInfo struct {
	severity    Severity
	description string
	suggestion  string
	autoFixable bool
	confidence  float64
}

// errorCodes maps each Excel error code to its severity, auto-fixability
// and pattern fix confidence. #REF! is the one code never auto-fixed: the
// referenced cell is gone and any replacement is a guess.
var errorCodes = map[string]errorCodeInfo{
	"#DIV/0!":       {SeverityHigh, "division by zero", "guard the denominator with IFERROR or an IF check", true, 0.9},
	"#N/A":          {SeverityHigh, "value not available to a lookup", "wrap the lookup in IFERROR with a default", true, 0.7},
	"#NAME?":        {SeverityHigh, "unrecognized function or name", "check the function name spelling and defined names", true, 0.6},
	"#NULL!":        {SeverityHigh, "ranges intersect nowhere", "replace the space intersection operator with a colon", true, 0.8},
	"#NUM!":         {SeverityHigh, "invalid numeric value", "guard the argument range before the calculation", true, 0.6},
	"#REF!":         {SeverityCritical, "reference to a deleted cell", "restore the deleted cell or point the formula elsewhere", false, 0.3},
	"#VALUE!":       {SeverityHigh, "wrong type of argument or operand", "convert text-stored numbers with VALUE", true, 0.5},
	"#SPILL!":       {SeverityHigh, "spill range is blocked", "clear the blocked spill range or take the first result with INDEX", true, 0.5},
	"#CALC!":        {SeverityHigh, "calculation engine error", "simplify the formula or split it across cells", true, 0.5},
	"#GETTING_DATA": {SeverityMedium, "external data still loading", "guard the external call with IFERROR", true, 0.5},
}

// Summary aggregates a report's findings by severity and kind.
type Summary struct {
	TotalDefects  int                `json:"total_defects"`
	TotalCycles   int                `json:"total_circular_chains"`
	BySeverity    map[Severity]int   `json:"by_severity"`
	ByKind        map[DefectKind]int `json:"by_kind"`
	ByCode        map[string]int     `json:"by_code,omitempty"`
	AutoFixable   int                `json:"auto_fixable"`
	SheetsScanned int                `json:"sheets_scanned"`
}

// Report is the full result of analyzing one workbook.
type Report struct {
	GeneratedAt     time.Time       `json:"generated_at"`
	Defects         []Defect        `json:"defects"`
	CircularChains  []CircularChain `json:"circular_chains"`
	Summary         Summary         `json:"summary"`
	Recommendations []string        `json:"recommendations"`
}

// Clone returns a deep copy of the report, so callers can mutate the result
// without touching a cached original.
func (r *Report) Clone() (*Report, error) {
	var out Report
	if err := deepcopy.Copy(&out, r); err != nil {
		return nil, fmt.Errorf("clone report: %w", err)
	}
	return &out, nil
}

// buildSummary tallies the findings.
func buildSummary(defects []Defect, chains []CircularChain, sheetsScanned int) Summary {
	s := Summary{
		TotalDefects:  len(defects),
		TotalCycles:   len(chains),
		BySeverity:    make(map[Severity]int),
		ByKind:        make(map[DefectKind]int),
		ByCode:        make(map[string]int),
		SheetsScanned: sheetsScanned,
	}
	for _, d := range defects {
		s.BySeverity[d.Severity]++
		s.ByKind[d.Kind]++
		if d.Code != "" {
			s.ByCode[d.Code]++
		}
		if d.AutoFixable {
			s.AutoFixable++
		}
	}
	for _, c := range chains {
		s.BySeverity[c.Severity]++
	}
	return s
}

// buildRecommendations turns the tallies into short prioritized advice.
func buildRecommendations(summary Summary) []string {
	var recs []string
	if summary.TotalCycles > 0 {
		recs = append(recs, fmt.Sprintf("resolve %d circular reference chain(s) first; they block recalculation", summary.TotalCycles))
	}
	if n := summary.BySeverity[SeverityCritical]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d critical finding(s) need manual review", n))
	}
	if n := summary.ByKind[KindFormulaError]; n > 0 {
		recs = append(recs, fmt.Sprintf("repair %d formula error(s); %d can be fixed automatically", n, summary.AutoFixable))
		if n > 5 {
			recs = append(recs, "many formulas fail at once; wrap fragile lookups and divisions in IFERROR")
		}
	}
	if n := summary.ByKind[KindInefficiency]; n > 0 {
		recs = append(recs, fmt.Sprintf("modernize %d inefficient formula construct(s)", n))
	}
	if n := summary.ByKind[KindDataQuality]; n > 0 {
		recs = append(recs, fmt.Sprintf("review %d data quality issue(s)", n))
	}
	if n := summary.ByCode["duplicate_row"]; n > 0 {
		recs = append(recs, fmt.Sprintf("deduplicate %d repeated row(s) before aggregating", n))
	}
	if n := summary.ByCode["merged_cells"]; n > 0 {
		recs = append(recs, fmt.Sprintf("unmerge %d merged range(s) that block sorting and formulas", n))
	}
	if n := summary.ByKind[KindStructural] + summary.ByKind[KindFormatting]; n > 0 {
		recs = append(recs, fmt.Sprintf("clean up %d structural or formatting issue(s)", n))
	}
	if len(recs) == 0 {
		recs = append(recs, "no issues found")
	}
	return recs
}

// sortDefects orders findings by severity (most severe first), then by
// location for a stable report.
func sortDefects(defects []Defect) {
	sort.SliceStable(defects, func(i, j int) bool {
		if severityRank[defects[i].Severity] != severityRank[defects[j].Severity] {
			return severityRank[defects[i].Severity] > severityRank[defects[j].Severity]
		}
		return defects[i].Location() < defects[j].Location()
	})
}
