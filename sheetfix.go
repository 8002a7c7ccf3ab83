// Package sheetfix analyzes spreadsheet workbooks for formula defects and
// repairs them. It builds a cell dependency graph from the formulas, detects
// and classifies circular reference chains, categorizes defects from Excel
// error codes down to formatting drift, and runs an automated repair
// pipeline that combines cached fixes, deterministic patterns and an
// optional model-backed proposer.
package sheetfix

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Analyzer runs the full analysis pipeline over a workbook.
type Analyzer struct {
	logger     *zap.Logger
	classifier *Classifier
	cycles     *CycleAnalyzer
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithLogger sets the analyzer's logger. It is propagated to the
// sub-analyzers built by default.
func WithLogger(logger *zap.Logger) AnalyzerOption {
	return func(a *Analyzer) { a.logger = logger }
}

// WithClassifier overrides the defect classifier.
func WithClassifier(c *Classifier) AnalyzerOption {
	return func(a *Analyzer) { a.classifier = c }
}

// WithCycleAnalyzer overrides the circular reference analyzer.
func WithCycleAnalyzer(c *CycleAnalyzer) AnalyzerOption {
	return func(a *Analyzer) { a.cycles = c }
}

// NewAnalyzer constructs an analyzer.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	if a.classifier == nil {
		a.classifier = NewClassifier(WithClassifierLogger(a.logger))
	}
	if a.cycles == nil {
		a.cycles = NewCycleAnalyzer(WithCycleLogger(a.logger))
	}
	return a
}

// Analyze scans the workbook and produces a full report: classified
// defects, circular reference chains with break suggestions, a summary and
// prioritized recommendations.
func (a *Analyzer) Analyze(ctx context.Context, wb Workbook) (*Report, error) {
	start := time.Now()

	named, err := wb.NamedRanges()
	if err != nil {
		a.logger.Warn("named ranges unavailable", zap.Error(err))
		named = nil
	}
	resolver := NewResolver(named)
	graph := buildDependencyGraph(wb, resolver, a.logger)
	chains := a.cycles.Analyze(graph)
	defects := a.classifier.Classify(wb)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summary := buildSummary(defects, chains, len(wb.Sheets()))
	report := &Report{
		GeneratedAt:     time.Now(),
		Defects:         defects,
		CircularChains:  chains,
		Summary:         summary,
		Recommendations: buildRecommendations(summary),
	}
	a.logger.Info("analysis complete",
		zap.Int("defects", summary.TotalDefects),
		zap.Int("circular_chains", summary.TotalCycles),
		zap.Int("sheets", summary.SheetsScanned),
		zap.Duration("elapsed", time.Since(start)))
	return report, nil
}

// AnalyzeFile opens the workbook at path and analyzes it.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (*Report, error) {
	wb, err := OpenWorkbookFile(path)
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	return a.Analyze(ctx, wb)
}
