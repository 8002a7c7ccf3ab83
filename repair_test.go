package sheetfix

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProposer returns a canned fix and counts calls.
type stubProposer struct {
	calls  atomic.Int64
	result *FixResult
	err    error
}

func (s *stubProposer) ProposeFix(ctx context.Context, defect Defect) (*FixResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	result := *s.result
	result.Original = defect.Formula
	return &result, nil
}

func divZeroDefect(cell string) Defect {
	return Defect{
		Kind:        KindFormulaError,
		Code:        "#DIV/0!",
		Sheet:       "Sheet1",
		Cell:        cell,
		Formula:     "=A1/B1",
		Severity:    SeverityHigh,
		AutoFixable: true,
		Confidence:  0.9,
	}
}

func TestRepairAppliesPatternFix(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "C1", "=A1/B1", "#DIV/0!")

	engine := NewRepairEngine()
	batch, err := engine.Repair(context.Background(), wb, []Defect{divZeroDefect("C1")})
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Processed)
	assert.Equal(t, 1, batch.Fixed)
	assert.Equal(t, 0, batch.Failed)
	assert.Equal(t, 1, batch.FromPattern)

	formula, err := wb.Formula("Sheet1", "C1")
	require.NoError(t, err)
	assert.Equal(t, "=IFERROR(A1/B1, 0)", formula)
}

func TestRepairAccountsForEveryDefect(t *testing.T) {
	wb := newFakeWorkbook("Sheet1")
	defects := make([]Defect, 0, 20)
	for i := 1; i <= 20; i++ {
		cell := fmt.Sprintf("C%d", i)
		wb.setFormulaCell("Sheet1", cell, "=A1/B1", "#DIV/0!")
		d := divZeroDefect(cell)
		defects = append(defects, d)
	}

	engine := NewRepairEngine(WithWorkers(8))
	batch, err := engine.Repair(context.Background(), wb, defects)
	require.NoError(t, err)

	assert.Equal(t, 20, batch.Processed)
	assert.Equal(t, batch.Processed, batch.Fixed+batch.Failed)
	assert.Len(t, batch.Fixes, 20)
}

func TestRepairSkipsNonFormulaDefects(t *testing.T) {
	wb := newFakeWorkbook("Sheet1")
	defects := []Defect{
		{Kind: KindDataQuality, Sheet: "Sheet1", Cell: "A1"},
		{Kind: KindStructural, Sheet: "Sheet1"},
	}
	batch, err := NewRepairEngine().Repair(context.Background(), wb, defects)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Processed)
	assert.Empty(t, batch.Fixes)
}

func TestRepairRejectsRefFix(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "C5", "=#REF!+B2", "#REF!")

	defect := Defect{
		Kind:        KindFormulaError,
		Code:        "#REF!",
		Sheet:       "Sheet1",
		Cell:        "C5",
		Formula:     "=#REF!+B2",
		Severity:    SeverityCritical,
		AutoFixable: false,
		Confidence:  0.3,
	}
	batch, err := NewRepairEngine().Repair(context.Background(), wb, []Defect{defect})
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 0, batch.Fixed)
	require.Len(t, batch.Fixes, 1)
	assert.Equal(t, StateRejected, batch.Fixes[0].State)

	// The workbook keeps the broken formula for manual review.
	formula, err := wb.Formula("Sheet1", "C5")
	require.NoError(t, err)
	assert.Equal(t, "=#REF!+B2", formula)
}

func TestRepairUsesCacheOnRepeat(t *testing.T) {
	cache := NewFixCache(10)
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "C1", "=A1/B1", "#DIV/0!").
		setFormulaCell("Sheet1", "C2", "=A1/B1", "#DIV/0!")

	engine := NewRepairEngine(WithFixCache(cache), WithWorkers(1))
	batch, err := engine.Repair(context.Background(), wb, []Defect{
		divZeroDefect("C1"), divZeroDefect("C2"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, batch.Fixed)
	assert.Equal(t, 1, batch.FromCache)
	assert.Equal(t, 1, batch.FromPattern)
}

func TestRepairEscalatesToProposer(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "C1", "=CUSTOMFN(A1)", "#N/A")

	proposer := &stubProposer{result: &FixResult{
		Fixed:       "=IFERROR(CUSTOMFN(A1), 0)",
		FixType:     "ai_formula_fix",
		Confidence:  0.8,
		Explanation: "wrapped in IFERROR",
		TestPassed:  true,
	}}

	// No pattern applies: the formula has neither VLOOKUP nor MATCH.
	defect := Defect{
		Kind:        KindFormulaError,
		Code:        "#N/A",
		Sheet:       "Sheet1",
		Cell:        "C1",
		Formula:     "=CUSTOMFN(A1)",
		AutoFixable: true,
		Confidence:  0.75,
	}
	engine := NewRepairEngine(WithProposer(proposer))
	batch, err := engine.Repair(context.Background(), wb, []Defect{defect})
	require.NoError(t, err)

	assert.Equal(t, int64(1), proposer.calls.Load())
	assert.Equal(t, 1, batch.Fixed)
	assert.Equal(t, 1, batch.FromModel)

	formula, err := wb.Formula("Sheet1", "C1")
	require.NoError(t, err)
	assert.Equal(t, "=IFERROR(CUSTOMFN(A1), 0)", formula)
}

func TestRepairModelGate(t *testing.T) {
	proposer := &stubProposer{result: &FixResult{Fixed: "=1", TestPassed: true}}
	engine := NewRepairEngine(WithProposer(proposer))
	wb := newFakeWorkbook("Sheet1")

	// Confidence at the 0.7 boundary does not escalate.
	defect := Defect{
		Kind: KindFormulaError, Code: "#N/A", Sheet: "Sheet1", Cell: "C1",
		Formula: "=CUSTOMFN(A1)", AutoFixable: true, Confidence: 0.7,
	}
	batch, err := engine.Repair(context.Background(), wb, []Defect{defect})
	require.NoError(t, err)
	assert.Equal(t, int64(0), proposer.calls.Load())
	assert.Equal(t, 1, batch.Failed)

	// Non-auto-fixable defects never escalate either.
	defect.Confidence = 0.9
	defect.AutoFixable = false
	_, err = engine.Repair(context.Background(), wb, []Defect{defect})
	require.NoError(t, err)
	assert.Equal(t, int64(0), proposer.calls.Load())
}

func TestRepairDryRun(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "C1", "=A1/B1", "#DIV/0!")

	engine := NewRepairEngine(WithDryRun())
	batch, err := engine.Repair(context.Background(), wb, []Defect{divZeroDefect("C1")})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Fixed)

	formula, err := wb.Formula("Sheet1", "C1")
	require.NoError(t, err)
	assert.Equal(t, "=A1/B1", formula)
}

func TestRepairAdvisoryFixRejected(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "C1", "=SUM(A:A)", "0")

	defect := Defect{
		Kind: KindInefficiency, Code: "whole_range", Sheet: "Sheet1", Cell: "C1",
		Formula: "=SUM(A:A)", AutoFixable: true, Confidence: 0.6,
	}
	batch, err := NewRepairEngine().Repair(context.Background(), wb, []Defect{defect})
	require.NoError(t, err)

	require.Len(t, batch.Fixes, 1)
	assert.Equal(t, StateRejected, batch.Fixes[0].State)
	require.NotNil(t, batch.Fixes[0].Result)
	assert.False(t, batch.Fixes[0].Result.TestPassed)
}

func TestRepairOptimizesVLOOKUP(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "C1", "=VLOOKUP(A1, D1:F9, 2, FALSE)", "x")

	defect := Defect{
		Kind: KindInefficiency, Code: "vlookup_to_xlookup", Sheet: "Sheet1", Cell: "C1",
		Formula: "=VLOOKUP(A1, D1:F9, 2, FALSE)", AutoFixable: true, Confidence: 0.8,
	}
	batch, err := NewRepairEngine().Repair(context.Background(), wb, []Defect{defect})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Fixed)

	formula, err := wb.Formula("Sheet1", "C1")
	require.NoError(t, err)
	assert.Contains(t, formula, "XLOOKUP(")
}

func TestRepairCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wb := newFakeWorkbook("Sheet1")
	_, err := NewRepairEngine().Repair(ctx, wb, []Defect{divZeroDefect("C1")})
	assert.Error(t, err)
}

func TestRepairApplyIsIdempotent(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "C1", "=A1/B1", "#DIV/0!")
	defects := []Defect{divZeroDefect("C1")}
	engine := NewRepairEngine(WithWorkers(1))

	_, err := engine.Repair(context.Background(), wb, defects)
	require.NoError(t, err)
	fixed, err := wb.Formula("Sheet1", "C1")
	require.NoError(t, err)
	assert.Equal(t, "=IFERROR(A1/B1, 0)", fixed)

	// A second pass over the same defect leaves the formula unchanged.
	batch, err := engine.Repair(context.Background(), wb, defects)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Fixed)
	again, err := wb.Formula("Sheet1", "C1")
	require.NoError(t, err)
	assert.Equal(t, fixed, again)
}

type panickyProposer struct{}

func (panickyProposer) ProposeFix(ctx context.Context, defect Defect) (*FixResult, error) {
	panic("proposer bug")
}

func TestRepairRecoversPanickingProposer(t *testing.T) {
	wb := newFakeWorkbook("Sheet1").
		setFormulaCell("Sheet1", "A1", "=CUSTOMFN(B1)", "#N/A").
		setFormulaCell("Sheet1", "A2", "=B2/C2", "#DIV/0!")
	defects := []Defect{
		{Kind: KindFormulaError, Code: "#N/A", Sheet: "Sheet1", Cell: "A1",
			Formula: "=CUSTOMFN(B1)", AutoFixable: true, Confidence: 0.75},
		divZeroDefect("A2"),
	}

	engine := NewRepairEngine(WithProposer(panickyProposer{}), WithWorkers(1))
	batch, err := engine.Repair(context.Background(), wb, defects)
	require.NoError(t, err)

	assert.Equal(t, 2, batch.Processed)
	assert.Equal(t, 1, batch.Fixed)
	assert.Equal(t, 1, batch.Failed)

	for _, fix := range batch.Fixes {
		if fix.Defect.Cell == "A1" {
			assert.Equal(t, StateRejected, fix.State)
			assert.Contains(t, fix.Err, "panicked")
		}
	}
}

func TestBatchResultClone(t *testing.T) {
	batch := &BatchResult{
		Processed: 1,
		Fixed:     1,
		Fixes: []CellFix{{
			Defect: divZeroDefect("C1"),
			Result: &FixResult{Original: "=A1/B1", Fixed: "=IFERROR(A1/B1, 0)"},
			State:  StateApplied,
		}},
	}
	clone, err := batch.Clone()
	require.NoError(t, err)
	require.Len(t, clone.Fixes, 1)

	clone.Fixes[0].Result.Fixed = "changed"
	assert.Equal(t, "=IFERROR(A1/B1, 0)", batch.Fixes[0].Result.Fixed)
}
