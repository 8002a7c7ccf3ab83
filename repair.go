package sheetfix

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FixState names one stage of the repair lifecycle.
type FixState string

// A fix moves Detected -> CacheLookup -> one of CacheHit, PatternFix or
// ModelFix -> Validated -> Applied or Rejected. Rejection keeps the original
// formula in place.
const (
	StateDetected    FixState = "detected"
	StateCacheLookup FixState = "cache_lookup"
	StateCacheHit    FixState = "cache_hit"
	StatePatternFix  FixState = "pattern_fix"
	StateModelFix    FixState = "model_fix"
	StateValidated   FixState = "validated"
	StateApplied     FixState = "applied"
	StateRejected    FixState = "rejected"
)

// CellFix is the repair outcome for one defect.
type CellFix struct {
	Defect Defect     `json:"defect"`
	Result *FixResult `json:"result,omitempty"`
	State  FixState   `json:"state"`
	Source FixState   `json:"source,omitempty"`
	Err    string     `json:"error,omitempty"`
}

// BatchResult summarizes one repair run.
type BatchResult struct {
	Processed   int           `json:"processed"`
	Fixed       int           `json:"fixed"`
	Failed      int           `json:"failed"`
	FromCache   int           `json:"from_cache"`
	FromPattern int           `json:"from_pattern"`
	FromModel   int           `json:"from_model"`
	Fixes       []CellFix     `json:"fixes"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Clone returns a deep copy of the batch result.
func (b *BatchResult) Clone() (*BatchResult, error) {
	var out BatchResult
	if err := deepcopy.Copy(&out, b); err != nil {
		return nil, fmt.Errorf("clone batch result: %w", err)
	}
	return &out, nil
}

// RepairEngine repairs defective formulas. Candidates go through the fix
// cache, then the deterministic patterns, then the model when one is
// configured. Fixes that pass validation are written back to the workbook.
type RepairEngine struct {
	cache    *FixCache
	proposer FixProposer
	logger   *zap.Logger
	workers  int
	dryRun   bool
	group    singleflight.Group
}

// RepairOption configures a RepairEngine.
type RepairOption func(*RepairEngine)

// WithFixCache supplies a shared fix cache, usually to carry hits across
// workbooks.
func WithFixCache(cache *FixCache) RepairOption {
	return func(e *RepairEngine) { e.cache = cache }
}

// WithProposer enables model-backed fixes for defects no pattern handles.
func WithProposer(p FixProposer) RepairOption {
	return func(e *RepairEngine) { e.proposer = p }
}

// WithRepairLogger sets the engine's logger.
func WithRepairLogger(logger *zap.Logger) RepairOption {
	return func(e *RepairEngine) { e.logger = logger }
}

// WithWorkers sets the number of concurrent fix workers.
func WithWorkers(n int) RepairOption {
	return func(e *RepairEngine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithDryRun computes and validates fixes without writing any back.
func WithDryRun() RepairOption {
	return func(e *RepairEngine) { e.dryRun = true }
}

// NewRepairEngine constructs a repair engine with default cache and
// worker width.
func NewRepairEngine(opts ...RepairOption) *RepairEngine {
	e := &RepairEngine{
		logger:  zap.NewNop(),
		workers: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NewFixCache(1000)
	}
	return e
}

// Repair runs the fix pipeline over the given defects. Fix computation is
// concurrent; applying fixes to the workbook is serialized since workbook
// writes are not safe for concurrent use. Every defect is accounted for in
// the result: fixed plus failed equals processed.
func (e *RepairEngine) Repair(ctx context.Context, wb Workbook, defects []Defect) (*BatchResult, error) {
	start := time.Now()
	candidates := make([]Defect, 0, len(defects))
	for _, d := range defects {
		if d.Kind == KindFormulaError || d.Kind == KindBrokenReference || d.Kind == KindInefficiency {
			candidates = append(candidates, d)
		}
	}

	jobs := make(chan Defect)
	results := make(chan CellFix, len(candidates))
	var processed atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for defect := range jobs {
				results <- e.fixOne(ctx, defect)
				processed.Add(1)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, d := range candidates {
			select {
			case jobs <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	batch := &BatchResult{Fixes: make([]CellFix, 0, len(candidates))}
	for fix := range results {
		fix = e.applyFix(wb, fix)
		batch.Fixes = append(batch.Fixes, fix)
		if fix.State == StateApplied {
			batch.Fixed++
			switch fix.Source {
			case StateCacheHit:
				batch.FromCache++
			case StateModelFix:
				batch.FromModel++
			default:
				batch.FromPattern++
			}
		} else {
			batch.Failed++
		}
	}
	batch.Processed = int(processed.Load())
	batch.Elapsed = time.Since(start)

	// The channel drains in worker completion order; report in a stable one.
	sort.SliceStable(batch.Fixes, func(i, j int) bool {
		return batch.Fixes[i].Defect.Location() < batch.Fixes[j].Defect.Location()
	})

	if err := ctx.Err(); err != nil {
		return batch, fmt.Errorf("repair interrupted: %w", err)
	}
	e.logger.Info("repair batch complete",
		zap.Int("processed", batch.Processed),
		zap.Int("fixed", batch.Fixed),
		zap.Int("failed", batch.Failed),
		zap.Duration("elapsed", batch.Elapsed))
	return batch, nil
}

// fixOne runs the cache, pattern and model stages for one defect. A panic in
// any stage rejects that fix and leaves the rest of the batch running; note
// that singleflight re-raises a shared call's panic in every waiter.
func (e *RepairEngine) fixOne(ctx context.Context, defect Defect) (fix CellFix) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("fix stage panicked",
				zap.String("cell", defect.Location()),
				zap.Any("panic", r))
			fix = CellFix{Defect: defect, State: StateRejected, Err: fmt.Sprintf("fix panicked: %v", r)}
		}
	}()
	fix = CellFix{Defect: defect, State: StateCacheLookup}

	if cached, ok := e.cache.Get(defect.Formula, defect.Code); ok {
		fix.Result, fix.State, fix.Source = &cached, StateValidated, StateCacheHit
		return fix
	}

	if result := e.patternFix(defect); result != nil {
		fix.Result, fix.State, fix.Source = result, StateValidated, StatePatternFix
		e.cacheResult(defect, result)
		return fix
	}

	result, err := e.modelFix(ctx, defect)
	if err != nil {
		fix.State, fix.Err = StateRejected, err.Error()
		return fix
	}
	if result == nil {
		fix.State, fix.Err = StateRejected, "no applicable fix"
		return fix
	}
	fix.Result, fix.State, fix.Source = result, StateValidated, StateModelFix
	e.cacheResult(defect, result)
	return fix
}

// cacheResult memoizes a trusted fix so later occurrences of the same
// broken formula resolve from the cache. Advisory results are not cached.
func (e *RepairEngine) cacheResult(defect Defect, result *FixResult) {
	if result.TestPassed {
		e.cache.Put(defect.Formula, defect.Code, *result)
	}
}

// patternFix dispatches to the deterministic fixer for the defect's code.
func (e *RepairEngine) patternFix(defect Defect) *FixResult {
	if defect.Kind == KindInefficiency {
		if optimize, ok := optimizers[defect.Code]; ok {
			return optimize(defect.Formula)
		}
		return nil
	}
	if defect.Code == "#REF!" {
		return fixRef(defect.Formula, defect.Cell)
	}
	if fixer, ok := patternFixers[defect.Code]; ok {
		return fixer(defect.Formula)
	}
	return nil
}

// modelFix escalates to the proposer when the defect qualifies: it must be
// auto-fixable with confidence above 0.7, and a proposer must be configured.
// Identical formulas in flight share one model call.
func (e *RepairEngine) modelFix(ctx context.Context, defect Defect) (*FixResult, error) {
	if e.proposer == nil || !defect.AutoFixable || defect.Confidence <= 0.7 {
		return nil, nil
	}
	v, err, _ := e.group.Do(cacheKey(defect.Formula, defect.Code), func() (interface{}, error) {
		return e.proposer.ProposeFix(ctx, defect)
	})
	if err != nil {
		return nil, fmt.Errorf("model fix: %w", err)
	}
	return v.(*FixResult), nil
}

// applyFix writes a validated fix back to the workbook and caches it.
// Advisory results, where the fixer could not vouch for the replacement,
// are rejected and left for manual review.
func (e *RepairEngine) applyFix(wb Workbook, fix CellFix) CellFix {
	if fix.State != StateValidated || fix.Result == nil {
		if fix.State != StateRejected {
			fix.State = StateRejected
		}
		return fix
	}
	if !fix.Result.TestPassed {
		fix.State = StateRejected
		if fix.Err == "" {
			fix.Err = "fix is advisory and needs manual review"
		}
		return fix
	}
	if !e.dryRun {
		if err := wb.SetFormula(fix.Defect.Sheet, fix.Defect.Cell, fix.Result.Fixed); err != nil {
			fix.State, fix.Err = StateRejected, fmt.Sprintf("apply fix: %v", err)
			return fix
		}
	}
	fix.State = StateApplied
	e.logger.Debug("fix applied",
		zap.String("cell", fix.Defect.Location()),
		zap.String("fix_type", fix.Result.FixType),
		zap.Float64("confidence", fix.Result.Confidence))
	return fix
}
