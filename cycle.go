package sheetfix

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// ChainType classifies a circular reference chain.
type ChainType string

// Chain types: a two-cell mutual reference, a longer same-sheet chain, and a
// chain that crosses sheet boundaries.
const (
	ChainDirect     ChainType = "direct"
	ChainIndirect   ChainType = "indirect"
	ChainMultiSheet ChainType = "multi-sheet"
)

// Impact levels for break suggestions.
const (
	ImpactLow    = "low"
	ImpactMedium = "medium"
	ImpactHigh   = "high"
)

// BreakSuggestion proposes one way to break a circular reference chain.
type BreakSuggestion struct {
	Action            string `json:"action"`
	TargetCell        string `json:"target_cell,omitempty"`
	RemoveReferenceTo string `json:"remove_reference_to,omitempty"`
	Description       string `json:"description"`
	Impact            string `json:"impact"`
}

// CircularChain is an ordered sequence of cells forming a cycle in the
// dependency graph, with classification and ranked break suggestions.
type CircularChain struct {
	Cells       []string          `json:"cells"`
	ChainType   ChainType         `json:"chain_type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Suggestions []BreakSuggestion `json:"break_suggestions"`
}

// cycleFinder enumerates elementary cycles in a dependency graph. Two
// implementations exist: a gonum-backed enumerator and a manual DFS fallback.
type cycleFinder interface {
	findCycles(g *depGraph) (cycles [][]string, err error)
}

// CycleAnalyzer detects and classifies circular reference chains. The
// enumeration backend is selected at construction: the graph-library
// primitive when the graph is within its practical size bound, the manual
// DFS otherwise. A backend failure falls through to the DFS transparently
// and never aborts the analysis.
type CycleAnalyzer struct {
	primary  *gonumCycleFinder
	fallback cycleFinder
	logger   *zap.Logger
}

// CycleOption configures a CycleAnalyzer.
type CycleOption func(*CycleAnalyzer)

// WithCycleLogger sets the analyzer's logger.
func WithCycleLogger(logger *zap.Logger) CycleOption {
	return func(a *CycleAnalyzer) { a.logger = logger }
}

// WithMaxEnumerationNodes bounds the graph size handed to the enumeration
// primitive; larger graphs go straight to the DFS fallback.
func WithMaxEnumerationNodes(n int) CycleOption {
	return func(a *CycleAnalyzer) { a.primary.maxNodes = n }
}

// NewCycleAnalyzer constructs a cycle analyzer with default backends.
func NewCycleAnalyzer(opts ...CycleOption) *CycleAnalyzer {
	a := &CycleAnalyzer{
		primary:  &gonumCycleFinder{maxNodes: 10000},
		fallback: &dfsCycleFinder{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze enumerates the cycles of the graph and returns one classified
// chain per cycle, ordered deterministically.
func (a *CycleAnalyzer) Analyze(g *depGraph) []CircularChain {
	var cycles [][]string
	var err error

	if a.primary.capable(g) {
		cycles, err = a.primary.findCycles(g)
		if err != nil {
			a.logger.Warn("cycle enumeration primitive failed, using DFS fallback", zap.Error(err))
			cycles, _ = a.fallback.findCycles(g)
		}
	} else {
		cycles, _ = a.fallback.findCycles(g)
	}

	cycles = dedupCycles(cycles)
	chains := make([]CircularChain, 0, len(cycles))
	for _, cycle := range cycles {
		if len(cycle) < 2 {
			continue
		}
		chainType := classifyChain(cycle)
		chains = append(chains, CircularChain{
			Cells:       cycle,
			ChainType:   chainType,
			Severity:    chainSeverity(cycle, chainType),
			Description: describeChain(cycle, chainType),
			Suggestions: buildBreakSuggestions(g, cycle),
		})
	}
	return chains
}

// classifyChain determines the chain type: multi-sheet when more than one
// sheet is involved, direct for a two-cell cycle, indirect otherwise.
func classifyChain(cycle []string) ChainType {
	sheets := make(map[string]bool)
	for _, cell := range cycle {
		sheets[sheetOf(cell)] = true
	}
	switch {
	case len(sheets) > 1:
		return ChainMultiSheet
	case len(cycle) == 2:
		return ChainDirect
	default:
		return ChainIndirect
	}
}

// chainSeverity is a pure function of chain length and sheet spread.
func chainSeverity(cycle []string, chainType ChainType) Severity {
	switch {
	case chainType == ChainMultiSheet || len(cycle) > 5:
		return SeverityCritical
	case len(cycle) > 3:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func describeChain(cycle []string, chainType ChainType) string {
	switch chainType {
	case ChainDirect:
		return fmt.Sprintf("%s and %s reference each other", cycle[0], cycle[1])
	case ChainMultiSheet:
		sheets := make(map[string]bool)
		for _, cell := range cycle {
			sheets[sheetOf(cell)] = true
		}
		names := make([]string, 0, len(sheets))
		for name := range sheets {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Sprintf("circular reference spans multiple sheets (%s)", strings.Join(names, ", "))
	default:
		return fmt.Sprintf("%d cells form a circular reference chain: %s -> %s",
			len(cycle), strings.Join(cycle, " -> "), cycle[0])
	}
}

var impactRank = map[string]int{ImpactLow: 0, ImpactMedium: 1, ImpactHigh: 2}

// buildBreakSuggestions proposes removing each edge of the cycle, ranked by
// how many references feed the edge's source cell. The three lowest-impact
// options are kept, and a generic intermediate-cell suggestion is always
// appended.
func buildBreakSuggestions(g *depGraph, cycle []string) []BreakSuggestion {
	suggestions := make([]BreakSuggestion, 0, len(cycle)+1)
	for i, cell := range cycle {
		next := cycle[(i+1)%len(cycle)]
		suggestions = append(suggestions, BreakSuggestion{
			Action:            "remove_reference",
			TargetCell:        cell,
			RemoveReferenceTo: next,
			Description:       fmt.Sprintf("removing the reference from %s to %s breaks the cycle", cell, next),
			Impact:            breakImpact(g, cell),
		})
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return impactRank[suggestions[i].Impact] < impactRank[suggestions[j].Impact]
	})
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	return append(suggestions, BreakSuggestion{
		Action:      "use_intermediate_cell",
		Description: "introduce an intermediate helper cell to stage the calculation and break the cycle",
		Impact:      ImpactLow,
	})
}

// breakImpact estimates the blast radius of editing a cell's formula from
// the number of references feeding it.
func breakImpact(g *depGraph, cell string) string {
	switch inbound := g.inboundCount(cell); {
	case inbound > 10:
		return ImpactHigh
	case inbound > 5:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// gonumCycleFinder enumerates elementary cycles via the graph library's
// Johnson-style primitive. The algorithm is exponential in the worst case,
// so it is only considered capable below maxNodes.
type gonumCycleFinder struct {
	maxNodes int
}

func (f *gonumCycleFinder) capable(g *depGraph) bool {
	return len(g.nodes) <= f.maxNodes
}

func (f *gonumCycleFinder) findCycles(g *depGraph) (cycles [][]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			cycles, err = nil, fmt.Errorf("cycle enumeration: %v", r)
		}
	}()

	keys := g.sortedKeys()
	ids := make(map[string]int64, len(keys))
	dg := simple.NewDirectedGraph()
	for i, key := range keys {
		ids[key] = int64(i)
		dg.AddNode(simple.Node(int64(i)))
	}
	for _, key := range keys {
		for _, reader := range g.nodes[key].readers {
			if reader == key {
				continue
			}
			dg.SetEdge(simple.Edge{F: simple.Node(ids[key]), T: simple.Node(ids[reader])})
		}
	}

	for _, nodes := range topo.DirectedCyclesIn(dg) {
		cycle := make([]string, 0, len(nodes))
		for _, n := range nodes {
			cycle = append(cycle, keys[n.ID()])
		}
		// The primitive repeats the first node at the end of each cycle.
		if len(cycle) > 1 && cycle[0] == cycle[len(cycle)-1] {
			cycle = cycle[:len(cycle)-1]
		}
		cycles = append(cycles, cycle)
	}
	return cycles, nil
}

// dfsCycleFinder is the manual fallback: a depth-first search over an
// explicit stack (no recursion, so no recursion-depth ceiling) tracking the
// current path and an on-path set, recording a chain whenever a back edge to
// an on-path node is found.
type dfsCycleFinder struct{}

type dfsFrame struct {
	node string
	next int
}

func (f *dfsCycleFinder) findCycles(g *depGraph) ([][]string, error) {
	var cycles [][]string
	visited := make(map[string]bool, len(g.nodes))
	onPath := make(map[string]bool)
	var path []string

	for _, start := range g.sortedKeys() {
		if visited[start] {
			continue
		}
		stack := []*dfsFrame{{node: start}}
		for len(stack) > 0 {
			frame := stack[len(stack)-1]
			if frame.next == 0 {
				visited[frame.node] = true
				onPath[frame.node] = true
				path = append(path, frame.node)
			}

			readers := g.nodes[frame.node].readers
			advanced := false
			for frame.next < len(readers) {
				neighbor := readers[frame.next]
				frame.next++
				if neighbor == frame.node {
					continue
				}
				if !visited[neighbor] {
					stack = append(stack, &dfsFrame{node: neighbor})
					advanced = true
					break
				}
				if onPath[neighbor] {
					for i, cell := range path {
						if cell == neighbor {
							cycles = append(cycles, append([]string(nil), path[i:]...))
							break
						}
					}
				}
			}
			if advanced {
				continue
			}
			if frame.next >= len(readers) {
				onPath[frame.node] = false
				path = path[:len(path)-1]
				stack = stack[:len(stack)-1]
			}
		}
	}
	return cycles, nil
}

// dedupCycles canonicalizes cycles by rotating each to start at its smallest
// cell, dropping rotations and repeated discoveries of the same cycle.
func dedupCycles(cycles [][]string) [][]string {
	seen := make(map[string]bool, len(cycles))
	out := make([][]string, 0, len(cycles))
	for _, cycle := range cycles {
		if len(cycle) == 0 {
			continue
		}
		minIdx := 0
		for i, cell := range cycle {
			if cell < cycle[minIdx] {
				minIdx = i
			}
		}
		rotated := append(append([]string(nil), cycle[minIdx:]...), cycle[:minIdx]...)
		key := strings.Join(rotated, "\x00")
		if !seen[key] {
			seen[key] = true
			out = append(out, rotated)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Join(out[i], "\x00") < strings.Join(out[j], "\x00")
	})
	return out
}
