package sheetfix

import (
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// graphNode is one cell in the dependency graph. A node exists for every
// formula cell and for every cell some formula reads.
type graphNode struct {
	ref     CellRef
	formula string   // "" for plain data cells
	readers []string // cells whose formulas read this cell ("is read by")
	sources []string // cells this cell's formula reads
}

// depGraph is the workbook's dependency graph: a directed edge from a
// referenced cell to each formula cell that reads it. The graph is built
// fresh per analysis run and discarded afterwards.
type depGraph struct {
	nodes map[string]*graphNode // canonical "Sheet!A1" -> node
}

func newDepGraph() *depGraph {
	return &depGraph{nodes: make(map[string]*graphNode)}
}

func (g *depGraph) node(ref CellRef) *graphNode {
	key := ref.String()
	n, ok := g.nodes[key]
	if !ok {
		n = &graphNode{ref: ref}
		g.nodes[key] = n
	}
	return n
}

// addEdge records that dependent's formula reads ref.
func (g *depGraph) addEdge(ref, dependent CellRef) {
	from := g.node(ref)
	to := g.node(dependent)
	from.readers = append(from.readers, to.ref.String())
	to.sources = append(to.sources, from.ref.String())
}

// inboundCount returns the number of references feeding the given cell, used
// to estimate the impact of breaking an edge out of it.
func (g *depGraph) inboundCount(cell string) int {
	if n, ok := g.nodes[cell]; ok {
		return len(n.sources)
	}
	return 0
}

// sortedKeys returns node keys in deterministic order.
func (g *depGraph) sortedKeys() []string {
	keys := make([]string, 0, len(g.nodes))
	for key := range g.nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// buildDependencyGraph scans every formula cell in the workbook and
// accumulates the dependency graph. A sheet that fails to scan is logged and
// skipped; the graph stays valid for the remaining sheets.
func buildDependencyGraph(wb Workbook, resolver *Resolver, logger *zap.Logger) *depGraph {
	graph := newDepGraph()

	for _, sheet := range wb.Sheets() {
		rows, err := wb.Rows(sheet)
		if err != nil {
			logger.Warn("skipping sheet in dependency scan",
				zap.String("sheet", sheet), zap.Error(err))
			continue
		}
		for rowIdx, row := range rows {
			for colIdx := range row {
				cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+1)
				if err != nil {
					continue
				}
				formula, err := wb.Formula(sheet, cell)
				if err != nil || formula == "" {
					continue
				}
				dependent := CellRef{Sheet: sheet, Cell: cell}
				node := graph.node(dependent)
				node.formula = formula
				for _, ref := range resolver.Resolve(formula, sheet) {
					if ref == dependent {
						// A self-reference is a formula defect, not a chain.
						continue
					}
					graph.addEdge(ref, dependent)
				}
			}
		}
	}
	return graph
}

// sheetOf extracts the sheet component of a canonical cell key.
func sheetOf(cell string) string {
	if i := strings.LastIndex(cell, "!"); i >= 0 {
		return cell[:i]
	}
	return ""
}
