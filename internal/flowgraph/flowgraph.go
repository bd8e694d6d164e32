// Package flowgraph builds a directed weighted graph from a focal
// transaction and its caller-supplied neighborhood, then looks for the
// three fund-flow shapes the risk scorer cares about: dispersion
// (fan-out), circular transfers, and mixing nodes.
package flowgraph

import (
	"time"

	"github.com/mbd888/chainwatch/internal/chain"
)

// dispersionFanOut is the out-degree above which a source address is
// considered to be dispersing funds.
const dispersionFanOut = 3

// mixingDegree is the in- AND out-degree above which a node looks like
// a mixing service.
const mixingDegree = 2

// Edge is a single transfer between two addresses. Parallel edges
// between the same pair are kept separate.
type Edge struct {
	From      string
	To        string
	TxHash    string
	Value     float64
	Timestamp time.Time
}

// Graph is a directed multigraph of addresses.
type Graph struct {
	out map[string][]Edge
	in  map[string][]Edge
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		out: make(map[string][]Edge),
		in:  make(map[string][]Edge),
	}
}

// AddTransaction adds one edge for the transaction. Transactions
// missing either endpoint contribute nothing.
func (g *Graph) AddTransaction(tx *chain.Transaction) {
	if tx.FromAddress == "" || tx.ToAddress == "" {
		return
	}
	e := Edge{
		From:      chain.NormalizeAddress(tx.FromAddress),
		To:        chain.NormalizeAddress(tx.ToAddress),
		TxHash:    tx.Hash,
		Value:     tx.Value,
		Timestamp: tx.Timestamp,
	}
	g.out[e.From] = append(g.out[e.From], e)
	g.in[e.To] = append(g.in[e.To], e)
}

// OutDegree returns the number of outgoing edges for an address,
// counting parallel edges separately.
func (g *Graph) OutDegree(addr string) int {
	return len(g.out[chain.NormalizeAddress(addr)])
}

// InDegree returns the number of incoming edges for an address.
func (g *Graph) InDegree(addr string) int {
	return len(g.in[chain.NormalizeAddress(addr)])
}

// HasCycle reports whether any directed cycle exists. Cycle-free graphs
// are the common case and return false without error.
func (g *Graph) HasCycle() bool {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.out))

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, e := range g.out[node] {
			switch color[e.To] {
			case gray:
				return true
			case white:
				if dfs(e.To) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for node := range g.out {
		if color[node] == white && dfs(node) {
			return true
		}
	}
	return false
}

// mixingNodes returns addresses with both high inbound and high
// outbound degree.
func (g *Graph) mixingNodes() []string {
	var nodes []string
	for addr, in := range g.in {
		if len(in) > mixingDegree && len(g.out[addr]) > mixingDegree {
			nodes = append(nodes, addr)
		}
	}
	return nodes
}

// Analysis is the fund-flow verdict for one focal transaction. The
// three detections are independent booleans, not mutually exclusive.
type Analysis struct {
	FundDispersion   bool `json:"fundDispersion"`
	DispersionCount  int  `json:"dispersionCount"`
	CircularTransfer bool `json:"circularTransfer"`
	MixingPattern    bool `json:"mixingPattern"`
}

// Analyze builds the graph from the focal transaction plus its related
// set and evaluates all three detections. Bounded by the size of the
// caller-supplied related set.
func Analyze(focal *chain.Transaction, related []chain.Transaction) Analysis {
	g := NewGraph()
	g.AddTransaction(focal)
	for i := range related {
		g.AddTransaction(&related[i])
	}

	var a Analysis

	if focal.FromAddress != "" {
		if out := g.OutDegree(focal.FromAddress); out > dispersionFanOut {
			a.FundDispersion = true
			a.DispersionCount = out
		}
	}

	a.CircularTransfer = g.HasCycle()
	a.MixingPattern = len(g.mixingNodes()) > 0

	return a
}
