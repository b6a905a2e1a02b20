package txn

import "sync"

// waitEdge records that a waiter is parked on a holder, annotated with
// the chain the wait occurred on
type waitEdge struct {
	holder *Transaction
	chain  ChainRef
}

// WaitForGraph is a directed graph of transaction wait relationships.
// An edge from waiter to holder means the waiter is parked until the
// holder reaches a terminal state. Because a chain carries at most one
// uncommitted version, each waiter has at most one outgoing edge.
type WaitForGraph struct {
	mu           sync.Mutex
	edges        map[TS]waitEdge
	transactions map[TS]*Transaction
}

// NewWaitForGraph creates an empty wait-for graph
func NewWaitForGraph() *WaitForGraph {
	return &WaitForGraph{
		edges:        make(map[TS]waitEdge),
		transactions: make(map[TS]*Transaction),
	}
}

// AddEdge inserts a wait edge and runs cycle detection from it. If the
// insertion closes a cycle, the transactions of the cycle are returned;
// otherwise nil.
func (g *WaitForGraph) AddEdge(waiter, holder *Transaction, chain ChainRef) []*Transaction {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges[waiter.Timestamp()] = waitEdge{holder: holder, chain: chain}
	g.transactions[waiter.Timestamp()] = waiter
	g.transactions[holder.Timestamp()] = holder

	return g.cycleFrom(waiter.Timestamp())
}

// RemoveEdge removes the outgoing wait edge of a waiter
func (g *WaitForGraph) RemoveEdge(waiter TS) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, waiter)
}

// RemoveTransaction removes all edges touching a transaction. Called
// when the transaction reaches a terminal state.
func (g *WaitForGraph) RemoveTransaction(ts TS) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, ts)
	for waiter, edge := range g.edges {
		if edge.holder.Timestamp() == ts {
			delete(g.edges, waiter)
		}
	}
	delete(g.transactions, ts)
}

// Waiting reports whether a transaction currently has an outgoing edge
func (g *WaitForGraph) Waiting(ts TS) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.edges[ts]
	return ok
}

// Size returns the number of edges in the graph
func (g *WaitForGraph) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// cycleFrom walks the single outgoing edge of each node starting at
// the given waiter. Out-degree is at most one, so the walk either
// terminates or returns to a visited node; only a return to the start
// is a cycle through the new edge. An edge whose holder has already
// reached a terminal state is treated as removed.
func (g *WaitForGraph) cycleFrom(start TS) []*Transaction {
	var path []*Transaction
	seen := make(map[TS]int)

	current := start
	for {
		tx, ok := g.transactions[current]
		if !ok {
			return nil
		}
		if idx, visited := seen[current]; visited {
			if current != start {
				return nil
			}
			return append([]*Transaction{}, path[idx:]...)
		}
		seen[current] = len(path)
		path = append(path, tx)

		edge, ok := g.edges[current]
		if !ok {
			return nil
		}
		if edge.holder.Terminal() {
			delete(g.edges, current)
			return nil
		}
		current = edge.holder.Timestamp()
	}
}
