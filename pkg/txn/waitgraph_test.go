package txn

import "testing"

func TestNoCycleOnChain(t *testing.T) {
	c := NewController(1, 0)
	g := NewWaitForGraph()

	t1, t2, t3 := c.Begin(), c.Begin(), c.Begin()
	ref := ChainRef{Store: "financial", Table: "accounts", PK: "1"}

	if cycle := g.AddEdge(t1, t2, ref); cycle != nil {
		t.Errorf("unexpected cycle: %v", cycle)
	}
	if cycle := g.AddEdge(t2, t3, ref); cycle != nil {
		t.Errorf("unexpected cycle: %v", cycle)
	}
	if !g.Waiting(t1.Timestamp()) {
		t.Error("t1 should be waiting")
	}
}

func TestTwoCycleDetected(t *testing.T) {
	c := NewController(1, 0)
	g := NewWaitForGraph()

	t1, t2 := c.Begin(), c.Begin()
	ref := ChainRef{Store: "financial", Table: "accounts", PK: "1"}

	if cycle := g.AddEdge(t1, t2, ref); cycle != nil {
		t.Fatalf("premature cycle: %v", cycle)
	}
	cycle := g.AddEdge(t2, t1, ref)
	if cycle == nil {
		t.Fatal("expected a cycle")
	}
	if len(cycle) != 2 {
		t.Errorf("cycle length = %d, want 2", len(cycle))
	}
}

func TestThreeCycleDetected(t *testing.T) {
	c := NewController(1, 0)
	g := NewWaitForGraph()

	t1, t2, t3 := c.Begin(), c.Begin(), c.Begin()
	ref := ChainRef{Store: "inventory", Table: "products", PK: "7"}

	g.AddEdge(t1, t2, ref)
	g.AddEdge(t2, t3, ref)
	cycle := g.AddEdge(t3, t1, ref)
	if len(cycle) != 3 {
		t.Fatalf("cycle length = %d, want 3", len(cycle))
	}

	victim := selectVictim(cycle)
	if victim.Timestamp() != t3.Timestamp() {
		t.Errorf("victim = %d, want youngest %d", victim.Timestamp(), t3.Timestamp())
	}
}

func TestRemoveTransactionClearsEdges(t *testing.T) {
	c := NewController(1, 0)
	g := NewWaitForGraph()

	t1, t2 := c.Begin(), c.Begin()
	ref := ChainRef{Store: "financial", Table: "accounts", PK: "1"}

	g.AddEdge(t1, t2, ref)
	g.RemoveTransaction(t2.Timestamp())

	if g.Waiting(t1.Timestamp()) {
		t.Error("edge pointing at a removed transaction must be gone")
	}
	if g.Size() != 0 {
		t.Errorf("graph size = %d, want 0", g.Size())
	}
}

func TestTerminalHolderEdgeTreatedAsRemoved(t *testing.T) {
	c := NewController(1, 0)
	g := NewWaitForGraph()

	t1, t2, t3 := c.Begin(), c.Begin(), c.Begin()
	ref := ChainRef{Store: "financial", Table: "accounts", PK: "1"}

	g.AddEdge(t2, t3, ref)
	t3.Abort()

	// The stale edge to the aborted holder must not produce a cycle
	if cycle := g.AddEdge(t1, t2, ref); cycle != nil {
		t.Errorf("cycle through a terminal holder: %v", cycle)
	}
}
