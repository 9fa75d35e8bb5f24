package rbtree

import (
	"math/rand"
	"sort"
	"testing"
)

func insertRange(t *Tree, start, size uint64) *Node {
	n := &Node{Start: start, Size: size}
	t.Insert(n)

	return n
}

func TestInsertMaintainsInvariants(t *testing.T) {
	var tree Tree

	starts := []uint64{100, 50, 150, 25, 75, 125, 175, 10, 200, 1}
	for i, s := range starts {
		insertRange(&tree, s, uint64(i+1)*4)

		if !Check(&tree) {
			t.Fatalf("invariant broken after inserting %d", s)
		}
	}
}

func TestFindContaining(t *testing.T) {
	var tree Tree

	insertRange(&tree, 0, 0x1000)
	insertRange(&tree, 0x1000, 0x2000)
	insertRange(&tree, 0x4000, 0x1000)

	cases := []struct {
		addr uint64
		want uint64
	}{
		{0, 0},
		{0x500, 0},
		{0x1500, 0x1000},
		{0x2fff, 0x1000},
		{0x4800, 0x4000},
	}

	for _, c := range cases {
		n := tree.FindContaining(c.addr)
		if n == nil || n.Start != c.want {
			t.Fatalf("FindContaining(%#x): got %v, want start %#x", c.addr, n, c.want)
		}
	}

	if n := tree.FindContaining(0x3000); n != nil {
		t.Fatalf("FindContaining(0x3000): expected nil gap hit, got %v", n)
	}
}

func TestFindMinSizeWorstFit(t *testing.T) {
	var tree Tree

	insertRange(&tree, 0, 16)
	insertRange(&tree, 100, 64)
	insertRange(&tree, 200, 32)

	n := tree.FindMinSize(20)
	if n == nil || n.Start != 200 {
		t.Fatalf("FindMinSize(20): got %v, want the tightest-fitting 32-byte range at 200", n)
	}

	n = tree.FindMinSize(40)
	if n == nil || n.Start != 100 {
		t.Fatalf("FindMinSize(40): got %v, want 100", n)
	}

	if n := tree.FindMinSize(100); n != nil {
		t.Fatalf("FindMinSize(100): expected nil, got %v", n)
	}
}

func TestFindGreaterLowerOrEqual(t *testing.T) {
	var tree Tree

	for _, s := range []uint64{10, 20, 30, 40, 50} {
		insertRange(&tree, s, 5)
	}

	if n := tree.FindGreaterOrEqual(25); n == nil || n.Start != 30 {
		t.Fatalf("FindGreaterOrEqual(25): got %v, want 30", n)
	}

	if n := tree.FindGreaterOrEqual(30); n == nil || n.Start != 30 {
		t.Fatalf("FindGreaterOrEqual(30): got %v, want 30", n)
	}

	if n := tree.FindGreaterOrEqual(51); n != nil {
		t.Fatalf("FindGreaterOrEqual(51): got %v, want nil", n)
	}

	if n := tree.FindLowerOrEqual(25); n == nil || n.Start != 20 {
		t.Fatalf("FindLowerOrEqual(25): got %v, want 20", n)
	}

	if n := tree.FindLowerOrEqual(9); n != nil {
		t.Fatalf("FindLowerOrEqual(9): got %v, want nil", n)
	}
}

func TestSuccessorPredecessor(t *testing.T) {
	var tree Tree

	nodes := map[uint64]*Node{}
	for _, s := range []uint64{5, 15, 25, 35, 45} {
		nodes[s] = insertRange(&tree, s, 1)
	}

	if s := Successor(nodes[15]); s == nil || s.Start != 25 {
		t.Fatalf("Successor(15): got %v, want 25", s)
	}

	if s := Successor(nodes[45]); s != nil {
		t.Fatalf("Successor(45): got %v, want nil", s)
	}

	if p := Predecessor(nodes[25]); p == nil || p.Start != 15 {
		t.Fatalf("Predecessor(25): got %v, want 15", p)
	}

	if p := Predecessor(nodes[5]); p != nil {
		t.Fatalf("Predecessor(5): got %v, want nil", p)
	}
}

func TestDeleteMaintainsInvariants(t *testing.T) {
	r := rand.New(rand.NewSource(1))

	var tree Tree

	nodes := map[uint64]*Node{}

	for i := 0; i < 200; i++ {
		s := uint64(r.Intn(100000))
		if _, ok := nodes[s]; ok {
			continue
		}

		nodes[s] = insertRange(&tree, s, uint64(r.Intn(4096)+1))
	}

	var starts []uint64
	for s := range nodes {
		starts = append(starts, s)
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	r.Shuffle(len(starts), func(i, j int) { starts[i], starts[j] = starts[j], starts[i] })

	for _, s := range starts {
		tree.Delete(nodes[s])

		if !Check(&tree) {
			t.Fatalf("invariant broken after deleting %d", s)
		}
	}

	if tree.Root() != nil {
		t.Fatalf("tree not empty after deleting all nodes")
	}
}

func TestUpdateSizePropagatesMax(t *testing.T) {
	var tree Tree

	a := insertRange(&tree, 0, 10)
	insertRange(&tree, 100, 5)

	UpdateSize(a, 1000)

	if tree.Root().MaxSize() < 1000 {
		t.Fatalf("UpdateSize did not propagate: root max %d", tree.Root().MaxSize())
	}

	if !Check(&tree) {
		t.Fatalf("invariant broken after UpdateSize")
	}
}
