package mht

import (
	"fmt"
	"testing"
)

// testPages builds n distinct pages of the given size.
func testPages(n int, pageSize int) [][]byte {
	pages := make([][]byte, n)
	for i := range pages {
		pages[i] = make([]byte, pageSize)
		copy(pages[i], fmt.Sprintf("page-%d", i))
	}
	return pages
}

type sliceSource [][]byte

func (s sliceSource) Page(id PageID) ([]byte, error) {
	if int(id) >= len(s) {
		return nil, fmt.Errorf("page %d out of range", id)
	}
	return s[id], nil
}

func TestBuild_SingleLeaf(t *testing.T) {
	pages := testPages(1, 64)
	root, nodes, err := Build(sliceSource(pages), 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if root != LeafHash(pages[0]) {
		t.Fatal("single-leaf root must equal the leaf hash")
	}
	if len(nodes) != 1 {
		t.Fatalf("node map has %d entries, want 1", len(nodes))
	}
}

func TestBuild_TwoLeaves(t *testing.T) {
	pages := testPages(2, 64)
	root, _, err := Build(sliceSource(pages), 2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := InternalHash(LeafHash(pages[0]), LeafHash(pages[1]))
	if root != want {
		t.Fatalf("root %s, want %s", root, want)
	}
}

func TestBuild_PadsRightSpine(t *testing.T) {
	pages := testPages(5, 64)
	root, nodes, err := Build(sliceSource(pages), 5)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Recompute by hand with H_pad on the right edge.
	l := make([]Digest, 5)
	for i := range l {
		l[i] = LeafHash(pages[i])
	}
	n10 := InternalHash(l[0], l[1])
	n11 := InternalHash(l[2], l[3])
	n12 := InternalHash(l[4], PadHash())
	n20 := InternalHash(n10, n11)
	n21 := InternalHash(n12, PadHash())
	want := InternalHash(n20, n21)
	if root != want {
		t.Fatalf("root %s, want %s", root, want)
	}
	if got := nodes[NodeID{Level: 1, Index: 2}]; got != n12 {
		t.Fatal("node (1,2) not built over the padding hash")
	}
}

func TestUpdate_MatchesRebuild(t *testing.T) {
	pages := testPages(7, 64)
	_, nodes, err := Build(sliceSource(pages), 7)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	copy(pages[3], "rewritten")
	copy(pages[6], "also rewritten")
	got := Update(nodes, 7, map[PageID]Digest{
		3: LeafHash(pages[3]),
		6: LeafHash(pages[6]),
	})
	want, _, err := Build(sliceSource(pages), 7)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got != want {
		t.Fatalf("updated root %s, rebuilt root %s", got, want)
	}
}

func TestBuild_ZeroPages(t *testing.T) {
	if _, _, err := Build(sliceSource(nil), 0); err == nil {
		t.Fatal("expected error for zero pages")
	}
}
