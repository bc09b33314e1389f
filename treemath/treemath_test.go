package treemath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootOneLeaf(t *testing.T) {
	require.Equal(t, NodeIndex(0), Root(1))
}

func TestRootGrows(t *testing.T) {
	cases := []struct {
		n LeafCount
		r NodeIndex
	}{
		{1, 0},
		{2, 1},
		{3, 3},
		{4, 3},
		{5, 7},
		{8, 7},
		{9, 15},
	}
	for _, c := range cases {
		require.Equal(t, c.r, Root(c.n), "n=%d", c.n)
	}
}

func TestLeftRightParentConsistency(t *testing.T) {
	n := LeafCount(9)
	r := Root(n)
	var walk func(x NodeIndex)
	walk = func(x NodeIndex) {
		if Level(x) == 0 {
			return
		}
		l := Left(x)
		ri := Right(x, n)
		require.Equal(t, x, Parent(l, n))
		require.Equal(t, x, Parent(ri, n))
		walk(l)
		walk(ri)
	}
	walk(r)
}

func TestSiblingInvolution(t *testing.T) {
	n := LeafCount(7)
	w := NodeWidth(n)
	for x := NodeIndex(0); x < NodeIndex(w); x++ {
		if x == Root(n) {
			continue
		}
		s := Sibling(x, n)
		require.Equal(t, x, Sibling(s, n), "x=%d", x)
	}
}

func TestDirectPathEndsAtRoot(t *testing.T) {
	n := LeafCount(11)
	r := Root(n)
	for l := LeafIndex(0); l < LeafIndex(n); l++ {
		dp := DirectPath(ToNodeIndex(l), n)
		require.NotEmpty(t, dp)
		require.Equal(t, r, dp[len(dp)-1])
	}
}

func TestCopathDirectPathSameLength(t *testing.T) {
	n := LeafCount(11)
	for l := LeafIndex(0); l < LeafIndex(n); l++ {
		dp := DirectPath(ToNodeIndex(l), n)
		cp := Copath(ToNodeIndex(l), n)
		require.Equal(t, len(dp), len(cp))
	}
}

func TestAncestorSymmetric(t *testing.T) {
	n := LeafCount(6)
	for a := LeafIndex(0); a < LeafIndex(n); a++ {
		for b := LeafIndex(0); b < LeafIndex(n); b++ {
			require.Equal(t, Ancestor(a, b, n), Ancestor(b, a, n))
		}
	}
}

func TestAncestorOfSelfIsLeaf(t *testing.T) {
	n := LeafCount(5)
	for l := LeafIndex(0); l < LeafIndex(n); l++ {
		require.Equal(t, ToNodeIndex(l), Ancestor(l, l, n))
	}
}

func TestToLeafIndexPanicsOnParent(t *testing.T) {
	require.Panics(t, func() { ToLeafIndex(1) })
}

func TestNodeWidthRoundTrip(t *testing.T) {
	for n := LeafCount(1); n < 50; n++ {
		w := NodeWidth(n)
		require.Equal(t, n, NumLeaves(w))
	}
}
