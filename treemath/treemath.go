// Package treemath provides pure index arithmetic over the left-balanced
// binary trees used by TreeKEM. Nodes are numbered in a flat array: leaves
// occupy even indices, parents occupy odd indices, and the high-order bits
// of a parent and its children are related by 01x = <00x, 10x>. No Node
// object is required to compute these relationships; everything here is
// computed from the leaf count alone.
package treemath

import "fmt"

type (
	LeafIndex uint32
	LeafCount uint32
	NodeIndex uint32
	NodeCount uint32
)

// ToNodeIndex returns the array index of the node holding leaf l.
func ToNodeIndex(l LeafIndex) NodeIndex {
	return NodeIndex(2 * l)
}

// ToLeafIndex returns the leaf behind a node index that is known to be a
// leaf (even index); it panics on a parent index.
func ToLeafIndex(n NodeIndex) LeafIndex {
	if n%2 != 0 {
		panic(fmt.Errorf("treemath: node %d is not a leaf", n))
	}
	return LeafIndex(n / 2)
}

// log2 returns the position of the most significant 1 bit.
func log2(x NodeCount) uint {
	if x == 0 {
		return 0
	}
	k := uint(0)
	for (x >> k) > 0 {
		k++
	}
	return k - 1
}

// Level returns the position of the least significant 0 bit of a node
// index; leaves are level 0.
func Level(x NodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}
	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k++
	}
	return k
}

// NodeWidth returns the number of array slots (2n-1) needed for n leaves.
func NodeWidth(n LeafCount) NodeCount {
	if n == 0 {
		return 0
	}
	return NodeCount(2*(n-1) + 1)
}

// NumLeaves is the inverse of NodeWidth.
func NumLeaves(c NodeCount) LeafCount {
	if c == 0 {
		return 0
	}
	if c&1 == 0 {
		panic(fmt.Errorf("treemath: only odd node counts describe trees"))
	}
	return LeafCount((c >> 1) + 1)
}

// Root is the single index v with level(v) = ceil(log2(n)) (equivalently
// floor(log2(width))) in a tree of n leaves; Root(1) = 0.
func Root(n LeafCount) NodeIndex {
	w := NodeWidth(n)
	if w == 0 {
		return 0
	}
	return NodeIndex((1 << log2(w)) - 1)
}

// Left returns the left child of x; leaves return themselves.
func Left(x NodeIndex) NodeIndex {
	if Level(x) == 0 {
		return x
	}
	return x ^ (0x01 << (Level(x) - 1))
}

// Right returns the right child of x within a tree of n leaves; leaves
// return themselves. The naive right sibling may fall outside the tree
// (a "dangling" subtree on the right edge), in which case we descend left
// until we land back inside it.
func Right(x NodeIndex, n LeafCount) NodeIndex {
	if Level(x) == 0 {
		return x
	}
	w := NodeIndex(NodeWidth(n))
	r := x ^ (0x03 << (Level(x) - 1))
	for r >= w {
		r = Left(r)
	}
	return r
}

func parentStep(x NodeIndex) NodeIndex {
	k := Level(x)
	one := NodeIndex(1)
	return (x | (one << k)) &^ (one << (k + 1))
}

// Parent is the unique node whose children include x; the root is its own
// parent.
func Parent(x NodeIndex, n LeafCount) NodeIndex {
	if x == Root(n) {
		return x
	}
	w := NodeIndex(NodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling is the other child of x's parent; the root is its own sibling.
func Sibling(x NodeIndex, n LeafCount) NodeIndex {
	p := Parent(x, n)
	switch {
	case x < p:
		return Right(p, n)
	case x > p:
		return Left(p)
	default:
		return p
	}
}

// DirectPath is the sequence of strict ancestors of x, from the immediate
// parent up to and including the root. It excludes x itself.
func DirectPath(x NodeIndex, n LeafCount) []NodeIndex {
	r := Root(n)
	if x == r {
		return nil
	}

	var d []NodeIndex
	p := Parent(x, n)
	for {
		d = append(d, p)
		if p == r {
			break
		}
		p = Parent(p, n)
	}
	return d
}

// Copath is the sibling of every node on direct_path(x) plus the sibling of
// x itself; it is empty for the root. Copath[i] is the child of
// DirectPath(x)[i] that is not on x's own path, so the two lists line up
// index for index.
func Copath(x NodeIndex, n LeafCount) []NodeIndex {
	r := Root(n)
	if x == r {
		return nil
	}

	path := append([]NodeIndex{x}, DirectPath(x, n)...)
	c := make([]NodeIndex, 0, len(path)-1)
	for _, v := range path {
		if v == r {
			continue
		}
		c = append(c, Sibling(v, n))
	}
	return c
}

// Ancestor returns the lowest common ancestor of leaves a and b.
func Ancestor(a, b LeafIndex, n LeafCount) NodeIndex {
	na, nb := ToNodeIndex(a), ToNodeIndex(b)
	if na == nb {
		return na
	}

	da := append([]NodeIndex{na}, DirectPath(na, n)...)
	db := append([]NodeIndex{nb}, DirectPath(nb, n)...)

	inB := make(map[NodeIndex]bool, len(db))
	for _, x := range db {
		inB[x] = true
	}
	for _, x := range da {
		if inB[x] {
			return x
		}
	}
	return Root(n)
}

// AncestorStep returns the lowest common ancestor of "from" and "to" along
// with its position in direct_path(from). It is used to select which
// UpdatePathNode's ciphertext a recipient should attempt to decrypt.
func AncestorStep(from, to LeafIndex, n LeafCount) (NodeIndex, int) {
	a := Ancestor(from, to, n)
	dp := DirectPath(ToNodeIndex(from), n)
	for i, x := range dp {
		if x == a {
			return a, i
		}
	}
	return a, len(dp) - 1
}
