package mls

import "github.com/openmls-go/mlscore/treemath"

// Type aliases so the rest of this package can use the same short names
// the teacher's tree-math code uses, while the arithmetic itself lives in
// the independently-testable treemath package (spec.md §2 package layout).
type (
	LeafIndex = treemath.LeafIndex
	LeafCount = treemath.LeafCount
	NodeIndex = treemath.NodeIndex
	NodeCount = treemath.NodeCount
)

func toNodeIndex(l LeafIndex) NodeIndex        { return treemath.ToNodeIndex(l) }
func toLeafIndex(n NodeIndex) LeafIndex        { return treemath.ToLeafIndex(n) }
func root(n LeafCount) NodeIndex               { return treemath.Root(n) }
func left(x NodeIndex) NodeIndex               { return treemath.Left(x) }
func right(x NodeIndex, n LeafCount) NodeIndex { return treemath.Right(x, n) }

func parent(x NodeIndex, n LeafCount) NodeIndex {
	return treemath.Parent(x, n)
}

func sibling(x NodeIndex, n LeafCount) NodeIndex {
	return treemath.Sibling(x, n)
}

func dirpath(x NodeIndex, n LeafCount) []NodeIndex {
	return treemath.DirectPath(x, n)
}

func copath(x NodeIndex, n LeafCount) []NodeIndex {
	return treemath.Copath(x, n)
}

func ancestor(a, b LeafIndex, n LeafCount) NodeIndex {
	return treemath.Ancestor(a, b, n)
}

func ancestorIndex(from, to LeafIndex, n LeafCount) (NodeIndex, int) {
	return treemath.AncestorStep(from, to, n)
}

func level(x NodeIndex) uint { return treemath.Level(x) }

func nodeCount(n int) NodeCount       { return NodeCount(n) }
func leafWidth(c NodeCount) LeafCount { return treemath.NumLeaves(c) }
