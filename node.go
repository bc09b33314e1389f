package mls

import "github.com/cisco/go-tls-syntax"

// ParentNode is a non-leaf node's public state: an HPKE public key, the
// hash of its parent (chained down from the root, per spec.md §4.2), and
// the set of leaves added to the tree after this node's key was last set
// (their resolutions route through this node but they were never sent
// this node's secret, so encap must still encrypt to them directly).
type ParentNode struct {
	PublicKey      HPKEPublicKey
	ParentHash     []byte      `tls:"head=1"`
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

func (pn *ParentNode) AddUnmerged(l LeafIndex) {
	pn.UnmergedLeaves = append(pn.UnmergedLeaves, l)
}

func (pn ParentNode) Clone() ParentNode {
	out := ParentNode{
		PublicKey:  HPKEPublicKey{Data: dup(pn.PublicKey.Data)},
		ParentHash: dup(pn.ParentHash),
	}
	out.UnmergedLeaves = append(out.UnmergedLeaves, pn.UnmergedLeaves...)
	return out
}

// Node is a leaf-or-parent sum type; exactly one of Leaf/Parent is set.
type Node struct {
	Leaf   *KeyPackage
	Parent *ParentNode
}

func newLeafNode(kp KeyPackage) OptionalNode {
	return OptionalNode{Node: &Node{Leaf: &kp}}
}

func newParentNodeFromPublicKey(pub HPKEPublicKey) OptionalNode {
	return OptionalNode{Node: &Node{Parent: &ParentNode{PublicKey: pub}}}
}

// PublicKey returns the HPKE public key carried by this node, whichever
// variant it is.
func (n Node) PublicKey() HPKEPublicKey {
	if n.Leaf != nil {
		return n.Leaf.InitKey
	}
	return n.Parent.PublicKey
}

func (n Node) Clone() Node {
	if n.Leaf != nil {
		kp := *n.Leaf
		return Node{Leaf: &kp}
	}
	p := n.Parent.Clone()
	return Node{Parent: &p}
}

func (n *Node) Equals(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if (n.Leaf == nil) != (o.Leaf == nil) {
		return false
	}
	if n.Leaf != nil {
		return n.Leaf.InitKey.Equals(o.Leaf.InitKey)
	}
	return n.Parent.PublicKey.Equals(o.Parent.PublicKey)
}

// Equals compares two HPKE public keys by their serialized bytes.
func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	if len(k.Data) != len(o.Data) {
		return false
	}
	for i := range k.Data {
		if k.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// OptionalNode is one slot of the flat tree array; a nil Node marks a
// blank slot.
type OptionalNode struct {
	Node *Node  `tls:"optional"`
	Hash []byte `tls:"head=1,omit"`
}

func (on OptionalNode) Blank() bool {
	return on.Node == nil
}

func (on *OptionalNode) SetToBlank() {
	on.Node = nil
	on.Hash = nil
}

func (on OptionalNode) Clone() OptionalNode {
	out := OptionalNode{Hash: dup(on.Hash)}
	if on.Node != nil {
		n := on.Node.Clone()
		out.Node = &n
	}
	return out
}

// leafNodeHashInput and parentNodeHashInput mirror spec.md §4.2's tree
// hash recursion: a leaf's hash folds in its KeyPackage, a parent's hash
// folds in its own public state plus both children's hashes.
type leafNodeHashInput struct {
	LeafIndex  LeafIndex
	KeyPackage *KeyPackage `tls:"optional"`
}

type parentNodeHashInput struct {
	ParentNode *ParentNode `tls:"optional"`
	LeftHash   []byte      `tls:"head=1"`
	RightHash  []byte      `tls:"head=1"`
}

func (on *OptionalNode) SetLeafNodeHash(suite CipherSuite, index LeafIndex) error {
	input := leafNodeHashInput{LeafIndex: index}
	if on.Node != nil {
		input.KeyPackage = on.Node.Leaf
	}
	enc, err := syntax.Marshal(input)
	if err != nil {
		return wrapProtocolError(err, "marshal leaf node hash input")
	}
	on.Hash = suite.Digest(enc)
	return nil
}

func (on *OptionalNode) SetParentNodeHash(suite CipherSuite, index NodeIndex, leftHash, rightHash []byte) error {
	input := parentNodeHashInput{LeftHash: leftHash, RightHash: rightHash}
	if on.Node != nil {
		input.ParentNode = on.Node.Parent
	}
	enc, err := syntax.Marshal(input)
	if err != nil {
		return wrapProtocolError(err, "marshal parent node hash input")
	}
	on.Hash = suite.Digest(enc)
	return nil
}
