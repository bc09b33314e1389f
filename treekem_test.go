package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddLeafFillsBlankBeforeGrowing(t *testing.T) {
	suite := testSuite
	tree := NewTreeKEMPublicKey(suite)

	a := newTestMember(t, suite, "a")
	b := newTestMember(t, suite, "b")
	c := newTestMember(t, suite, "c")

	ia := tree.AddLeaf(a.kp)
	ib := tree.AddLeaf(b.kp)
	require.Equal(t, LeafIndex(0), ia)
	require.Equal(t, LeafIndex(1), ib)

	tree.BlankLeaf(ia)
	tree.Truncate()
	ic := tree.AddLeaf(c.kp)
	require.Equal(t, LeafIndex(0), ic, "blank leftmost slot should be reused before growing")
}

func TestUpdateLeafBlanksDirectPath(t *testing.T) {
	suite := testSuite
	tree := NewTreeKEMPublicKey(suite)
	members := make([]*testMember, 4)
	for i := range members {
		members[i] = newTestMember(t, suite, string(rune('a'+i)))
		tree.AddLeaf(members[i].kp)
	}

	priv, path, err := tree.Encap(LeafIndex(0), []byte("ctx"), []byte("leaf-secret-0"), members[0].sigPriv)
	require.NoError(t, err)
	require.NoError(t, tree.Merge(LeafIndex(0), *path))
	require.True(t, priv.Consistent(*tree))

	for _, n := range dirpath(toNodeIndex(LeafIndex(0)), tree.Size()) {
		require.False(t, tree.Nodes[n].Blank(), "direct path should be populated right after merge")
	}

	other := newTestMember(t, suite, "a2")
	tree.UpdateLeaf(LeafIndex(0), other.kp)
	for _, n := range dirpath(toNodeIndex(LeafIndex(0)), tree.Size()) {
		require.True(t, tree.Nodes[n].Blank(), "update must blank the whole direct path")
	}
}

func TestTruncateShrinksOnlyWhileHighestLeafBlank(t *testing.T) {
	suite := testSuite
	tree := NewTreeKEMPublicKey(suite)
	var members []*testMember
	for i := 0; i < 4; i++ {
		m := newTestMember(t, suite, string(rune('a'+i)))
		members = append(members, m)
		tree.AddLeaf(m.kp)
	}
	require.Equal(t, LeafCount(4), tree.Size())

	tree.BlankLeaf(LeafIndex(3))
	tree.Truncate()
	require.Equal(t, LeafCount(2), tree.Size())

	tree.BlankLeaf(LeafIndex(1))
	tree.Truncate()
	require.Equal(t, LeafCount(1), tree.Size())
}

func TestResolveBlankParentIsChildrenConcatenation(t *testing.T) {
	suite := testSuite
	tree := NewTreeKEMPublicKey(suite)
	a := newTestMember(t, suite, "a")
	b := newTestMember(t, suite, "b")
	tree.AddLeaf(a.kp)
	tree.AddLeaf(b.kp)

	root := root(tree.Size())
	require.True(t, tree.Nodes[root].Blank())
	res := tree.Resolve(root)
	require.ElementsMatch(t, []NodeIndex{toNodeIndex(0), toNodeIndex(1)}, res)
}

func TestResolveNonBlankIncludesUnmergedLeaves(t *testing.T) {
	suite := testSuite
	tree := NewTreeKEMPublicKey(suite)
	members := make([]*testMember, 3)
	for i := range members {
		members[i] = newTestMember(t, suite, string(rune('a'+i)))
		tree.AddLeaf(members[i].kp)
	}

	priv, path, err := tree.Encap(LeafIndex(0), []byte("ctx"), []byte("secret"), members[0].sigPriv)
	require.NoError(t, err)
	require.NoError(t, tree.Merge(LeafIndex(0), *path))
	_ = priv

	// Leaf 3 lands under the root the path above just keyed, so the root
	// stays non-blank and records leaf 3 as unmerged.
	d := newTestMember(t, suite, "d")
	tree.AddLeaf(d.kp)

	root := root(tree.Size())
	res := tree.Resolve(root)
	require.Contains(t, res, toNodeIndex(LeafIndex(3)))
}

// buildTreeAndPrivs creates a tree of n members with every parent blank
// (no path has been encapped yet) and returns it with each member's
// TreeKEMPrivateKey, which holds only that member's own leaf key.
func buildTreeAndPrivs(t *testing.T, n int) (*TreeKEMPublicKey, []*testMember, []*TreeKEMPrivateKey) {
	t.Helper()
	suite := testSuite
	tree := NewTreeKEMPublicKey(suite)
	members := make([]*testMember, n)
	privs := make([]*TreeKEMPrivateKey, n)

	for i := 0; i < n; i++ {
		members[i] = newTestMember(t, suite, string(rune('a'+i)))
		tree.AddLeaf(members[i].kp)
	}
	for i := 0; i < n; i++ {
		// Before anyone has encapped a path, a member's private tree state
		// is exactly its own leaf's HPKE key, matching what AddLeaf leaves
		// every other member holding.
		privs[i] = &TreeKEMPrivateKey{
			Suite:       suite,
			Index:       LeafIndex(i),
			Size:        tree.Size(),
			PathSecrets: map[NodeIndex][]byte{},
			PrivateKeys: map[NodeIndex]HPKEPrivateKey{toNodeIndex(LeafIndex(i)): members[i].leafPriv},
		}
	}
	return tree, members, privs
}

func TestEncapDecapAgreeOnRootSecret(t *testing.T) {
	tree, members, privs := buildTreeAndPrivs(t, 4)
	ctx := []byte("group context")

	senderPriv, path, err := tree.Encap(LeafIndex(0), ctx, []byte("fresh leaf secret"), members[0].sigPriv)
	require.NoError(t, err)

	valid, err := tree.ParentHashValid(LeafIndex(0), *path)
	require.NoError(t, err)
	require.True(t, valid)

	require.NoError(t, tree.Merge(LeafIndex(0), *path))
	require.True(t, senderPriv.Consistent(*tree))

	for i := 1; i < len(members); i++ {
		recvPriv, derr := privs[i].Decap(LeafIndex(0), tree.Size(), ctx, *path)
		require.NoError(t, derr, "member %d decap", i)
		require.Equal(t, senderPriv.UpdateSecret, recvPriv.UpdateSecret, "member %d disagrees on update secret", i)
		require.True(t, recvPriv.Consistent(*tree), "member %d private key inconsistent with merged tree", i)
	}
}

func TestDecapFailsOnWrongUpdatePath(t *testing.T) {
	tree, members, privs := buildTreeAndPrivs(t, 3)
	ctx := []byte("ctx")

	_, path, err := tree.Encap(LeafIndex(0), ctx, []byte("secret-a"), members[0].sigPriv)
	require.NoError(t, err)
	require.NoError(t, tree.Merge(LeafIndex(0), *path))

	// Corrupt one recipient's ciphertext; whichever leaf happens to hold
	// that key should fail to decap rather than silently recovering junk.
	for _, step := range path.Steps {
		for n, ct := range step.EncryptedPathSecrets {
			ct.Ciphertext[0] ^= 0xff
			step.EncryptedPathSecrets[n] = ct
		}
	}

	_, err = privs[1].Decap(LeafIndex(0), tree.Size(), ctx, *path)
	require.Error(t, err)
}

// TestDecapDetectsPublicKeyMismatch covers spec.md's "decap public-key
// mismatch" ProtocolError trigger with a syntactically valid UpdatePath:
// every ciphertext decrypts cleanly, but the sender has declared a public
// key for the root step that doesn't match what that path secret actually
// derives to. Decap itself has no way to notice this (it only ever
// derives keys from the secret it decrypted); catching it is exactly what
// TreeKEMPrivateKey.Consistent, called after Merge, is for.
func TestDecapDetectsPublicKeyMismatch(t *testing.T) {
	tree, members, privs := buildTreeAndPrivs(t, 3)
	ctx := []byte("ctx")

	_, path, err := tree.Encap(LeafIndex(0), ctx, []byte("secret"), members[0].sigPriv)
	require.NoError(t, err)

	impostor := newTestMember(t, testSuite, "impostor")
	path.Steps[len(path.Steps)-1].PublicKey = impostor.leafPriv.PublicKey

	require.NoError(t, tree.Merge(LeafIndex(0), *path))

	recvPriv, derr := privs[1].Decap(LeafIndex(0), tree.Size(), ctx, *path)
	require.NoError(t, derr, "decap itself succeeds; only the declared key is wrong")
	require.False(t, recvPriv.Consistent(*tree), "mismatched declared public key must fail the consistency check")
}

func TestIdempotentRemerge(t *testing.T) {
	tree, members, _ := buildTreeAndPrivs(t, 3)
	ctx := []byte("ctx")

	_, path, err := tree.Encap(LeafIndex(1), ctx, []byte("secret"), members[1].sigPriv)
	require.NoError(t, err)

	require.NoError(t, tree.Merge(LeafIndex(1), *path))
	hash1, err := tree.RootHash()
	require.NoError(t, err)

	require.NoError(t, tree.Merge(LeafIndex(1), *path))
	hash2, err := tree.RootHash()
	require.NoError(t, err)

	require.Equal(t, hash1, hash2)
	require.True(t, tree.Equals(*tree))
}

func TestParentHashSoundnessAfterMultipleUpdates(t *testing.T) {
	tree, members, _ := buildTreeAndPrivs(t, 5)
	ctx := []byte("ctx")

	for _, i := range []int{0, 3, 1} {
		_, path, err := tree.Encap(LeafIndex(i), ctx, []byte("secret-round"), members[i].sigPriv)
		require.NoError(t, err)
		valid, verr := tree.ParentHashValid(LeafIndex(i), *path)
		require.NoError(t, verr)
		require.True(t, valid)
		require.NoError(t, tree.Merge(LeafIndex(i), *path))

		// The general, whole-tree invariant must hold after every commit,
		// not just the path-specific check against the most recent one.
		treeValid, tverr := tree.ParentHashValidTree()
		require.NoError(t, tverr)
		require.True(t, treeValid)
	}
}

// TestParentHashDetectsSubtreeSubstitution confirms parent_hash actually
// binds sibling-subtree content, not just a chain of public keys: after a
// commit, swapping in a different (but otherwise well-formed) key for a
// node that commit's path never touched must break the whole-tree
// invariant, since that node's subtree tree hash no longer matches what
// was bound into the path above it.
func TestParentHashDetectsSubtreeSubstitution(t *testing.T) {
	tree, members, _ := buildTreeAndPrivs(t, 4)
	ctx := []byte("ctx")

	_, path, err := tree.Encap(LeafIndex(0), ctx, []byte("secret"), members[0].sigPriv)
	require.NoError(t, err)
	require.NoError(t, tree.Merge(LeafIndex(0), *path))

	valid, verr := tree.ParentHashValidTree()
	require.NoError(t, verr)
	require.True(t, valid)

	// Substitute leaf 2's KeyPackage for an impostor's, outside of any
	// committed path — the subtree swap parent_hash exists to catch.
	impostor := newTestMember(t, testSuite, "impostor")
	tree.Nodes[toNodeIndex(LeafIndex(2))] = newLeafNode(impostor.kp)
	tree.clearHashPath(LeafIndex(2))

	valid, verr = tree.ParentHashValidTree()
	require.NoError(t, verr)
	require.False(t, valid, "substituting a non-updating leaf's key must invalidate the parent-hash chain above it")
}

func TestRootHashDeterministic(t *testing.T) {
	suite := testSuite
	treeA := NewTreeKEMPublicKey(suite)
	treeB := NewTreeKEMPublicKey(suite)

	for i := 0; i < 3; i++ {
		m := newTestMember(t, suite, string(rune('a'+i)))
		treeA.AddLeaf(m.kp)
		treeB.AddLeaf(m.kp)
	}

	hashA, err := treeA.RootHash()
	require.NoError(t, err)
	hashB, err := treeB.RootHash()
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
}

func TestCloneIsIndependent(t *testing.T) {
	tree, members, _ := buildTreeAndPrivs(t, 3)
	clone := tree.Clone()

	ctx := []byte("ctx")
	_, path, err := tree.Encap(LeafIndex(0), ctx, []byte("s"), members[0].sigPriv)
	require.NoError(t, err)
	require.NoError(t, tree.Merge(LeafIndex(0), *path))

	require.False(t, tree.Equals(clone))
}
