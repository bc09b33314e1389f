package mls

import "github.com/cisco/go-tls-syntax"

// TreeKEMPathStep is one node's contribution to an UpdatePath: its new
// public key, plus one HPKE ciphertext of the path secret per node in the
// resolution of the matching copath node (spec.md §4.2).
type TreeKEMPathStep struct {
	PublicKey            HPKEPublicKey
	EncryptedPathSecrets map[NodeIndex]HPKECiphertext `tls:"head=4"`
}

// TreeKEMPath is the UpdatePath a member sends when it encaps a fresh
// path: its re-signed leaf KeyPackage plus one step per ancestor, root
// last.
type TreeKEMPath struct {
	LeafKeyPackage KeyPackage
	Steps          []TreeKEMPathStep `tls:"head=4"`
}

// parentHashInput mirrors spec.md §3's ParentNode invariant: a node's
// parent hash binds that node's child to the node's own public key and to
// the tree hash of the child's sibling subtree, so that subtree can never
// be substituted without the binding breaking.
type parentHashInput struct {
	PublicKey           HPKEPublicKey
	OriginalSiblingHash []byte `tls:"head=1"`
}

func computeParentHash(suite CipherSuite, pub HPKEPublicKey, siblingHash []byte) ([]byte, error) {
	enc, err := syntax.Marshal(parentHashInput{PublicKey: pub, OriginalSiblingHash: siblingHash})
	if err != nil {
		return nil, wrapProtocolError(err, "marshal parent hash input")
	}
	return suite.Digest(enc), nil
}

// ParentHashes computes, for each step, the parent hash that binds the
// node directly below it — the leaf for step 0, step i-1's installed
// ParentNode for i>0 — per spec.md §3: H(step_i.PublicKey ‖
// tree_hash(sibling of that lower node)), with pub supplying the sibling
// subtrees (unaffected by this path, so read straight from the tree as it
// stood before the path was applied). Unmerged leaves are never excluded
// here because every node this path touches has them reset to empty by
// Merge; the exclusion in spec.md's general invariant only matters once
// other members' Adds accumulate unmerged leaves on an untouched ancestor,
// which ParentHashValidTree (no args) accounts for when re-checking later.
func (path TreeKEMPath) ParentHashes(pub TreeKEMPublicKey, from LeafIndex) ([][]byte, error) {
	leaf := toNodeIndex(from)
	dp := dirpath(leaf, pub.Size())
	if len(dp) != len(path.Steps) {
		return nil, protocolError("malformed TreeKEMPath: %d direct path nodes, %d steps", len(dp), len(path.Steps))
	}

	ph := make([][]byte, len(path.Steps))
	for i := range path.Steps {
		child := leaf
		if i > 0 {
			child = dp[i-1]
		}
		siblingHash, err := pub.siblingTreeHash(child, nil)
		if err != nil {
			return nil, err
		}
		hash, err := computeParentHash(pub.Suite, path.Steps[i].PublicKey, siblingHash)
		if err != nil {
			return nil, err
		}
		ph[i] = hash
	}

	return ph, nil
}

// Sign re-signs the leaf KeyPackage after a path update: its init key and
// parent-hash extension both change with every encap. pub/from identify
// the tree this path was encapped against, needed to bind the leaf's
// parent-hash extension to its sibling subtree's tree hash.
func (path *TreeKEMPath) Sign(pub TreeKEMPublicKey, from LeafIndex, initPub HPKEPublicKey, sigPriv SignaturePrivateKey) error {
	var leafParentHash []byte
	if len(path.Steps) > 0 {
		ph, err := path.ParentHashes(pub, from)
		if err != nil {
			return err
		}
		leafParentHash = ph[0]
	}

	if err := path.LeafKeyPackage.SetExtensions([]ExtensionBody{ParentHashExtension{ParentHash: leafParentHash}}); err != nil {
		return err
	}
	path.LeafKeyPackage.InitKey = initPub
	return path.LeafKeyPackage.Sign(sigPriv)
}

// TreeKEMPublicKey is the full ratchet tree's public state: a flat array
// of OptionalNode slots, indexed by treemath's node numbering.
type TreeKEMPublicKey struct {
	Suite CipherSuite    `tls:"omit"`
	Nodes []OptionalNode `tls:"head=4"`
}

func NewTreeKEMPublicKey(suite CipherSuite) *TreeKEMPublicKey {
	return &TreeKEMPublicKey{Suite: suite}
}

func (pub TreeKEMPublicKey) Size() LeafCount {
	return leafWidth(nodeCount(len(pub.Nodes)))
}

// AddLeaf places keyPkg in the leftmost blank leaf, growing the tree if
// none is free, and registers the new leaf as unmerged on every ancestor
// that already has a key (those ancestors' secrets were never sent to
// this new leaf).
func (pub *TreeKEMPublicKey) AddLeaf(keyPkg KeyPackage) LeafIndex {
	index := LeafIndex(0)
	size := LeafIndex(pub.Size())
	for index < size && !pub.Nodes[toNodeIndex(index)].Blank() {
		index++
	}

	n := toNodeIndex(index)
	for len(pub.Nodes) < int(n)+1 {
		pub.Nodes = append(pub.Nodes, OptionalNode{})
	}

	pub.Nodes[n] = newLeafNode(keyPkg)

	for _, v := range dirpath(n, pub.Size()) {
		if pub.Nodes[v].Node == nil {
			continue
		}
		pub.Nodes[v].Node.Parent.AddUnmerged(index)
	}

	pub.clearHashPath(index)
	return index
}

// UpdateLeaf replaces a leaf's KeyPackage and blanks its direct path,
// exactly as a committed Update proposal requires: the new member loses
// any key material the previous occupant derived.
func (pub *TreeKEMPublicKey) UpdateLeaf(index LeafIndex, keyPkg KeyPackage) {
	pub.BlankPath(index)
	pub.Nodes[toNodeIndex(index)] = newLeafNode(keyPkg)
	pub.clearHashPath(index)
}

// BlankLeaf removes a member without replacing it, for a committed Remove
// proposal; it also blanks the leaf's direct path.
func (pub *TreeKEMPublicKey) BlankLeaf(index LeafIndex) {
	pub.BlankPath(index)
	if int(toNodeIndex(index)) < len(pub.Nodes) {
		pub.Nodes[toNodeIndex(index)].SetToBlank()
	}
}

func (pub *TreeKEMPublicKey) BlankPath(index LeafIndex) {
	if len(pub.Nodes) == 0 {
		return
	}
	ni := toNodeIndex(index)
	pub.Nodes[ni].SetToBlank()
	for _, n := range dirpath(ni, pub.Size()) {
		pub.Nodes[n].SetToBlank()
	}
}

// Truncate drops trailing blank leaves (and their now-unreachable parent
// slots) from the tree's array representation after a Remove, matching
// mlspp's TreeKEMPublicKey::truncate. It never removes a non-blank leaf.
func (pub *TreeKEMPublicKey) Truncate() {
	size := pub.Size()
	for size > 1 {
		last := toNodeIndex(LeafIndex(size - 1))
		if !pub.Nodes[last].Blank() {
			break
		}
		size--
	}
	pub.Nodes = pub.Nodes[:nodeWidthFor(size)]
}

func nodeWidthFor(n LeafCount) int {
	if n == 0 {
		return 0
	}
	return int(2*(n-1) + 1)
}

// Encap generates a fresh path secret at the sender's leaf, derives a key
// at every ancestor, encrypts each derived secret to the resolution of
// its sibling subtree, and signs the resulting path. Returns the caller's
// own updated TreeKEMPrivateKey (carrying update_secret, the commit
// secret the key schedule consumes) alongside the wire-ready TreeKEMPath.
func (pub TreeKEMPublicKey) Encap(from LeafIndex, context, leafSecret []byte, leafSigPriv SignaturePrivateKey) (*TreeKEMPrivateKey, *TreeKEMPath, error) {
	priv, err := NewTreeKEMPrivateKey(pub.Suite, pub.Size(), from, leafSecret)
	if err != nil {
		return nil, nil, err
	}

	leaf := toNodeIndex(from)
	dp := dirpath(leaf, pub.Size())
	cp := copath(leaf, pub.Size())
	path := &TreeKEMPath{
		LeafKeyPackage: *pub.Nodes[leaf].Node.Leaf,
		Steps:          make([]TreeKEMPathStep, len(dp)),
	}

	for i, n := range dp {
		path.Steps[i] = TreeKEMPathStep{
			PublicKey:            priv.PrivateKeys[n].PublicKey,
			EncryptedPathSecrets: map[NodeIndex]HPKECiphertext{},
		}

		// Every node in resolve(copath[i]) is a member who does not
		// already hold the secret at direct_path[i], so the secret must
		// be encrypted individually to each of them.
		pathSecret := priv.PathSecrets[n]
		for _, nr := range pub.Resolve(cp[i]) {
			nodePub := pub.Nodes[nr].Node.PublicKey()
			ct, err := pub.Suite.hpke().Encrypt(nodePub, context, pathSecret)
			if err != nil {
				return nil, nil, err
			}
			path.Steps[i].EncryptedPathSecrets[nr] = ct
		}
	}

	leafInitPub := priv.PrivateKeys[leaf].PublicKey
	if err := path.Sign(pub, from, leafInitPub, leafSigPriv); err != nil {
		return nil, nil, err
	}

	return priv, path, nil
}

// Merge installs a TreeKEMPath sent by "from" into this tree: the leaf
// KeyPackage and every ancestor's public key are overwritten to match the
// committed path, and any unmerged-leaf bookkeeping on those ancestors is
// cleared since the path now carries a fresh key for every member in the
// group.
func (pub *TreeKEMPublicKey) Merge(from LeafIndex, path TreeKEMPath) error {
	ni := toNodeIndex(from)
	dp := dirpath(ni, pub.Size())
	if len(dp) != len(path.Steps) {
		return protocolError("malformed TreeKEMPath: %d direct path nodes, %d steps", len(dp), len(path.Steps))
	}

	// Computed against the tree as it stood before this path is installed:
	// every sibling subtree ParentHashes consults belongs to a node this
	// path doesn't touch, so reading it now or after installing dp's new
	// keys gives the same answer, and ph[i+1] is exactly what dp[i] (the
	// node one level below step i+1) needs to carry as its own ParentHash.
	ph, err := path.ParentHashes(*pub, from)
	if err != nil {
		return err
	}

	pub.Nodes[ni] = newLeafNode(path.LeafKeyPackage)
	for i, n := range dp {
		node := newParentNodeFromPublicKey(path.Steps[i].PublicKey)
		if i+1 < len(ph) {
			node.Node.Parent.ParentHash = dup(ph[i+1])
		}
		pub.Nodes[n] = node
	}

	pub.clearHashPath(from)
	return nil
}

func (pub TreeKEMPublicKey) Clone() TreeKEMPublicKey {
	next := TreeKEMPublicKey{Suite: pub.Suite, Nodes: make([]OptionalNode, len(pub.Nodes))}
	for i, n := range pub.Nodes {
		next.Nodes[i] = n.Clone()
	}
	return next
}

func (pub TreeKEMPublicKey) Equals(o TreeKEMPublicKey) bool {
	if len(pub.Nodes) != len(o.Nodes) {
		return false
	}
	for i := range pub.Nodes {
		if !pub.Nodes[i].Node.Equals(o.Nodes[i].Node) {
			return false
		}
	}
	return true
}

func (pub TreeKEMPublicKey) Find(kp KeyPackage) (LeafIndex, bool) {
	num := pub.Size()
	for i := LeafIndex(0); LeafCount(i) < num; i++ {
		n := pub.Nodes[toNodeIndex(i)]
		if n.Blank() || n.Node.Leaf == nil {
			continue
		}
		if n.Node.Leaf.Equals(kp) {
			return i, true
		}
	}
	return 0, false
}

// Resolve is the resolution of a node: itself plus any unmerged leaves if
// it is non-blank, or the concatenation of its children's resolutions if
// it is blank (spec.md §4.2).
func (pub TreeKEMPublicKey) Resolve(index NodeIndex) []NodeIndex {
	if !pub.Nodes[index].Blank() {
		res := []NodeIndex{index}
		if level(index) > 0 {
			for _, v := range pub.Nodes[index].Node.Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(v))
			}
		}
		return res
	}

	if level(index) == 0 {
		return []NodeIndex{}
	}

	l := pub.Resolve(left(index))
	r := pub.Resolve(right(index, pub.Size()))
	return append(l, r...)
}

func (pub *TreeKEMPublicKey) clearHashPath(index LeafIndex) {
	ni := toNodeIndex(index)
	pub.Nodes[ni].Hash = nil
	for _, n := range dirpath(ni, pub.Size()) {
		pub.Nodes[n].Hash = nil
	}
}

// RootHash returns the tree hash, computing it first if any node along
// the way is stale.
func (pub *TreeKEMPublicKey) RootHash() ([]byte, error) {
	r := root(pub.Size())
	if pub.Nodes[r].Hash == nil {
		if err := pub.setHash(r); err != nil {
			return nil, err
		}
	}
	return pub.Nodes[r].Hash, nil
}

func (pub *TreeKEMPublicKey) setHash(index NodeIndex) error {
	if level(index) == 0 {
		return pub.Nodes[index].SetLeafNodeHash(pub.Suite, toLeafIndex(index))
	}

	li := left(index)
	if pub.Nodes[li].Hash == nil {
		if err := pub.setHash(li); err != nil {
			return err
		}
	}

	ri := right(index, pub.Size())
	if pub.Nodes[ri].Hash == nil {
		if err := pub.setHash(ri); err != nil {
			return err
		}
	}

	return pub.Nodes[index].SetParentNodeHash(pub.Suite, index, pub.Nodes[li].Hash, pub.Nodes[ri].Hash)
}

// ParentHashValid checks an incoming commit's path before it is merged:
// the leaf KeyPackage's signed ParentHashExtension must equal the hash
// ParentHashes computes for step 0 from the tree's current (pre-merge)
// sibling subtrees. This is mlspp's path-specific parent_hash_valid(path,
// from); see the no-argument overload below for the whole-tree invariant.
func (pub TreeKEMPublicKey) ParentHashValid(from LeafIndex, path TreeKEMPath) (bool, error) {
	hashes, err := path.ParentHashes(pub, from)
	if err != nil {
		return false, err
	}
	if len(hashes) == 0 {
		return true, nil
	}

	var leafPH ParentHashExtension
	found, err := path.LeafKeyPackage.Extensions.Find(&leafPH)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return bytesEqual(leafPH.ParentHash, hashes[0]), nil
}

// ParentHashValidTree walks the whole tree and checks spec.md §3's general
// invariant: for every non-blank parent p, some non-blank child c carries
// a declared parent hash equal to H(p.PublicKey ‖ tree_hash(sibling(c),
// with p's current unmerged leaves excluded)). Unlike the path-specific
// overload above, this re-derives the binding for every parent already
// installed in the tree, not just the one path most recently committed —
// mlspp's no-argument parent_hash_valid(), exercised both right after a
// commit and independently of any specific incoming path.
func (pub TreeKEMPublicKey) ParentHashValidTree() (bool, error) {
	for n := range pub.Nodes {
		idx := NodeIndex(n)
		if level(idx) == 0 || pub.Nodes[idx].Blank() {
			continue
		}
		p := pub.Nodes[idx].Node.Parent

		witnessed := false
		anyChild := false
		for _, c := range [2]NodeIndex{left(idx), right(idx, pub.Size())} {
			if pub.Nodes[c].Blank() {
				continue
			}
			anyChild = true

			declared, err := pub.declaredParentHash(c)
			if err != nil {
				return false, err
			}
			if declared == nil {
				continue
			}

			siblingHash, err := pub.siblingTreeHash(c, p.UnmergedLeaves)
			if err != nil {
				return false, err
			}
			expected, err := computeParentHash(pub.Suite, p.PublicKey, siblingHash)
			if err != nil {
				return false, err
			}
			if bytesEqual(declared, expected) {
				witnessed = true
				break
			}
		}

		if anyChild && !witnessed {
			return false, nil
		}
	}
	return true, nil
}

// declaredParentHash returns the parent-hash value node idx itself
// carries: a leaf's ParentHashExtension, or a parent node's ParentHash
// field. Returns nil (not an error) if idx is blank or declares none.
func (pub TreeKEMPublicKey) declaredParentHash(idx NodeIndex) ([]byte, error) {
	if pub.Nodes[idx].Blank() {
		return nil, nil
	}
	if level(idx) == 0 {
		var ext ParentHashExtension
		found, err := pub.Nodes[idx].Node.Leaf.Extensions.Find(&ext)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return ext.ParentHash, nil
	}
	return pub.Nodes[idx].Node.Parent.ParentHash, nil
}

// siblingTreeHash is the tree hash of idx's sibling subtree, treating any
// leaf in exclude as blank — spec.md §3's "sibling's tree hash is
// computed with the current node's unmerged leaves excluded".
func (pub TreeKEMPublicKey) siblingTreeHash(idx NodeIndex, exclude []LeafIndex) ([]byte, error) {
	excl := make(map[LeafIndex]bool, len(exclude))
	for _, l := range exclude {
		excl[l] = true
	}
	return pub.treeHashExcluding(sibling(idx, pub.Size()), excl)
}

// treeHashExcluding recomputes a subtree's tree hash from scratch, never
// touching the cached OptionalNode.Hash (which reflects no exclusions),
// treating every leaf in exclude as blank along the way.
func (pub TreeKEMPublicKey) treeHashExcluding(idx NodeIndex, exclude map[LeafIndex]bool) ([]byte, error) {
	if level(idx) == 0 {
		li := toLeafIndex(idx)
		on := OptionalNode{}
		if !pub.Nodes[idx].Blank() && !exclude[li] {
			n := pub.Nodes[idx].Node.Clone()
			on.Node = &n
		}
		if err := on.SetLeafNodeHash(pub.Suite, li); err != nil {
			return nil, err
		}
		return on.Hash, nil
	}

	leftHash, err := pub.treeHashExcluding(left(idx), exclude)
	if err != nil {
		return nil, err
	}
	rightHash, err := pub.treeHashExcluding(right(idx, pub.Size()), exclude)
	if err != nil {
		return nil, err
	}

	on := pub.Nodes[idx].Clone()
	if err := on.SetParentNodeHash(pub.Suite, idx, leftHash, rightHash); err != nil {
		return nil, err
	}
	return on.Hash, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
