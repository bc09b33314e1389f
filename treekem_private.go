package mls

// TreeKEMPrivateKey holds one member's view of its own path secrets and
// the HPKE private keys derived from them, from its own leaf up to the
// root (spec.md §4.2).
type TreeKEMPrivateKey struct {
	Suite        CipherSuite
	Index        LeafIndex
	Size         LeafCount
	PathSecrets  map[NodeIndex][]byte
	PrivateKeys  map[NodeIndex]HPKEPrivateKey
	UpdateSecret []byte
}

// NewTreeKEMPrivateKeyForJoiner builds a joiner's initial private key: its
// own leaf's HPKE keypair (the same one published in its KeyPackage) plus,
// if the Welcome carried one, the path secret at the lowest common
// ancestor of its leaf and the committer's leaf (ratcheted up to the
// root). A joiner whose Welcome carries no path secret (the committer held
// none at that ancestor, as after any commit without an UpdatePath) knows
// only its own leaf.
func NewTreeKEMPrivateKeyForJoiner(suite CipherSuite, index LeafIndex, size LeafCount, leafPriv HPKEPrivateKey, intersect NodeIndex, pathSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		Size:        size,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
	priv.PrivateKeys[toNodeIndex(index)] = leafPriv

	if pathSecret == nil {
		return priv, nil
	}
	if err := priv.setPathSecrets(intersect, size, pathSecret); err != nil {
		return nil, err
	}
	return priv, nil
}

// NewTreeKEMPrivateKey builds a committer's private key from scratch: a
// fresh leaf secret ratchets up to the root via RFC 9420 §8's path-secret
// derivation (spec.md §4.2's "derive path secrets" operation).
func NewTreeKEMPrivateKey(suite CipherSuite, size LeafCount, index LeafIndex, leafSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		Size:        size,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
	if err := priv.setPathSecrets(toNodeIndex(index), size, leafSecret); err != nil {
		return nil, err
	}
	return priv, nil
}

func (priv TreeKEMPrivateKey) pathStep(pathSecret []byte) []byte {
	return priv.Suite.hkdfExpandLabel(pathSecret, "path", nil, priv.Suite.extractSize())
}

// setPathSecrets walks from start to the root, storing the path secret
// and its derived HPKE key pair at every node along the way, then derives
// one further path_step from the root's secret as update_secret — the
// commit secret the key schedule consumes (spec.md §4.2's Encap step 6).
func (priv *TreeKEMPrivateKey) setPathSecrets(start NodeIndex, size LeafCount, secret []byte) error {
	r := root(size)
	pathSecret := secret

	n := start
	for {
		priv.PathSecrets[n] = dup(pathSecret)
		nodePriv, err := priv.Suite.hpke().Derive(pathSecret)
		if err != nil {
			return wrapProtocolError(err, "derive path key at node %d", n)
		}
		priv.PrivateKeys[n] = nodePriv

		if n == r {
			break
		}
		pathSecret = priv.pathStep(pathSecret)
		n = parent(n, size)
	}
	priv.UpdateSecret = priv.pathStep(priv.PathSecrets[r])
	return nil
}

// PathSecret returns the path secret shared between this key's leaf and
// leaf "to", i.e. the secret held at their lowest common ancestor.
func (priv TreeKEMPrivateKey) PathSecret(to LeafIndex) (NodeIndex, []byte, error) {
	n := ancestor(priv.Index, to, priv.Size)
	secret, ok := priv.PathSecrets[n]
	if !ok {
		return 0, nil, protocolError("no path secret cached for node %d", n)
	}
	return n, secret, nil
}

// Decap applies a committed TreeKEMPath from leaf "from" to this private
// key: it decrypts whichever ciphertext in the matching step this leaf's
// resolution membership entitles it to, then re-derives every secret from
// that point up to the root, discarding the old ones so a compromise of
// the pre-commit state can never recover the new root secret (forward
// secrecy, spec.md §8).
func (priv TreeKEMPrivateKey) Decap(from LeafIndex, size LeafCount, context []byte, path TreeKEMPath) (*TreeKEMPrivateKey, error) {
	anc, iPath := ancestorIndex(from, priv.Index, size)
	if iPath >= len(path.Steps) {
		return nil, protocolError("update path too short for ancestor at step %d", iPath)
	}

	var pathSecret []byte
	for n, ct := range path.Steps[iPath].EncryptedPathSecrets {
		nodePriv, ok := priv.PrivateKeys[n]
		if !ok {
			continue
		}
		pt, err := priv.Suite.hpke().Decrypt(nodePriv, context, ct)
		if err != nil {
			return nil, wrapProtocolError(err, "decrypt path secret at node %d", n)
		}
		pathSecret = pt
		break
	}
	if pathSecret == nil {
		return nil, protocolError("no decryptable path secret in update path")
	}

	out := &TreeKEMPrivateKey{
		Suite:       priv.Suite,
		Index:       priv.Index,
		Size:        size,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
	if err := out.setPathSecrets(anc, size, pathSecret); err != nil {
		return nil, err
	}

	// Carry forward every private key this member already held that the
	// fresh path didn't just overwrite — keyed by PrivateKeys, not
	// PathSecrets, since a joiner's own leaf key has no PathSecrets
	// companion (NewTreeKEMPrivateKeyForJoiner never derives one) but must
	// still survive: it may be exactly the key a later commit addresses.
	for n, nodePriv := range priv.PrivateKeys {
		if _, ok := out.PrivateKeys[n]; ok {
			continue
		}
		out.PrivateKeys[n] = nodePriv
		if ps, ok := priv.PathSecrets[n]; ok {
			out.PathSecrets[n] = ps
		}
	}

	return out, nil
}

// Consistent reports whether every private key this struct holds matches
// the corresponding public key in pub; used in tests and as a sanity
// check after Decap/Encap.
func (priv TreeKEMPrivateKey) Consistent(pub TreeKEMPublicKey) bool {
	if priv.Suite != pub.Suite {
		return false
	}
	for n, nodePriv := range priv.PrivateKeys {
		if int(n) >= len(pub.Nodes) || pub.Nodes[n].Blank() {
			return false
		}
		if !nodePriv.PublicKey.Equals(pub.Nodes[n].Node.PublicKey()) {
			return false
		}
	}
	return true
}
