package mls

// keyAndNonce is one generation's derived AEAD key material.
type keyAndNonce struct {
	Key   []byte
	Nonce []byte
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{Key: dup(k.Key), Nonce: dup(k.Nonce)}
}

// HashRatchet is the per-sender, forward-only key derivation chain that
// backs message protection (spec.md §4.3). Each call to Next consumes the
// current secret and zeroizes it, so a later compromise of the ratchet's
// state can never recover a key from an earlier generation.
type HashRatchet struct {
	Suite          CipherSuite
	Node           NodeIndex
	NextSecret     []byte
	NextGeneration uint32
	Cache          map[uint32]keyAndNonce
	keySize        int
	nonceSize      int
	secretSize     int
}

func newHashRatchet(suite CipherSuite, node NodeIndex, baseSecret []byte) *HashRatchet {
	return &HashRatchet{
		Suite:      suite,
		Node:       node,
		NextSecret: baseSecret,
		Cache:      map[uint32]keyAndNonce{},
		keySize:    suite.keySize(),
		nonceSize:  suite.nonceSize(),
		secretSize: suite.extractSize(),
	}
}

// Next derives, caches, and returns the next (generation, key, nonce)
// triple, advancing the ratchet.
func (hr *HashRatchet) Next() (uint32, keyAndNonce) {
	key := hr.Suite.deriveAppSecret(hr.NextSecret, "key", hr.Node, hr.NextGeneration, hr.keySize)
	nonce := hr.Suite.deriveAppSecret(hr.NextSecret, "nonce", hr.Node, hr.NextGeneration, hr.nonceSize)
	secret := hr.Suite.deriveAppSecret(hr.NextSecret, "secret", hr.Node, hr.NextGeneration, hr.secretSize)

	generation := hr.NextGeneration
	hr.NextGeneration++
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	kn := keyAndNonce{key, nonce}
	hr.Cache[generation] = kn
	return generation, kn.clone()
}

// Get returns the key/nonce for generation, fast-forwarding the ratchet
// if generation hasn't been reached yet, or an error if it has already
// been consumed and erased.
func (hr *HashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if kn, ok := hr.Cache[generation]; ok {
		return kn, nil
	}
	if hr.NextGeneration > generation {
		return keyAndNonce{}, protocolError("requested generation %d has already expired", generation)
	}
	for hr.NextGeneration < generation {
		hr.Next()
	}
	_, kn := hr.Next()
	return kn, nil
}

// Erase zeroizes and drops a cached generation's key material once a
// message at that generation has been (or will never be) processed.
func (hr *HashRatchet) Erase(generation uint32) {
	kn, ok := hr.Cache[generation]
	if !ok {
		return
	}
	zeroize(kn.Key)
	zeroize(kn.Nonce)
	delete(hr.Cache, generation)
}

// baseKeySource is where a HashRatchet's generation-0 secret comes from:
// either a flat expansion of a single handshake secret (no forward
// secrecy across senders needed for control messages) or a genuine
// binary-tree derivation (giving every leaf's application ratchet a
// distinct, unlinkable base).
type baseKeySource interface {
	suite() CipherSuite
	get(sender LeafIndex) []byte
}

// noFSBaseKeySource backs the handshake ratchets: proposals and commits
// are authenticated by signature already, so their base key derivation
// need not itself provide forward secrecy between senders.
type noFSBaseKeySource struct {
	cipherSuite CipherSuite
	rootSecret  []byte
}

func newNoFSBaseKeySource(suite CipherSuite, rootSecret []byte) *noFSBaseKeySource {
	return &noFSBaseKeySource{cipherSuite: suite, rootSecret: rootSecret}
}

func (s *noFSBaseKeySource) suite() CipherSuite { return s.cipherSuite }

func (s *noFSBaseKeySource) get(sender LeafIndex) []byte {
	return s.cipherSuite.deriveAppSecret(s.rootSecret, "handshake", toNodeIndex(sender), 0, s.cipherSuite.extractSize())
}

// treeBaseKeySource backs the application ratchets: it holds one secret
// per populated tree node and derives leftward/rightward on first use, so
// a leaf's application base secret cannot be computed by anyone who only
// ever held a different leaf's base secret (spec.md §4.3's
// "GroupKeySource" component).
type treeBaseKeySource struct {
	cipherSuite CipherSuite
	secretSize  int
	rootNode    NodeIndex
	size        LeafCount
	secrets     map[NodeIndex][]byte
}

func newTreeBaseKeySource(suite CipherSuite, size LeafCount, rootSecret []byte) *treeBaseKeySource {
	s := &treeBaseKeySource{
		cipherSuite: suite,
		secretSize:  suite.extractSize(),
		rootNode:    root(size),
		size:        size,
		secrets:     map[NodeIndex][]byte{},
	}
	s.secrets[s.rootNode] = rootSecret
	return s
}

func (s *treeBaseKeySource) suite() CipherSuite { return s.cipherSuite }

func (s *treeBaseKeySource) get(sender LeafIndex) []byte {
	senderNode := toNodeIndex(sender)
	d := append([]NodeIndex{senderNode}, dirpath(senderNode, s.size)...)

	curr := -1
	for i, node := range d {
		if _, ok := s.secrets[node]; ok {
			curr = i
			break
		}
	}
	if curr < 0 {
		panic(protocolError("no base key source found for leaf %d", sender))
	}

	for ; curr > 0; curr-- {
		node := d[curr]
		l, r := left(node), right(node, s.size)
		secret := s.secrets[node]
		s.secrets[l] = s.cipherSuite.deriveAppSecret(secret, "tree", l, 0, s.secretSize)
		s.secrets[r] = s.cipherSuite.deriveAppSecret(secret, "tree", r, 0, s.secretSize)
		zeroize(secret)
		delete(s.secrets, node)
	}

	out := dup(s.secrets[senderNode])
	zeroize(s.secrets[senderNode])
	delete(s.secrets, senderNode)
	return out
}

// GroupKeySource lazily instantiates and caches one HashRatchet per
// sender leaf over a shared baseKeySource.
type GroupKeySource struct {
	base     baseKeySource
	ratchets map[LeafIndex]*HashRatchet
}

func newGroupKeySource(base baseKeySource) *GroupKeySource {
	return &GroupKeySource{base: base, ratchets: map[LeafIndex]*HashRatchet{}}
}

func (gks *GroupKeySource) ratchet(sender LeafIndex) *HashRatchet {
	if r, ok := gks.ratchets[sender]; ok {
		return r
	}
	baseSecret := gks.base.get(sender)
	r := newHashRatchet(gks.base.suite(), toNodeIndex(sender), baseSecret)
	gks.ratchets[sender] = r
	return r
}

func (gks *GroupKeySource) Next(sender LeafIndex) (uint32, keyAndNonce) {
	return gks.ratchet(sender).Next()
}

func (gks *GroupKeySource) Get(sender LeafIndex, generation uint32) (keyAndNonce, error) {
	return gks.ratchet(sender).Get(generation)
}

func (gks *GroupKeySource) Erase(sender LeafIndex, generation uint32) {
	gks.ratchet(sender).Erase(generation)
}

// KeyScheduleEpoch holds every secret derived from one epoch's
// epoch_secret, per spec.md §4.3's key schedule component: the group's
// commit-authenticated confirmation key, the sender-data secret used to
// hide message metadata, and the two GroupKeySource trees (handshake and
// application) seeded from a shared encryption_secret that hand out
// per-sender AEAD keys.
type KeyScheduleEpoch struct {
	Suite        CipherSuite
	GroupContext []byte

	EpochSecret          []byte
	JoinerSecret         []byte
	SenderDataSecret     []byte
	EncryptionSecret     []byte
	ExporterSecret       []byte
	AuthenticationSecret []byte
	ExternalSecret       []byte
	ConfirmationKey      []byte
	MembershipKey        []byte
	ResumptionSecret     []byte
	InitSecret           []byte

	HandshakeKeys   *GroupKeySource
	ApplicationKeys *GroupKeySource
}

// newKeyScheduleEpoch derives every labeled secret from epochSecret via
// derive_secret/expand_with_label (spec.md §4.3), then stands up the
// handshake and application key sources on top of the shared
// encryption_secret. context is the serialized GroupContext of the new
// epoch; it is hashed into every derive_secret call so a secret can never
// be replayed across a tree or transcript change.
//
// This module's simplified key schedule (spec.md's Non-goals exclude PSK
// and external-init proposals) collapses the joiner_secret a Welcome
// encrypts to new members into the epoch_secret itself: JoinerSecret is
// just an alias field, kept so the struct shape matches spec.md §3's
// glossary entry for KeyScheduleEpoch.
func newKeyScheduleEpoch(suite CipherSuite, size LeafCount, epochSecret, context []byte) *KeyScheduleEpoch {
	kse := &KeyScheduleEpoch{
		Suite:        suite,
		GroupContext: dup(context),
		EpochSecret:  dup(epochSecret),
		JoinerSecret: dup(epochSecret),

		SenderDataSecret:     suite.deriveSecret(epochSecret, "sender data", context),
		EncryptionSecret:     suite.deriveSecret(epochSecret, "encryption", context),
		ExporterSecret:       suite.deriveSecret(epochSecret, "exporter", context),
		AuthenticationSecret: suite.deriveSecret(epochSecret, "authentication", context),
		ExternalSecret:       suite.deriveSecret(epochSecret, "external", context),
		ConfirmationKey:      suite.deriveSecret(epochSecret, "confirm", context),
		MembershipKey:        suite.deriveSecret(epochSecret, "membership", context),
		ResumptionSecret:     suite.deriveSecret(epochSecret, "resumption", context),
		InitSecret:           suite.deriveSecret(epochSecret, "init", context),
	}

	kse.HandshakeKeys = newGroupKeySource(newNoFSBaseKeySource(suite, kse.EncryptionSecret))
	kse.ApplicationKeys = newGroupKeySource(newTreeBaseKeySource(suite, size, kse.EncryptionSecret))
	return kse
}

// NewFirstEpoch derives the group's initial epoch from a (typically
// all-zero, for a freshly created group) init_secret and a zero-valued
// commit_secret, per spec.md §4.3/§8 scenario 1.
func NewFirstEpoch(suite CipherSuite, size LeafCount, initSecret, context []byte) *KeyScheduleEpoch {
	epochSecret := suite.hkdfExtract(initSecret, suite.zero())
	return newKeyScheduleEpoch(suite, size, epochSecret, context)
}

// Next advances the key schedule across a commit: epoch_secret =
// KDF.extract(init_secret_prev, commit_secret) (spec.md §4.3).
func (kse *KeyScheduleEpoch) Next(size LeafCount, commitSecret, context []byte) *KeyScheduleEpoch {
	epochSecret := kse.Suite.hkdfExtract(kse.InitSecret, commitSecret)
	return newKeyScheduleEpoch(kse.Suite, size, epochSecret, context)
}

// Export derives an application-facing exported secret, per spec.md §6's
// external-interfaces exporter operation.
func (kse *KeyScheduleEpoch) Export(label string, context []byte, length int) []byte {
	exporterBase := kse.Suite.deriveSecret(kse.ExporterSecret, label, nil)
	hctx := kse.Suite.Digest(context)
	return kse.Suite.hkdfExpandLabel(exporterBase, "exporter", hctx, length)
}

// senderDataKeyNonce derives the (key, nonce) pair that hides an
// MLSCiphertext's sender data, per spec.md §4.3: both are expanded
// directly from sender_data_secret using a sample of the content
// ciphertext as context (not a hash of it).
func (kse *KeyScheduleEpoch) senderDataKeyNonce(sample []byte) keyAndNonce {
	return keyAndNonce{
		Key:   kse.Suite.hkdfExpandLabel(kse.SenderDataSecret, "key", sample, kse.Suite.keySize()),
		Nonce: kse.Suite.hkdfExpandLabel(kse.SenderDataSecret, "nonce", sample, kse.Suite.nonceSize()),
	}
}

// senderDataSample takes the leading hash-sized (or shorter) slice of a
// content ciphertext that seeds senderDataKeyNonce.
func senderDataSample(suite CipherSuite, ciphertext []byte) []byte {
	n := suite.extractSize()
	if len(ciphertext) < n {
		n = len(ciphertext)
	}
	return ciphertext[:n]
}

// groupInfoKeyAndNonce derives the key that seals a GroupInfo's
// confidential portion when it's shipped inside a Welcome.
func groupInfoKeyAndNonce(suite CipherSuite, joinerSecret []byte) keyAndNonce {
	return keyAndNonce{
		Key:   suite.hkdfExpandLabel(joinerSecret, "welcome", nil, suite.keySize()),
		Nonce: suite.hkdfExpandLabel(joinerSecret, "welcome", nil, suite.nonceSize()),
	}
}
