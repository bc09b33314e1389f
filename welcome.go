package mls

// GroupInfo is the confidential description of a group's current epoch
// that a committer ships (inside a Welcome) to every new joiner: enough
// of the public tree and transcript state to let the joiner reconstruct
// the group without replaying history (spec.md §3's Welcome dataflow).
//
// Signing and verifying a GroupInfo is a discrete step, independent of
// Welcome assembly/decryption, matching mlspp's split between `sign()`
// and the encryption step (supplemented feature, §7 of this module's
// expanded spec).
type GroupInfo struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	Tree                    TreeKEMPublicKey
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Extensions              ExtensionList
	Confirmation            []byte `tls:"head=1"`
	SignerIndex             LeafIndex
	Signature               []byte `tls:"head=2"`
}

func (gi GroupInfo) signaturePayload() ([]byte, error) {
	return marshal(struct {
		GroupID                 []byte `tls:"head=1"`
		Epoch                   uint64
		Tree                    TreeKEMPublicKey
		ConfirmedTranscriptHash []byte `tls:"head=1"`
		InterimTranscriptHash   []byte `tls:"head=1"`
		Extensions              ExtensionList
		Confirmation            []byte `tls:"head=1"`
		SignerIndex             LeafIndex
	}{gi.GroupID, gi.Epoch, gi.Tree, gi.ConfirmedTranscriptHash,
		gi.InterimTranscriptHash, gi.Extensions, gi.Confirmation, gi.SignerIndex})
}

// sign has the committer attest to this GroupInfo's tree and transcript
// state under its leaf signing key, over the GroupInfo's own fields
// (confirmed transcript hash and tree hash included), independent of the
// welcome encryption that follows.
func (gi *GroupInfo) sign(suite CipherSuite, signer LeafIndex, priv SignaturePrivateKey) error {
	gi.SignerIndex = signer
	payload, err := gi.signaturePayload()
	if err != nil {
		return err
	}
	sig, err := suite.scheme().Sign(&priv, payload)
	if err != nil {
		return wrapProtocolError(err, "sign group info")
	}
	gi.Signature = sig
	return nil
}

// verify checks the committer's signature over this GroupInfo against
// the signer's public key (taken from its leaf in the embedded tree).
func (gi GroupInfo) verify(suite CipherSuite, pub SignaturePublicKey) bool {
	payload, err := gi.signaturePayload()
	if err != nil {
		return false
	}
	return suite.scheme().Verify(&pub, payload, gi.Signature)
}

// GroupSecrets is what a Welcome encrypts individually to each joiner's
// init HPKE key: the joiner_secret needed to rebuild the epoch's key
// schedule, plus (when the committer holds one) the path secret at the
// lowest common ancestor of the joiner and the committer, so the joiner's
// private tree starts consistent with everyone else's (spec.md §4.4).
type GroupSecrets struct {
	JoinerSecret []byte `tls:"head=1"`
	PathSecret   []byte `tls:"head=1,optional"`
}

// EncryptedGroupSecrets pairs a joiner's KeyPackage reference with its
// HPKE-encrypted GroupSecrets, so a joiner can find its own entry among
// every other joiner's in a multi-add Welcome (spec.md §6).
type EncryptedGroupSecrets struct {
	KeyPackageRef    []byte `tls:"head=1"`
	EncryptedSecrets HPKECiphertext
}

// Welcome is the message a committer sends to every new joiner named in
// a Commit's Add proposals: one encrypted GroupSecrets per joiner, plus
// a single AEAD-sealed GroupInfo shared by all of them (spec.md §6).
type Welcome struct {
	Version            uint8
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

const mlsVersion1 uint8 = 1

// newWelcome seals gi under the key derived from joinerSecret and
// prepares an empty joiner-secrets list for encryptTo to fill in.
func newWelcome(suite CipherSuite, joinerSecret []byte, gi GroupInfo) (*Welcome, error) {
	giData, err := marshal(gi)
	if err != nil {
		return nil, err
	}

	kn := groupInfoKeyAndNonce(suite, joinerSecret)
	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, kn.Nonce, giData, nil)

	return &Welcome{
		Version:            mlsVersion1,
		CipherSuite:        suite,
		EncryptedGroupInfo: ct,
	}, nil
}

// encryptTo adds one joiner's entry: their GroupSecrets, HPKE-sealed to
// their KeyPackage's init public key, with no HPKE AAD, and tagged with
// the KeyPackage's ref so the joiner can find it.
func (w *Welcome) encryptTo(kp KeyPackage, secrets GroupSecrets) error {
	ref, err := kp.Ref()
	if err != nil {
		return err
	}
	secretsData, err := marshal(secrets)
	if err != nil {
		return err
	}
	ct, err := w.CipherSuite.hpke().Encrypt(kp.InitKey, nil, secretsData)
	if err != nil {
		return err
	}
	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{KeyPackageRef: ref, EncryptedSecrets: ct})
	return nil
}

// findSecrets locates the entry addressed to kp, by KeyPackage ref.
func (w Welcome) findSecrets(kp KeyPackage) (*EncryptedGroupSecrets, error) {
	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}
	for i := range w.Secrets {
		if bytesEqual(w.Secrets[i].KeyPackageRef, ref) {
			return &w.Secrets[i], nil
		}
	}
	return nil, protocolError("welcome: no secrets addressed to this key package")
}

// decryptSecrets recovers a joiner's own GroupSecrets using its init
// HPKE private key, failing with ProtocolError on any cryptographic
// mismatch (wrong key, tampered ciphertext) and also when the joiner
// isn't named in this Welcome at all.
func (w Welcome) decryptSecrets(kp KeyPackage, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	entry, err := w.findSecrets(kp)
	if err != nil {
		return nil, err
	}
	pt, err := w.CipherSuite.hpke().Decrypt(initPriv, nil, entry.EncryptedSecrets)
	if err != nil {
		return nil, wrapProtocolError(err, "decrypt group secrets")
	}
	var secrets GroupSecrets
	if err := unmarshal(pt, &secrets); err != nil {
		return nil, err
	}
	return &secrets, nil
}

// decryptGroupInfo opens the Welcome's shared GroupInfo using the
// joiner_secret just recovered from decryptSecrets.
func (w Welcome) decryptGroupInfo(joinerSecret []byte) (*GroupInfo, error) {
	kn := groupInfoKeyAndNonce(w.CipherSuite, joinerSecret)
	aead, err := w.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, nil)
	if err != nil {
		return nil, wrapProtocolError(err, "decrypt group info")
	}
	var gi GroupInfo
	if err := unmarshal(pt, &gi); err != nil {
		return nil, err
	}
	return &gi, nil
}
