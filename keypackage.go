package mls

import "github.com/cisco/go-tls-syntax"

// KeyPackage is what a prospective member publishes so the group can add
// it: a one-time HPKE init key, a leaf credential, and self-describing
// extensions, all bound together by the credential's own signature
// (spec.md §3).
type KeyPackage struct {
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
	Signature   []byte `tls:"head=2"`
}

// signaturePayload is everything that gets signed: every field of the
// KeyPackage except the signature itself.
func (kp KeyPackage) signaturePayload() ([]byte, error) {
	return marshal(kp.CipherSuite, kp.InitKey, kp.Credential, kp.Extensions)
}

// Sign computes and sets kp.Signature using priv, which must correspond
// to kp.Credential's public key.
func (kp *KeyPackage) Sign(priv SignaturePrivateKey) error {
	payload, err := kp.signaturePayload()
	if err != nil {
		return err
	}
	sig, err := kp.CipherSuite.signWithLabel(priv, "KeyPackageTBS", payload)
	if err != nil {
		return wrapProtocolError(err, "sign key package")
	}
	kp.Signature = sig
	return nil
}

// Verify checks kp.Signature against the public key carried in its own
// credential.
func (kp KeyPackage) Verify() error {
	payload, err := kp.signaturePayload()
	if err != nil {
		return err
	}
	pub := kp.Credential.PublicKey()
	if pub == nil {
		return protocolError("key package credential has no public key")
	}
	if !kp.CipherSuite.verifyWithLabel(*pub, "KeyPackageTBS", payload, kp.Signature) {
		return protocolError("key package signature invalid")
	}
	return nil
}

// Capabilities returns the decoded CapabilitiesExtension, if present.
func (kp KeyPackage) Capabilities() (CapabilitiesExtension, bool, error) {
	var caps CapabilitiesExtension
	found, err := kp.Extensions.Find(&caps)
	return caps, found, err
}

// Lifetime returns the decoded LifetimeExtension, if present.
func (kp KeyPackage) Lifetime() (LifetimeExtension, bool, error) {
	var lt LifetimeExtension
	found, err := kp.Extensions.Find(&lt)
	return lt, found, err
}

// Ref is the KeyPackage's content-addressed reference, used to name it in
// a Proposal/Welcome/GroupSecrets without repeating the full encoding. It
// is defined as the cipher suite's hash of the package's own encoding,
// matching spec.md §3's convention that every reference is
// Hash(encoded value).
func (kp KeyPackage) Ref() ([]byte, error) {
	enc, err := syntax.Marshal(kp)
	if err != nil {
		return nil, wrapProtocolError(err, "marshal key package")
	}
	return kp.CipherSuite.Digest(enc), nil
}

// SetExtensions replaces kp's extension list wholesale; callers must call
// Sign again afterward since the signature covers the extensions.
func (kp *KeyPackage) SetExtensions(exts []ExtensionBody) error {
	kp.Extensions = ExtensionList{}
	for _, e := range exts {
		if err := kp.Extensions.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Equals compares two key packages by their signed encoding.
func (kp KeyPackage) Equals(o KeyPackage) bool {
	a, err1 := syntax.Marshal(kp)
	b, err2 := syntax.Marshal(o)
	if err1 != nil || err2 != nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NewKeyPackage builds and signs a KeyPackage for a fresh HPKE init key
// over the given credential.
func NewKeyPackage(suite CipherSuite, initKey HPKEPublicKey, cred Credential, ext ExtensionList, priv SignaturePrivateKey) (*KeyPackage, error) {
	kp := &KeyPackage{
		CipherSuite: suite,
		InitKey:     initKey,
		Credential:  cred,
		Extensions:  ext,
	}
	if err := kp.Sign(priv); err != nil {
		return nil, err
	}
	return kp, nil
}
