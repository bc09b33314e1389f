package mls

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"reflect"

	"github.com/cisco/go-tls-syntax"
)

// CredentialType distinguishes the two ways a leaf can authenticate
// itself, per spec.md §3's Credential type.
type CredentialType uint8

const (
	CredentialTypeBasic CredentialType = 0
	CredentialTypeX509  CredentialType = 1
)

func (ct CredentialType) valid() bool {
	return ct == CredentialTypeBasic || ct == CredentialTypeX509
}

// BasicCredential binds an opaque identity to a signature public key with
// no external attestation; verification is "trust on first use" at the
// application layer.
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

// X509Credential binds an identity to a signature key via a certificate
// chain, verified against an application-supplied trust anchor set.
type X509Credential struct {
	Chain []*x509.Certificate
}

func (cred X509Credential) Scheme() SignatureScheme {
	leaf := cred.Chain[0]
	switch leaf.PublicKeyAlgorithm {
	case x509.ECDSA:
		ecKey := leaf.PublicKey.(*ecdsa.PublicKey)
		switch ecKey.Curve {
		case elliptic.P256():
			return ECDSA_SECP256R1_SHA256
		case elliptic.P521():
			return ECDSA_SECP521R1_SHA512
		}
	case x509.Ed25519:
		return Ed25519
	}
	return Ed25519
}

func (cred X509Credential) PublicKey() *SignaturePublicKey {
	switch pub := cred.Chain[0].PublicKey.(type) {
	case *ecdsa.PublicKey:
		keyData := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
		return &SignaturePublicKey{Data: keyData}
	case ed25519.PublicKey:
		return &SignaturePublicKey{Data: pub}
	}
	return &SignaturePublicKey{}
}

func (cred X509Credential) Equals(other *X509Credential) bool {
	if other == nil || len(cred.Chain) != len(other.Chain) {
		return false
	}
	for i, cert := range cred.Chain {
		if !cert.Equal(other.Chain[i]) {
			return false
		}
	}
	return true
}

type certChainData struct {
	Data []byte `tls:"head=3"`
}

func (cred X509Credential) MarshalTLS() ([]byte, error) {
	var allCerts []byte
	for _, cert := range cred.Chain {
		allCerts = append(allCerts, cert.Raw...)
	}
	return syntax.Marshal(certChainData{allCerts})
}

func (cred *X509Credential) UnmarshalTLS(data []byte) (int, error) {
	var raw certChainData
	read, err := syntax.Unmarshal(data, &raw)
	if err != nil {
		return 0, wrapProtocolError(err, "unmarshal x509 chain")
	}
	cred.Chain, err = x509.ParseCertificates(raw.Data)
	if err != nil {
		return 0, wrapProtocolError(err, "parse x509 chain")
	}
	return read, nil
}

// certPool is a minimal reimplementation of crypto/x509.CertPool that
// exposes lookup by authority key id or issuer name, needed because the
// standard pool type does not expose chain-building primitives directly.
type certPool struct {
	byKeyID map[string]*x509.Certificate
	byName  map[string]*x509.Certificate
}

func newCertPool(trusted []*x509.Certificate) *certPool {
	pool := &certPool{byKeyID: map[string]*x509.Certificate{}, byName: map[string]*x509.Certificate{}}
	for _, cert := range trusted {
		pool.byName[string(cert.RawSubject)] = cert
		if ski := string(cert.SubjectKeyId); len(ski) > 0 {
			pool.byKeyID[ski] = cert
		}
	}
	return pool
}

func (pool certPool) parent(cert *x509.Certificate) (*x509.Certificate, bool) {
	if p, ok := pool.byKeyID[string(cert.AuthorityKeyId)]; len(cert.AuthorityKeyId) > 0 && ok {
		return p, true
	}
	if p, ok := pool.byName[string(cert.RawIssuer)]; ok {
		return p, true
	}
	return nil, false
}

// Verify checks the credential's certificate chain against trusted
// anchors, hop by hop. It is a simplified chain walk (signature + issuer
// linkage only, no name constraints) since this module authenticates
// group members, not TLS peers.
func (cred X509Credential) Verify(trusted []*x509.Certificate) error {
	pool := newCertPool(trusted)

	for i := 0; i < len(cred.Chain)-1; i++ {
		curr, next := cred.Chain[i], cred.Chain[i+1]
		if parent, ok := pool.parent(curr); ok && curr.CheckSignatureFrom(parent) == nil {
			return nil
		}
		if err := curr.CheckSignatureFrom(next); err != nil {
			return wrapProtocolError(err, "certificate chain link %d", i)
		}
	}

	last := cred.Chain[len(cred.Chain)-1]
	parent, ok := pool.parent(last)
	if !ok {
		return protocolError("no trust anchor found for certificate chain")
	}
	if err := last.CheckSignatureFrom(parent); err != nil {
		return wrapProtocolError(err, "certificate chain root")
	}
	return nil
}

// Credential is the sum type spec.md §3 names: exactly one of Basic or
// X509 is set.
type Credential struct {
	X509  *X509Credential
	Basic *BasicCredential
}

func NewBasicCredential(identity []byte, scheme SignatureScheme, pub SignaturePublicKey) *Credential {
	return &Credential{Basic: &BasicCredential{Identity: identity, SignatureScheme: scheme, PublicKey: pub}}
}

func NewX509Credential(chain []*x509.Certificate) (*Credential, error) {
	if len(chain) == 0 {
		return nil, invalidParam("x509 credential requires at least one certificate")
	}
	return &Credential{X509: &X509Credential{Chain: chain}}, nil
}

func (c Credential) Type() CredentialType {
	if c.X509 != nil {
		return CredentialTypeX509
	}
	return CredentialTypeBasic
}

func (c Credential) Equals(o Credential) bool {
	switch c.Type() {
	case CredentialTypeX509:
		return c.X509.Equals(o.X509)
	default:
		return reflect.DeepEqual(c.Basic, o.Basic)
	}
}

func (c Credential) Identity() []byte {
	if c.Type() == CredentialTypeX509 {
		return c.X509.Chain[0].RawSubject
	}
	return c.Basic.Identity
}

func (c Credential) Scheme() SignatureScheme {
	if c.Type() == CredentialTypeX509 {
		return c.X509.Scheme()
	}
	return c.Basic.SignatureScheme
}

func (c Credential) PublicKey() *SignaturePublicKey {
	if c.Type() == CredentialTypeX509 {
		return c.X509.PublicKey()
	}
	return &c.Basic.PublicKey
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	credType := c.Type()
	if err := s.Write(credType); err != nil {
		return nil, err
	}

	var err error
	switch credType {
	case CredentialTypeX509:
		err = s.Write(c.X509)
	default:
		err = s.Write(c.Basic)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credType CredentialType
	if _, err := s.Read(&credType); err != nil {
		return 0, err
	}

	var err error
	switch credType {
	case CredentialTypeX509:
		c.X509 = new(X509Credential)
		_, err = s.Read(c.X509)
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		_, err = s.Read(c.Basic)
	default:
		err = invalidParam("unknown credential type %d", credType)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}
