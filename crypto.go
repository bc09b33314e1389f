package mls

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"math/big"

	"github.com/cloudflare/circl/hpke"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite identifies the HPKE KEM/KDF/AEAD combination and signature
// scheme used throughout a group, per spec.md §3/§6. It is a capability
// bundle: every cryptographic operation the rest of the module needs is
// reached through a method on this type rather than a free function, so a
// new suite can be added in one place.
type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	P521_AES256GCM_SHA512_P521             CipherSuite = 0x0005
)

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	default:
		return "UnknownCipherSuite"
	}
}

func (cs CipherSuite) valid() bool {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519, P521_AES256GCM_SHA512_P521:
		return true
	}
	return false
}

func (cs CipherSuite) hash() crypto.Hash {
	switch cs {
	case P521_AES256GCM_SHA512_P521:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// Digest hashes in with the suite's hash algorithm.
func (cs CipherSuite) Digest(in []byte) []byte {
	h := cs.hash().New()
	h.Write(in)
	return h.Sum(nil)
}

func (cs CipherSuite) extractSize() int {
	return cs.hash().Size()
}

// hpkeParams returns the circl KEM/KDF/AEAD identifiers for this suite.
func (cs CipherSuite) hpkeParams() (hpke.KEM, hpke.KDF, hpke.AEAD) {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM
	case P256_AES128GCM_SHA256_P256:
		return hpke.KEM_P256_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305
	case P521_AES256GCM_SHA512_P521:
		return hpke.KEM_P521_HKDF_SHA512, hpke.KDF_HKDF_SHA512, hpke.AEAD_AES256GCM
	default:
		panic(unsupportedSuite("no HPKE params for suite %v", cs))
	}
}

func (cs CipherSuite) hpke() hpkeScheme {
	kem, kdf, aead := cs.hpkeParams()
	return hpkeScheme{suite: hpke.NewSuite(kem, kdf, aead)}
}

func (cs CipherSuite) scheme() SignatureScheme {
	switch cs {
	case P256_AES128GCM_SHA256_P256:
		return ECDSA_SECP256R1_SHA256
	case P521_AES256GCM_SHA512_P521:
		return ECDSA_SECP521R1_SHA512
	default:
		return Ed25519
	}
}

// NewAEAD constructs the suite's raw AEAD (used directly by HashRatchet,
// not through HPKE) over key.
func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch cs {
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, wrapProtocolError(err, "aes.NewCipher")
		}
		return cipher.NewGCM(block)
	}
}

// newHMAC constructs an HMAC over the suite's hash function, used for
// the membership tag and confirmation tag (spec.md §4.4).
func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(cs.hash().New, key)
}

func (cs CipherSuite) keySize() int {
	switch cs {
	case P521_AES256GCM_SHA512_P521:
		return 32
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.KeySize
	default:
		return 16
	}
}

func (cs CipherSuite) nonceSize() int {
	return 12
}

// hkdfExtract performs raw HKDF-Extract with the suite's hash function.
func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.hash().New, ikm, salt)
}

// kdfLabel is the `struct { uint16 length; opaque label<1..255>; opaque
// context<0..2^32-1>; }` structure RFC 9420 §8 HKDF-Expand-Label mandates,
// expressed here as a manual TLS-presentation encoding rather than a
// go-tls-syntax struct because it's produced on every key derivation and
// never appears on the wire independently.
func encodeKDFLabel(length uint16, label string, context []byte) []byte {
	full := []byte("MLS 1.0 " + label)
	out := make([]byte, 0, 2+1+len(full)+4+len(context))
	out = binary.BigEndian.AppendUint16(out, length)
	out = append(out, byte(len(full)))
	out = append(out, full...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(context)))
	out = append(out, context...)
	return out
}

// hkdfExpandLabel implements RFC 9420 §8's ExpandWithLabel.
func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	info := encodeKDFLabel(uint16(length), label, context)
	out := make([]byte, length)
	r := hkdf.Expand(cs.hash().New, secret, info)
	r.Read(out)
	return out
}

// deriveSecret implements this module's DeriveSecret: ExpandWithLabel
// with the hash of the serialized GroupContext as context (spec.md §4.3),
// so every per-epoch secret is bound to the epoch's tree and transcript
// state, not just its epoch_secret. ctx may be nil for a derivation that
// carries no context (the exporter's per-label secret); an empty ctx is
// not hashed.
func (cs CipherSuite) deriveSecret(secret []byte, label string, ctx []byte) []byte {
	var ctxHash []byte
	if len(ctx) > 0 {
		ctxHash = cs.Digest(ctx)
	}
	return cs.hkdfExpandLabel(secret, label, ctxHash, cs.extractSize())
}

// deriveTreeSecret derives a per-generation secret with only the
// generation counter as context. HashRatchet itself uses deriveAppSecret,
// which also folds in the node index.
func (cs CipherSuite) deriveTreeSecret(secret []byte, label string, generation uint32, length int) []byte {
	context := make([]byte, 4)
	binary.BigEndian.PutUint32(context, generation)
	return cs.hkdfExpandLabel(secret, label, context, length)
}

// deriveAppSecret is deriveTreeSecret with the ratchet's own node index
// folded into the context alongside the generation, so that two leaves
// which happen to reach the same generation number never derive the same
// key (RFC 9420 §9's TreeContext).
func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node NodeIndex, generation uint32, length int) []byte {
	context := make([]byte, 8)
	binary.BigEndian.PutUint32(context[:4], uint32(node))
	binary.BigEndian.PutUint32(context[4:], generation)
	return cs.hkdfExpandLabel(secret, label, context, length)
}

// zero returns a hash-length all-zero secret, used as the commit_secret of
// a commit that carries no UpdatePath and of a freshly created group's
// first epoch.
func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.extractSize())
}

// signContent frames content the way RFC 9420 §5.1.2's SignWithLabel does:
// opaque label, opaque content.
func signContent(label string, content []byte) []byte {
	full := []byte("MLS 1.0 " + label)
	out := make([]byte, 0, 1+len(full)+4+len(content))
	out = append(out, byte(len(full)))
	out = append(out, full...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(content)))
	out = append(out, content...)
	return out
}

func (cs CipherSuite) signWithLabel(signKey SignaturePrivateKey, label string, content []byte) ([]byte, error) {
	return cs.scheme().Sign(&signKey, signContent(label, content))
}

func (cs CipherSuite) verifyWithLabel(verifKey SignaturePublicKey, label string, content, sig []byte) bool {
	return cs.scheme().Verify(&verifKey, signContent(label, content), sig)
}

// HPKEPublicKey is a serialized HPKE public key, opaque to everything but
// the suite that produced it.
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

// HPKEPrivateKey pairs a serialized HPKE private key with its public half.
type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

// HPKECiphertext is the (encapsulated KEM key, AEAD ciphertext) pair HPKE
// produces; it is what every TreeKEM UpdatePathNode ciphertext and every
// GroupSecrets encryption to a joiner actually is.
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

// hpkeScheme wraps a circl hpke.Suite with the Generate/Derive/Encrypt/
// Decrypt capability shape the rest of this module (and the teacher's own
// crypto_test.go) expects.
type hpkeScheme struct {
	suite hpke.Suite
}

func (s hpkeScheme) Generate() (HPKEPrivateKey, error) {
	kem, _, _ := s.suite.Params()
	pub, priv, err := kem.Scheme().GenerateKeyPair()
	if err != nil {
		return HPKEPrivateKey{}, wrapProtocolError(err, "hpke keygen")
	}
	return s.marshalKeyPair(pub, priv)
}

func (s hpkeScheme) Derive(seed []byte) (HPKEPrivateKey, error) {
	kem, _, _ := s.suite.Params()
	seedSize := kem.Scheme().SeedSize()
	ikm := seed
	if len(ikm) != seedSize {
		ikm = make([]byte, seedSize)
		r := hkdf.Expand(sha256.New, seed, []byte("mls-hpke-derive"))
		r.Read(ikm)
	}
	pub, priv := kem.Scheme().DeriveKeyPair(ikm)
	return s.marshalKeyPair(pub, priv)
}

func (s hpkeScheme) marshalKeyPair(pub hpkeKEMPublicKey, priv hpkeKEMPrivateKey) (HPKEPrivateKey, error) {
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return HPKEPrivateKey{}, wrapProtocolError(err, "marshal hpke public key")
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return HPKEPrivateKey{}, wrapProtocolError(err, "marshal hpke private key")
	}
	return HPKEPrivateKey{
		Data:      privBytes,
		PublicKey: HPKEPublicKey{Data: pubBytes},
	}, nil
}

func (s hpkeScheme) Encrypt(pub HPKEPublicKey, aad, plaintext []byte) (HPKECiphertext, error) {
	kem, _, _ := s.suite.Params()
	pk, err := kem.Scheme().UnmarshalBinaryPublicKey(pub.Data)
	if err != nil {
		return HPKECiphertext{}, wrapProtocolError(err, "unmarshal hpke public key")
	}

	sender, err := s.suite.NewSender(pk, nil)
	if err != nil {
		return HPKECiphertext{}, wrapProtocolError(err, "hpke sender setup")
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return HPKECiphertext{}, wrapProtocolError(err, "hpke sender setup")
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return HPKECiphertext{}, wrapProtocolError(err, "hpke seal")
	}
	return HPKECiphertext{KEMOutput: enc, Ciphertext: ct}, nil
}

func (s hpkeScheme) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	kem, _, _ := s.suite.Params()
	sk, err := kem.Scheme().UnmarshalBinaryPrivateKey(priv.Data)
	if err != nil {
		return nil, wrapProtocolError(err, "unmarshal hpke private key")
	}

	receiver, err := s.suite.NewReceiver(sk, nil)
	if err != nil {
		return nil, wrapProtocolError(err, "hpke receiver setup")
	}
	opener, err := receiver.Setup(ct.KEMOutput)
	if err != nil {
		return nil, wrapProtocolError(err, "hpke receiver setup")
	}
	pt, err := opener.Open(ct.Ciphertext, aad)
	if err != nil {
		return nil, wrapProtocolError(err, "hpke open")
	}
	return pt, nil
}

// hpkeKEMPublicKey/hpkeKEMPrivateKey narrow circl's kem.PublicKey/
// kem.PrivateKey interfaces to the MarshalBinary method this module uses.
type hpkeKEMPublicKey interface {
	MarshalBinary() ([]byte, error)
}

type hpkeKEMPrivateKey interface {
	MarshalBinary() ([]byte, error)
}

// SignatureScheme identifies a signature algorithm usable as a
// CipherSuite's leaf signature scheme.
type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
)

func (s SignatureScheme) String() string {
	switch s {
	case ECDSA_SECP256R1_SHA256:
		return "ECDSA_SECP256R1_SHA256"
	case ECDSA_SECP521R1_SHA512:
		return "ECDSA_SECP521R1_SHA512"
	case Ed25519:
		return "Ed25519"
	default:
		return "UnknownSignatureScheme"
	}
}

// SignaturePublicKey is a serialized verification key.
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

// SignaturePrivateKey pairs a serialized signing key with its public half.
type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

func (s SignatureScheme) curve() elliptic.Curve {
	switch s {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	default:
		return nil
	}
}

func (s SignatureScheme) hash() crypto.Hash {
	switch s {
	case ECDSA_SECP521R1_SHA512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// Generate creates a fresh signing key for this scheme.
func (s SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch s {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, wrapProtocolError(err, "ed25519 keygen")
		}
		return SignaturePrivateKey{Data: priv.Seed(), PublicKey: SignaturePublicKey{Data: pub}}, nil
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		priv, err := ecdsa.GenerateKey(s.curve(), rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, wrapProtocolError(err, "ecdsa keygen")
		}
		return s.marshalECDSA(priv)
	default:
		return SignaturePrivateKey{}, unsupportedSuite("signature scheme %v", s)
	}
}

// Derive deterministically derives a signing key from seed.
func (s SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	switch s {
	case Ed25519:
		h := make([]byte, ed25519.SeedSize)
		r := hkdf.Expand(sha256.New, seed, []byte("mls-ed25519-derive"))
		r.Read(h)
		priv := ed25519.NewKeyFromSeed(h)
		return SignaturePrivateKey{Data: h, PublicKey: SignaturePublicKey{Data: priv.Public().(ed25519.PublicKey)}}, nil
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := s.curve()
		size := (curve.Params().BitSize + 7) / 8
		h := make([]byte, size)
		r := hkdf.Expand(sha512.New, seed, []byte("mls-ecdsa-derive"))
		r.Read(h)
		d := new(big.Int).SetBytes(h)
		priv := new(ecdsa.PrivateKey)
		priv.PublicKey.Curve = curve
		priv.D = d
		priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
		return s.marshalECDSA(priv)
	default:
		return SignaturePrivateKey{}, unsupportedSuite("signature scheme %v", s)
	}
}

func (s SignatureScheme) marshalECDSA(priv *ecdsa.PrivateKey) (SignaturePrivateKey, error) {
	pub := elliptic.Marshal(priv.Curve, priv.PublicKey.X, priv.PublicKey.Y)
	return SignaturePrivateKey{
		Data:      priv.D.Bytes(),
		PublicKey: SignaturePublicKey{Data: pub},
	}, nil
}

// Sign signs message under priv.
func (s SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch s {
	case Ed25519:
		if len(priv.Data) != ed25519.SeedSize {
			return nil, invalidParam("ed25519 private key must be %d bytes", ed25519.SeedSize)
		}
		key := ed25519.NewKeyFromSeed(priv.Data)
		return ed25519.Sign(key, message), nil
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := s.curve()
		d := new(big.Int).SetBytes(priv.Data)
		key := new(ecdsa.PrivateKey)
		key.Curve = curve
		key.D = d
		key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
		h := s.hash().New()
		h.Write(message)
		return ecdsa.SignASN1(rand.Reader, key, h.Sum(nil))
	default:
		return nil, unsupportedSuite("signature scheme %v", s)
	}
}

// Verify checks sig over message against pub.
func (s SignatureScheme) Verify(pub *SignaturePublicKey, message, sig []byte) bool {
	switch s {
	case Ed25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Data), message, sig)
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := s.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}
		key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		h := s.hash().New()
		h.Write(message)
		return ecdsa.VerifyASN1(key, h.Sum(nil), sig)
	default:
		return false
	}
}
