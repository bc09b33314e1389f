package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var supportedSuites = []CipherSuite{
	X25519_AES128GCM_SHA256_Ed25519,
	P256_AES128GCM_SHA256_P256,
	X25519_CHACHA20POLY1305_SHA256_Ed25519,
	P521_AES256GCM_SHA512_P521,
}

var supportedSchemes = []SignatureScheme{
	ECDSA_SECP256R1_SHA256,
	Ed25519,
}

func TestCipherSuiteString(t *testing.T) {
	for _, suite := range supportedSuites {
		require.True(t, len(suite.String()) > 0)
		require.True(t, suite.valid())
	}

	var bad CipherSuite = 0x0009
	require.Equal(t, "UnknownCipherSuite", bad.String())
	require.False(t, bad.valid())
}

func TestDigestDeterministic(t *testing.T) {
	in := []byte("hello mls")
	for _, suite := range supportedSuites {
		d1 := suite.Digest(in)
		d2 := suite.Digest(in)
		require.Equal(t, d1, d2)
		require.Equal(t, suite.extractSize(), len(d1))
	}
}

func TestHPKERoundTrip(t *testing.T) {
	aad := []byte("doo-bee-doo")
	original := []byte("Attack at dawn!")
	seed := []byte("All the flowers of tomorrow are in the seeds of today, 0123456789")

	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			priv, err := suite.hpke().Generate()
			require.NoError(t, err)
			require.NotEmpty(t, priv.Data)

			priv, err = suite.hpke().Derive(seed)
			require.NoError(t, err)

			ct, err := suite.hpke().Encrypt(priv.PublicKey, aad, original)
			require.NoError(t, err)

			pt, err := suite.hpke().Decrypt(priv, aad, ct)
			require.NoError(t, err)
			require.Equal(t, original, pt)
		})
	}
}

func TestHPKEWrongKeyFails(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	priv1, err := suite.hpke().Generate()
	require.NoError(t, err)
	priv2, err := suite.hpke().Generate()
	require.NoError(t, err)

	ct, err := suite.hpke().Encrypt(priv1.PublicKey, nil, []byte("secret"))
	require.NoError(t, err)

	_, err = suite.hpke().Decrypt(priv2, nil, ct)
	require.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	message := []byte("I promise Suhas five dollars")
	seed := []byte("All the flowers of tomorrow are in the seeds of today, 0123456789")

	for _, scheme := range supportedSchemes {
		t.Run(scheme.String(), func(t *testing.T) {
			priv, err := scheme.Generate()
			require.NoError(t, err)

			priv, err = scheme.Derive(seed)
			require.NoError(t, err)

			sig, err := scheme.Sign(&priv, message)
			require.NoError(t, err)

			require.True(t, scheme.Verify(&priv.PublicKey, message, sig))
			require.False(t, scheme.Verify(&priv.PublicKey, []byte("tampered"), sig))
		})
	}
}

func TestExpandLabelVariesWithContext(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	secret := suite.Digest([]byte("secret"))

	a := suite.hkdfExpandLabel(secret, "exporter", []byte("ctx-a"), 32)
	b := suite.hkdfExpandLabel(secret, "exporter", []byte("ctx-b"), 32)
	require.NotEqual(t, a, b)
}

func TestDeriveTreeSecretVariesWithGeneration(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	secret := suite.Digest([]byte("path-secret"))

	a := suite.deriveTreeSecret(secret, "key", 0, suite.keySize())
	b := suite.deriveTreeSecret(secret, "key", 1, suite.keySize())
	require.NotEqual(t, a, b)
}
