package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashRatchetForwardSecrecy(t *testing.T) {
	suite := testSuite
	base := suite.Digest([]byte("ratchet base"))
	hr := newHashRatchet(suite, NodeIndex(2), dup(base))

	g0, kn0 := hr.Next()
	require.Equal(t, uint32(0), g0)
	g1, kn1 := hr.Next()
	require.Equal(t, uint32(1), g1)
	require.NotEqual(t, kn0.Key, kn1.Key)
	require.NotEqual(t, kn0.Nonce, kn1.Nonce)

	hr.Erase(g0)
	_, stillThere := hr.Cache[g0]
	require.False(t, stillThere)

	// Generation 0 has been erased and already passed: Get must refuse to
	// recover it, not silently re-derive it.
	_, err := hr.Get(g0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestHashRatchetGetFastForwards(t *testing.T) {
	suite := testSuite
	base := suite.Digest([]byte("ratchet base 2"))
	hr := newHashRatchet(suite, NodeIndex(4), dup(base))

	kn, err := hr.Get(3)
	require.NoError(t, err)
	require.Len(t, kn.Key, suite.keySize())

	g, kn2 := hr.Next()
	require.Equal(t, uint32(4), g)
	require.NotEqual(t, kn.Key, kn2.Key)
}

func TestHashRatchetGetCachedIsIdempotent(t *testing.T) {
	suite := testSuite
	hr := newHashRatchet(suite, NodeIndex(0), suite.Digest([]byte("base")))

	_, first := hr.Next()
	second, err := hr.Get(0)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestKeyScheduleEpochDerivesDistinctSecrets(t *testing.T) {
	suite := testSuite
	ctx := []byte("group context bytes")
	kse := NewFirstEpoch(suite, LeafCount(1), suite.zero(), ctx)

	secrets := [][]byte{
		kse.SenderDataSecret, kse.EncryptionSecret, kse.ExporterSecret,
		kse.AuthenticationSecret, kse.ExternalSecret, kse.ConfirmationKey,
		kse.MembershipKey, kse.ResumptionSecret, kse.InitSecret,
	}
	for i := range secrets {
		for j := i + 1; j < len(secrets); j++ {
			require.NotEqual(t, secrets[i], secrets[j], "secrets %d and %d collide", i, j)
		}
	}
}

func TestKeyScheduleEpochDeterministic(t *testing.T) {
	suite := testSuite
	ctx := []byte("fixed context")
	a := NewFirstEpoch(suite, LeafCount(1), suite.zero(), ctx)
	b := NewFirstEpoch(suite, LeafCount(1), suite.zero(), ctx)
	require.Equal(t, a.EpochSecret, b.EpochSecret)
	require.Equal(t, a.ConfirmationKey, b.ConfirmationKey)
	require.Equal(t, a.EncryptionSecret, b.EncryptionSecret)
}

func TestKeyScheduleNextVariesWithCommitSecret(t *testing.T) {
	suite := testSuite
	ctx := []byte("ctx")
	first := NewFirstEpoch(suite, LeafCount(1), suite.zero(), ctx)

	next1 := first.Next(LeafCount(1), suite.Digest([]byte("commit-1")), ctx)
	next2 := first.Next(LeafCount(1), suite.Digest([]byte("commit-2")), ctx)
	require.NotEqual(t, next1.EpochSecret, next2.EpochSecret)
}

func TestGroupKeySourceApplicationRatchetsDiverge(t *testing.T) {
	suite := testSuite
	kse := NewFirstEpoch(suite, LeafCount(4), suite.zero(), []byte("ctx"))

	_, knA := kse.ApplicationKeys.Next(LeafIndex(0))
	_, knB := kse.ApplicationKeys.Next(LeafIndex(1))
	require.NotEqual(t, knA.Key, knB.Key)
}

func TestGroupKeySourceHandshakeRatchetsDiverge(t *testing.T) {
	suite := testSuite
	kse := NewFirstEpoch(suite, LeafCount(4), suite.zero(), []byte("ctx"))

	_, knA := kse.HandshakeKeys.Next(LeafIndex(0))
	_, knB := kse.HandshakeKeys.Next(LeafIndex(1))
	require.NotEqual(t, knA.Key, knB.Key)
}

func TestExporterVariesWithLabelAndContext(t *testing.T) {
	suite := testSuite
	kse := NewFirstEpoch(suite, LeafCount(1), suite.zero(), []byte("ctx"))

	a := kse.Export("label-a", []byte("x"), 32)
	b := kse.Export("label-b", []byte("x"), 32)
	c := kse.Export("label-a", []byte("y"), 32)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}

func TestSenderDataSampleTruncatesToHashSize(t *testing.T) {
	suite := testSuite
	short := []byte{1, 2, 3}
	require.Equal(t, short, senderDataSample(suite, short))

	long := make([]byte, suite.extractSize()+10)
	require.Len(t, senderDataSample(suite, long), suite.extractSize())
}
