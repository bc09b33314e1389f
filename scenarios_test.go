package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// requireKeyScheduleAgreement asserts the Agreement invariant from
// spec.md §8: two members that accepted the same commit sequence carry
// byte-equal KeyScheduleEpoch fields and an equal tree root hash.
func requireKeyScheduleAgreement(t *testing.T, a, b *State) {
	t.Helper()
	require.Equal(t, a.Epoch, b.Epoch)
	require.Equal(t, a.Keys.EpochSecret, b.Keys.EpochSecret)
	require.Equal(t, a.Keys.SenderDataSecret, b.Keys.SenderDataSecret)
	require.Equal(t, a.Keys.EncryptionSecret, b.Keys.EncryptionSecret)
	require.Equal(t, a.Keys.ExporterSecret, b.Keys.ExporterSecret)
	require.Equal(t, a.Keys.ConfirmationKey, b.Keys.ConfirmationKey)
	require.Equal(t, a.Keys.MembershipKey, b.Keys.MembershipKey)
	require.Equal(t, a.Keys.InitSecret, b.Keys.InitSecret)

	ah, err := a.Tree.RootHash()
	require.NoError(t, err)
	bh, err := b.Tree.RootHash()
	require.NoError(t, err)
	require.Equal(t, ah, bh)
}

// TestScenarioTwoPartyJoin is spec.md §8 scenario 2: A creates a group,
// B publishes a KeyPackage, A commits an Add for B, and the resulting
// states must agree on every key-schedule field and the tree root hash.
func TestScenarioTwoPartyJoin(t *testing.T) {
	_, a := newSoleMemberState(t, "alice")
	bob := newTestMember(t, testSuite, "bob")

	_, welcome, a1, err := a.Commit(unhex("0101010101010101010101010101010101010101010101010101010101010101"), []Proposal{
		{Add: &AddProposal{KeyPackage: bob.kp}},
	})
	require.NoError(t, err)
	require.NotNil(t, welcome)

	b1, err := NewJoinedState(testSuite, bob.kp, bob.leafPriv, bob.sigPriv, *welcome)
	require.NoError(t, err)

	require.Equal(t, uint64(1), a1.Epoch)
	require.Equal(t, uint64(1), b1.Epoch)
	requireKeyScheduleAgreement(t, a1, b1)
}

// TestScenarioThreePartyUpdate is spec.md §8 scenario 3: after A adds B
// and C, B issues a self-Update commit; A and C both Handle it and all
// three must agree, and the new encryption_secret must differ from the
// prior epoch's.
func TestScenarioThreePartyUpdate(t *testing.T) {
	_, a := newSoleMemberState(t, "alice")
	bob := newTestMember(t, testSuite, "bob")
	carol := newTestMember(t, testSuite, "carol")

	_, welcomeB, a1, err := a.Commit(unhex("1111111111111111111111111111111111111111111111111111111111111111"), []Proposal{
		{Add: &AddProposal{KeyPackage: bob.kp}},
	})
	require.NoError(t, err)
	b1, err := NewJoinedState(testSuite, bob.kp, bob.leafPriv, bob.sigPriv, *welcomeB)
	require.NoError(t, err)

	addCarol, err := a1.AddProposal(carol.kp)
	require.NoError(t, err)
	_, err = b1.Handle(*addCarol)
	require.NoError(t, err)

	commitPt, welcomeC, a2, err := a1.Commit(unhex("2222222222222222222222222222222222222222222222222222222222222222"), []Proposal{*addCarol.Content.Proposal})
	require.NoError(t, err)
	b2, err := b1.Handle(*commitPt)
	require.NoError(t, err)
	c2, err := NewJoinedState(testSuite, carol.kp, carol.leafPriv, carol.sigPriv, *welcomeC)
	require.NoError(t, err)

	requireKeyScheduleAgreement(t, a2, b2)
	requireKeyScheduleAgreement(t, a2, c2)

	updatePt, err := b2.UpdateProposal(unhex("0202020202020202020202020202020202020202020202020202020202020202"))
	require.NoError(t, err)
	a3pending, err := a2.Handle(*updatePt)
	require.NoError(t, err)
	require.Nil(t, a3pending)
	c3pending, err := c2.Handle(*updatePt)
	require.NoError(t, err)
	require.Nil(t, c3pending)

	bCommitPt, _, b3, err := b2.Commit(unhex("0303030303030303030303030303030303030303030303030303030303030303"), []Proposal{*updatePt.Content.Proposal})
	require.NoError(t, err)

	a3, err := a2.Handle(*bCommitPt)
	require.NoError(t, err)
	c3, err := c2.Handle(*bCommitPt)
	require.NoError(t, err)

	requireKeyScheduleAgreement(t, a3, b3)
	requireKeyScheduleAgreement(t, b3, c3)
	require.NotEqual(t, a2.Keys.EncryptionSecret, a3.Keys.EncryptionSecret)
}

// TestScenarioRemoveAndTruncate is spec.md §8 scenario 4: with a
// four-member group {A, B, C, D}, A commits Remove(D); D's leaf and
// direct path go blank, the tree truncates since D was the highest
// leaf, and A and B's root hashes stay equal.
func TestScenarioRemoveAndTruncate(t *testing.T) {
	_, a := newSoleMemberState(t, "alice")
	bob := newTestMember(t, testSuite, "bob")
	carol := newTestMember(t, testSuite, "carol")
	dave := newTestMember(t, testSuite, "dave")

	_, welcomeB, a1, err := a.Commit(unhex("1111111111111111111111111111111111111111111111111111111111111111"), []Proposal{
		{Add: &AddProposal{KeyPackage: bob.kp}},
	})
	require.NoError(t, err)
	b1, err := NewJoinedState(testSuite, bob.kp, bob.leafPriv, bob.sigPriv, *welcomeB)
	require.NoError(t, err)

	addCarol, err := a1.AddProposal(carol.kp)
	require.NoError(t, err)
	_, err = b1.Handle(*addCarol)
	require.NoError(t, err)
	addDave, err := a1.AddProposal(dave.kp)
	require.NoError(t, err)
	_, err = b1.Handle(*addDave)
	require.NoError(t, err)

	commitPt, welcomeCD, a2, err := a1.Commit(unhex("2222222222222222222222222222222222222222222222222222222222222222"), []Proposal{
		*addCarol.Content.Proposal, *addDave.Content.Proposal,
	})
	require.NoError(t, err)
	b2, err := b1.Handle(*commitPt)
	require.NoError(t, err)
	c2, err := NewJoinedState(testSuite, carol.kp, carol.leafPriv, carol.sigPriv, *welcomeCD)
	require.NoError(t, err)
	d2, err := NewJoinedState(testSuite, dave.kp, dave.leafPriv, dave.sigPriv, *welcomeCD)
	require.NoError(t, err)
	require.Equal(t, LeafCount(4), a2.Tree.Size())

	requireKeyScheduleAgreement(t, a2, b2)
	requireKeyScheduleAgreement(t, a2, c2)
	requireKeyScheduleAgreement(t, a2, d2)

	removePt, _, a3, err := a2.Commit(unhex("3333333333333333333333333333333333333333333333333333333333333333"), []Proposal{
		{Remove: &RemoveProposal{Removed: LeafIndex(3)}},
	})
	require.NoError(t, err)

	b3, err := b2.Handle(*removePt)
	require.NoError(t, err)
	c3, err := c2.Handle(*removePt)
	require.NoError(t, err)
	d3, err := d2.Handle(*removePt)
	require.NoError(t, err)

	require.True(t, d3.Removed)
	require.Equal(t, LeafCount(2), a3.Tree.Size())
	requireKeyScheduleAgreement(t, a3, b3)
	requireKeyScheduleAgreement(t, a3, c3)
}

// TestScenarioOutOfOrderApplicationDelivery is spec.md §8 scenario 5: A
// sends application messages at generations 0, 1, 2; B receives them
// out of order (1, 0, 2) and each still opens correctly, and a replay
// of generation 0 afterward fails as ExpiredKey.
func TestScenarioOutOfOrderApplicationDelivery(t *testing.T) {
	_, a := newSoleMemberState(t, "alice")
	bob := newTestMember(t, testSuite, "bob")

	_, welcome, a1, err := a.Commit(unhex("4444444444444444444444444444444444444444444444444444444444444444"), []Proposal{
		{Add: &AddProposal{KeyPackage: bob.kp}},
	})
	require.NoError(t, err)
	b1, err := NewJoinedState(testSuite, bob.kp, bob.leafPriv, bob.sigPriv, *welcome)
	require.NoError(t, err)

	ct0, err := a1.Protect([]byte("gen-0"), nil)
	require.NoError(t, err)
	ct1, err := a1.Protect([]byte("gen-1"), nil)
	require.NoError(t, err)
	ct2, err := a1.Protect([]byte("gen-2"), nil)
	require.NoError(t, err)

	p1, err := b1.Unprotect(*ct1)
	require.NoError(t, err)
	require.Equal(t, []byte("gen-1"), p1)

	p0, err := b1.Unprotect(*ct0)
	require.NoError(t, err)
	require.Equal(t, []byte("gen-0"), p0)

	p2, err := b1.Unprotect(*ct2)
	require.NoError(t, err)
	require.Equal(t, []byte("gen-2"), p2)

	_, err = b1.Unprotect(*ct0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProtocol)
}
