package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionTracksCommitEpochs(t *testing.T) {
	_, a := newSoleMemberState(t, "alice")
	sess := NewSession(a)
	require.Equal(t, uint64(0), sess.Epoch())

	bob := newTestMember(t, testSuite, "bob")
	_, _, err := sess.Commit(unhex("0505050505050505050505050505050505050505050505050505050505050505"), []Proposal{
		{Add: &AddProposal{KeyPackage: bob.kp}},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), sess.Epoch())

	_, ok := sess.StateAt(0)
	require.True(t, ok, "session retains the prior epoch's state")
}

func TestSessionUnprotectUsesRetainedEpoch(t *testing.T) {
	_, a := newSoleMemberState(t, "alice")
	aSess := NewSession(a)
	bob := newTestMember(t, testSuite, "bob")

	_, welcome, err := aSess.Commit(unhex("0606060606060606060606060606060606060606060606060606060606060606"), []Proposal{
		{Add: &AddProposal{KeyPackage: bob.kp}},
	})
	require.NoError(t, err)

	b1, err := NewJoinedState(testSuite, bob.kp, bob.leafPriv, bob.sigPriv, *welcome)
	require.NoError(t, err)
	bSess := NewSession(b1)

	ct, err := aSess.Protect([]byte("hi from alice"), nil)
	require.NoError(t, err)

	plain, err := bSess.Unprotect(*ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hi from alice"), plain)
}

func TestSessionUnprotectUnknownEpochFails(t *testing.T) {
	_, a := newSoleMemberState(t, "alice")
	sess := NewSession(a)

	ct := MLSCiphertext{GroupID: dup(a.GroupID), Epoch: 99, ContentType: ContentTypeApplication}
	_, err := sess.Unprotect(ct)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSessionHandleProposalDoesNotAdvanceEpoch(t *testing.T) {
	_, a := newSoleMemberState(t, "alice")
	aSess := NewSession(a)
	bob := newTestMember(t, testSuite, "bob")

	pt, err := aSess.Current().AddProposal(bob.kp)
	require.NoError(t, err)

	// Drive Handle against an independent clone of the same epoch's
	// state, standing in for a second member's view without mutating a.
	peer := NewSession(a.cloneForCandidate())
	err = peer.Handle(*pt)
	require.NoError(t, err)
	require.Equal(t, uint64(0), peer.Epoch())
	require.Len(t, peer.Current().PendingProposals, 1)
}
