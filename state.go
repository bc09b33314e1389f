package mls

import (
	"crypto/rand"
	"log/slog"
)

// GroupContext is the confirmed, authenticated view of a group at one
// epoch: hashed into every signature, every membership tag, and the
// key schedule's per-secret derivations (spec.md §3).
type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}

// State is the group's authoritative view of one epoch: its public tree,
// this member's own slice of private tree state, the transcript hash
// chain, and the current epoch's derived key material (spec.md §3/§4.4).
// A State is immutable except for the pending-proposal cache (Handle of a
// Proposal) and the self-update secret cache (UpdateProposal): Handle of a
// Commit and Commit always return a new State rather than mutating the
// receiver.
type State struct {
	Suite                   CipherSuite
	GroupID                 []byte
	Epoch                   uint64
	Tree                    TreeKEMPublicKey
	Extensions              ExtensionList
	ConfirmedTranscriptHash []byte
	InterimTranscriptHash   []byte

	Index        LeafIndex
	TreePriv     TreeKEMPrivateKey
	IdentityPriv SignaturePrivateKey

	// Removed is set on the State Handle(commit) returns when that commit
	// removed this member from the group (spec.md §4.4's ACTIVE_e ->
	// REMOVED transition). A removed State carries no usable key schedule.
	Removed bool

	PendingProposals []CachedProposal
	// UpdateSecrets caches this member's own not-yet-committed Update
	// proposals' leaf secrets, keyed by the hash of the encoded Update
	// proposal (computeProposalRef), so a later
	// commit of that proposal (by self or by a peer) can still derive this
	// member's new leaf private key (spec.md §3's "own self-updates" map).
	UpdateSecrets map[string][]byte

	Keys *KeyScheduleEpoch

	logger *slog.Logger
}

func (s State) currentContext() ([]byte, error) {
	th, err := s.Tree.RootHash()
	if err != nil {
		return nil, err
	}
	return marshal(GroupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                th,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              s.Extensions,
	})
}

// NewEmptyState creates a fresh, sole-member group: epoch 0, a
// one-leaf tree, and the key schedule's first epoch derived from an
// all-zero init_secret and zero commit_secret (spec.md §8 scenario 1).
func NewEmptyState(groupID []byte, suite CipherSuite, kp KeyPackage, leafPriv HPKEPrivateKey, sigPriv SignaturePrivateKey, opts ...StateOpt) (*State, error) {
	cfg := newStateConfig(opts)

	tree := NewTreeKEMPublicKey(suite)
	index := tree.AddLeaf(kp)

	s := &State{
		Suite:                   suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    *tree,
		Extensions:              cfg.extensions,
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   []byte{},
		Index:                   index,
		TreePriv: TreeKEMPrivateKey{
			Suite:       suite,
			Index:       index,
			Size:        tree.Size(),
			PathSecrets: map[NodeIndex][]byte{},
			PrivateKeys: map[NodeIndex]HPKEPrivateKey{toNodeIndex(index): leafPriv},
		},
		IdentityPriv:     sigPriv,
		PendingProposals: nil,
		UpdateSecrets:    map[string][]byte{},
		logger:           cfg.logger,
	}

	ctx, err := s.currentContext()
	if err != nil {
		return nil, err
	}
	s.Keys = NewFirstEpoch(suite, s.Tree.Size(), suite.zero(), ctx)
	return s, nil
}

// NewJoinedState builds a State from a Welcome addressed to kp: it
// decrypts the joiner's GroupSecrets and the shared GroupInfo, verifies
// the committer's signature over the GroupInfo, locates the joiner's own
// leaf in the embedded tree, and rebuilds the epoch's key schedule
// (spec.md §3's Welcome dataflow, §4.4's JOINING -> ACTIVE_e transition).
func NewJoinedState(suite CipherSuite, kp KeyPackage, initPriv HPKEPrivateKey, sigPriv SignaturePrivateKey, welcome Welcome, opts ...StateOpt) (*State, error) {
	cfg := newStateConfig(opts)

	if welcome.CipherSuite != suite {
		return nil, invalidParam("welcome cipher suite does not match joiner")
	}

	secrets, err := welcome.decryptSecrets(kp, initPriv)
	if err != nil {
		return nil, err
	}
	gi, err := welcome.decryptGroupInfo(secrets.JoinerSecret)
	if err != nil {
		return nil, err
	}

	signerNode := toNodeIndex(gi.SignerIndex)
	if int(signerNode) >= len(gi.Tree.Nodes) || gi.Tree.Nodes[signerNode].Blank() || gi.Tree.Nodes[signerNode].Node.Leaf == nil {
		return nil, protocolError("group info names a signer not present in its own tree")
	}
	signerPub := gi.Tree.Nodes[signerNode].Node.Leaf.Credential.PublicKey()
	if signerPub == nil || !gi.verify(suite, *signerPub) {
		return nil, protocolError("group info signature invalid")
	}

	index, found := gi.Tree.Find(kp)
	if !found {
		return nil, protocolError("joiner's key package not present in welcome's tree")
	}

	var intersect NodeIndex
	if secrets.PathSecret != nil {
		intersect = ancestor(index, gi.SignerIndex, gi.Tree.Size())
	}
	treePriv, err := NewTreeKEMPrivateKeyForJoiner(suite, index, gi.Tree.Size(), initPriv, intersect, secrets.PathSecret)
	if err != nil {
		return nil, err
	}

	s := &State{
		Suite:                   suite,
		GroupID:                 dup(gi.GroupID),
		Epoch:                   gi.Epoch,
		Tree:                    gi.Tree,
		Extensions:              gi.Extensions,
		ConfirmedTranscriptHash: dup(gi.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(gi.InterimTranscriptHash),
		Index:                   index,
		TreePriv:                *treePriv,
		IdentityPriv:            sigPriv,
		PendingProposals:        nil,
		UpdateSecrets:           map[string][]byte{},
		logger:                  cfg.logger,
	}

	ctx, err := s.currentContext()
	if err != nil {
		return nil, err
	}
	s.Keys = newKeyScheduleEpoch(suite, s.Tree.Size(), secrets.JoinerSecret, ctx)

	confirmation := confirmationTag(suite, s.Keys.ConfirmationKey, s.ConfirmedTranscriptHash)
	if !bytesEqual(confirmation, gi.Confirmation) {
		return nil, protocolError("confirmation failed to verify on join")
	}

	return s, nil
}

func (s *State) signProposal(p Proposal) (*MLSPlaintext, error) {
	pt := &MLSPlaintext{
		GroupID: dup(s.GroupID),
		Epoch:   s.Epoch,
		Sender:  Sender{Type: SenderTypeMember, Sender: s.Index},
		Content: MLSPlaintextContent{Proposal: &p},
	}
	ctx, err := s.currentContext()
	if err != nil {
		return nil, err
	}
	if err := pt.sign(ctx, s.IdentityPriv, s.Suite.scheme()); err != nil {
		return nil, err
	}
	if err := pt.setMembershipTag(s.Suite, s.Keys.MembershipKey, ctx); err != nil {
		return nil, err
	}
	return pt, nil
}

// AddProposal proposes a new member; kp must already be signature-valid.
func (s *State) AddProposal(kp KeyPackage) (*MLSPlaintext, error) {
	if err := kp.Verify(); err != nil {
		return nil, err
	}
	return s.signProposal(Proposal{Add: &AddProposal{KeyPackage: kp}})
}

// UpdateProposal proposes replacing this member's own leaf with a fresh
// HPKE init key derived from leafSecret, caching leafSecret so a later
// commit of this proposal (by self or by a peer) can derive the new leaf
// private key.
func (s *State) UpdateProposal(leafSecret []byte) (*MLSPlaintext, error) {
	priv, err := s.Suite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}

	ni := toNodeIndex(s.Index)
	if int(ni) >= len(s.Tree.Nodes) || s.Tree.Nodes[ni].Blank() {
		return nil, protocolError("own leaf is blank")
	}
	kp := *s.Tree.Nodes[ni].Node.Leaf
	kp.InitKey = priv.PublicKey
	if err := kp.Sign(s.IdentityPriv); err != nil {
		return nil, err
	}

	p := Proposal{Update: &UpdateProposal{KeyPackage: kp}}
	pt, err := s.signProposal(p)
	if err != nil {
		return nil, err
	}

	ref, err := computeProposalRef(s.Suite, p)
	if err != nil {
		return nil, err
	}
	s.UpdateSecrets[string(ref)] = dup(leafSecret)
	return pt, nil
}

// RemoveProposal proposes evicting the member at index.
func (s *State) RemoveProposal(index LeafIndex) (*MLSPlaintext, error) {
	ni := toNodeIndex(index)
	if int(ni) >= len(s.Tree.Nodes) || s.Tree.Nodes[ni].Blank() {
		return nil, invalidParam("remove target %d is not a current member", index)
	}
	return s.signProposal(Proposal{Remove: &RemoveProposal{Removed: index}})
}

// verifySenderAuth checks pt's signature and membership tag against this
// state's current epoch and tree, per spec.md §4.4's handle() bullet.
func (s State) verifySenderAuth(pt MLSPlaintext) error {
	ni := toNodeIndex(pt.Sender.Sender)
	if int(ni) >= len(s.Tree.Nodes) || s.Tree.Nodes[ni].Blank() || s.Tree.Nodes[ni].Node.Leaf == nil {
		return protocolError("sender %d is not a current member", pt.Sender.Sender)
	}
	cred := s.Tree.Nodes[ni].Node.Leaf.Credential
	pub := cred.PublicKey()
	if pub == nil {
		return protocolError("sender credential has no public key")
	}

	ctx, err := s.currentContext()
	if err != nil {
		return err
	}
	if !pt.verify(ctx, pub, cred.Scheme()) {
		return protocolError("signature verification failed")
	}
	if !pt.verifyMembershipTag(s.Suite, s.Keys.MembershipKey, ctx) {
		return protocolError("membership tag verification failed")
	}
	return nil
}

// Handle processes a signed MLSPlaintext authored by a peer: a Proposal
// is verified and cached (the only in-place mutation this module allows
// on a live State); a Commit is verified, applied against a freshly
// built candidate state, and that candidate is returned only if every
// check succeeds (spec.md §7's "no partial state mutation" policy).
func (s *State) Handle(pt MLSPlaintext) (*State, error) {
	if !bytesEqual(pt.GroupID, s.GroupID) {
		return nil, invalidParam("group id mismatch")
	}
	if pt.Epoch != s.Epoch {
		return nil, invalidParam("epoch mismatch: have %d, message carries %d", s.Epoch, pt.Epoch)
	}

	switch pt.Content.Type() {
	case ContentTypeProposal:
		return nil, s.handleProposal(pt)
	case ContentTypeCommit:
		return s.handleCommit(pt)
	default:
		return nil, invalidParam("handle: unexpected content type %d", pt.Content.Type())
	}
}

func (s *State) handleProposal(pt MLSPlaintext) error {
	if err := s.verifySenderAuth(pt); err != nil {
		return err
	}
	enc, err := marshal(pt)
	if err != nil {
		return err
	}
	ref := ProposalRef(s.Suite.Digest(enc))
	s.PendingProposals = append(s.PendingProposals, CachedProposal{
		Ref:      ref,
		Proposal: *pt.Content.Proposal,
		Sender:   pt.Sender.Sender,
	})
	s.logger.Debug("cached proposal", logFields(s.GroupID, s.Epoch, uint32(s.Index))...)
	return nil
}

func (s State) findCachedProposal(ref ProposalRef) (CachedProposal, bool) {
	for _, cp := range s.PendingProposals {
		if bytesEqual(cp.Ref, ref) {
			return cp, true
		}
	}
	return CachedProposal{}, false
}

// resolveProposals maps a Commit's ProposalOrRef list to concrete
// CachedProposals, either by decoding an inlined Proposal or by looking
// an already-broadcast one up in the pending cache; a missing ref is a
// ProtocolError (spec.md §4.4's handle(commit) bullet). An inlined
// Proposal carries no sender of its own on the wire, so it is attributed
// to committer — RFC 9420's own rule, which holds for every proposal
// type this module supports (see DESIGN.md).
func (s State) resolveProposals(commit Commit, committer LeafIndex) ([]CachedProposal, error) {
	list := make([]CachedProposal, 0, len(commit.Proposals))
	for _, por := range commit.Proposals {
		if por.Proposal != nil {
			ref, err := computeProposalRef(s.Suite, *por.Proposal)
			if err != nil {
				return nil, err
			}
			list = append(list, CachedProposal{Ref: ref, Proposal: *por.Proposal, Sender: committer})
			continue
		}
		cp, ok := s.findCachedProposal(por.Ref)
		if !ok {
			return nil, protocolError("commit references unknown proposal")
		}
		list = append(list, cp)
	}
	return list, nil
}

// pathRequired implements spec.md §3's Commit invariant: an UpdatePath is
// mandatory whenever the applied set contains an Update or Remove, or
// when the proposal list is empty (a self-rekeying "empty commit").
func pathRequired(list []CachedProposal) bool {
	if len(list) == 0 {
		return true
	}
	for _, cp := range list {
		switch cp.Proposal.Type() {
		case ProposalTypeUpdate, ProposalTypeRemove:
			return true
		}
	}
	return false
}

// applyProposals mutates s's tree (and, for this member's own Update, its
// private tree state) per spec.md §4.4's fixed Update/Remove/Add order.
// It reports whether this member was removed (in which case it stops
// before processing Adds, since its own view of the group is ending) and
// the KeyPackages of any new joiners for the caller to build a Welcome.
func (s *State) applyProposals(list []CachedProposal) (removedSelf bool, joiners []KeyPackage, err error) {
	for _, cp := range list {
		if cp.Proposal.Type() != ProposalTypeUpdate {
			continue
		}
		upd := cp.Proposal.Update
		if cp.Sender != s.Index {
			s.Tree.UpdateLeaf(cp.Sender, upd.KeyPackage)
			continue
		}

		// UpdateSecrets is keyed by the proposal's own hash; cp.Ref is the
		// whole plaintext's hash when the commit names the proposal by ref.
		key, kerr := computeProposalRef(s.Suite, cp.Proposal)
		if kerr != nil {
			return false, nil, kerr
		}
		secret, ok := s.UpdateSecrets[string(key)]
		if !ok {
			return false, nil, protocolError("self-update commit with no cached leaf secret")
		}
		s.Tree.UpdateLeaf(s.Index, upd.KeyPackage)
		leafPriv, derr := s.Suite.hpke().Derive(secret)
		if derr != nil {
			return false, nil, derr
		}
		// UpdateLeaf blanked our entire direct path in the public tree;
		// TreePriv never holds anything outside that path, so it's all
		// stale now except the fresh leaf key.
		s.TreePriv.PathSecrets = map[NodeIndex][]byte{}
		s.TreePriv.PrivateKeys = map[NodeIndex]HPKEPrivateKey{toNodeIndex(s.Index): leafPriv}
		delete(s.UpdateSecrets, string(key))
	}

	for _, cp := range list {
		if cp.Proposal.Type() != ProposalTypeRemove {
			continue
		}
		rem := cp.Proposal.Remove
		s.Tree.BlankLeaf(rem.Removed)
		if rem.Removed == s.Index {
			removedSelf = true
		}
	}
	if removedSelf {
		s.Tree.Truncate()
		return true, nil, nil
	}

	for _, cp := range list {
		if cp.Proposal.Type() != ProposalTypeAdd {
			continue
		}
		add := cp.Proposal.Add
		s.Tree.AddLeaf(add.KeyPackage)
		joiners = append(joiners, add.KeyPackage)
	}
	s.Tree.Truncate()
	return false, joiners, nil
}

// commitTranscript computes the new confirmed/interim transcript hashes
// for a commit sent (or received) while the group was at oldEpoch, per
// spec.md §3's two chained digests.
func commitTranscript(suite CipherSuite, interimPrev []byte, groupID []byte, oldEpoch uint64, sender Sender, commit Commit, signature, confirmationTag []byte) (confirmed, interim []byte, err error) {
	commitContent, err := marshal(struct {
		GroupID     []byte `tls:"head=1"`
		Epoch       uint64
		Sender      Sender
		ContentType ContentType
		Commit      Commit
	}{groupID, oldEpoch, sender, ContentTypeCommit, commit})
	if err != nil {
		return nil, nil, err
	}
	confirmed = suite.Digest(append(dup(interimPrev), commitContent...))

	authData, err := marshal(struct {
		ConfirmationTag []byte `tls:"head=1,optional"`
		Signature       []byte `tls:"head=2"`
	}{confirmationTag, signature})
	if err != nil {
		return nil, nil, err
	}
	interim = suite.Digest(append(dup(confirmed), authData...))
	return confirmed, interim, nil
}

// handleCommit verifies and applies a peer-authored Commit, returning the
// resulting State only if every proposal resolves, the path (if any)
// decrypts and its parent-hash chain checks out, and the confirmation tag
// matches (spec.md §4.4's handle(commit) bullet, §7's failure semantics).
func (s *State) handleCommit(pt MLSPlaintext) (*State, error) {
	if pt.Sender.Sender == s.Index {
		return nil, invalidParam("cannot Handle a commit authored by self; use Commit")
	}
	if err := s.verifySenderAuth(pt); err != nil {
		return nil, err
	}
	commit := pt.Content.Commit

	list, err := s.resolveProposals(*commit, pt.Sender.Sender)
	if err != nil {
		return nil, err
	}

	next := s.cloneForCandidate()
	removedSelf, _, err := next.applyProposals(list)
	if err != nil {
		return nil, err
	}
	if removedSelf {
		next.Removed = true
		return next, nil
	}

	needPath := pathRequired(list)
	if needPath != (commit.UpdatePath != nil) {
		return nil, protocolError("update path presence does not match proposal set")
	}

	commitSecret := s.Suite.zero()
	if commit.UpdatePath != nil {
		pathCtx, cerr := next.currentContext()
		if cerr != nil {
			return nil, cerr
		}

		valid, verr := next.Tree.ParentHashValid(pt.Sender.Sender, *commit.UpdatePath)
		if verr != nil {
			return nil, verr
		}
		if !valid {
			return nil, protocolError("update path parent hash chain is invalid")
		}

		newPriv, derr := next.TreePriv.Decap(pt.Sender.Sender, next.Tree.Size(), pathCtx, *commit.UpdatePath)
		if derr != nil {
			return nil, derr
		}
		if err := next.Tree.Merge(pt.Sender.Sender, *commit.UpdatePath); err != nil {
			return nil, err
		}
		if !newPriv.Consistent(next.Tree) {
			return nil, protocolError("decap public-key mismatch")
		}
		treeValid, tverr := next.Tree.ParentHashValidTree()
		if tverr != nil {
			return nil, tverr
		}
		if !treeValid {
			return nil, protocolError("update path parent hash chain is invalid")
		}
		next.TreePriv = *newPriv
		commitSecret = newPriv.UpdateSecret
	}

	if int(toNodeIndex(next.Index)) >= len(next.Tree.Nodes) || next.Tree.Nodes[toNodeIndex(next.Index)].Blank() {
		return nil, protocolError("commit left self's own leaf blank")
	}

	confirmed, interim, terr := commitTranscript(s.Suite, s.InterimTranscriptHash, s.GroupID, s.Epoch, pt.Sender, *commit, pt.Signature, pt.ConfirmationTag)
	if terr != nil {
		return nil, terr
	}
	next.Epoch = s.Epoch + 1
	next.ConfirmedTranscriptHash = confirmed

	nextCtx, cerr := next.currentContext()
	if cerr != nil {
		return nil, cerr
	}
	next.Keys = s.Keys.Next(next.Tree.Size(), commitSecret, nextCtx)
	next.InterimTranscriptHash = interim

	wantTag := confirmationTag(s.Suite, next.Keys.ConfirmationKey, next.ConfirmedTranscriptHash)
	if !bytesEqual(wantTag, pt.ConfirmationTag) {
		return nil, protocolError("confirmation tag mismatch")
	}

	next.PendingProposals = nil
	next.logger.Debug("commit accepted", logFields(next.GroupID, next.Epoch, uint32(next.Index))...)
	return next, nil
}

// cloneForCandidate builds the starting point for a commit-then-swap
// candidate state: a tree the candidate can mutate freely, a fresh
// update-secret cache the candidate can drain, and every other field
// copied by value so the receiver (s) is never touched.
func (s State) cloneForCandidate() *State {
	updateSecrets := map[string][]byte{}
	for k, v := range s.UpdateSecrets {
		updateSecrets[k] = dup(v)
	}
	return &State{
		Suite:                   s.Suite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    s.Tree.Clone(),
		Extensions:              s.Extensions,
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		Index:                   s.Index,
		TreePriv:                s.TreePriv,
		IdentityPriv:            s.IdentityPriv,
		PendingProposals:        s.PendingProposals,
		UpdateSecrets:           updateSecrets,
		Keys:                    s.Keys,
		logger:                  s.logger,
	}
}

// Commit collects every cached proposal plus extraProposals, decides
// whether a fresh path is required, and — if the result is accepted —
// returns the signed Commit MLSPlaintext, a Welcome for any new joiners,
// and the new State (spec.md §4.4's commit() bullet). It never mutates
// the receiver.
func (s *State) Commit(leafSecret []byte, extraProposals []Proposal) (*MLSPlaintext, *Welcome, *State, error) {
	list := make([]CachedProposal, 0, len(s.PendingProposals)+len(extraProposals))
	list = append(list, s.PendingProposals...)
	for _, p := range extraProposals {
		ref, err := computeProposalRef(s.Suite, p)
		if err != nil {
			return nil, nil, nil, err
		}
		list = append(list, CachedProposal{Ref: ref, Proposal: p, Sender: s.Index})
	}

	commit := Commit{}
	for _, cp := range list {
		ref := cp.Ref
		if _, ok := s.findCachedProposal(ref); ok {
			commit.Proposals = append(commit.Proposals, ProposalOrRef{Ref: ref})
		} else {
			p := cp.Proposal
			commit.Proposals = append(commit.Proposals, ProposalOrRef{Proposal: &p})
		}
	}

	next := s.cloneForCandidate()
	removedSelf, joiners, err := next.applyProposals(list)
	if err != nil {
		return nil, nil, nil, err
	}
	if removedSelf {
		return nil, nil, nil, protocolError("commit would remove self")
	}

	needPath := pathRequired(list)
	commitSecret := s.Suite.zero()
	var path *TreeKEMPath

	if needPath {
		pathCtx, cerr := next.currentContext()
		if cerr != nil {
			return nil, nil, nil, cerr
		}
		newPriv, p, eerr := next.Tree.Encap(s.Index, pathCtx, leafSecret, s.IdentityPriv)
		if eerr != nil {
			return nil, nil, nil, eerr
		}
		if err := next.Tree.Merge(s.Index, *p); err != nil {
			return nil, nil, nil, err
		}
		next.TreePriv = *newPriv
		path = p
		commit.UpdatePath = path
		commitSecret = newPriv.UpdateSecret
	}

	sender := Sender{Type: SenderTypeMember, Sender: s.Index}
	ctx, err := s.currentContext()
	if err != nil {
		return nil, nil, nil, err
	}
	pt := &MLSPlaintext{
		GroupID: dup(s.GroupID),
		Epoch:   s.Epoch,
		Sender:  sender,
		Content: MLSPlaintextContent{Commit: &commit},
	}
	if err := pt.sign(ctx, s.IdentityPriv, s.Suite.scheme()); err != nil {
		return nil, nil, nil, err
	}

	confirmed, _, terr := commitTranscript(s.Suite, s.InterimTranscriptHash, s.GroupID, s.Epoch, sender, commit, pt.Signature, nil)
	if terr != nil {
		return nil, nil, nil, terr
	}
	next.Epoch = s.Epoch + 1
	next.ConfirmedTranscriptHash = confirmed

	nextCtx, cerr := next.currentContext()
	if cerr != nil {
		return nil, nil, nil, cerr
	}
	next.Keys = s.Keys.Next(next.Tree.Size(), commitSecret, nextCtx)
	next.PendingProposals = nil
	joinerSecret := next.Keys.JoinerSecret

	pt.ConfirmationTag = confirmationTag(s.Suite, next.Keys.ConfirmationKey, next.ConfirmedTranscriptHash)
	// The interim hash covers the confirmation tag, so it is computed only
	// once the tag is known, exactly as handleCommit computes it.
	_, interim, terr := commitTranscript(s.Suite, s.InterimTranscriptHash, s.GroupID, s.Epoch, sender, commit, pt.Signature, pt.ConfirmationTag)
	if terr != nil {
		return nil, nil, nil, terr
	}
	next.InterimTranscriptHash = interim
	if err := pt.setMembershipTag(s.Suite, s.Keys.MembershipKey, ctx); err != nil {
		return nil, nil, nil, err
	}

	var welcome *Welcome
	if len(joiners) > 0 {
		gi := &GroupInfo{
			GroupID:                 next.GroupID,
			Epoch:                   next.Epoch,
			Tree:                    next.Tree,
			ConfirmedTranscriptHash: next.ConfirmedTranscriptHash,
			InterimTranscriptHash:   next.InterimTranscriptHash,
			Extensions:              next.Extensions,
			Confirmation:            pt.ConfirmationTag,
		}
		if err := gi.sign(s.Suite, s.Index, s.IdentityPriv); err != nil {
			return nil, nil, nil, err
		}

		welcome, err = newWelcome(s.Suite, joinerSecret, *gi)
		if err != nil {
			return nil, nil, nil, err
		}

		for _, kp := range joiners {
			leaf, found := next.Tree.Find(kp)
			if !found {
				return nil, nil, nil, protocolError("new joiner not found in committed tree")
			}
			secrets := GroupSecrets{JoinerSecret: dup(joinerSecret)}
			if leaf != s.Index {
				_, ps, perr := next.TreePriv.PathSecret(leaf)
				if perr == nil {
					secrets.PathSecret = dup(ps)
				}
			}
			if err := welcome.encryptTo(kp, secrets); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	next.logger.Debug("commit sent", logFields(next.GroupID, next.Epoch, uint32(next.Index))...)
	return pt, welcome, next, nil
}

// encrypt seals pt into a wire MLSCiphertext: the content ciphertext
// under a fresh ratchet generation from the content type's key source,
// and the sender data (sender, generation, reuse guard) hidden under a
// key sampled from the content ciphertext itself (spec.md §4.4's seal).
func (s *State) encrypt(pt MLSPlaintext) (*MLSCiphertext, error) {
	var ks *GroupKeySource
	if pt.Content.Type() == ContentTypeApplication {
		ks = s.Keys.ApplicationKeys
	} else {
		ks = s.Keys.HandshakeKeys
	}

	generation, kn := ks.Next(s.Index)

	var guard [4]byte
	if _, err := rand.Read(guard[:]); err != nil {
		return nil, wrapProtocolError(err, "generate reuse guard")
	}
	nonce := applyGuard(kn.Nonce, guard)

	contentAAD, err := contentAAD(s.GroupID, s.Epoch, pt.Content.Type(), pt.AuthenticatedData)
	if err != nil {
		return nil, err
	}
	content, err := pt.marshalContent()
	if err != nil {
		return nil, err
	}
	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, content, contentAAD)

	sdKN := s.Keys.senderDataKeyNonce(senderDataSample(s.Suite, ciphertext))
	sdAEAD, err := s.Suite.NewAEAD(sdKN.Key)
	if err != nil {
		return nil, err
	}
	sdAAD, err := senderDataAAD(s.GroupID, s.Epoch, pt.Content.Type())
	if err != nil {
		return nil, err
	}
	sdPlain, err := marshal(senderData{Sender: s.Index, Generation: generation, ReuseGuard: guard})
	if err != nil {
		return nil, err
	}
	encSenderData := sdAEAD.Seal(nil, sdKN.Nonce, sdPlain, sdAAD)

	if pt.Content.Type() == ContentTypeApplication {
		// Self-decryption of own application messages is not supported
		// (this module's open question decision): erase the generation we
		// just consumed so a later Unprotect of this exact ciphertext by
		// the sender itself fails like it would for anyone else after
		// normal ratchet advancement.
		ks.Erase(s.Index, generation)
	}

	return &MLSCiphertext{
		GroupID:             dup(s.GroupID),
		Epoch:               s.Epoch,
		ContentType:         pt.Content.Type(),
		AuthenticatedData:   dup(pt.AuthenticatedData),
		EncryptedSenderData: encSenderData,
		Ciphertext:          ciphertext,
	}, nil
}

// decrypt reverses encrypt: it opens the sender data to learn who sent
// the message and at which generation, fetches that generation's key and
// nonce (erasing it afterward against replay), and opens the content.
func (s *State) decrypt(ct MLSCiphertext) (*MLSPlaintext, error) {
	if !bytesEqual(ct.GroupID, s.GroupID) {
		return nil, invalidParam("ciphertext group id mismatch")
	}
	if ct.Epoch != s.Epoch {
		return nil, invalidParam("ciphertext epoch mismatch: have %d, got %d", s.Epoch, ct.Epoch)
	}

	sdAAD, err := senderDataAAD(s.GroupID, s.Epoch, ct.ContentType)
	if err != nil {
		return nil, err
	}
	sdKN := s.Keys.senderDataKeyNonce(senderDataSample(s.Suite, ct.Ciphertext))
	sdAEAD, err := s.Suite.NewAEAD(sdKN.Key)
	if err != nil {
		return nil, err
	}
	sdPlain, err := sdAEAD.Open(nil, sdKN.Nonce, ct.EncryptedSenderData, sdAAD)
	if err != nil {
		return nil, wrapProtocolError(err, "decrypt sender data")
	}
	var sd senderData
	if err := unmarshal(sdPlain, &sd); err != nil {
		return nil, err
	}

	var ks *GroupKeySource
	if ct.ContentType == ContentTypeApplication {
		ks = s.Keys.ApplicationKeys
	} else {
		ks = s.Keys.HandshakeKeys
	}
	kn, err := ks.Get(sd.Sender, sd.Generation)
	if err != nil {
		return nil, err
	}
	ks.Erase(sd.Sender, sd.Generation)

	nonce := applyGuard(kn.Nonce, sd.ReuseGuard)
	contentAAD, err := contentAAD(s.GroupID, s.Epoch, ct.ContentType, ct.AuthenticatedData)
	if err != nil {
		return nil, err
	}
	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct.Ciphertext, contentAAD)
	if err != nil {
		return nil, wrapProtocolError(err, "decrypt content")
	}

	c, err := unmarshalContent(plain)
	if err != nil {
		return nil, err
	}
	return &MLSPlaintext{
		GroupID:           dup(ct.GroupID),
		Epoch:             ct.Epoch,
		Sender:            Sender{Type: SenderTypeMember, Sender: sd.Sender},
		AuthenticatedData: dup(ct.AuthenticatedData),
		Content:           c.Content,
		Signature:         c.Signature,
		ConfirmationTag:   c.ConfirmationTag,
		MembershipTag:     c.MembershipTag,
	}, nil
}

// Protect seals application data for the group: sign it as this member,
// then symmetrically encrypt under the application ratchet.
func (s *State) Protect(data, authenticatedData []byte) (*MLSCiphertext, error) {
	pt := MLSPlaintext{
		GroupID:           dup(s.GroupID),
		Epoch:             s.Epoch,
		Sender:            Sender{Type: SenderTypeMember, Sender: s.Index},
		AuthenticatedData: dup(authenticatedData),
		Content:           MLSPlaintextContent{Application: &ApplicationData{Data: data}},
	}
	ctx, err := s.currentContext()
	if err != nil {
		return nil, err
	}
	if err := pt.sign(ctx, s.IdentityPriv, s.Suite.scheme()); err != nil {
		return nil, err
	}
	if err := pt.setMembershipTag(s.Suite, s.Keys.MembershipKey, ctx); err != nil {
		return nil, err
	}
	return s.encrypt(pt)
}

// Unprotect opens an application MLSCiphertext and verifies its sender's
// signature and membership tag before returning the plaintext payload.
func (s *State) Unprotect(ct MLSCiphertext) ([]byte, error) {
	if ct.ContentType != ContentTypeApplication {
		return nil, invalidParam("unprotect: not an application message")
	}
	pt, err := s.decrypt(ct)
	if err != nil {
		return nil, err
	}
	if err := s.verifySenderAuth(*pt); err != nil {
		return nil, err
	}
	if pt.Content.Application == nil {
		return nil, protocolError("decrypted content is not application data")
	}
	return pt.Content.Application.Data, nil
}
