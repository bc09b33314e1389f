package mls

import "github.com/cisco/go-tls-syntax"

// SenderType distinguishes a member's own signed content from the
// other sender kinds RFC 9420 defines; this module only ever signs as a
// member, but a received Commit must still be able to name that
// explicitly.
type SenderType uint8

const (
	SenderTypeMember SenderType = 1
)

// Sender identifies who produced an MLSPlaintext.
type Sender struct {
	Type   SenderType
	Sender LeafIndex
}

// ContentType discriminates an MLSPlaintext's payload.
type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

// ApplicationData is a ContentTypeApplication payload: opaque bytes the
// group state machine never inspects.
type ApplicationData struct {
	Data []byte `tls:"head=4"`
}

// MLSPlaintextContent is the sum type over the three content kinds.
type MLSPlaintextContent struct {
	Application *ApplicationData
	Proposal    *Proposal
	Commit      *Commit
}

func (c MLSPlaintextContent) Type() ContentType {
	switch {
	case c.Application != nil:
		return ContentTypeApplication
	case c.Proposal != nil:
		return ContentTypeProposal
	default:
		return ContentTypeCommit
	}
}

func (c MLSPlaintextContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	t := c.Type()
	if err := s.Write(t); err != nil {
		return nil, err
	}

	var err error
	switch t {
	case ContentTypeApplication:
		err = s.Write(c.Application)
	case ContentTypeProposal:
		err = s.Write(c.Proposal)
	case ContentTypeCommit:
		err = s.Write(c.Commit)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *MLSPlaintextContent) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var t ContentType
	if _, err := s.Read(&t); err != nil {
		return 0, err
	}

	var err error
	switch t {
	case ContentTypeApplication:
		c.Application = new(ApplicationData)
		_, err = s.Read(c.Application)
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(Commit)
		_, err = s.Read(c.Commit)
	default:
		err = invalidParam("unknown content type %d", t)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// MLSPlaintext is an authenticated group message prior to symmetric
// encryption: every field here is what gets hashed into the transcript
// and signed (spec.md §3).
type MLSPlaintext struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             uint64
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
	Signature         []byte `tls:"head=2"`
	ConfirmationTag   []byte `tls:"head=1,optional"`
	MembershipTag     []byte `tls:"head=1,optional"`
}

// signaturePayload is the GroupContext-bound content that gets signed:
// the wire-interesting fields of the message plus the group's own
// context, so a signature from one epoch can never be replayed into
// another (spec.md §4.4's sign/verify operations).
func (pt MLSPlaintext) signaturePayload(groupContext []byte) ([]byte, error) {
	body, err := marshal(struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		Sender            Sender
		AuthenticatedData []byte `tls:"head=4"`
		Content           MLSPlaintextContent
	}{pt.GroupID, pt.Epoch, pt.Sender, pt.AuthenticatedData, pt.Content})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(groupContext)+len(body))
	out = append(out, groupContext...)
	out = append(out, body...)
	return out, nil
}

func (pt *MLSPlaintext) sign(groupContext []byte, priv SignaturePrivateKey, scheme SignatureScheme) error {
	payload, err := pt.signaturePayload(groupContext)
	if err != nil {
		return err
	}
	sig, err := scheme.Sign(&priv, payload)
	if err != nil {
		return wrapProtocolError(err, "sign plaintext")
	}
	pt.Signature = sig
	return nil
}

func (pt MLSPlaintext) verify(groupContext []byte, pub *SignaturePublicKey, scheme SignatureScheme) bool {
	payload, err := pt.signaturePayload(groupContext)
	if err != nil {
		return false
	}
	return scheme.Verify(pub, payload, pt.Signature)
}

// membershipTagPayload marshals the plaintext with its membership tag
// cleared, followed by the raw serialized group context, per spec.md
// §4.4's `H(plaintext_without_tag ‖ group_context)`.
func (pt MLSPlaintext) membershipTagPayload(groupContext []byte) ([]byte, error) {
	clone := pt
	clone.MembershipTag = nil
	body, err := marshal(clone)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(groupContext))
	out = append(out, body...)
	out = append(out, groupContext...)
	return out, nil
}

// computeMembershipTag keys an HMAC over that payload's digest with the
// epoch's membership_key, authenticating that the sender is a group
// member holding the current epoch's secrets (not just a valid signer).
func computeMembershipTag(suite CipherSuite, membershipKey []byte, pt MLSPlaintext, groupContext []byte) ([]byte, error) {
	payload, err := pt.membershipTagPayload(groupContext)
	if err != nil {
		return nil, err
	}
	digest := suite.Digest(payload)
	mac := suite.newHMAC(membershipKey)
	mac.Write(digest)
	return mac.Sum(nil), nil
}

func (pt *MLSPlaintext) setMembershipTag(suite CipherSuite, membershipKey, groupContext []byte) error {
	tag, err := computeMembershipTag(suite, membershipKey, *pt, groupContext)
	if err != nil {
		return err
	}
	pt.MembershipTag = tag
	return nil
}

func (pt MLSPlaintext) verifyMembershipTag(suite CipherSuite, membershipKey, groupContext []byte) bool {
	want := pt.MembershipTag
	if want == nil {
		return false
	}
	got, err := computeMembershipTag(suite, membershipKey, pt, groupContext)
	if err != nil {
		return false
	}
	return bytesEqual(got, want)
}

// confirmationTag is what authenticates a Commit: an HMAC over the
// confirmed transcript hash computed after applying the commit, keyed by
// the new epoch's confirmation key (spec.md §4.4).
func confirmationTag(suite CipherSuite, confirmationKey, confirmedTranscriptHash []byte) []byte {
	mac := suite.newHMAC(confirmationKey)
	mac.Write(confirmedTranscriptHash)
	return mac.Sum(nil)
}

// MLSCiphertext is the symmetrically encrypted form of an MLSPlaintext
// sent over the wire: sender identity and generation are themselves
// encrypted (so passive observers can't link ciphertexts to a leaf
// without the group's sender-data key), per spec.md §4.3/§4.4.
type MLSCiphertext struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               uint64
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

// senderData is what EncryptedSenderData hides: which leaf sent this
// message, at which ratchet generation, plus the reuse guard XOR'd into
// that generation's nonce (spec.md §4.4's message protection seal).
type senderData struct {
	Sender     LeafIndex
	Generation uint32
	ReuseGuard [4]byte
}

// senderDataAAD binds the encrypted sender data to the message's group
// and epoch without revealing authenticated_data, per spec.md §4.4.
func senderDataAAD(groupID []byte, epoch uint64, contentType ContentType) ([]byte, error) {
	return marshal(struct {
		GroupID     []byte `tls:"head=1"`
		Epoch       uint64
		ContentType ContentType
	}{groupID, epoch, contentType})
}

// contentAAD binds the content ciphertext to the message's group, epoch,
// and caller-supplied authenticated_data, per spec.md §4.4.
func contentAAD(groupID []byte, epoch uint64, contentType ContentType, authData []byte) ([]byte, error) {
	return marshal(struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		ContentType       ContentType
		AuthenticatedData []byte `tls:"head=4"`
	}{groupID, epoch, contentType, authData})
}

// mlsCiphertextContent is what the content ciphertext actually seals:
// everything an MLSPlaintext carries except the fields already public in
// the AAD (group_id, epoch, authenticated_data) or hidden separately in
// the encrypted sender data (sender), per spec.md §4.4's marshal_content.
type mlsCiphertextContent struct {
	Content         MLSPlaintextContent
	Signature       []byte `tls:"head=2"`
	ConfirmationTag []byte `tls:"head=1,optional"`
	MembershipTag   []byte `tls:"head=1,optional"`
}

func (pt MLSPlaintext) marshalContent() ([]byte, error) {
	return marshal(mlsCiphertextContent{
		Content:         pt.Content,
		Signature:       pt.Signature,
		ConfirmationTag: pt.ConfirmationTag,
		MembershipTag:   pt.MembershipTag,
	})
}

func unmarshalContent(data []byte) (mlsCiphertextContent, error) {
	var c mlsCiphertextContent
	err := unmarshal(data, &c)
	return c, err
}

// applyGuard XORs a per-message reuse guard into a ratchet nonce so
// that two messages accidentally sharing a generation (e.g. a replayed
// or duplicated network delivery) don't also share an AEAD nonce.
func applyGuard(nonce []byte, guard [4]byte) []byte {
	out := dup(nonce)
	for i := range guard {
		out[i] ^= guard[i]
	}
	return out
}
