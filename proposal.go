package mls

import "github.com/cisco/go-tls-syntax"

// ProposalType discriminates the Proposal sum type. Only Add/Update/
// Remove carry a Go implementation; the rest are recognized on the wire
// (so a Commit that references one fails cleanly with NotImplemented
// rather than a decode error) per spec.md's Non-goals.
type ProposalType uint8

const (
	ProposalTypeAdd          ProposalType = 1
	ProposalTypeUpdate       ProposalType = 2
	ProposalTypeRemove       ProposalType = 3
	ProposalTypePSK          ProposalType = 4
	ProposalTypeReInit       ProposalType = 5
	ProposalTypeExternalInit ProposalType = 6
	ProposalTypeAppAck       ProposalType = 7
)

// AddProposal introduces a new member via its signed KeyPackage.
type AddProposal struct {
	KeyPackage KeyPackage
}

// UpdateProposal replaces the sender's own leaf KeyPackage, giving it a
// fresh init key (and, once committed, a fresh path).
type UpdateProposal struct {
	KeyPackage KeyPackage
}

// RemoveProposal evicts the member at Removed.
type RemoveProposal struct {
	Removed LeafIndex
}

// Proposal is the sum type spec.md §3 defines; exactly one field is set
// for a supported proposal, or Unsupported names an unimplemented type
// recognized only well enough to be rejected explicitly.
type Proposal struct {
	Add         *AddProposal
	Update      *UpdateProposal
	Remove      *RemoveProposal
	Unsupported ProposalType
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	default:
		return p.Unsupported
	}
}

func (p Proposal) supported() bool {
	return p.Add != nil || p.Update != nil || p.Remove != nil
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	t := p.Type()
	if err := s.Write(t); err != nil {
		return nil, err
	}

	var err error
	switch t {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	default:
		return nil, notImplemented("proposal type %d", t)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var t ProposalType
	if _, err := s.Read(&t); err != nil {
		return 0, err
	}

	var err error
	switch t {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	default:
		p.Unsupported = t
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// ProposalRef names a proposal so a Commit can reference it without
// repeating its full content (spec.md §3). A proposal cached by Handle is
// named by the hash of the encoded MLSPlaintext that carried it;
// computeProposalRef instead hashes the bare Proposal encoding, which is
// how inlined proposals and the self-update secret cache are keyed.
type ProposalRef []byte

func computeProposalRef(suite CipherSuite, p Proposal) (ProposalRef, error) {
	enc, err := p.MarshalTLS()
	if err != nil {
		return nil, err
	}
	return ProposalRef(suite.Digest(enc)), nil
}

// CachedProposal is a proposal a State has seen (via Handle) but not yet
// committed, held so a later Commit's proposal-ref list can be resolved.
type CachedProposal struct {
	Ref      ProposalRef
	Proposal Proposal
	Sender   LeafIndex
}
