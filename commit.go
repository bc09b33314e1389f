package mls

// ProposalOrRef is a Commit's way of naming a proposal: either a bare
// reference to something already broadcast with Handle, or the full
// proposal inlined directly in the Commit (used when a committer commits
// its own not-yet-broadcast proposal in the same message).
type ProposalOrRef struct {
	Ref      ProposalRef `tls:"optional"`
	Proposal *Proposal   `tls:"optional"`
}

// Commit is the message that advances the epoch: it names every proposal
// being applied and, unless the net effect is an Update/Remove-only
// commit with no path required, carries a fresh TreeKEMPath (spec.md §3,
// §4.4).
type Commit struct {
	Proposals  []ProposalOrRef `tls:"head=4"`
	UpdatePath *TreeKEMPath    `tls:"optional"`
}
