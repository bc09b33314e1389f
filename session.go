package mls

// Session is a convenience wrapper around State that keeps every epoch's
// State reachable by epoch number, so a ciphertext that arrives after
// the group has already advanced past its epoch can still be opened
// (spec.md §5's "concurrent reads of an immutable past epoch are
// allowed"). A bare *State only ever represents one epoch; Session is
// the part of this module's surface a long-lived client actually holds
// onto across commits.
type Session struct {
	states  map[uint64]*State
	current uint64
}

// NewSession starts tracking a group from an already-constructed State
// (freshly created via NewEmptyState, or joined via NewJoinedState).
func NewSession(s *State) *Session {
	sess := &Session{states: map[uint64]*State{}}
	sess.track(s)
	return sess
}

func (sess *Session) track(s *State) {
	sess.states[s.Epoch] = s
	sess.current = s.Epoch
}

// Current returns the State for the epoch this Session is caught up to.
func (sess *Session) Current() *State {
	return sess.states[sess.current]
}

// Epoch returns the epoch number of the current State.
func (sess *Session) Epoch() uint64 {
	return sess.current
}

// StateAt returns the State this Session retains for a given past or
// current epoch, if any; used by Unprotect to open a ciphertext that
// arrived for an epoch the session has already moved past.
func (sess *Session) StateAt(epoch uint64) (*State, bool) {
	s, ok := sess.states[epoch]
	return s, ok
}

// Commit folds s.Current().Commit into the session: on success, the new
// State becomes Current and its epoch becomes retained alongside every
// prior one.
func (sess *Session) Commit(leafSecret []byte, extraProposals []Proposal) (*MLSPlaintext, *Welcome, error) {
	pt, welcome, next, err := sess.Current().Commit(leafSecret, extraProposals)
	if err != nil {
		return nil, nil, err
	}
	sess.track(next)
	return pt, welcome, nil
}

// Handle folds a peer's message into the session. A Proposal is cached
// on the current State in place, as State.Handle already does; a Commit
// produces a new State that becomes current (unless it removed this
// member, in which case the session stops advancing and Current keeps
// returning the terminal Removed State).
func (sess *Session) Handle(pt MLSPlaintext) error {
	cur := sess.Current()
	next, err := cur.Handle(pt)
	if err != nil {
		return err
	}
	if next == nil {
		// A Proposal: cur.Handle mutated cur.PendingProposals in place,
		// nothing new to track.
		return nil
	}
	sess.track(next)
	return nil
}

// Protect seals application data under the current epoch.
func (sess *Session) Protect(data, authenticatedData []byte) (*MLSCiphertext, error) {
	return sess.Current().Protect(data, authenticatedData)
}

// Unprotect opens an application ciphertext using whichever retained
// epoch it was sealed under, rather than assuming it matches Current —
// the sender and receiver can be at different epochs briefly while a
// commit is in flight.
func (sess *Session) Unprotect(ct MLSCiphertext) ([]byte, error) {
	s, ok := sess.StateAt(ct.Epoch)
	if !ok {
		return nil, invalidParam("no retained state for epoch %d", ct.Epoch)
	}
	return s.Unprotect(ct)
}
