package services

import (
	"fmt"
	"sync"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
)

// negotiation is the per-session state machine guarding the offer/answer
// lifecycle. Transitions are serialized by its mutex; once a terminal state is
// reached no further transition is accepted.
//
//	pending -> negotiating -> connected -> closed
//	pending|negotiating    -> failed|closed
type negotiation struct {
	mu    sync.Mutex
	state domain.NegotiationState
}

func newNegotiation() *negotiation {
	return &negotiation{state: domain.StatePending}
}

func (n *negotiation) current() domain.NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// begin moves pending -> negotiating when an answer arrives. A second answer,
// or an answer after the session died, is rejected.
func (n *negotiation) begin() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != domain.StatePending {
		return fmt.Errorf("%w: cannot apply answer in state %q", domain.ErrInvalidSessionState, n.state)
	}
	n.state = domain.StateNegotiating
	return nil
}

// connect moves negotiating -> connected.
func (n *negotiation) connect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != domain.StateNegotiating {
		return fmt.Errorf("%w: cannot connect in state %q", domain.ErrInvalidSessionState, n.state)
	}
	n.state = domain.StateConnected
	return nil
}

// terminate moves to the given terminal state unless the session is already
// terminal in a way that forbids it. connected may still move to closed
// (explicit close, timeout, transport disconnect); failed and closed are
// final. Returns whether the transition happened.
func (n *negotiation) terminate(to domain.NegotiationState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case domain.StateFailed, domain.StateClosed:
		return false
	case domain.StateConnected:
		if to != domain.StateClosed {
			return false
		}
	}
	n.state = to
	return true
}
