// Package state is the single source of truth for what a submission may
// become next. Every state write in the core goes through AssertTransition.
package state

import (
	"errors"
	"fmt"

	"github.com/formbridge/formbridge/pkg/contracts"
)

var (
	ErrUnknownState      = errors.New("unknown submission state")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// transitions enumerates every legal outgoing edge. Terminal states have no
// entry. needs_review -> draft is the request-changes loop; the review cycle
// reuses draft instead of a dedicated changes_requested state.
var transitions = map[contracts.State][]contracts.State{
	contracts.StateDraft: {
		contracts.StateInProgress,
		contracts.StateAwaitingUpload,
		contracts.StateSubmitted,
		contracts.StateNeedsReview,
		contracts.StateCancelled,
		contracts.StateExpired,
	},
	contracts.StateInProgress: {
		contracts.StateAwaitingUpload,
		contracts.StateSubmitted,
		contracts.StateNeedsReview,
		contracts.StateCancelled,
		contracts.StateExpired,
	},
	contracts.StateAwaitingUpload: {
		contracts.StateInProgress,
		contracts.StateCancelled,
		contracts.StateExpired,
	},
	contracts.StateSubmitted: {
		contracts.StateFinalized,
		contracts.StateCancelled,
	},
	contracts.StateNeedsReview: {
		contracts.StateApproved,
		contracts.StateRejected,
		contracts.StateDraft,
	},
	contracts.StateApproved: {
		contracts.StateSubmitted,
		contracts.StateFinalized,
	},
	contracts.StateRejected:  {},
	contracts.StateFinalized: {},
	contracts.StateCancelled: {},
	contracts.StateExpired:   {},
}

// Normalize maps the historical created state onto draft. Unknown states are
// returned unchanged; Known rejects them.
func Normalize(s contracts.State) contracts.State {
	if s == contracts.StateCreated {
		return contracts.StateDraft
	}
	return s
}

// Known reports whether s (after normalization) is a declared state.
func Known(s contracts.State) bool {
	_, ok := transitions[Normalize(s)]
	return ok
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to contracts.State) bool {
	next, ok := transitions[Normalize(from)]
	if !ok {
		return false
	}
	to = Normalize(to)
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// AssertTransition validates a state write. A violation is a programmer
// error: callers must refuse the operation and log it, never coerce.
func AssertTransition(from, to contracts.State) error {
	if !Known(from) {
		return fmt.Errorf("%w: %q", ErrUnknownState, from)
	}
	if !Known(to) {
		return fmt.Errorf("%w: %q", ErrUnknownState, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// NextStates returns the legal successors of s, nil for terminal states.
func NextStates(s contracts.State) []contracts.State {
	next := transitions[Normalize(s)]
	if len(next) == 0 {
		return nil
	}
	return append([]contracts.State(nil), next...)
}
