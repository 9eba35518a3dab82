// Package fsm holds the state guard shared by every stateful receiver.
package fsm

import (
	"errors"
	"fmt"
	"slices"
)

// ErrIllegalState matches every IllegalStateError via errors.Is.
var ErrIllegalState = errors.New("illegal state")

// IllegalStateError reports an operation the receiver's current state does
// not permit. It is the only business error a mutator returns; State is kept
// for diagnostics only.
type IllegalStateError struct {
	Receiver string
	Op       string
	State    string
	Reason   string
}

func (e *IllegalStateError) Error() string {
	msg := fmt.Sprintf("%s: %s not allowed in state %s", e.Receiver, e.Op, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// Illegal builds an IllegalStateError.
func Illegal[S ~string](receiver, op string, state S, reason string) error {
	return &IllegalStateError{Receiver: receiver, Op: op, State: string(state), Reason: reason}
}

// Require fails with an IllegalStateError unless cur is one of allowed.
func Require[S ~string](receiver, op string, cur S, allowed ...S) error {
	if slices.Contains(allowed, cur) {
		return nil
	}
	return Illegal(receiver, op, cur, "")
}

// AsIllegalState unwraps err into an IllegalStateError.
func AsIllegalState(err error) (*IllegalStateError, bool) {
	var ise *IllegalStateError
	if errors.As(err, &ise) {
		return ise, true
	}
	return nil, false
}
