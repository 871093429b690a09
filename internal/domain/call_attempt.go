package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a call attempt.
type State string

const (
	StatePending      State = "PENDING"
	StateSent         State = "SENT"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateFailed       State = "FAILED"
	StateExpired      State = "EXPIRED"
)

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	switch s {
	case StatePending, StateSent, StateAcknowledged, StateFailed, StateExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s State) IsTerminal() bool {
	switch s {
	case StateAcknowledged, StateFailed, StateExpired:
		return true
	}
	return false
}

func (s State) IsInFlight() bool {
	return s == StatePending || s == StateSent
}

// BlocksDailyDispatch reports whether an attempt in this state prevents a new
// attempt for the same user on the same local day.
func (s State) BlocksDailyDispatch() bool {
	return s.IsValid() && s != StateFailed && s != StateExpired
}

func ParseStateFromString(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid state %q", ErrValidation, s)
	}
	return st, nil
}

// InFlightStates are the states covered by the per-user in-flight invariant.
func InFlightStates() []State {
	return []State{StatePending, StateSent}
}

// IsCallID reports whether id is a canonical (hyphenated, 36 character) UUID,
// the only shape a call id is ever issued in.
func IsCallID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// CallAttempt is one try at delivering an accountability call to a user.
// CallID is the idempotency key shared by every delivery of the attempt.
type CallAttempt struct {
	CallID               string
	UserID               string
	State                State
	LocalDate            string
	AttemptCount         int
	PayloadFingerprint   string
	Payload              json.RawMessage
	FailureReason        *string
	CreatedAt            time.Time
	LastAttemptAt        *time.Time
	NextAttemptAt        *time.Time
	AcknowledgedAt       *time.Time
	DeviceAcknowledgedAt *time.Time
	UpdatedAt            time.Time
}

func (a *CallAttempt) Validate() error {
	if strings.TrimSpace(a.CallID) == "" {
		return fmt.Errorf("%w: callId is required", ErrValidation)
	}
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if !a.State.IsValid() {
		return fmt.Errorf("%w: invalid state %q", ErrValidation, a.State)
	}
	if _, err := time.Parse(LocalDateLayout, a.LocalDate); err != nil {
		return fmt.Errorf("%w: localDate must be %s", ErrValidation, LocalDateLayout)
	}
	if len(a.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}
	if a.PayloadFingerprint == "" {
		return fmt.Errorf("%w: payloadFingerprint is required", ErrValidation)
	}
	if a.AttemptCount < 0 {
		return fmt.Errorf("%w: attemptCount must be >= 0", ErrValidation)
	}
	return nil
}

// NextAttemptNumber is the 1-based number of the delivery about to be made.
func (a *CallAttempt) NextAttemptNumber() int {
	return a.AttemptCount + 1
}
