package domain

import (
	"fmt"
	"strings"
)

// Status represents the delivery lifecycle state of a message.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusSending     Status = "sending"
	StatusSent        Status = "sent"
	StatusDelivered   Status = "delivered"
	StatusReceived    Status = "received"
	StatusFailed      Status = "failed"
	StatusUndelivered Status = "undelivered"
	StatusAmbiguous   Status = "ambiguous"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusReceived,
		StatusFailed, StatusUndelivered, StatusAmbiguous:
		return true
	}
	return false
}

// IsTerminal reports whether no further progression is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusUndelivered:
		return true
	}
	return false
}

// IsTransient reports whether the status is still in flight and eligible for polling.
func (s Status) IsTransient() bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent:
		return true
	}
	return false
}

// Rank orders statuses for forward-only progression. Unknown values rank below Ambiguous.
func (s Status) Rank() int {
	switch s {
	case StatusAmbiguous:
		return 0
	case StatusQueued:
		return 1
	case StatusSending:
		return 2
	case StatusSent:
		return 3
	case StatusDelivered, StatusFailed, StatusUndelivered, StatusReceived:
		return 4
	}
	return -1
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// TransientStatuses lists the statuses the poll job examines.
func TransientStatuses() []Status {
	return []Status{StatusQueued, StatusSending, StatusSent}
}

// Transition describes how a reported status was reconciled with the stored one.
type Transition string

const (
	TransitionTerminal Transition = "terminal"
	TransitionPromoted Transition = "promoted"
	TransitionRetained Transition = "retained"
)

// ReconcileStatus applies forward-only progression. A reported terminal status
// always wins; any other report wins only when it ranks strictly higher.
// A stored terminal status is never replaced by a non-terminal report.
func ReconcileStatus(current Status, reported Status) (Status, Transition) {
	if reported.IsTerminal() {
		return reported, TransitionTerminal
	}
	if current.IsTerminal() {
		return current, TransitionRetained
	}
	if reported.Rank() > current.Rank() {
		return reported, TransitionPromoted
	}
	return current, TransitionRetained
}

// Direction tells whether a message was sent by us or received from a handset.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

func (d Direction) String() string { return string(d) }

func (d Direction) IsValid() bool {
	return d == DirectionSent || d == DirectionReceived
}

// Canonical driver names.
const (
	DriverTwilio = "twilio"
	DriverTelnyx = "telnyx"
)

// NormalizeDriver lower-cases and trims a driver name.
func NormalizeDriver(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
