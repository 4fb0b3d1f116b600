package checknote

import (
	"errors"
	"time"
)

// Check/promissory note lifecycle states.
const (
	Issued    = "ISSUED"
	Endorsed  = "ENDORSED"
	Presented = "PRESENTED"
	Cleared   = "CLEARED"
	Bounced   = "BOUNCED"
	Protested = "PROTESTED"
)

const (
	KindCheck = "CHECK"
	KindNote  = "PROMISSORY_NOTE"
)

var ErrInvalidTransition = errors.New("invalid check/note transition")

type Event string

const (
	EventEndorse Event = "ENDORSE"
	EventPresent Event = "PRESENT"
	EventClear   Event = "CLEAR"
	EventBounce  Event = "BOUNCE"
	EventProtest Event = "PROTEST"
)

func CanTransition(from, to string) bool {
	switch from {
	case Issued:
		return to == Endorsed || to == Presented
	case Endorsed:
		return to == Presented
	case Presented:
		return to == Cleared || to == Bounced
	case Bounced:
		return to == Protested
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventEndorse:
		return Transition(from, Endorsed)
	case EventPresent:
		return Transition(from, Presented)
	case EventClear:
		return Transition(from, Cleared)
	case EventBounce:
		return Transition(from, Bounced)
	case EventProtest:
		return Transition(from, Protested)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status string) bool {
	switch status {
	case Cleared, Protested:
		return true
	default:
		return false
	}
}

func ValidKind(kind string) bool {
	return kind == KindCheck || kind == KindNote
}

// IsOverdue reports whether an instrument passed its due date without
// reaching a terminal state.
func IsOverdue(status string, dueDate, now time.Time) bool {
	if IsTerminal(status) {
		return false
	}
	if dueDate.IsZero() {
		return false
	}
	return now.UTC().After(dueDate.UTC())
}
