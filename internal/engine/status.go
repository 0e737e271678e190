package engine

import "shiftplan/internal/domain"

// ensureWeekTransition is the single authority on the week lifecycle:
// draft -> approved -> locked, nothing else. Locked is terminal.
func ensureWeekTransition(weekID, from, to string) error {
	switch from {
	case domain.WeekDraft:
		if to == domain.WeekApproved {
			return nil
		}
	case domain.WeekApproved:
		if to == domain.WeekLocked {
			return nil
		}
	}
	return TransitionError{WeekID: weekID, From: from, To: to}
}
