package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for every way a program-week mutation can be refused.
// All of them are caller mistakes: nothing here is transient, nothing is
// retried, and a failed mutation leaves the store untouched.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrWeekLocked        = errors.New("week is locked")
	ErrAlreadyExists     = errors.New("program week already exists")
	ErrInvalidDate       = errors.New("date outside week range")
	ErrUnknownActivity   = errors.New("unknown activity for sector")
	ErrInvalidQuantity   = errors.New("quantity must be at least 1")
	ErrInvalidPriority   = errors.New("priority out of range")
	ErrInvalidWindow     = errors.New("window start after window end")
	ErrEmptyReason       = errors.New("adjustment reason required")
	ErrUnknownBaseline   = errors.New("baseline forecast run not found")
)

// TransitionError reports an illegal status move on a week.
type TransitionError struct {
	WeekID string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("week %s: invalid status transition %s -> %s", e.WeekID, e.From, e.To)
}

func (e TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// LockedError reports a mutation attempted on a locked week.
type LockedError struct {
	WeekID string
	Op     string
}

func (e LockedError) Error() string {
	return fmt.Sprintf("week %s is locked; %s refused", e.WeekID, e.Op)
}

func (e LockedError) Is(target error) bool { return target == ErrWeekLocked }

// ExistsError reports duplicate generation for an identity triple.
type ExistsError struct {
	SectorID      string
	ForecastRunID string
	WeekStart     string
}

func (e ExistsError) Error() string {
	return fmt.Sprintf("program week for sector %s, run %s, week %s already exists",
		e.SectorID, e.ForecastRunID, e.WeekStart)
}

func (e ExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// FieldError reports a validation failure on one field of an item draft or
// adjustment request. Kind is the sentinel the failure belongs to.
type FieldError struct {
	Kind  error
	Field string
	Value string
}

func (e FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Kind)
	}
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Kind)
}

func (e FieldError) Is(target error) bool { return target == e.Kind }

func (e FieldError) Unwrap() error { return e.Kind }

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. modernc.org/sqlite exposes no typed constraint error, so the
// message is the contract.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
