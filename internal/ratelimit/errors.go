package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrInvitePacing   = errors.New("invite pacing violation")
	ErrActionPacing   = errors.New("action spacing violation")
	ErrCheckPacing    = errors.New("check rate exceeded")
	ErrDoubleRelease  = errors.New("reservation already released")
	ErrAlreadySettled = errors.New("reservation already settled")
	ErrUnknown        = errors.New("unknown reservation")
)

type Dimension string

const (
	DimensionDaily         Dimension = "daily"
	DimensionWeekly        Dimension = "weekly"
	DimensionRollingDaily  Dimension = "rolling_daily"
	DimensionRollingWeekly Dimension = "rolling_weekly"
)

// QuotaExceededError reports which window ran out and when retrying can
// succeed.
type QuotaExceededError struct {
	OperatorID string
	Dimension  Dimension
	Limit      int
	Used       int
	RetryAfter time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("operator %s: %s quota exceeded (%d/%d), retry after %s",
		e.OperatorID, e.Dimension, e.Used, e.Limit, e.RetryAfter.Format(time.RFC3339))
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

type PacingKind string

const (
	PacingInvite PacingKind = "invite"
	PacingAction PacingKind = "action"
	PacingCheck  PacingKind = "check"
)

// PacingError is returned when an action is requested before its
// operator may act again.
type PacingError struct {
	OperatorID string
	Kind       PacingKind
	RetryAfter time.Time
}

func (e *PacingError) Error() string {
	return fmt.Sprintf("operator %s: %s pacing, retry after %s", e.OperatorID, e.Kind, e.RetryAfter.Format(time.RFC3339))
}

func (e *PacingError) Is(target error) bool {
	switch e.Kind {
	case PacingInvite:
		return target == ErrInvitePacing
	case PacingAction:
		return target == ErrActionPacing
	case PacingCheck:
		return target == ErrCheckPacing
	}
	return false
}

// RetryAfter extracts the retry time from a quota or pacing error.
func RetryAfter(err error) (time.Time, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe.RetryAfter, true
	}
	var pe *PacingError
	if errors.As(err, &pe) {
		return pe.RetryAfter, true
	}
	return time.Time{}, false
}
