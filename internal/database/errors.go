package database

import (
	"errors"
	"fmt"
	"time"

	"inquirychat/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
	ErrUnknownDriver = errors.New("unknown database driver")
)

// transitionColumn names the timestamp column a transition into state sets
func transitionColumn(to types.InquiryState) (string, error) {
	switch to {
	case types.InquiryInProgress:
		return "accepted_at", nil
	case types.InquiryCompleted:
		return "completed_at", nil
	default:
		return "", fmt.Errorf("%w: cannot move an inquiry into %s", types.ErrInvalidTransition, to)
	}
}

// messageTimestamp returns the creation time for a message appended after
// last. Timestamps never go backwards within an inquiry so that ordering by
// creation time agrees with id order.
func messageTimestamp(last time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if now.Before(last) {
		return last
	}
	return now
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
