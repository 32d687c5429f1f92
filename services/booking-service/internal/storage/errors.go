package storage

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrSlotConflict is the exclusion constraint rejecting an overlapping active interval.
	ErrSlotConflict = errors.New("overlapping active booking")
	// ErrDuplicateReschedule is the partial unique index on pending reschedules.
	ErrDuplicateReschedule = errors.New("pending reschedule already exists")
	// ErrStaleState means the row was not in the expected status when updated.
	ErrStaleState = errors.New("booking status changed concurrently")
)

const constraintOnePendingReschedule = "booking_requests_one_pending_reschedule"
