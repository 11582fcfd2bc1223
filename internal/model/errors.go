package model

import "errors"

// Sentinels for the failure classes the dispatch subsystem distinguishes.
// Storage-layer errors that match none of these are treated as storage
// failures and escalated to the caller.
var (
	// ErrConsumerNotFound: an operation referenced a consumer id that does
	// not exist (or no longer exists).
	ErrConsumerNotFound = errors.New("consumer not found")

	// ErrMailNotFound: an operation referenced a mail id that is not in
	// the archive.
	ErrMailNotFound = errors.New("mail not found")

	// ErrDispatchNotFound: no dispatch row for the (consumer, mail) pair.
	ErrDispatchNotFound = errors.New("dispatch not found")

	// ErrDuplicateMail: the archive already holds a mail with this id.
	ErrDuplicateMail = errors.New("mail already archived")

	// ErrBackoffTooSmall: a failure record would not move next_time past
	// last_time. The retry-order invariant is never coerced.
	ErrBackoffTooSmall = errors.New("backoff must be strictly positive")
)
