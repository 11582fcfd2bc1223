package model

import "time"

// Dispatch is one pending obligation to deliver one mail to one consumer,
// keyed by (consumer_id, mail_id). A row disappears on successful delivery
// or when its consumer is deleted; a failed attempt reschedules it.
//
// Invariant (also enforced by a CHECK constraint): whenever LastTime is
// set, NextTime is strictly later.
type Dispatch struct {
	ConsumerID int64      `db:"consumer_id"`
	MailID     string     `db:"mail_id"`
	Attempts   int        `db:"attempts"`
	LastTime   *time.Time `db:"last_time"`
	NextTime   time.Time  `db:"next_time"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Due reports whether the dispatch is ready for an attempt at now.
func (d Dispatch) Due(now time.Time) bool {
	return !d.NextTime.After(now)
}
