package model

import "time"

// DeliveryRecord is one row of the delivery audit trail kept in ClickHouse.
// Every attempt is recorded, successful or not.
type DeliveryRecord struct {
	ID          string    `db:"id"` // ULID
	ConsumerID  int64     `db:"consumer_id"`
	MailID      string    `db:"mail_id"`
	Attempt     int32     `db:"attempt"`
	Success     bool      `db:"success"`
	Error       string    `db:"error"`
	DurationMs  int64     `db:"duration_ms"`
	AttemptedAt time.Time `db:"attempted_at"`
}
