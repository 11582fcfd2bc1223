package model

import "time"

// Consumer is a registered delivery target. Deleting a consumer cascades
// to its dispatch rows at the storage layer.
type Consumer struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Endpoint  *string   `db:"endpoint"` // webhook URL; nil for pull-only consumers
	CreatedAt time.Time `db:"created_at"`
}
