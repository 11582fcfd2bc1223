// Package delivery defines the injected capability a scheduler uses to
// hand a mail to its consumer. The queue assumes nothing about the far
// side: a failed attempt is rescheduled, a consumer that crashes after
// accepting may see the same mail again.
package delivery

import (
	"context"
	"time"

	"github.com/jmehdipour/mail-archiver/internal/model"
)

// Capability delivers one mail to one consumer. A nil return is the only
// success signal; any error schedules a retry.
type Capability interface {
	Deliver(ctx context.Context, mail model.Mail) error
}

// Func adapts a plain function to Capability.
type Func func(ctx context.Context, mail model.Mail) error

func (f Func) Deliver(ctx context.Context, mail model.Mail) error { return f(ctx, mail) }

// Payload is the JSON body posted to webhook consumers. The raw RFC 5322
// bytes stay behind the API; consumers fetch them there when needed.
type Payload struct {
	ID   string    `json:"id"`
	Date time.Time `json:"date"`
	Text string    `json:"text"`
}
