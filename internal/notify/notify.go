// Package notify is the best-effort wake-up channel between ingestion and
// the dispatch schedulers. Losing a message here only costs latency: the
// dispatch table is durable and polled, so the poll timer is the
// correctness backstop.
package notify

import "context"

// Publisher emits a wake-up for one freshly enqueued dispatch. Delivery is
// at-most-once with no ordering or persistence guarantee.
type Publisher interface {
	Publish(ctx context.Context, consumerID int64, mailID string) error
}

// Subscription is a live per-consumer wake-up stream.
type Subscription interface {
	// C yields mail ids as wake-ups arrive. The channel closes when the
	// subscription dies; the subscriber resubscribes and leans on polling
	// in the meantime.
	C() <-chan string
	Close() error
}

// Subscriber opens wake-up streams scoped to a consumer.
type Subscriber interface {
	Subscribe(ctx context.Context, consumerID int64) (Subscription, error)
}
