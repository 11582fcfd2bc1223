package notify

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/mail-archiver/internal/logger"
)

const channelPrefix = "dispatch.consumer."

// Channel returns the pub/sub channel name for one consumer.
func Channel(consumerID int64) string {
	return channelPrefix + strconv.FormatInt(consumerID, 10)
}

// RedisBus carries wake-ups over redis pub/sub. One channel per consumer,
// mail id as payload.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

var (
	_ Publisher  = (*RedisBus)(nil)
	_ Subscriber = (*RedisBus)(nil)
)

func (b *RedisBus) Publish(ctx context.Context, consumerID int64, mailID string) error {
	return b.rdb.Publish(ctx, Channel(consumerID), mailID).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, consumerID int64) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, Channel(consumerID))
	// force the SUBSCRIBE onto the wire so a dead redis surfaces here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &redisSubscription{ps: ps, ch: make(chan string)}
	go sub.pump(consumerID)
	return sub, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan string
}

func (s *redisSubscription) C() <-chan string { return s.ch }

func (s *redisSubscription) Close() error { return s.ps.Close() }

func (s *redisSubscription) pump(consumerID int64) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- msg.Payload:
		default:
			// scheduler is mid-burst and will re-query anyway; drop
			logger.L().Debug("wake-up dropped",
				zap.Int64("consumer_id", consumerID),
				zap.String("mail_id", msg.Payload))
		}
	}
}
