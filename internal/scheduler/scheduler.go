package scheduler

import (
	"context"
	"errors"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/mail-archiver/internal/backoff"
	"github.com/jmehdipour/mail-archiver/internal/delivery"
	"github.com/jmehdipour/mail-archiver/internal/lock"
	"github.com/jmehdipour/mail-archiver/internal/logger"
	"github.com/jmehdipour/mail-archiver/internal/metrics"
	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmehdipour/mail-archiver/internal/notify"
	"github.com/jmehdipour/mail-archiver/internal/repository"
	"github.com/jmehdipour/mail-archiver/internal/util"
)

const (
	dueLoadRetryWaitSeconds = 1
	dueLoadMaxRetries       = 3
)

// MailLoader is the slice of the archive the scheduler needs: the payload
// for a due dispatch. Satisfied by repository.MailRepositoryImpl.
type MailLoader interface {
	Get(ctx context.Context, id string) (*model.Mail, error)
}

type Config struct {
	PollInterval    time.Duration // poll fallback; the correctness backstop
	DeliveryTimeout time.Duration // per-attempt cap so the lock is always released
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
}

// Scheduler drains one consumer's dispatch queue. It wakes on either a
// pub/sub notification or the poll ticker, takes the consumer's advisory
// lock, delivers the due rows oldest-first, and records each outcome back
// into the queue.
type Scheduler struct {
	ConsumerID int64

	Queue   repository.DispatchesRepository
	Mail    MailLoader
	Deliver delivery.Capability
	Locker  lock.Locker
	Bus     notify.Subscriber
	Audit   repository.CHDeliveriesRepository // optional; nil disables the trail
	Policy  backoff.Policy

	Cfg Config

	now func() time.Time
}

func (s *Scheduler) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// Run blocks until ctx is cancelled. Subscription loss is downgraded to
// polling; only a cancelled context ends the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Cfg.applyDefaults()
	log := logger.L().With(zap.Int64("consumer_id", s.ConsumerID))

	ticker := time.NewTicker(s.Cfg.PollInterval)
	defer ticker.Stop()

	var sub notify.Subscription
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
	}()

	// drain anything that queued up while no scheduler was running
	s.wake(ctx, log)

	for {
		if sub == nil {
			var err error
			if sub, err = s.Bus.Subscribe(ctx, s.ConsumerID); err != nil {
				// polling still covers correctness; try again next tick
				log.Warn("wake-up subscribe failed, polling only", zap.Error(err))
			}
		}

		var wakeups <-chan string
		if sub != nil {
			wakeups = sub.C()
		}

		select {
		case <-ctx.Done():
			log.Debug("scheduler stopping", zap.Error(ctx.Err()))
			return nil

		case _, ok := <-wakeups:
			if !ok {
				_ = sub.Close()
				sub = nil
				log.Warn("wake-up stream lost, resubscribing")
				continue
			}
			s.wake(ctx, log)

		case <-ticker.C:
			s.wake(ctx, log)
		}
	}
}

// wake runs one processing burst. Storage failures are logged and left for
// the next wake-up; nothing here is fatal to the loop.
func (s *Scheduler) wake(ctx context.Context, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	if err := s.processBurst(ctx, log); err != nil && ctx.Err() == nil {
		log.Error("processing burst aborted", zap.Error(err))
	}
}

func (s *Scheduler) processBurst(ctx context.Context, log *zap.Logger) error {
	release, ok, err := s.Locker.TryAcquire(ctx, s.ConsumerID)
	if err != nil {
		return err
	}
	if !ok {
		// another instance is processing this consumer
		log.Debug("consumer lock contended, skipping burst")
		return nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = release(rctx)
	}()

	var due []model.Dispatch
	err = cenkalti.Retry(func() error {
		var err error
		due, err = s.Queue.Due(ctx, s.ConsumerID, s.clock())
		return err
	}, cenkalti.WithContext(
		cenkalti.WithMaxRetries(cenkalti.NewConstantBackOff(dueLoadRetryWaitSeconds*time.Second), dueLoadMaxRetries),
		ctx,
	))
	if err != nil {
		return err
	}

	for _, d := range due {
		// clean in-between point: finish the row in flight, then stop
		if ctx.Err() != nil {
			return nil
		}
		if err := s.attempt(ctx, log, d); err != nil {
			// storage failure; remaining rows stay due and are picked up
			// on the next wake-up
			return err
		}
	}
	return nil
}

// attempt delivers one dispatch and records exactly one of success or
// failure. Only storage errors propagate.
func (s *Scheduler) attempt(ctx context.Context, log *zap.Logger, d model.Dispatch) error {
	mail, err := s.Mail.Get(ctx, d.MailID)
	if err != nil {
		if errors.Is(err, model.ErrMailNotFound) {
			// mail deleted out from under the dispatch; the cascade wins
			log.Warn("due dispatch without mail", zap.String("mail_id", d.MailID))
			return nil
		}
		return err
	}

	attemptedAt := s.clock()

	// the attempt gets its own deadline, detached from shutdown: an
	// in-flight delivery runs to its timeout rather than being abandoned
	dctx, cancel := context.WithTimeout(context.Background(), s.Cfg.DeliveryTimeout)
	deliverErr := s.Deliver.Deliver(dctx, *mail)
	cancel()

	duration := s.clock().Sub(attemptedAt)

	if deliverErr == nil {
		if err := s.Queue.RecordSuccess(ctx, d.ConsumerID, d.MailID); err != nil && !errors.Is(err, model.ErrDispatchNotFound) {
			return err
		}
		metrics.DeliveriesTotal.WithLabelValues("success").Inc()
		s.audit(ctx, log, d, attemptedAt, duration, nil)
		log.Debug("delivered", zap.String("mail_id", d.MailID), zap.Int("attempts", d.Attempts))
		return nil
	}

	// delivery failure is never fatal: reschedule and move on
	wait := s.Policy.Delay(d.Attempts)
	if err := s.Queue.RecordFailure(ctx, d.ConsumerID, d.MailID, attemptedAt, wait); err != nil {
		if errors.Is(err, model.ErrDispatchNotFound) {
			// row acked or consumer deleted mid-attempt
			return nil
		}
		return err
	}
	metrics.DeliveriesTotal.WithLabelValues("failure").Inc()
	s.audit(ctx, log, d, attemptedAt, duration, deliverErr)
	log.Info("delivery failed, rescheduled",
		zap.String("mail_id", d.MailID),
		zap.Int("attempts", d.Attempts+1),
		zap.Duration("backoff", wait),
		zap.Error(deliverErr))
	return nil
}

// audit appends one row to the ClickHouse trail. Best-effort: the queue
// row is the source of truth, the trail is for operators.
func (s *Scheduler) audit(ctx context.Context, log *zap.Logger, d model.Dispatch, attemptedAt time.Time, duration time.Duration, deliverErr error) {
	if s.Audit == nil {
		return
	}
	rec := model.DeliveryRecord{
		ID:          util.NewULID(),
		ConsumerID:  d.ConsumerID,
		MailID:      d.MailID,
		Attempt:     int32(d.Attempts + 1),
		Success:     deliverErr == nil,
		DurationMs:  duration.Milliseconds(),
		AttemptedAt: attemptedAt,
	}
	if deliverErr != nil {
		rec.Error = deliverErr.Error()
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Warn("audit append failed", zap.Error(err))
	}
}
