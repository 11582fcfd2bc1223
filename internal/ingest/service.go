// Package ingest archives raw mail and fans it out to interested
// consumers. This is the only write path that creates dispatch rows other
// than retry bookkeeping.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/mail-archiver/internal/logger"
	"github.com/jmehdipour/mail-archiver/internal/metrics"
	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmehdipour/mail-archiver/internal/notify"
	"github.com/jmehdipour/mail-archiver/internal/repository"
)

// InterestPolicy decides which registered consumers receive a mail. The
// rule is deliberately external to the queue; the default subscribes
// everyone to everything.
type InterestPolicy func(mail model.Mail, consumers []model.Consumer) []model.Consumer

// AllConsumers is the default interest policy.
func AllConsumers(_ model.Mail, consumers []model.Consumer) []model.Consumer {
	return consumers
}

// Service atomically persists a mail with its attachments and the dispatch
// fan-out, then fires the best-effort wake-ups after commit.
type Service struct {
	db         *sqlx.DB
	mail       repository.MailRepository
	consumers  repository.ConsumersRepository
	dispatches repository.DispatchesRepository
	publisher  notify.Publisher
	interest   InterestPolicy
}

func New(
	db *sqlx.DB,
	mailRepo repository.MailRepository,
	consumersRepo repository.ConsumersRepository,
	dispatchesRepo repository.DispatchesRepository,
	publisher notify.Publisher,
	interest InterestPolicy,
) *Service {
	if interest == nil {
		interest = AllConsumers
	}
	return &Service{
		db:         db,
		mail:       mailRepo,
		consumers:  consumersRepo,
		dispatches: dispatchesRepo,
		publisher:  publisher,
		interest:   interest,
	}
}

// Archive parses raw RFC 5322 bytes, stores the mail, and enqueues one
// dispatch per interested consumer in a single transaction. Returns the
// archived mail id. Re-archiving a known Message-Id is rejected with
// model.ErrDuplicateMail.
func (s *Service) Archive(ctx context.Context, raw []byte) (string, error) {
	m, attachments, err := LoadMail(raw)
	if err != nil {
		return "", err
	}

	consumers, err := s.consumers.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list consumers: %w", err)
	}
	interested := s.interest(m, consumers)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.mail.Insert(ctx, tx, m, attachments); err != nil {
		return "", err
	}

	// fresh holds the consumers whose dispatch row was actually created;
	// only those get a wake-up after commit
	fresh := make([]int64, 0, len(interested))
	for _, c := range interested {
		inserted, err := s.dispatches.Enqueue(ctx, tx, c.ID, m.ID)
		if err != nil {
			// a consumer deregistered between List and Enqueue must not
			// sink the whole archive; the rest of the fan-out stands
			if errors.Is(err, model.ErrConsumerNotFound) {
				logger.L().Warn("skipping vanished consumer",
					zap.Int64("consumer_id", c.ID),
					zap.String("mail_id", m.ID))
				continue
			}
			return "", fmt.Errorf("enqueue consumer %d: %w", c.ID, err)
		}
		if inserted {
			fresh = append(fresh, c.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	metrics.MailArchivedTotal.Inc()
	metrics.DispatchesEnqueuedTotal.Add(float64(len(fresh)))

	// post-commit hook: the durable rows exist, the notify leg is pure
	// latency optimization and must not fail the archive
	s.notifyAll(ctx, fresh, m.ID)

	logger.L().Info("mail archived",
		zap.String("mail_id", m.ID),
		zap.Int("attachments", len(attachments)),
		zap.Int("dispatches", len(fresh)))

	return m.ID, nil
}

// Enqueue re-queues one (consumer, mail) pair outside the archive path,
// firing the wake-up when a fresh row was created.
func (s *Service) Enqueue(ctx context.Context, consumerID int64, mailID string) error {
	inserted, err := s.dispatches.Enqueue(ctx, nil, consumerID, mailID)
	if err != nil {
		return err
	}
	if inserted {
		metrics.DispatchesEnqueuedTotal.Inc()
		s.notifyAll(ctx, []int64{consumerID}, mailID)
	}
	return nil
}

func (s *Service) notifyAll(ctx context.Context, consumerIDs []int64, mailID string) {
	if s.publisher == nil {
		return
	}
	for _, id := range consumerIDs {
		if err := s.publisher.Publish(ctx, id, mailID); err != nil {
			metrics.NotifyErrorsTotal.Inc()
			logger.L().Warn("wake-up publish failed, scheduler will poll",
				zap.Int64("consumer_id", id),
				zap.String("mail_id", mailID),
				zap.Error(err))
		}
	}
}

// IsDuplicate reports whether err is the duplicate-archive rejection, for
// fronts that want to treat re-delivery of a known mail as success.
func IsDuplicate(err error) bool {
	return errors.Is(err, model.ErrDuplicateMail)
}
