package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/mail-archiver/internal/ingest"
	"github.com/jmehdipour/mail-archiver/internal/kafka"
	"github.com/jmehdipour/mail-archiver/internal/logger"
)

// ArchiverKafka consumes raw RFC 5322 payloads from the inbound topic and
// feeds them through the ingest service. At-least-once: a message is
// committed only after the archive transaction lands (or the mail turns
// out to be a duplicate of one that already did).
type ArchiverKafka struct {
	Consumer *kafka.Consumer
	Ingest   *ingest.Service
}

func NewArchiverKafka(consumer *kafka.Consumer, svc *ingest.Service) *ArchiverKafka {
	return &ArchiverKafka{Consumer: consumer, Ingest: svc}
}

// Run blocks until ctx is cancelled.
func (w *ArchiverKafka) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m, err := w.Consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.L().Error("kafka fetch failed", zap.Error(err))
			time.Sleep(200 * time.Millisecond)
			continue
		}

		id, err := w.Ingest.Archive(ctx, m.Value)
		switch {
		case err == nil:
			logger.L().Debug("archived from kafka", zap.String("mail_id", id))
		case ingest.IsDuplicate(err):
			// redelivery of an archived mail; fall through to commit
			logger.L().Debug("duplicate mail from kafka")
		default:
			// leave the offset uncommitted; the message is retried after
			// rebalance/restart
			logger.L().Error("archive from kafka failed", zap.Error(err))
			time.Sleep(200 * time.Millisecond)
			continue
		}

		if err := w.Consumer.Commit(ctx, m); err != nil && ctx.Err() == nil {
			logger.L().Error("kafka commit failed", zap.Error(err))
		}
	}
}
