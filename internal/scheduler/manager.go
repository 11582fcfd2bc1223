package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/mail-archiver/internal/backoff"
	"github.com/jmehdipour/mail-archiver/internal/delivery"
	"github.com/jmehdipour/mail-archiver/internal/lock"
	"github.com/jmehdipour/mail-archiver/internal/logger"
	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmehdipour/mail-archiver/internal/notify"
	"github.com/jmehdipour/mail-archiver/internal/repository"
)

// CapabilityFactory builds the delivery capability for one consumer.
// Consumers without a usable target get nil and no scheduler.
type CapabilityFactory func(c model.Consumer) delivery.Capability

// Manager keeps one Scheduler goroutine per registered consumer, and
// reconciles the running set against the registry on a refresh interval so
// created/deleted consumers are picked up without a restart.
type Manager struct {
	Consumers repository.ConsumersRepository
	Queue     repository.DispatchesRepository
	Mail      MailLoader
	Locker    lock.Locker
	Bus       notify.Subscriber
	Audit     repository.CHDeliveriesRepository
	Policy    backoff.Policy
	Factory   CapabilityFactory

	Cfg             Config
	RefreshInterval time.Duration

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// Run blocks until ctx is cancelled, then waits for every scheduler to
// finish its in-flight burst.
func (m *Manager) Run(ctx context.Context) error {
	if m.RefreshInterval <= 0 {
		m.RefreshInterval = 15 * time.Second
	}
	m.running = make(map[int64]context.CancelFunc)

	if err := m.reconcile(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return nil
		case <-ticker.C:
			if err := m.reconcile(ctx); err != nil {
				logger.L().Error("consumer reconcile failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) error {
	consumers, err := m.Consumers.List(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]bool, len(consumers))
	for _, c := range consumers {
		seen[c.ID] = true
		if _, ok := m.running[c.ID]; ok {
			continue
		}
		cap := m.Factory(c)
		if cap == nil {
			continue
		}
		m.start(ctx, c, cap)
	}

	// stop schedulers for deleted consumers
	for id, cancel := range m.running {
		if !seen[id] {
			logger.L().Info("consumer gone, stopping scheduler", zap.Int64("consumer_id", id))
			cancel()
			delete(m.running, id)
		}
	}
	return nil
}

func (m *Manager) start(ctx context.Context, c model.Consumer, cap delivery.Capability) {
	sctx, cancel := context.WithCancel(ctx)
	m.running[c.ID] = cancel

	s := &Scheduler{
		ConsumerID: c.ID,
		Queue:      m.Queue,
		Mail:       m.Mail,
		Deliver:    cap,
		Locker:     m.Locker,
		Bus:        m.Bus,
		Audit:      m.Audit,
		Policy:     m.Policy,
		Cfg:        m.Cfg,
	}

	logger.L().Info("starting scheduler",
		zap.Int64("consumer_id", c.ID), zap.String("name", c.Name))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = s.Run(sctx)
	}()
}
