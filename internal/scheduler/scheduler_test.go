package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/mail-archiver/internal/delivery"
	"github.com/jmehdipour/mail-archiver/internal/lock"
	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmehdipour/mail-archiver/internal/notify"
)

// fakeQueue is an in-memory dispatch table keyed by mail id, scoped to one
// consumer.
type fakeQueue struct {
	mu       sync.Mutex
	rows     map[string]model.Dispatch
	dueErr   error
	succErr  error
	failures []time.Duration
}

func newFakeQueue(mailIDs ...string) *fakeQueue {
	q := &fakeQueue{rows: make(map[string]model.Dispatch)}
	for _, id := range mailIDs {
		q.rows[id] = model.Dispatch{ConsumerID: 1, MailID: id, NextTime: time.Now().Add(-time.Minute)}
	}
	return q
}

func (q *fakeQueue) Enqueue(_ context.Context, _ *sqlx.Tx, consumerID int64, mailID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.rows[mailID]; ok {
		return false, nil
	}
	q.rows[mailID] = model.Dispatch{ConsumerID: consumerID, MailID: mailID, NextTime: time.Now()}
	return true, nil
}

func (q *fakeQueue) DeleteForConsumer(context.Context, int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(q.rows))
	q.rows = make(map[string]model.Dispatch)
	return n, nil
}

func (q *fakeQueue) Due(_ context.Context, _ int64, at time.Time) ([]model.Dispatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dueErr != nil {
		return nil, q.dueErr
	}
	var due []model.Dispatch
	for _, d := range q.rows {
		if d.Due(at) {
			due = append(due, d)
		}
	}
	return due, nil
}

func (q *fakeQueue) PullDue(_ context.Context, _ int64, at time.Time, redeliverAfter time.Duration) ([]model.Dispatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []model.Dispatch
	for id, d := range q.rows {
		if d.Due(at) {
			d.LastTime = &at
			d.NextTime = at.Add(redeliverAfter)
			q.rows[id] = d
			due = append(due, d)
		}
	}
	return due, nil
}

func (q *fakeQueue) RecordSuccess(_ context.Context, _ int64, mailID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.succErr != nil {
		return q.succErr
	}
	if _, ok := q.rows[mailID]; !ok {
		return model.ErrDispatchNotFound
	}
	delete(q.rows, mailID)
	return nil
}

func (q *fakeQueue) RecordFailure(_ context.Context, _ int64, mailID string, attemptedAt time.Time, backoff time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if backoff <= 0 {
		return model.ErrBackoffTooSmall
	}
	d, ok := q.rows[mailID]
	if !ok {
		return model.ErrDispatchNotFound
	}
	at := attemptedAt
	d.LastTime = &at
	d.NextTime = attemptedAt.Add(backoff)
	d.Attempts++
	q.rows[mailID] = d
	q.failures = append(q.failures, backoff)
	return nil
}

func (q *fakeQueue) remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rows)
}

func (q *fakeQueue) row(mailID string) (model.Dispatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.rows[mailID]
	return d, ok
}

type fakeMailStore struct {
	mails map[string]model.Mail
}

func (s *fakeMailStore) Get(_ context.Context, id string) (*model.Mail, error) {
	m, ok := s.mails[id]
	if !ok {
		return nil, model.ErrMailNotFound
	}
	return &m, nil
}

func mailStore(ids ...string) *fakeMailStore {
	s := &fakeMailStore{mails: make(map[string]model.Mail)}
	for _, id := range ids {
		s.mails[id] = model.Mail{ID: id, Date: time.Now(), Text: "body"}
	}
	return s
}

// fakeBus hands out one controllable subscription per Subscribe call.
type fakeBus struct {
	mu      sync.Mutex
	subs    []chan string
	failSub bool
}

func (b *fakeBus) Subscribe(context.Context, int64) (notify.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSub {
		return nil, errors.New("bus unavailable")
	}
	ch := make(chan string, 8)
	b.subs = append(b.subs, ch)
	return &fakeSub{ch: ch}, nil
}

func (b *fakeBus) wake(mailID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		ch <- mailID
	}
}

type fakeSub struct {
	ch   chan string
	once sync.Once
}

func (s *fakeSub) C() <-chan string { return s.ch }
func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

type fixedPolicy struct{ d time.Duration }

func (p fixedPolicy) Delay(int) time.Duration { return p.d }

func countingCapability(errs ...error) (delivery.Capability, *int32) {
	var mu sync.Mutex
	var calls int32
	i := 0
	return delivery.Func(func(context.Context, model.Mail) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if i < len(errs) {
			err := errs[i]
			i++
			return err
		}
		return nil
	}), &calls
}

func newTestScheduler(q *fakeQueue, mails *fakeMailStore, cap delivery.Capability, locker lock.Locker) *Scheduler {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Scheduler{
		ConsumerID: 1,
		Queue:      q,
		Mail:       mails,
		Deliver:    cap,
		Locker:     locker,
		Policy:     fixedPolicy{time.Minute},
		Cfg: Config{
			PollInterval:    50 * time.Millisecond,
			DeliveryTimeout: time.Second,
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSchedulerDrainsOnStartup(t *testing.T) {
	q := newFakeQueue("m1", "m2")
	cap, calls := countingCapability()
	s := newTestScheduler(q, mailStore("m1", "m2"), cap, nil)
	s.Bus = &fakeBus{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	waitFor(t, func() bool { return q.remaining() == 0 })
	require.Equal(t, int32(2), *calls)

	cancel()
	<-done
}

func TestSchedulerWakesOnNotification(t *testing.T) {
	q := newFakeQueue()
	bus := &fakeBus{}
	cap, _ := countingCapability()
	s := newTestScheduler(q, mailStore("m1"), cap, nil)
	s.Bus = bus
	s.Cfg.PollInterval = time.Hour // notification is the only trigger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	waitFor(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs) > 0
	})

	// enqueue after startup, then deliver the wake-up
	q.mu.Lock()
	q.rows["m1"] = model.Dispatch{ConsumerID: 1, MailID: "m1", NextTime: time.Now().Add(-time.Second)}
	q.mu.Unlock()
	bus.wake("m1")

	waitFor(t, func() bool { return q.remaining() == 0 })

	cancel()
	<-done
}

func TestSchedulerPollsWhenBusDown(t *testing.T) {
	q := newFakeQueue()
	cap, _ := countingCapability()
	s := newTestScheduler(q, mailStore("m1"), cap, nil)
	s.Bus = &fakeBus{failSub: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	q.mu.Lock()
	q.rows["m1"] = model.Dispatch{ConsumerID: 1, MailID: "m1", NextTime: time.Now().Add(-time.Second)}
	q.mu.Unlock()

	// only the poll ticker can find the row
	waitFor(t, func() bool { return q.remaining() == 0 })

	cancel()
	<-done
}

func TestSchedulerReschedulesOnFailure(t *testing.T) {
	q := newFakeQueue("m1")
	cap, calls := countingCapability(errors.New("endpoint 503"))
	s := newTestScheduler(q, mailStore("m1"), cap, nil)

	require.NoError(t, s.processBurst(context.Background(), zap.NewNop()))

	require.Equal(t, int32(1), *calls)
	require.Equal(t, []time.Duration{time.Minute}, q.failures)

	d, ok := q.row("m1")
	require.True(t, ok)
	require.Equal(t, 1, d.Attempts)
	require.NotNil(t, d.LastTime)
	require.True(t, d.NextTime.After(*d.LastTime))

	// the row is no longer due, so a second burst is a no-op
	require.NoError(t, s.processBurst(context.Background(), zap.NewNop()))
	require.Equal(t, int32(1), *calls)
}

func TestSchedulerFailThenSucceed(t *testing.T) {
	q := newFakeQueue("m1")
	cap, calls := countingCapability(errors.New("endpoint 503"))
	s := newTestScheduler(q, mailStore("m1"), cap, nil)
	s.Policy = fixedPolicy{time.Millisecond}

	require.NoError(t, s.processBurst(context.Background(), zap.NewNop()))
	require.Equal(t, 1, q.remaining())

	time.Sleep(5 * time.Millisecond) // let the backoff elapse

	require.NoError(t, s.processBurst(context.Background(), zap.NewNop()))
	require.Equal(t, 0, q.remaining())
	require.Equal(t, int32(2), *calls)
}

func TestSchedulerLockContentionSkipsBurst(t *testing.T) {
	q := newFakeQueue("m1")
	cap, calls := countingCapability()
	locker := lock.NewMemoryLocker()
	s := newTestScheduler(q, mailStore("m1"), cap, locker)

	release, ok, err := locker.TryAcquire(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	// held elsewhere: the burst is a silent no-op
	require.NoError(t, s.processBurst(context.Background(), zap.NewNop()))
	require.Equal(t, int32(0), *calls)
	require.Equal(t, 1, q.remaining())

	require.NoError(t, release(context.Background()))

	require.NoError(t, s.processBurst(context.Background(), zap.NewNop()))
	require.Equal(t, int32(1), *calls)
	require.Equal(t, 0, q.remaining())
}

func TestSchedulerSkipsDispatchWithoutMail(t *testing.T) {
	q := newFakeQueue("ghost")
	cap, calls := countingCapability()
	s := newTestScheduler(q, mailStore(), cap, nil)

	require.NoError(t, s.processBurst(context.Background(), zap.NewNop()))
	require.Equal(t, int32(0), *calls)
	// the row stays; the cascade or a later enqueue decides its fate
	require.Equal(t, 1, q.remaining())
}

func TestSchedulerToleratesAckedRow(t *testing.T) {
	q := newFakeQueue("m1")
	q.succErr = model.ErrDispatchNotFound
	cap, _ := countingCapability()
	s := newTestScheduler(q, mailStore("m1"), cap, nil)

	// consumer acked over HTTP mid-attempt; not an error
	require.NoError(t, s.processBurst(context.Background(), zap.NewNop()))
}

func TestSchedulerStorageFailureAbortsBurst(t *testing.T) {
	q := newFakeQueue("m1", "m2")
	q.succErr = errors.New("pg down")
	cap, calls := countingCapability()
	s := newTestScheduler(q, mailStore("m1", "m2"), cap, nil)

	err := s.processBurst(context.Background(), zap.NewNop())
	require.Error(t, err)
	// first attempt hit the storage failure; the second row was not touched
	require.Equal(t, int32(1), *calls)
	require.Equal(t, 2, q.remaining())
}

func TestTwoSchedulersNeverDoubleDeliver(t *testing.T) {
	q := newFakeQueue("m1", "m2", "m3")
	locker := lock.NewMemoryLocker()

	var mu sync.Mutex
	delivered := make(map[string]int)
	slow := delivery.Func(func(_ context.Context, m model.Mail) error {
		time.Sleep(10 * time.Millisecond) // widen the race window
		mu.Lock()
		delivered[m.ID]++
		mu.Unlock()
		return nil
	})

	s1 := newTestScheduler(q, mailStore("m1", "m2", "m3"), slow, locker)
	s2 := newTestScheduler(q, mailStore("m1", "m2", "m3"), slow, locker)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{s1, s2} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			require.NoError(t, s.processBurst(context.Background(), zap.NewNop()))
		}(s)
	}
	wg.Wait()

	// one burst won the lock and drained everything; the other was a no-op
	require.Equal(t, 0, q.remaining())
	for id, n := range delivered {
		require.Equal(t, 1, n, "mail %s delivered %d times", id, n)
	}
	require.Len(t, delivered, 3)
}

func TestSchedulerStopsBetweenRows(t *testing.T) {
	q := newFakeQueue("m1", "m2")
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	cap := delivery.Func(func(context.Context, model.Mail) error {
		calls++
		cancel() // shutdown arrives while the first delivery is in flight
		return nil
	})
	s := newTestScheduler(q, mailStore("m1", "m2"), cap, nil)

	require.NoError(t, s.processBurst(ctx, zap.NewNop()))
	// the in-flight row finished, the rest wait for the next scheduler
	require.Equal(t, int32(1), calls)
	require.Equal(t, 1, q.remaining())
}
