package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/mail-archiver/internal/model"
)

type fakeMailRepo struct {
	inserted []model.Mail
	err      error
}

func (f *fakeMailRepo) Insert(_ context.Context, _ *sqlx.Tx, m model.Mail, _ []model.Attachment) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, m)
	return nil
}

func (f *fakeMailRepo) Get(context.Context, string) (*model.Mail, error) {
	return nil, model.ErrMailNotFound
}

func (f *fakeMailRepo) GetForConsumer(context.Context, int64, string) (*model.Mail, error) {
	return nil, model.ErrMailNotFound
}

func (f *fakeMailRepo) Attachments(context.Context, string) ([]model.Attachment, error) {
	return nil, nil
}

func (f *fakeMailRepo) Attachment(context.Context, int64, string, int) (*model.Attachment, error) {
	return nil, model.ErrMailNotFound
}

type fakeConsumersRepo struct {
	consumers []model.Consumer
}

func (f *fakeConsumersRepo) Create(context.Context, string, *string) (int64, error) { return 0, nil }

func (f *fakeConsumersRepo) Get(_ context.Context, id int64) (*model.Consumer, error) {
	for i := range f.consumers {
		if f.consumers[i].ID == id {
			return &f.consumers[i], nil
		}
	}
	return nil, model.ErrConsumerNotFound
}

func (f *fakeConsumersRepo) List(context.Context) ([]model.Consumer, error) {
	return f.consumers, nil
}

func (f *fakeConsumersRepo) Delete(context.Context, int64) error { return nil }

type enqueueCall struct {
	consumerID int64
	mailID     string
}

type fakeDispatchesRepo struct {
	calls    []enqueueCall
	existing map[int64]bool // consumer ids whose row already exists
	vanished map[int64]bool // consumer ids deleted since List
	err      error
}

func (f *fakeDispatchesRepo) Enqueue(_ context.Context, _ *sqlx.Tx, consumerID int64, mailID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.vanished[consumerID] {
		return false, fmt.Errorf("enqueue: %w", model.ErrConsumerNotFound)
	}
	f.calls = append(f.calls, enqueueCall{consumerID, mailID})
	return !f.existing[consumerID], nil
}

func (f *fakeDispatchesRepo) Due(context.Context, int64, time.Time) ([]model.Dispatch, error) {
	return nil, nil
}

func (f *fakeDispatchesRepo) PullDue(context.Context, int64, time.Time, time.Duration) ([]model.Dispatch, error) {
	return nil, nil
}

func (f *fakeDispatchesRepo) RecordSuccess(context.Context, int64, string) error { return nil }

func (f *fakeDispatchesRepo) RecordFailure(context.Context, int64, string, time.Time, time.Duration) error {
	return nil
}

func (f *fakeDispatchesRepo) DeleteForConsumer(context.Context, int64) (int64, error) { return 0, nil }

type fakePublisher struct {
	published []enqueueCall
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, consumerID int64, mailID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, enqueueCall{consumerID, mailID})
	return nil
}

func newServiceDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()
	return sqlx.NewDb(db, "postgres")
}

func TestArchiveFansOutToAllConsumers(t *testing.T) {
	mailRepo := &fakeMailRepo{}
	consumersRepo := &fakeConsumersRepo{consumers: []model.Consumer{
		{ID: 1, Name: "indexer"},
		{ID: 2, Name: "spam-filter"},
	}}
	dispatchesRepo := &fakeDispatchesRepo{}
	pub := &fakePublisher{}

	svc := New(newServiceDB(t), mailRepo, consumersRepo, dispatchesRepo, pub, nil)

	id, err := svc.Archive(context.Background(), []byte(simpleMail))
	require.NoError(t, err)
	require.Equal(t, "plain-1@example.org", id)

	require.Len(t, mailRepo.inserted, 1)
	require.Equal(t, []enqueueCall{
		{1, "plain-1@example.org"},
		{2, "plain-1@example.org"},
	}, dispatchesRepo.calls)
	require.Equal(t, dispatchesRepo.calls, pub.published)
}

func TestArchiveNotifiesOnlyFreshRows(t *testing.T) {
	mailRepo := &fakeMailRepo{}
	consumersRepo := &fakeConsumersRepo{consumers: []model.Consumer{
		{ID: 1, Name: "indexer"},
		{ID: 2, Name: "spam-filter"},
	}}
	dispatchesRepo := &fakeDispatchesRepo{existing: map[int64]bool{1: true}}
	pub := &fakePublisher{}

	svc := New(newServiceDB(t), mailRepo, consumersRepo, dispatchesRepo, pub, nil)

	_, err := svc.Archive(context.Background(), []byte(simpleMail))
	require.NoError(t, err)

	require.Len(t, dispatchesRepo.calls, 2)
	require.Equal(t, []enqueueCall{{2, "plain-1@example.org"}}, pub.published)
}

func TestArchiveInterestPolicyFilters(t *testing.T) {
	mailRepo := &fakeMailRepo{}
	consumersRepo := &fakeConsumersRepo{consumers: []model.Consumer{
		{ID: 1, Name: "indexer"},
		{ID: 2, Name: "spam-filter"},
		{ID: 3, Name: "compliance"},
	}}
	dispatchesRepo := &fakeDispatchesRepo{}

	onlyOdd := func(_ model.Mail, consumers []model.Consumer) []model.Consumer {
		var out []model.Consumer
		for _, c := range consumers {
			if c.ID%2 == 1 {
				out = append(out, c)
			}
		}
		return out
	}

	svc := New(newServiceDB(t), mailRepo, consumersRepo, dispatchesRepo, &fakePublisher{}, onlyOdd)

	_, err := svc.Archive(context.Background(), []byte(simpleMail))
	require.NoError(t, err)

	require.Equal(t, []enqueueCall{
		{1, "plain-1@example.org"},
		{3, "plain-1@example.org"},
	}, dispatchesRepo.calls)
}

func TestArchiveSurvivesNotifyFailure(t *testing.T) {
	mailRepo := &fakeMailRepo{}
	consumersRepo := &fakeConsumersRepo{consumers: []model.Consumer{{ID: 1, Name: "indexer"}}}
	dispatchesRepo := &fakeDispatchesRepo{}
	pub := &fakePublisher{err: errors.New("redis down")}

	svc := New(newServiceDB(t), mailRepo, consumersRepo, dispatchesRepo, pub, nil)

	_, err := svc.Archive(context.Background(), []byte(simpleMail))
	require.NoError(t, err)
	require.Len(t, dispatchesRepo.calls, 1)
}

func TestArchiveSkipsVanishedConsumer(t *testing.T) {
	mailRepo := &fakeMailRepo{}
	consumersRepo := &fakeConsumersRepo{consumers: []model.Consumer{
		{ID: 1, Name: "indexer"},
		{ID: 2, Name: "spam-filter"},
		{ID: 3, Name: "compliance"},
	}}
	dispatchesRepo := &fakeDispatchesRepo{vanished: map[int64]bool{2: true}}
	pub := &fakePublisher{}

	svc := New(newServiceDB(t), mailRepo, consumersRepo, dispatchesRepo, pub, nil)

	// consumer 2 was deleted between List and Enqueue; the archive and the
	// remaining fan-out must still go through
	id, err := svc.Archive(context.Background(), []byte(simpleMail))
	require.NoError(t, err)
	require.Equal(t, "plain-1@example.org", id)

	require.Equal(t, []enqueueCall{
		{1, "plain-1@example.org"},
		{3, "plain-1@example.org"},
	}, dispatchesRepo.calls)
	require.Equal(t, dispatchesRepo.calls, pub.published)
}

func TestArchiveRejectsDuplicate(t *testing.T) {
	mailRepo := &fakeMailRepo{err: model.ErrDuplicateMail}
	consumersRepo := &fakeConsumersRepo{}
	dispatchesRepo := &fakeDispatchesRepo{}

	svc := New(newServiceDB(t), mailRepo, consumersRepo, dispatchesRepo, &fakePublisher{}, nil)

	_, err := svc.Archive(context.Background(), []byte(simpleMail))
	require.True(t, IsDuplicate(err))
	require.Empty(t, dispatchesRepo.calls)
}

func TestArchiveRejectsUnparseable(t *testing.T) {
	svc := New(newServiceDB(t), &fakeMailRepo{}, &fakeConsumersRepo{}, &fakeDispatchesRepo{}, &fakePublisher{}, nil)

	_, err := svc.Archive(context.Background(), []byte("not a mail"))
	require.Error(t, err)
}

func TestEnqueueSinglePair(t *testing.T) {
	dispatchesRepo := &fakeDispatchesRepo{}
	pub := &fakePublisher{}

	svc := New(newServiceDB(t), &fakeMailRepo{}, &fakeConsumersRepo{}, dispatchesRepo, pub, nil)

	require.NoError(t, svc.Enqueue(context.Background(), 5, "plain-1@example.org"))
	require.Equal(t, []enqueueCall{{5, "plain-1@example.org"}}, dispatchesRepo.calls)
	require.Equal(t, dispatchesRepo.calls, pub.published)
}

func TestEnqueueExistingPairNoNotify(t *testing.T) {
	dispatchesRepo := &fakeDispatchesRepo{existing: map[int64]bool{5: true}}
	pub := &fakePublisher{}

	svc := New(newServiceDB(t), &fakeMailRepo{}, &fakeConsumersRepo{}, dispatchesRepo, pub, nil)

	require.NoError(t, svc.Enqueue(context.Background(), 5, "plain-1@example.org"))
	require.Empty(t, pub.published)
}
