package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/mail-archiver/internal/model"
)

const pullMailA = "From: Ann <ann@example.org>\r\n" +
	"To: crew@example.org\r\n" +
	"Subject: first\r\n" +
	"Message-Id: <pull-a@example.org>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"\r\n" +
	"first body\r\n"

const pullMailB = "From: Bob <bob@example.org>\r\n" +
	"To: crew@example.org\r\n" +
	"Subject: second\r\n" +
	"Message-Id: <pull-b@example.org>\r\n" +
	"Date: Mon, 02 Jan 2006 16:04:05 +0000\r\n" +
	"\r\n" +
	"second body\r\n"

type staticMailRepo struct {
	mails map[string]model.Mail
}

func (s *staticMailRepo) Insert(context.Context, *sqlx.Tx, model.Mail, []model.Attachment) error {
	return nil
}

func (s *staticMailRepo) Get(_ context.Context, id string) (*model.Mail, error) {
	m, ok := s.mails[id]
	if !ok {
		return nil, model.ErrMailNotFound
	}
	return &m, nil
}

func (s *staticMailRepo) GetForConsumer(ctx context.Context, _ int64, id string) (*model.Mail, error) {
	return s.Get(ctx, id)
}

func (s *staticMailRepo) Attachments(context.Context, string) ([]model.Attachment, error) {
	return nil, nil
}

func (s *staticMailRepo) Attachment(context.Context, int64, string, int) (*model.Attachment, error) {
	return nil, model.ErrMailNotFound
}

type pullCall struct {
	consumerID     int64
	redeliverAfter time.Duration
}

type staticDispatches struct {
	due   []model.Dispatch
	pulls []pullCall
	err   error
}

func (s *staticDispatches) Enqueue(context.Context, *sqlx.Tx, int64, string) (bool, error) {
	return false, nil
}

func (s *staticDispatches) Due(context.Context, int64, time.Time) ([]model.Dispatch, error) {
	return s.due, s.err
}

func (s *staticDispatches) PullDue(_ context.Context, consumerID int64, _ time.Time, redeliverAfter time.Duration) ([]model.Dispatch, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.pulls = append(s.pulls, pullCall{consumerID, redeliverAfter})
	return s.due, nil
}

func (s *staticDispatches) RecordSuccess(context.Context, int64, string) error { return nil }

func (s *staticDispatches) RecordFailure(context.Context, int64, string, time.Time, time.Duration) error {
	return nil
}

func (s *staticDispatches) DeleteForConsumer(context.Context, int64) (int64, error) { return 0, nil }

func pullFixtures() (*staticMailRepo, *staticDispatches) {
	now := time.Now()
	mails := &staticMailRepo{mails: map[string]model.Mail{
		"pull-a@example.org": {ID: "pull-a@example.org", Date: now, Text: "first body\n", Data: []byte(pullMailA)},
		"pull-b@example.org": {ID: "pull-b@example.org", Date: now, Text: "second body\n", Data: []byte(pullMailB)},
	}}
	dispatches := &staticDispatches{due: []model.Dispatch{
		{ConsumerID: 3, MailID: "pull-a@example.org", NextTime: now.Add(time.Hour)},
		{ConsumerID: 3, MailID: "pull-b@example.org", NextTime: now.Add(time.Hour)},
	}}
	return mails, dispatches
}

func doPullRequest(t *testing.T, h echo.HandlerFunc, consumerID int64, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/mail", nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if consumerID != 0 {
		c.Set("consumer_id", consumerID)
	}
	require.NoError(t, h(c))
	return rec
}

func TestListDueMailReturnsBatch(t *testing.T) {
	mails, dispatches := pullFixtures()
	h := listDueMailHandler(mails, dispatches, time.Hour)

	rec := doPullRequest(t, h, 3, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []model.MailResource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.Equal(t, "pull-a@example.org", got[0].ID)
	require.Equal(t, "first", got[0].Subject)
	require.Equal(t, "pull-b@example.org", got[1].ID)

	// every served row was claimed through the rescheduling read
	require.Equal(t, []pullCall{{3, time.Hour}}, dispatches.pulls)
}

func TestListDueMailStreamsNDJSON(t *testing.T) {
	mails, dispatches := pullFixtures()
	h := listDueMailHandler(mails, dispatches, time.Hour)

	rec := doPullRequest(t, h, 3, "application/x-ndjson")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/x-ndjson", rec.Header().Get(echo.HeaderContentType))

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var first model.MailResource
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "pull-a@example.org", first.ID)

	var second model.MailResource
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, "pull-b@example.org", second.ID)
}

func TestListDueMailEmptyQueue(t *testing.T) {
	mails := &staticMailRepo{}
	dispatches := &staticDispatches{}
	h := listDueMailHandler(mails, dispatches, time.Hour)

	rec := doPullRequest(t, h, 3, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestListDueMailSkipsUnloadableRow(t *testing.T) {
	mails, dispatches := pullFixtures()
	delete(mails.mails, "pull-a@example.org")
	h := listDueMailHandler(mails, dispatches, time.Hour)

	rec := doPullRequest(t, h, 3, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []model.MailResource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "pull-b@example.org", got[0].ID)
}

func TestListDueMailDefaultsRedelivery(t *testing.T) {
	mails, dispatches := pullFixtures()
	h := listDueMailHandler(mails, dispatches, 0)

	doPullRequest(t, h, 3, "")
	require.Equal(t, []pullCall{{3, time.Hour}}, dispatches.pulls)
}

func TestListDueMailRejectsAnonymous(t *testing.T) {
	mails, dispatches := pullFixtures()
	h := listDueMailHandler(mails, dispatches, time.Hour)

	rec := doPullRequest(t, h, 0, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, dispatches.pulls)
}
