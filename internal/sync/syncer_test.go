package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/mail-triage/internal/model"
	"github.com/nhle/mail-triage/internal/store"
	appsync "github.com/nhle/mail-triage/internal/sync"
	"github.com/nhle/mail-triage/internal/transport"
	"github.com/nhle/mail-triage/tests/testutil"
)

// stubTransport serves a fixed envelope batch for every fetch.
type stubTransport struct {
	envelopes []transport.Envelope
	fetchErr  error
}

func (s *stubTransport) FetchEnvelopes(_ context.Context, _ model.Account, _ string, _ time.Time, _ int) ([]transport.Envelope, error) {
	return s.envelopes, s.fetchErr
}

func (s *stubTransport) MoveMessage(_ context.Context, _ model.Account, _ uint32, _, _ string) error {
	return nil
}

func (s *stubTransport) MoveToTrash(_ context.Context, _ model.Account, _ uint32, _ string) error {
	return nil
}

func (s *stubTransport) EnsureFolders(_ context.Context, _ model.Account, _ []string) error {
	return nil
}

func (s *stubTransport) FetchBody(_ context.Context, _ model.Account, _ string, _ uint32) (string, error) {
	return "", nil
}

// stubDetector always answers the same way.
type stubDetector struct{ track bool }

func (d stubDetector) ShouldTrack(_ context.Context, _ string) bool { return d.track }

func testAccount(t *testing.T, s *store.SQLiteStore) model.Account {
	t.Helper()
	account := model.Account{
		ID:       "acct-1",
		Name:     "Work",
		Email:    "me@example.com",
		Username: "me@example.com",
	}
	require.NoError(t, s.UpsertAccount(context.Background(), account))
	return account
}

func TestSyncAccountThreadsReplies(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := testAccount(t, s)

	mail := &stubTransport{envelopes: []transport.Envelope{{
		MessageID: "<root@example.com>",
		Subject:   "kickoff",
		FromAddr:  "alice@corp.example.com",
		Date:      time.Now().UTC().Add(-time.Hour),
	}}}
	syncer := appsync.NewSyncer(s, mail, nil, model.SyncConfig{FetchWindowDays: 7}, zap.NewNop())

	newIDs, err := syncer.SyncAccount(ctx, account)
	require.NoError(t, err)
	require.Len(t, newIDs, 1)

	// The next pass carries the root again plus a reply. Only the reply is
	// new, and it joins the thread rooted at the parent's message id.
	mail.envelopes = append(mail.envelopes, transport.Envelope{
		MessageID: "<reply@example.com>",
		Subject:   "Re: kickoff",
		FromAddr:  "bob@corp.example.com",
		InReplyTo: "<root@example.com>",
		Date:      time.Now().UTC(),
	})

	newIDs, err = syncer.SyncAccount(ctx, account)
	require.NoError(t, err)
	require.Len(t, newIDs, 1)

	reply, err := s.GetEmailByMessageID(ctx, "<reply@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "<root@example.com>", reply.ThreadID)

	threads, err := s.ThreadedList(ctx, account.ID, reply.FolderID)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 2, threads[0].MessageCount)
}

func TestSyncAccountClearsAwaitingOnReply(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := testAccount(t, s)

	sent, err := s.EnsureFolder(ctx, account.ID, "Sent", "sent")
	require.NoError(t, err)
	ids, err := s.InsertEmails(ctx, []model.Email{{
		MessageID: "<question@example.com>",
		AccountID: account.ID,
		FolderID:  sent.ID,
		Date:      time.Now().UTC().Add(-24 * time.Hour),
	}})
	require.NoError(t, err)
	require.NoError(t, s.MarkAwaiting(ctx, ids[0], time.Now().UTC().Add(-24*time.Hour)))

	mail := &stubTransport{envelopes: []transport.Envelope{{
		MessageID: "<answer@example.com>",
		Subject:   "Re: question",
		FromAddr:  "carol@corp.example.com",
		InReplyTo: "<question@example.com>",
		Date:      time.Now().UTC(),
	}}}
	syncer := appsync.NewSyncer(s, mail, nil, model.SyncConfig{FetchWindowDays: 7}, zap.NewNop())

	_, err = syncer.SyncAccount(ctx, account)
	require.NoError(t, err)

	e, err := s.GetEmail(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, e.AwaitingReply)
}

func TestRecordOutgoing(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := testAccount(t, s)

	syncer := appsync.NewSyncer(s, &stubTransport{}, stubDetector{track: true},
		model.SyncConfig{}, zap.NewNop())

	id, err := syncer.RecordOutgoing(ctx, account, model.Email{
		MessageID: "<out@example.com>",
		Subject:   "status",
		FromAddr:  "me@example.com",
		Date:      time.Now().UTC(),
	}, "Could you take a look?")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e, err := s.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.True(t, e.IsRead)
	assert.True(t, e.AwaitingReply)
	require.NotNil(t, e.AwaitingReplySince)

	folder, err := s.GetFolder(ctx, e.FolderID)
	require.NoError(t, err)
	assert.Equal(t, "sent", folder.Role)

	// Recording the same message twice is a no-op.
	dup, err := syncer.RecordOutgoing(ctx, account, model.Email{
		MessageID: "<out@example.com>",
		Date:      time.Now().UTC(),
	}, "Could you take a look?")
	require.NoError(t, err)
	assert.Empty(t, dup)
}

func TestRecordOutgoingNotTracked(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := testAccount(t, s)

	syncer := appsync.NewSyncer(s, &stubTransport{}, stubDetector{track: false},
		model.SyncConfig{}, zap.NewNop())

	id, err := syncer.RecordOutgoing(ctx, account, model.Email{
		MessageID: "<fyi@example.com>",
		Date:      time.Now().UTC(),
	}, "FYI, shipped.")
	require.NoError(t, err)

	e, err := s.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.False(t, e.AwaitingReply)
}
