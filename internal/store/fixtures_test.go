package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-triage/internal/model"
	"github.com/nhle/mail-triage/internal/store"
	"github.com/nhle/mail-triage/tests/testutil"
)

// seedMailbox creates one account with an inbox folder and returns their IDs.
func seedMailbox(t *testing.T, s *store.SQLiteStore) (accountID, folderID string) {
	t.Helper()
	ctx := context.Background()

	account := model.Account{
		ID:       "acct-1",
		Name:     "Work",
		Email:    "me@example.com",
		IMAPHost: "imap.example.com",
		IMAPPort: "993",
		Username: "me@example.com",
		UseTLS:   true,
	}
	require.NoError(t, s.UpsertAccount(ctx, account))

	inbox, err := s.EnsureFolder(ctx, account.ID, "INBOX", "inbox")
	require.NoError(t, err)

	return account.ID, inbox.ID
}

// seedEmail inserts one email and returns its row ID.
func seedEmail(t *testing.T, s *store.SQLiteStore, e model.Email) string {
	t.Helper()

	if e.Date.IsZero() {
		e.Date = time.Now().UTC()
	}
	ids, err := s.InsertEmails(context.Background(), []model.Email{e})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	return testutil.NewTestStore(t)
}
