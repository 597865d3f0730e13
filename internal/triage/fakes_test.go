package triage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/mail-triage/internal/ai"
	"github.com/nhle/mail-triage/internal/model"
	"github.com/nhle/mail-triage/internal/store"
	"github.com/nhle/mail-triage/internal/transport"
	"github.com/nhle/mail-triage/internal/triage"
	"github.com/nhle/mail-triage/tests/testutil"
)

// fakeModel serves canned classification verdicts in order; the last one
// repeats once the queue drains. Safe for concurrent workers.
type fakeModel struct {
	mu            sync.Mutex
	verdicts      []*ai.ClassifyResult
	classifyErr   error
	classifyCalls int

	// block, when set, holds every Classify call until it is closed or the
	// context is cancelled.
	block chan struct{}

	lastContext ai.EmailContext

	reply         string
	generateErr   error
	generateCalls int
}

func (f *fakeModel) Classify(ctx context.Context, ec ai.EmailContext) (*ai.ClassifyResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastContext = ec
	f.classifyCalls++
	if f.classifyErr != nil {
		return nil, f.classifyErr
	}
	if len(f.verdicts) == 0 {
		return &ai.ClassifyResult{Folder: "Archive", Confidence: 0.9}, nil
	}
	v := f.verdicts[0]
	if len(f.verdicts) > 1 {
		f.verdicts = f.verdicts[1:]
	}
	out := *v
	return &out, nil
}

func (f *fakeModel) lastSeenContext() ai.EmailContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastContext
}

func (f *fakeModel) Generate(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return f.reply, nil
}

type recordedMove struct {
	UID      uint32
	FromPath string
	ToPath   string
}

// fakeTransport records remote moves and can be told to fail them.
type fakeTransport struct {
	mu      sync.Mutex
	moves   []recordedMove
	moveErr error

	body    string
	bodyErr error
}

func (f *fakeTransport) FetchEnvelopes(_ context.Context, _ model.Account, _ string, _ time.Time, _ int) ([]transport.Envelope, error) {
	return nil, nil
}

func (f *fakeTransport) MoveMessage(_ context.Context, _ model.Account, uid uint32, fromPath, toPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, recordedMove{UID: uid, FromPath: fromPath, ToPath: toPath})
	return nil
}

func (f *fakeTransport) MoveToTrash(ctx context.Context, account model.Account, uid uint32, fromPath string) error {
	return f.MoveMessage(ctx, account, uid, fromPath, "Trash")
}

func (f *fakeTransport) EnsureFolders(_ context.Context, _ model.Account, _ []string) error {
	return nil
}

func (f *fakeTransport) FetchBody(_ context.Context, _ model.Account, _ string, _ uint32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.body, f.bodyErr
}

func (f *fakeTransport) moveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.moves)
}

// harness bundles an orchestrator with its real in-memory store and fakes.
type harness struct {
	store     *store.SQLiteStore
	model     *fakeModel
	transport *fakeTransport
	orch      *triage.Orchestrator
	accountID string
	inboxID   string
}

func newHarness(t *testing.T, cfg model.TriageConfig) *harness {
	t.Helper()
	ctx := context.Background()

	s := testutil.NewTestStore(t)
	require.NoError(t, s.UpsertAccount(ctx, model.Account{
		ID:    "acct-1",
		Name:  "Work",
		Email: "me@example.com",
	}))
	inbox, err := s.EnsureFolder(ctx, "acct-1", "INBOX", "inbox")
	require.NoError(t, err)

	fm := &fakeModel{}
	ft := &fakeTransport{}
	orch := triage.NewOrchestrator(s, fm, ft, nil, cfg, zap.NewNop())

	return &harness{
		store:     s,
		model:     fm,
		transport: ft,
		orch:      orch,
		accountID: "acct-1",
		inboxID:   inbox.ID,
	}
}

func defaultTriageConfig() model.TriageConfig {
	return model.TriageConfig{
		AutoClassify:           true,
		ConfidenceThreshold:    0.85,
		ReclassifyCooldownDays: 7,
	}
}

// addEmail inserts one inbox email and returns its row ID.
func (h *harness) addEmail(t *testing.T, messageID, subject, fromAddr string) string {
	t.Helper()
	ids, err := h.store.InsertEmails(context.Background(), []model.Email{{
		MessageID: messageID,
		AccountID: h.accountID,
		FolderID:  h.inboxID,
		Subject:   subject,
		FromAddr:  fromAddr,
		Date:      time.Now().UTC(),
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

// suggest writes a pending-review suggestion directly into the store.
func (h *harness) suggest(t *testing.T, emailID, folder string, confidence float64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, h.store.SetState(context.Background(), store.StateUpsert{
		EmailID:         emailID,
		Status:          model.StatusPendingReview,
		Confidence:      &confidence,
		SuggestedFolder: &folder,
		ClassifiedAt:    &now,
		ReviewedAt:      model.KeepTime(),
		DismissedAt:     model.KeepTime(),
	}))
}

// folderPath resolves an email's current folder path.
func (h *harness) folderPath(t *testing.T, emailID string) string {
	t.Helper()
	ctx := context.Background()
	e, err := h.store.GetEmail(ctx, emailID)
	require.NoError(t, err)
	f, err := h.store.GetFolder(ctx, e.FolderID)
	require.NoError(t, err)
	return f.Path
}
