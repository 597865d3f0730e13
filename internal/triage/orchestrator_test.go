package triage_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-triage/internal/ai"
	"github.com/nhle/mail-triage/internal/model"
	"github.com/nhle/mail-triage/internal/store"
	"github.com/nhle/mail-triage/internal/triage"
)

func TestClassifyAndTriageConfidenceGate(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	confident := h.addEmail(t, "<hi@example.com>", "build passed", "ci@corp.example.com")
	uncertain := h.addEmail(t, "<lo@example.com>", "quick question", "alice@corp.example.com")

	h.model.verdicts = []*ai.ClassifyResult{
		{Folder: "Archive", Confidence: 0.92, Reasoning: "automated notification"},
		{Folder: "Archive", Confidence: 0.60, Reasoning: "unsure"},
	}

	result, err := h.orch.ClassifyAndTriage(ctx, []string{confident, uncertain}, 0.85)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Classified)
	assert.Equal(t, 1, result.Triaged)
	assert.Empty(t, result.Errors)

	// Above the threshold: auto-applied, filed remotely and locally.
	st, err := h.store.GetState(ctx, confident)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, model.StatusClassified, st.Status)
	assert.Equal(t, "Archive", h.folderPath(t, confident))

	// Below the threshold: held for review, not moved.
	st, err = h.store.GetState(ctx, uncertain)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, model.StatusPendingReview, st.Status)
	assert.Equal(t, "INBOX", h.folderPath(t, uncertain))

	assert.Equal(t, 1, h.transport.moveCount())
}

func TestClassifyAndTriageSkipsDecidedEmails(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	accepted := h.addEmail(t, "<done@example.com>", "done", "a@corp.example.com")
	h.suggest(t, accepted, "Archive", 0.9)
	require.NoError(t, h.orch.Accept(ctx, accepted, nil))

	calls := h.model.classifyCalls
	result, err := h.orch.ClassifyAndTriage(ctx, []string{accepted}, 0.85)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Classified)
	assert.Equal(t, calls, h.model.classifyCalls)
}

func TestClassifyFailurePreservesPriorVerdict(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	id := h.addEmail(t, "<flaky@example.com>", "hello", "bob@corp.example.com")
	h.model.verdicts = []*ai.ClassifyResult{{Folder: "Archive", Confidence: 0.9}}

	_, err := h.orch.ClassifyAndTriage(ctx, []string{id}, 0.85)
	require.NoError(t, err)

	h.model.classifyErr = errors.New("api down")
	err = h.orch.RetryClassification(ctx, id)
	require.Error(t, err)

	// The failure is recorded without erasing the previous verdict.
	st, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, model.StatusError, st.Status)
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "api down")
	require.NotNil(t, st.Confidence)
	assert.InDelta(t, 0.9, *st.Confidence, 1e-9)
	require.NotNil(t, st.SuggestedFolder)
	assert.Equal(t, "Archive", *st.SuggestedFolder)
}

func TestAcceptRecordsFeedbackAndLearnsRule(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	id := h.addEmail(t, "<inv@example.com>", "invoice", "billing@vendor.example.com")
	h.suggest(t, id, "Receipts", 0.7)

	require.NoError(t, h.orch.Accept(ctx, id, nil))

	st, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, st.Status)
	assert.NotNil(t, st.ReviewedAt)
	assert.Nil(t, st.DismissedAt)

	feedback, err := h.store.ListRecentFeedback(ctx, 10)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, model.FeedbackAccept, feedback[0].Action)
	assert.InDelta(t, model.AccuracyAccept, feedback[0].AccuracyScore, 1e-9)
	assert.Equal(t, []string{"Receipts"}, feedback[0].FinalTags)

	rule, err := h.store.FindRule(ctx, h.accountID, "vendor.example.com", model.RulePatternDomain)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "Receipts", rule.TargetFolder)
	assert.Equal(t, 1, rule.CorrectionCount)
	assert.InDelta(t, 0.6, rule.Confidence, 1e-9)
	assert.False(t, rule.AutoApply)

	assert.Equal(t, "Receipts", h.folderPath(t, id))
	assert.Equal(t, 1, h.transport.moveCount())
}

func TestAcceptWithEditScoresLower(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	id := h.addEmail(t, "<edit@example.com>", "invoice", "billing@vendor.example.com")
	h.suggest(t, id, "Receipts", 0.7)

	require.NoError(t, h.orch.Accept(ctx, id, []string{"Finance"}))

	feedback, err := h.store.ListRecentFeedback(ctx, 10)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, model.FeedbackAcceptEdit, feedback[0].Action)
	assert.InDelta(t, model.AccuracyAcceptEdit, feedback[0].AccuracyScore, 1e-9)

	// The rule learns the corrected folder, not the suggestion.
	rule, err := h.store.FindRule(ctx, h.accountID, "vendor.example.com", model.RulePatternDomain)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "Finance", rule.TargetFolder)

	assert.Equal(t, "Finance", h.folderPath(t, id))
}

func TestSenderRulePromotionToAutoApply(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	for i, msgID := range []string{"<p1@x>", "<p2@x>", "<p3@x>"} {
		id := h.addEmail(t, msgID, "newsletter", "news@digest.example.com")
		h.suggest(t, id, "Updates", 0.7)
		require.NoError(t, h.orch.Accept(ctx, id, nil))

		rule, err := h.store.FindRule(ctx, h.accountID, "digest.example.com", model.RulePatternDomain)
		require.NoError(t, err)
		require.NotNil(t, rule)
		assert.Equal(t, i+1, rule.CorrectionCount)
	}

	rule, err := h.store.FindRule(ctx, h.accountID, "digest.example.com", model.RulePatternDomain)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, rule.Confidence, 1e-9)
	assert.True(t, rule.AutoApply)

	// A promoted rule files the next email even when the model is unsure.
	next := h.addEmail(t, "<p4@x>", "newsletter", "news@digest.example.com")
	h.model.verdicts = []*ai.ClassifyResult{{Folder: "INBOX", Confidence: 0.3}}

	result, err := h.orch.ClassifyAndTriage(ctx, []string{next}, 0.85)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Triaged)
	assert.Equal(t, "Updates", h.folderPath(t, next))
}

func TestDismissFeedsConfusedPatterns(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	id := h.addEmail(t, "<dis@example.com>", "Re: Invoice 12345 ready", "noreply@promo.example.com")
	h.suggest(t, id, "Receipts", 0.7)

	require.NoError(t, h.orch.Dismiss(ctx, id))

	st, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDismissed, st.Status)
	assert.NotNil(t, st.DismissedAt)

	feedback, err := h.store.ListRecentFeedback(ctx, 10)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, model.FeedbackDismiss, feedback[0].Action)
	assert.InDelta(t, model.AccuracyDismiss, feedback[0].AccuracyScore, 1e-9)

	patterns, err := h.store.ListConfusedPatterns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, patterns, 2)

	byType := make(map[model.PatternType]model.ConfusedPattern)
	for _, p := range patterns {
		byType[p.PatternType] = p
	}
	assert.Equal(t, "promo.example.com", byType[model.PatternSenderDomain].PatternValue)
	assert.InDelta(t, 0.7, byType[model.PatternSenderDomain].AvgConfidence, 1e-9)
	assert.Equal(t, "invoice # ready", byType[model.PatternSubjectPattern].PatternValue)

	// The email stays where it is.
	assert.Equal(t, "INBOX", h.folderPath(t, id))
	assert.Equal(t, 0, h.transport.moveCount())
}

func TestReclassifyDismissedRespectsCooldown(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	dismissedAt := func(id string, when time.Time) {
		conf := 0.7
		folder := "Receipts"
		require.NoError(t, h.store.SetState(ctx, store.StateUpsert{
			EmailID:         id,
			Status:          model.StatusDismissed,
			Confidence:      &conf,
			SuggestedFolder: &folder,
			ReviewedAt:      model.KeepTime(),
			DismissedAt:     model.SetTime(when),
		}))
	}

	recent := h.addEmail(t, "<r1@example.com>", "a", "a@x.example.com")
	dismissedAt(recent, time.Now().UTC().AddDate(0, 0, -3))

	_, err := h.orch.Reclassify(ctx, recent)
	assert.ErrorIs(t, err, triage.ErrNotEligible)

	cooled := h.addEmail(t, "<r2@example.com>", "b", "b@x.example.com")
	dismissedAt(cooled, time.Now().UTC().AddDate(0, 0, -8))

	h.model.verdicts = []*ai.ClassifyResult{{Folder: "Updates", Confidence: 0.5}}
	diff, err := h.orch.Reclassify(ctx, cooled)
	require.NoError(t, err)
	assert.Equal(t, "Receipts", diff.PreviousFolder)
	assert.Equal(t, "Updates", diff.NewFolder)
	require.NotNil(t, diff.NewConfidence)
	assert.InDelta(t, 0.5, *diff.NewConfidence, 1e-9)
}

func TestReclassifyNeverWithNegativeCooldown(t *testing.T) {
	cfg := defaultTriageConfig()
	cfg.ReclassifyCooldownDays = -1
	h := newHarness(t, cfg)
	ctx := context.Background()

	id := h.addEmail(t, "<never@example.com>", "a", "a@x.example.com")
	require.NoError(t, h.store.SetState(ctx, store.StateUpsert{
		EmailID:     id,
		Status:      model.StatusDismissed,
		ReviewedAt:  model.KeepTime(),
		DismissedAt: model.SetTime(time.Now().UTC().AddDate(0, 0, -365)),
	}))

	_, err := h.orch.Reclassify(ctx, id)
	assert.ErrorIs(t, err, triage.ErrNotEligible)
}

func TestBulkAcceptIsolatesFailures(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	good := h.addEmail(t, "<ok@example.com>", "x", "x@corp.example.com")
	h.suggest(t, good, "Archive", 0.9)

	errs := h.orch.BulkAccept(ctx, []string{good, "missing-id"})
	require.Len(t, errs, 1)
	assert.Equal(t, "missing-id", errs[0].EmailID)

	st, err := h.store.GetState(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, st.Status)
}

func TestRemoteMoveFailureKeepsLocalState(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	id := h.addEmail(t, "<offline@example.com>", "x", "x@corp.example.com")
	h.suggest(t, id, "Archive", 0.9)
	h.transport.moveErr = errors.New("connection reset")

	// Local filing is authoritative; the remote failure is only a warning.
	require.NoError(t, h.orch.Accept(ctx, id, nil))
	assert.Equal(t, "Archive", h.folderPath(t, id))
}

func TestDailyBudgetSkipsOverflow(t *testing.T) {
	cfg := defaultTriageConfig()
	cfg.DailyBudget = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	first := h.addEmail(t, "<b1@example.com>", "x", "x@corp.example.com")
	second := h.addEmail(t, "<b2@example.com>", "y", "y@corp.example.com")

	result, err := h.orch.ClassifyAndTriage(ctx, []string{first, second}, 0.85)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Classified)
	assert.Equal(t, 1, result.Skipped)

	st, err := h.store.GetState(ctx, second)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestToggleAwaiting(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	id := h.addEmail(t, "<tog@example.com>", "x", "x@corp.example.com")

	on, err := h.orch.ToggleAwaiting(ctx, id)
	require.NoError(t, err)
	assert.True(t, on)

	awaiting, err := h.orch.AwaitingList(ctx, h.accountID)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.NotNil(t, awaiting[0].AwaitingReplySince)

	off, err := h.orch.ToggleAwaiting(ctx, id)
	require.NoError(t, err)
	assert.False(t, off)

	awaiting, err = h.orch.AwaitingList(ctx, h.accountID)
	require.NoError(t, err)
	assert.Empty(t, awaiting)
}

func TestClassifyIncludesBodySnippet(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	h.transport.body = "Hi team, the August invoice is attached. Let me know."

	ids, err := h.store.InsertEmails(ctx, []model.Email{{
		MessageID: "<body@example.com>",
		AccountID: h.accountID,
		FolderID:  h.inboxID,
		UID:       42,
		Subject:   "invoice",
		FromAddr:  "billing@corp.example.com",
		Date:      time.Now().UTC(),
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	result, err := h.orch.ClassifyAndTriage(ctx, ids, 0.85)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Classified)
	assert.Equal(t, "Hi team, the August invoice is attached. Let me know.",
		h.model.lastSeenContext().Snippet)
}

func TestClassifySnippetBoundedAndFailSoft(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	h.transport.body = strings.Repeat("x", 900)

	ids, err := h.store.InsertEmails(ctx, []model.Email{{
		MessageID: "<long@example.com>",
		AccountID: h.accountID,
		FolderID:  h.inboxID,
		UID:       7,
		Subject:   "long body",
		FromAddr:  "a@corp.example.com",
		Date:      time.Now().UTC(),
	}})
	require.NoError(t, err)

	_, err = h.orch.ClassifyAndTriage(ctx, ids, 0.85)
	require.NoError(t, err)
	assert.Len(t, h.model.lastSeenContext().Snippet, 500)

	// A body fetch failure degrades to no snippet; classification proceeds.
	h.transport.bodyErr = errors.New("connection reset")
	ids, err = h.store.InsertEmails(ctx, []model.Email{{
		MessageID: "<unreachable@example.com>",
		AccountID: h.accountID,
		FolderID:  h.inboxID,
		UID:       8,
		Subject:   "still classifiable",
		FromAddr:  "b@corp.example.com",
		Date:      time.Now().UTC(),
	}})
	require.NoError(t, err)

	result, err := h.orch.ClassifyAndTriage(ctx, ids, 0.85)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Classified)
	assert.Empty(t, h.model.lastSeenContext().Snippet)
}

func TestNormalizeSubject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Re: Re: Invoice 12345", "invoice #"},
		{"FWD: hello   world", "hello world"},
		{"AW[2]: Zahlung 99", "zahlung #"},
		{"Order 123 shipped on 2026-08-20", "order # shipped on #-#-#"},
		{"  plain subject  ", "plain subject"},
		// Truncation must not split a multi-byte rune.
		{strings.Repeat("é", 70), strings.Repeat("é", 64)},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, triage.NormalizeSubject(tc.in), "input %q", tc.in)
	}
}

func TestPendingQueueMatchesStats(t *testing.T) {
	h := newHarness(t, defaultTriageConfig())
	ctx := context.Background()

	for i, msgID := range []string{"<q1@x>", "<q2@x>", "<q3@x>"} {
		id := h.addEmail(t, msgID, "subject", "s@corp.example.com")
		h.suggest(t, id, "Archive", 0.5+float64(i)/10)
	}

	stats, err := h.orch.ClassificationStats(ctx, nil)
	require.NoError(t, err)

	queue, err := h.orch.PendingReviewQueue(ctx, store.ReviewFilter{})
	require.NoError(t, err)

	assert.Len(t, queue, stats.PendingReview)
	assert.Equal(t, 3, stats.PendingReview)
}
