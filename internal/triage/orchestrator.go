package triage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mail-triage/internal/ai"
	"github.com/nhle/mail-triage/internal/model"
	"github.com/nhle/mail-triage/internal/store"
	"github.com/nhle/mail-triage/internal/transport"
)

// ErrNotEligible is returned when a dismissed email is reclassified before
// its cooldown elapses. It is a policy violation, distinct from a silent
// no-op, so callers can explain the rejection.
var ErrNotEligible = errors.New("not eligible for reclassification")

// ItemError records one failed item of a bulk operation.
type ItemError struct {
	EmailID string
	Err     error
}

// Result summarizes one classify-and-triage pass.
type Result struct {
	Classified int // emails that received a fresh verdict
	Skipped    int // already decided or over budget
	Triaged    int // emails moved by auto-apply
	Errors     []ItemError
}

// ReclassifyDiff reports the before/after of a reclassification so the
// caller can present what changed.
type ReclassifyDiff struct {
	PreviousFolder     string
	PreviousConfidence *float64
	NewFolder          string
	NewConfidence      *float64
}

// Orchestrator drives the classification lifecycle: it sequences the model
// call, the state write, the sender-rule consultation, and the folder
// move, and owns the confidence threshold and cooldown policy.
type Orchestrator struct {
	store     store.Store
	llm       ai.LanguageModel
	transport transport.MailTransport
	policy    Policy
	cfg       model.TriageConfig
	log       *zap.Logger
}

// NewOrchestrator assembles the triage use-case layer.
func NewOrchestrator(
	s store.Store,
	llm ai.LanguageModel,
	t transport.MailTransport,
	policy Policy,
	cfg model.TriageConfig,
	log *zap.Logger,
) *Orchestrator {
	if policy == nil {
		policy = DefaultPolicy{}
	}
	return &Orchestrator{
		store:     s,
		llm:       llm,
		transport: t,
		policy:    policy,
		cfg:       cfg,
		log:       log,
	}
}

// ClassifyAndTriage runs classification over a batch of emails, applying
// the auto-apply policy to each. One item's failure never aborts the
// rest; per-item errors are collected in the result.
func (o *Orchestrator) ClassifyAndTriage(ctx context.Context, emailIDs []string, threshold float64) (*Result, error) {
	if o.llm == nil {
		return nil, errors.New("no classification model configured")
	}

	result := &Result{}

	budgetLeft, err := o.budgetRemaining(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range emailIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if budgetLeft == 0 {
			result.Skipped++
			continue
		}

		st, err := o.store.GetState(ctx, id)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{EmailID: id, Err: err})
			continue
		}
		if st != nil && (st.Status == model.StatusAccepted || st.Status == model.StatusDismissed) {
			result.Skipped++
			continue
		}

		moved, err := o.classifyOne(ctx, id, threshold)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{EmailID: id, Err: err})
			continue
		}

		result.Classified++
		if moved {
			result.Triaged++
		}
		if budgetLeft > 0 {
			budgetLeft--
		}
	}

	return result, nil
}

// budgetRemaining returns how many model classifications are left today,
// or -1 when no budget is configured.
func (o *Orchestrator) budgetRemaining(ctx context.Context) (int, error) {
	if o.cfg.DailyBudget <= 0 {
		return -1, nil
	}

	stats, err := o.store.Stats(ctx, nil, o.cfg.DailyBudget)
	if err != nil {
		return 0, fmt.Errorf("checking classification budget: %w", err)
	}

	left := o.cfg.DailyBudget - stats.BudgetUsed
	if left < 0 {
		left = 0
	}
	return left, nil
}

// classifyOne runs the model on a single email, writes the resulting
// state, and applies the auto-apply policy. Returns whether the email was
// moved. On model failure the state becomes "error" with the previous
// confidence and suggestion left untouched.
func (o *Orchestrator) classifyOne(ctx context.Context, emailID string, threshold float64) (bool, error) {
	if o.llm == nil {
		return false, errors.New("no classification model configured")
	}

	email, err := o.store.GetEmail(ctx, emailID)
	if err != nil {
		return false, err
	}

	prior, err := o.store.GetState(ctx, emailID)
	if err != nil {
		return false, err
	}

	folders, err := o.store.ListFolders(ctx, email.AccountID)
	if err != nil {
		return false, err
	}
	folderNames := make([]string, 0, len(folders))
	for _, f := range folders {
		folderNames = append(folderNames, f.Path)
	}

	verdict, err := o.llm.Classify(ctx, ai.EmailContext{
		Subject:      email.Subject,
		FromName:     email.FromName,
		FromAddr:     email.FromAddr,
		Snippet:      o.bodySnippet(ctx, email),
		Folders:      folderNames,
		HasListUnsub: email.ListUnsubscribe != "",
	})
	if err != nil {
		o.log.Warn("classification failed",
			zap.String("email_id", emailID), zap.Error(err))
		if werr := o.writeErrorState(ctx, emailID, prior, err); werr != nil {
			return false, werr
		}
		return false, fmt.Errorf("classifying email %s: %w", emailID, err)
	}

	now := time.Now().UTC()
	status := model.StatusPendingReview
	if o.policy.Gate(verdict.Confidence, threshold) {
		status = model.StatusClassified
	}

	up := store.StateUpsert{
		EmailID:         emailID,
		Status:          status,
		Confidence:      &verdict.Confidence,
		Priority:        verdict.Priority,
		SuggestedFolder: &verdict.Folder,
		Reasoning:       &verdict.Reasoning,
		ClassifiedAt:    &now,
		ReviewedAt:      model.KeepTime(),
		DismissedAt:     model.KeepTime(),
	}
	if err := o.store.SetState(ctx, up); err != nil {
		return false, err
	}

	// Auto-apply: a promoted sender rule wins regardless of model
	// confidence; otherwise the confidence gate decides.
	target := ""
	if rule, err := o.store.FindRule(ctx, email.AccountID, email.SenderDomain(), model.RulePatternDomain); err != nil {
		return false, err
	} else if rule != nil && rule.AutoApply {
		target = rule.TargetFolder
	} else if status == model.StatusClassified {
		target = verdict.Folder
	}

	if target == "" {
		return false, nil
	}

	return o.applyMove(ctx, email, target)
}

// classifySnippetLimit caps how much of the body is sent to the model.
const classifySnippetLimit = 500

// bodySnippet fetches the first part of the email body for the model
// prompt. The subject and headers are enough to classify on when the
// fetch fails, so any error degrades to an empty snippet.
func (o *Orchestrator) bodySnippet(ctx context.Context, email *model.Email) string {
	if email.UID == 0 {
		return ""
	}

	folder, err := o.store.GetFolder(ctx, email.FolderID)
	if err != nil {
		o.log.Warn("loading folder for snippet failed",
			zap.String("email_id", email.ID), zap.Error(err))
		return ""
	}
	account, err := o.store.GetAccount(ctx, email.AccountID)
	if err != nil {
		o.log.Warn("loading account for snippet failed",
			zap.String("email_id", email.ID), zap.Error(err))
		return ""
	}

	body, err := o.transport.FetchBody(ctx, *account, folder.Path, email.UID)
	if err != nil {
		o.log.Warn("fetching body snippet failed",
			zap.String("email_id", email.ID), zap.Error(err))
		return ""
	}

	body = strings.TrimSpace(body)
	if runes := []rune(body); len(runes) > classifySnippetLimit {
		body = string(runes[:classifySnippetLimit])
	}
	return body
}

// writeErrorState records a failed classification attempt, carrying over
// the previous verdict fields so a transient failure does not erase them.
func (o *Orchestrator) writeErrorState(ctx context.Context, emailID string, prior *model.ClassificationState, cause error) error {
	msg := cause.Error()
	up := store.StateUpsert{
		EmailID:      emailID,
		Status:       model.StatusError,
		ErrorMessage: &msg,
		ReviewedAt:   model.KeepTime(),
		DismissedAt:  model.KeepTime(),
	}
	if prior != nil {
		up.Confidence = prior.Confidence
		up.Priority = prior.Priority
		up.SuggestedFolder = prior.SuggestedFolder
		up.Reasoning = prior.Reasoning
		up.ClassifiedAt = prior.ClassifiedAt
	}
	return o.store.SetState(ctx, up)
}

// applyMove updates the email's local folder and requests the remote
// move, reporting whether a move actually happened. The local write is
// authoritative; a remote failure is logged as a warning and never rolls
// the local state back.
func (o *Orchestrator) applyMove(ctx context.Context, email *model.Email, targetPath string) (bool, error) {
	fromFolder, err := o.store.GetFolder(ctx, email.FolderID)
	if err != nil {
		return false, err
	}
	if fromFolder.Path == targetPath {
		return false, nil
	}

	toFolder, err := o.store.EnsureFolder(ctx, email.AccountID, targetPath, "")
	if err != nil {
		return false, err
	}

	if err := o.store.MoveEmailLocal(ctx, email.ID, toFolder.ID); err != nil {
		return false, err
	}

	account, err := o.store.GetAccount(ctx, email.AccountID)
	if err != nil {
		return false, err
	}

	if err := o.transport.MoveMessage(ctx, *account, email.UID, fromFolder.Path, toFolder.Path); err != nil {
		// Local and remote may diverge temporarily; the next sync
		// reconciles. Surface as a warning, not a failure.
		o.log.Warn("remote folder move failed",
			zap.String("email_id", email.ID),
			zap.String("from", fromFolder.Path),
			zap.String("to", toFolder.Path),
			zap.Error(err))
	}

	return true, nil
}

// Accept records the user accepting a suggestion as-is (finalTags nil or
// matching the suggestion) or with an edit, promotes the sender rule, and
// files the email into the final folder.
func (o *Orchestrator) Accept(ctx context.Context, emailID string, finalTags []string) error {
	st, email, err := o.stateAndEmail(ctx, emailID)
	if err != nil {
		return err
	}

	var originalTags []string
	suggested := ""
	if st.SuggestedFolder != nil {
		suggested = *st.SuggestedFolder
		originalTags = []string{suggested}
	}

	finalFolder := suggested
	if len(finalTags) > 0 {
		finalFolder = finalTags[0]
	} else if suggested != "" {
		finalTags = []string{suggested}
	}

	action := model.FeedbackAccept
	score := model.AccuracyAccept
	if !equalTags(originalTags, finalTags) {
		action = model.FeedbackAcceptEdit
		score = model.AccuracyAcceptEdit
	}

	err = o.store.LogFeedback(ctx, model.ClassificationFeedback{
		EmailID:       emailID,
		Action:        action,
		OriginalTags:  originalTags,
		FinalTags:     finalTags,
		AccuracyScore: score,
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	up := upsertFrom(st)
	up.Status = model.StatusAccepted
	up.ReviewedAt = model.SetTime(now)
	up.DismissedAt = model.KeepTime()
	if err := o.store.SetState(ctx, up); err != nil {
		return err
	}

	if err := o.learnRule(ctx, email, finalFolder); err != nil {
		return err
	}

	if finalFolder != "" {
		if _, err := o.applyMove(ctx, email, finalFolder); err != nil {
			return err
		}
	}

	return nil
}

// Dismiss records the user rejecting a suggestion and feeds the dismissal
// into the confused-pattern aggregates for the sender domain and the
// normalized subject.
func (o *Orchestrator) Dismiss(ctx context.Context, emailID string) error {
	st, email, err := o.stateAndEmail(ctx, emailID)
	if err != nil {
		return err
	}

	var originalTags []string
	if st.SuggestedFolder != nil {
		originalTags = []string{*st.SuggestedFolder}
	}

	err = o.store.LogFeedback(ctx, model.ClassificationFeedback{
		EmailID:       emailID,
		Action:        model.FeedbackDismiss,
		OriginalTags:  originalTags,
		AccuracyScore: model.AccuracyDismiss,
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	up := upsertFrom(st)
	up.Status = model.StatusDismissed
	up.ReviewedAt = model.KeepTime()
	up.DismissedAt = model.SetTime(now)
	if err := o.store.SetState(ctx, up); err != nil {
		return err
	}

	confidence := 0.0
	if st.Confidence != nil {
		confidence = *st.Confidence
	}

	if domain := email.SenderDomain(); domain != "" {
		if err := o.store.UpdateConfusedPattern(ctx, model.PatternSenderDomain, domain, confidence, now); err != nil {
			return err
		}
	}
	if pattern := NormalizeSubject(email.Subject); pattern != "" {
		if err := o.store.UpdateConfusedPattern(ctx, model.PatternSubjectPattern, pattern, confidence, now); err != nil {
			return err
		}
	}

	return nil
}

// Reclassify re-runs classification on an already-classified email. A
// dismissed email must be past its cooldown; a negative cooldown means
// dismissed emails are manual-only and never eligible here.
func (o *Orchestrator) Reclassify(ctx context.Context, emailID string) (*ReclassifyDiff, error) {
	st, err := o.store.GetState(ctx, emailID)
	if err != nil {
		return nil, err
	}

	diff := &ReclassifyDiff{}
	if st != nil {
		if st.SuggestedFolder != nil {
			diff.PreviousFolder = *st.SuggestedFolder
		}
		diff.PreviousConfidence = st.Confidence

		if st.Status == model.StatusDismissed {
			if !o.dismissalCooledDown(st) {
				return nil, fmt.Errorf("email %s: %w", emailID, ErrNotEligible)
			}
		}
	}

	if _, err := o.classifyOne(ctx, emailID, o.cfg.ConfidenceThreshold); err != nil {
		return nil, err
	}

	after, err := o.store.GetState(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if after != nil {
		if after.SuggestedFolder != nil {
			diff.NewFolder = *after.SuggestedFolder
		}
		diff.NewConfidence = after.Confidence
	}

	return diff, nil
}

// dismissalCooledDown reports whether a dismissed state is past the
// reclassification cooldown.
func (o *Orchestrator) dismissalCooledDown(st *model.ClassificationState) bool {
	if o.cfg.ReclassifyCooldownDays < 0 {
		return false
	}
	if st.DismissedAt == nil {
		return true
	}
	eligible := st.DismissedAt.AddDate(0, 0, o.cfg.ReclassifyCooldownDays)
	return !time.Now().UTC().Before(eligible)
}

// RetryClassification re-runs classification after a transient failure.
// Retries only happen on explicit user action or the next sync cycle,
// never in a loop.
func (o *Orchestrator) RetryClassification(ctx context.Context, emailID string) error {
	_, err := o.classifyOne(ctx, emailID, o.cfg.ConfidenceThreshold)
	return err
}

// BulkAccept accepts each email's suggestion as-is. Per-item failures are
// collected; the batch always runs to completion.
func (o *Orchestrator) BulkAccept(ctx context.Context, emailIDs []string) []ItemError {
	return o.bulk(emailIDs, func(id string) error {
		return o.Accept(ctx, id, nil)
	})
}

// BulkDismiss dismisses each email's suggestion.
func (o *Orchestrator) BulkDismiss(ctx context.Context, emailIDs []string) []ItemError {
	return o.bulk(emailIDs, func(id string) error {
		return o.Dismiss(ctx, id)
	})
}

// BulkMoveToFolder files each email into the target folder.
func (o *Orchestrator) BulkMoveToFolder(ctx context.Context, emailIDs []string, targetPath string) []ItemError {
	return o.bulk(emailIDs, func(id string) error {
		email, err := o.store.GetEmail(ctx, id)
		if err != nil {
			return err
		}
		_, err = o.applyMove(ctx, email, targetPath)
		return err
	})
}

func (o *Orchestrator) bulk(emailIDs []string, op func(id string) error) []ItemError {
	var errs []ItemError
	for _, id := range emailIDs {
		if err := op(id); err != nil {
			errs = append(errs, ItemError{EmailID: id, Err: err})
		}
	}
	return errs
}

// PendingReviewQueue returns the reviewable emails for display.
func (o *Orchestrator) PendingReviewQueue(ctx context.Context, f store.ReviewFilter) ([]model.ClassificationState, error) {
	return o.store.ListReviewable(ctx, f)
}

// ClassificationStats returns the dashboard aggregate. Its PendingReview
// count always equals the length of PendingReviewQueue for the same
// account.
func (o *Orchestrator) ClassificationStats(ctx context.Context, accountID *string) (*model.ClassificationStats, error) {
	return o.store.Stats(ctx, accountID, o.cfg.DailyBudget)
}

// AwaitingList returns the emails still awaiting a reply for an account.
func (o *Orchestrator) AwaitingList(ctx context.Context, accountID string) ([]model.Email, error) {
	return o.store.ListAwaiting(ctx, accountID)
}

// ToggleAwaiting flips the awaiting-reply flag on an email and returns
// the new state.
func (o *Orchestrator) ToggleAwaiting(ctx context.Context, emailID string) (bool, error) {
	email, err := o.store.GetEmail(ctx, emailID)
	if err != nil {
		return false, err
	}

	if email.AwaitingReply {
		if err := o.store.ClearAwaiting(ctx, emailID); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := o.store.MarkAwaiting(ctx, emailID, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

// learnRule upserts the sender-domain rule toward the corrected folder,
// bumping the correction count and recomputing confidence and auto-apply
// through the promotion policy.
func (o *Orchestrator) learnRule(ctx context.Context, email *model.Email, targetFolder string) error {
	domain := email.SenderDomain()
	if domain == "" || targetFolder == "" {
		return nil
	}

	count := 1
	existing, err := o.store.FindRule(ctx, email.AccountID, domain, model.RulePatternDomain)
	if err != nil {
		return err
	}
	if existing != nil {
		count = existing.CorrectionCount + 1
	}

	confidence, autoApply := o.policy.Promote(count)

	rule := model.SenderRule{
		AccountID:       email.AccountID,
		Pattern:         domain,
		PatternType:     model.RulePatternDomain,
		TargetFolder:    targetFolder,
		Confidence:      confidence,
		CorrectionCount: count,
		AutoApply:       autoApply,
	}
	if existing != nil {
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
	}

	return o.store.UpsertRule(ctx, rule)
}

// stateAndEmail loads both halves of a user decision, failing with
// NotFound when either is missing.
func (o *Orchestrator) stateAndEmail(ctx context.Context, emailID string) (*model.ClassificationState, *model.Email, error) {
	st, err := o.store.GetState(ctx, emailID)
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, fmt.Errorf("classification state for email %s: %w", emailID, store.ErrNotFound)
	}

	email, err := o.store.GetEmail(ctx, emailID)
	if err != nil {
		return nil, nil, err
	}

	return st, email, nil
}

// upsertFrom copies a state's verbatim fields into a write, leaving the
// review timestamps as keep-patches for the caller to override.
func upsertFrom(st *model.ClassificationState) store.StateUpsert {
	return store.StateUpsert{
		EmailID:         st.EmailID,
		Status:          st.Status,
		Confidence:      st.Confidence,
		Priority:        st.Priority,
		SuggestedFolder: st.SuggestedFolder,
		Reasoning:       st.Reasoning,
		ErrorMessage:    st.ErrorMessage,
		ClassifiedAt:    st.ClassifiedAt,
		ReviewedAt:      model.KeepTime(),
		DismissedAt:     model.KeepTime(),
	}
}

// equalTags compares two ordered tag lists.
func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var (
	replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?|aw)(\[\d+\])?:\s*`)
	digitRunRe    = regexp.MustCompile(`\d+`)
)

// NormalizeSubject reduces a subject line to a stable pattern key:
// lowercased, reply/forward prefixes stripped, digit runs collapsed to #,
// truncated to 64 characters.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(strings.ToLower(subject))
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = digitRunRe.ReplaceAllString(s, "#")
	s = strings.Join(strings.Fields(s), " ")
	// Truncate on rune boundaries so a multi-byte subject stays valid UTF-8.
	if runes := []rune(s); len(runes) > 64 {
		s = string(runes[:64])
	}
	return s
}
