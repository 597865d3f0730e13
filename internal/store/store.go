package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mail-triage/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist. Input
// errors of this kind are surfaced to the caller and never retried.
var ErrNotFound = errors.New("not found")

// CorruptionError reports a failed database integrity check. It is a
// distinct class so callers can offer the backup-then-rebuild remediation
// path instead of masking it as a generic failure.
type CorruptionError struct {
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("database integrity check failed: %s (back up the database and rebuild)", e.Detail)
}

// ReviewSort selects the ordering of the review queue.
type ReviewSort string

const (
	SortConfidenceAsc ReviewSort = "confidence"
	SortDateDesc      ReviewSort = "date"
	SortSenderAsc     ReviewSort = "sender"
)

// ReviewFilter controls filtering and pagination for review-queue queries.
type ReviewFilter struct {
	AccountID *string
	SortBy    ReviewSort
	Limit     int
	Offset    int
}

// StateUpsert is the write shape for SetState. All fields are written
// verbatim except ReviewedAt and DismissedAt, which are three-way patches:
// an omitted patch keeps the stored value, an explicit clear nulls it, an
// explicit time sets it.
type StateUpsert struct {
	EmailID         string
	Status          model.Status
	Confidence      *float64
	Priority        *model.Priority
	SuggestedFolder *string
	Reasoning       *string
	ErrorMessage    *string
	ClassifiedAt    *time.Time
	ReviewedAt      model.TimePatch
	DismissedAt     model.TimePatch
}

// Store defines the persistence surface for accounts, folders, emails,
// classification state, feedback, confused patterns, sender rules, and
// thread queries.
type Store interface {
	// === Accounts & folders ===

	UpsertAccount(ctx context.Context, a model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	EnsureFolder(ctx context.Context, accountID, path, role string) (*model.Folder, error)
	GetFolder(ctx context.Context, id string) (*model.Folder, error)
	GetFolderByPath(ctx context.Context, accountID, path string) (*model.Folder, error)
	ListFolders(ctx context.Context, accountID string) ([]model.Folder, error)

	// === Emails ===

	InsertEmails(ctx context.Context, emails []model.Email) (newIDs []string, err error)
	GetEmail(ctx context.Context, id string) (*model.Email, error)
	GetEmailByMessageID(ctx context.Context, messageID string) (*model.Email, error)
	ListFolderEmails(ctx context.Context, folderID string, limit, offset int) ([]model.Email, error)
	SetRead(ctx context.Context, id string, read bool) error
	SetStarred(ctx context.Context, id string, starred bool) error
	MoveEmailLocal(ctx context.Context, id, folderID string) error
	DeleteEmail(ctx context.Context, id string) error

	// === Awaiting reply ===

	MarkAwaiting(ctx context.Context, id string, since time.Time) error
	ClearAwaiting(ctx context.Context, id string) error
	ClearAwaitingByReply(ctx context.Context, inReplyTo string) (string, error)
	ListAwaiting(ctx context.Context, accountID string) ([]model.Email, error)

	// === Classification state ===

	GetState(ctx context.Context, emailID string) (*model.ClassificationState, error)
	SetState(ctx context.Context, up StateUpsert) error
	ListReviewable(ctx context.Context, f ReviewFilter) ([]model.ClassificationState, error)
	CountByStatus(ctx context.Context, accountID *string) (map[model.Status]int, error)
	Stats(ctx context.Context, accountID *string, budgetLimit int) (*model.ClassificationStats, error)
	ListReclassifiable(ctx context.Context, cooldownDays int) ([]string, error)

	// === Feedback & confused patterns ===

	LogFeedback(ctx context.Context, fb model.ClassificationFeedback) error
	ListRecentFeedback(ctx context.Context, limit int) ([]model.ClassificationFeedback, error)
	UpdateConfusedPattern(ctx context.Context, pt model.PatternType, value string, confidence float64, seen time.Time) error
	ListConfusedPatterns(ctx context.Context, limit int) ([]model.ConfusedPattern, error)
	ClearConfusedPatterns(ctx context.Context) error

	// === Sender rules ===

	UpsertRule(ctx context.Context, r model.SenderRule) error
	FindRule(ctx context.Context, accountID, pattern string, pt model.RulePatternType) (*model.SenderRule, error)
	FindAutoApplyRules(ctx context.Context, accountID string) ([]model.SenderRule, error)
	IncrementRuleCount(ctx context.Context, ruleID string) error

	// === Threads ===

	ThreadedList(ctx context.Context, accountID, folderID string) ([]model.ThreadSummary, error)
	ThreadMessages(ctx context.Context, threadKey string) ([]model.Email, error)
}
