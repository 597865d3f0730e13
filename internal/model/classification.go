package model

import "time"

// Status tracks where an email sits in the classification lifecycle.
type Status string

const (
	StatusUnprocessed   Status = "unprocessed"
	StatusClassified    Status = "classified"
	StatusPendingReview Status = "pending_review"
	StatusAccepted      Status = "accepted"
	StatusDismissed     Status = "dismissed"
	StatusError         Status = "error"
)

// AllStatuses lists every classification status, in lifecycle order.
var AllStatuses = []Status{
	StatusUnprocessed,
	StatusClassified,
	StatusPendingReview,
	StatusAccepted,
	StatusDismissed,
	StatusError,
}

// Priority is the classifier's urgency signal for an email.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ClassificationState is the authoritative per-email classification record,
// keyed 1:1 by EmailID. ReviewedAt and DismissedAt, once set, are only
// changed by an explicit update (see TimePatch).
type ClassificationState struct {
	EmailID         string
	Status          Status
	Confidence      *float64
	Priority        *Priority
	SuggestedFolder *string
	Reasoning       *string
	ErrorMessage    *string
	ClassifiedAt    *time.Time
	ReviewedAt      *time.Time
	DismissedAt     *time.Time
	UpdatedAt       time.Time

	// Denormalized email columns carried along by review-queue reads.
	Subject  string
	FromAddr string
	Date     time.Time
}

// FeedbackAction identifies what the user did with a suggestion.
type FeedbackAction string

const (
	FeedbackAccept     FeedbackAction = "accept"
	FeedbackAcceptEdit FeedbackAction = "accept_edit"
	FeedbackDismiss    FeedbackAction = "dismiss"
)

// Accuracy scores recorded per feedback action. An edited accept still
// counts as nearly correct since the suggestion was in the right area.
const (
	AccuracyAccept     = 1.0
	AccuracyAcceptEdit = 0.98
	AccuracyDismiss    = 0.0
)

// ClassificationFeedback is one append-only ledger row recording a user
// decision. Rows are never updated or deleted; they are read only in
// aggregate for the 30-day accuracy metric.
type ClassificationFeedback struct {
	ID            string
	EmailID       string
	Action        FeedbackAction
	OriginalTags  []string
	FinalTags     []string
	AccuracyScore float64
	CreatedAt     time.Time
}

// PatternType keys a confused-pattern aggregate.
type PatternType string

const (
	PatternSenderDomain   PatternType = "sender_domain"
	PatternSubjectPattern PatternType = "subject_pattern"
)

// ConfusedPattern is a rolling aggregate of dismissals for one pattern.
// AvgConfidence is maintained as an incremental mean, so after N dismissals
// it equals the arithmetic mean of all N dismissal confidences.
type ConfusedPattern struct {
	PatternType    PatternType
	PatternValue   string
	DismissalCount int
	AvgConfidence  float64
	LastSeen       time.Time
}

// ClassificationStats is the dashboard aggregate for one account (or all).
// PendingReview counts rows with status in (pending_review, classified) —
// the same predicate the review queue uses, so the two always agree.
type ClassificationStats struct {
	ClassifiedToday   int
	PendingReview     int
	Accuracy30Day     float64
	BudgetUsed        int
	BudgetLimit       int
	PriorityBreakdown map[Priority]int
}
