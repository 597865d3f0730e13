package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mail-triage/internal/model"
)

// reviewablePredicate is the status filter shared by the review queue and
// the pendingReview stat. High-confidence auto-tagged emails stay
// user-reviewable, so "classified" belongs here alongside "pending_review";
// the queue length and the stat must always agree, which is why both
// queries go through this one constant.
const reviewablePredicate = "cs.status IN ('pending_review', 'classified')"

const stateColumns = `cs.email_id, cs.status, cs.confidence, cs.priority,
	cs.suggested_folder, cs.reasoning, cs.error_message,
	cs.classified_at, cs.reviewed_at, cs.dismissed_at, cs.updated_at,
	e.subject, e.from_addr, e.date`

// GetState retrieves the classification state for an email, or nil if the
// email has never been through classification.
func (s *SQLiteStore) GetState(ctx context.Context, emailID string) (*model.ClassificationState, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+stateColumns+` FROM classification_state cs
		 JOIN emails e ON e.id = cs.email_id
		 WHERE cs.email_id = ?`, emailID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying classification state %s: %w", emailID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	st, err := scanState(rows)
	if err != nil {
		return nil, err
	}
	return &st, rows.Err()
}

// SetState upserts the classification state for an email. Every field is
// written verbatim except reviewed_at and dismissed_at: when the patch is
// omitted the stored value is preserved, when it is an explicit clear the
// column is nulled, and when it carries a time the column is set. A plain
// nullable here would silently wipe review timestamps on every
// reclassification.
func (s *SQLiteStore) SetState(ctx context.Context, up StateUpsert) error {
	reviewedExpr := "classification_state.reviewed_at"
	if up.ReviewedAt.IsSet() {
		reviewedExpr = "excluded.reviewed_at"
	}
	dismissedExpr := "classification_state.dismissed_at"
	if up.DismissedAt.IsSet() {
		dismissedExpr = "excluded.dismissed_at"
	}

	query := fmt.Sprintf(`
		INSERT INTO classification_state (
			email_id, status, confidence, priority, suggested_folder,
			reasoning, error_message, classified_at, reviewed_at, dismissed_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email_id) DO UPDATE SET
			status = excluded.status,
			confidence = excluded.confidence,
			priority = excluded.priority,
			suggested_folder = excluded.suggested_folder,
			reasoning = excluded.reasoning,
			error_message = excluded.error_message,
			classified_at = excluded.classified_at,
			reviewed_at = %s,
			dismissed_at = %s,
			updated_at = excluded.updated_at`,
		reviewedExpr, dismissedExpr,
	)

	var priority *string
	if up.Priority != nil {
		p := string(*up.Priority)
		priority = &p
	}

	_, err := s.db.ExecContext(ctx, query,
		up.EmailID, string(up.Status), up.Confidence, priority,
		up.SuggestedFolder, up.Reasoning, up.ErrorMessage,
		nullableTime(up.ClassifiedAt),
		nullableTime(up.ReviewedAt.Value()), nullableTime(up.DismissedAt.Value()),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting classification state %s: %w", up.EmailID, err)
	}

	return nil
}

// ListReviewable retrieves the review queue: every email whose suggestion
// is still open to a user decision, including auto-applied ones.
func (s *SQLiteStore) ListReviewable(ctx context.Context, f ReviewFilter) ([]model.ClassificationState, error) {
	query := "SELECT " + stateColumns + ` FROM classification_state cs
		JOIN emails e ON e.id = cs.email_id
		WHERE ` + reviewablePredicate

	var args []interface{}
	if f.AccountID != nil {
		query += " AND e.account_id = ?"
		args = append(args, *f.AccountID)
	}

	switch f.SortBy {
	case SortConfidenceAsc:
		query += " ORDER BY cs.confidence ASC"
	case SortSenderAsc:
		query += " ORDER BY e.from_addr ASC"
	default:
		query += " ORDER BY e.date DESC"
	}

	// OFFSET is only valid after a LIMIT clause; -1 means unbounded.
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	} else if f.Offset > 0 {
		query += " LIMIT -1"
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying review queue: %w", err)
	}
	defer rows.Close()

	var states []model.ClassificationState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}

	return states, rows.Err()
}

// CountByStatus returns per-status counts covering all six statuses,
// defaulting unseen statuses to 0.
func (s *SQLiteStore) CountByStatus(ctx context.Context, accountID *string) (map[model.Status]int, error) {
	query := `SELECT cs.status, COUNT(*) FROM classification_state cs
		JOIN emails e ON e.id = cs.email_id`

	var args []interface{}
	if accountID != nil {
		query += " WHERE e.account_id = ?"
		args = append(args, *accountID)
	}
	query += " GROUP BY cs.status"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		counts[st] = 0
	}

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[model.Status(status)] = count
	}

	return counts, rows.Err()
}

// Stats computes the classification dashboard aggregate. PendingReview uses
// reviewablePredicate, the identical filter ListReviewable applies, so
// stats.PendingReview always equals the review queue length.
func (s *SQLiteStore) Stats(ctx context.Context, accountID *string, budgetLimit int) (*model.ClassificationStats, error) {
	stats := &model.ClassificationStats{
		BudgetLimit:       budgetLimit,
		PriorityBreakdown: make(map[model.Priority]int),
	}

	accountCond := ""
	var accountArgs []interface{}
	if accountID != nil {
		accountCond = " AND e.account_id = ?"
		accountArgs = append(accountArgs, *accountID)
	}

	base := ` FROM classification_state cs JOIN emails e ON e.id = cs.email_id WHERE `

	err := s.db.GetContext(ctx, &stats.PendingReview,
		"SELECT COUNT(*)"+base+reviewablePredicate+accountCond, accountArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("counting pending review: %w", err)
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	args := append([]interface{}{dayStart}, accountArgs...)
	err = s.db.GetContext(ctx, &stats.ClassifiedToday,
		"SELECT COUNT(*)"+base+"cs.classified_at >= ?"+accountCond, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("counting classified today: %w", err)
	}
	stats.BudgetUsed = stats.ClassifiedToday

	cutoff := time.Now().UTC().AddDate(0, 0, -30)
	fbArgs := append([]interface{}{cutoff}, accountArgs...)
	err = s.db.GetContext(ctx, &stats.Accuracy30Day, `
		SELECT COALESCE(AVG(fb.accuracy_score), 0)
		FROM classification_feedback fb
		JOIN emails e ON e.id = fb.email_id
		WHERE fb.created_at >= ?`+accountCond, fbArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("computing 30-day accuracy: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx,
		"SELECT cs.priority, COUNT(*)"+base+reviewablePredicate+
			" AND cs.priority IS NOT NULL"+accountCond+" GROUP BY cs.priority",
		accountArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("computing priority breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			priority string
			count    int
		)
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("scanning priority count: %w", err)
		}
		stats.PriorityBreakdown[model.Priority(priority)] = count
	}

	return stats, rows.Err()
}

// ListReclassifiable returns the IDs of dismissed emails whose cooldown has
// elapsed. A negative cooldown means dismissed emails are never eligible
// (manual reclassification only) and yields an empty list.
func (s *SQLiteStore) ListReclassifiable(ctx context.Context, cooldownDays int) ([]string, error) {
	if cooldownDays < 0 {
		return nil, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -cooldownDays)

	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT email_id FROM classification_state
		WHERE status = 'dismissed'
		  AND dismissed_at IS NOT NULL
		  AND dismissed_at <= ?
		ORDER BY dismissed_at`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("querying reclassifiable emails: %w", err)
	}

	return ids, nil
}

// LogFeedback appends one user-decision row to the feedback ledger.
// Ledger rows are never updated or deleted.
func (s *SQLiteStore) LogFeedback(ctx context.Context, fb model.ClassificationFeedback) error {
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	origJSON, err := json.Marshal(fb.OriginalTags)
	if err != nil {
		return fmt.Errorf("marshaling original tags: %w", err)
	}
	finalJSON, err := json.Marshal(fb.FinalTags)
	if err != nil {
		return fmt.Errorf("marshaling final tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO classification_feedback (
			id, email_id, action, original_tags, final_tags, accuracy_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.EmailID, string(fb.Action),
		string(origJSON), string(finalJSON), fb.AccuracyScore, fb.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("logging feedback for email %s: %w", fb.EmailID, err)
	}

	return nil
}

// ListRecentFeedback retrieves the most recent feedback rows, newest first.
func (s *SQLiteStore) ListRecentFeedback(ctx context.Context, limit int) ([]model.ClassificationFeedback, error) {
	query := `SELECT id, email_id, action, original_tags, final_tags, accuracy_score, created_at
		FROM classification_feedback ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying recent feedback: %w", err)
	}
	defer rows.Close()

	var feedback []model.ClassificationFeedback
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		feedback = append(feedback, fb)
	}

	return feedback, rows.Err()
}

// UpdateConfusedPattern upserts the rolling dismissal aggregate for one
// pattern. The average is maintained incrementally so that after N
// dismissals it equals the arithmetic mean of all N confidences.
func (s *SQLiteStore) UpdateConfusedPattern(ctx context.Context, pt model.PatternType, value string, confidence float64, seen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confused_patterns (
			pattern_type, pattern_value, dismissal_count, avg_confidence, last_seen
		) VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(pattern_type, pattern_value) DO UPDATE SET
			avg_confidence = confused_patterns.avg_confidence
				+ (excluded.avg_confidence - confused_patterns.avg_confidence)
					/ (confused_patterns.dismissal_count + 1),
			dismissal_count = confused_patterns.dismissal_count + 1,
			last_seen = excluded.last_seen`,
		string(pt), value, confidence, seen.UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating confused pattern %s/%s: %w", pt, value, err)
	}

	return nil
}

// ListConfusedPatterns retrieves confused patterns ordered by dismissal
// count descending, the most systematic classifier weaknesses first.
func (s *SQLiteStore) ListConfusedPatterns(ctx context.Context, limit int) ([]model.ConfusedPattern, error) {
	query := `SELECT pattern_type, pattern_value, dismissal_count, avg_confidence, last_seen
		FROM confused_patterns ORDER BY dismissal_count DESC, last_seen DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying confused patterns: %w", err)
	}
	defer rows.Close()

	var patterns []model.ConfusedPattern
	for rows.Next() {
		var (
			p  model.ConfusedPattern
			pt string
		)
		if err := rows.Scan(&pt, &p.PatternValue, &p.DismissalCount, &p.AvgConfidence, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning confused pattern: %w", err)
		}
		p.PatternType = model.PatternType(pt)
		patterns = append(patterns, p)
	}

	return patterns, rows.Err()
}

// ClearConfusedPatterns drops all confused-pattern aggregates.
func (s *SQLiteStore) ClearConfusedPatterns(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM confused_patterns"); err != nil {
		return fmt.Errorf("clearing confused patterns: %w", err)
	}
	return nil
}

// scanState scans a classification state row joined with its email.
func scanState(rows *sqlx.Rows) (model.ClassificationState, error) {
	var (
		st       model.ClassificationState
		status   string
		priority *string
	)

	err := rows.Scan(
		&st.EmailID, &status, &st.Confidence, &priority,
		&st.SuggestedFolder, &st.Reasoning, &st.ErrorMessage,
		&st.ClassifiedAt, &st.ReviewedAt, &st.DismissedAt, &st.UpdatedAt,
		&st.Subject, &st.FromAddr, &st.Date,
	)
	if err != nil {
		return model.ClassificationState{}, fmt.Errorf("scanning classification state row: %w", err)
	}

	st.Status = model.Status(status)
	if priority != nil {
		p := model.Priority(*priority)
		st.Priority = &p
	}

	return st, nil
}

// scanFeedback scans a feedback ledger row.
func scanFeedback(rows *sqlx.Rows) (model.ClassificationFeedback, error) {
	var (
		fb        model.ClassificationFeedback
		action    string
		origJSON  string
		finalJSON string
	)

	err := rows.Scan(
		&fb.ID, &fb.EmailID, &action, &origJSON, &finalJSON,
		&fb.AccuracyScore, &fb.CreatedAt,
	)
	if err != nil {
		return model.ClassificationFeedback{}, fmt.Errorf("scanning feedback row: %w", err)
	}

	fb.Action = model.FeedbackAction(action)
	if origJSON != "" {
		if err := json.Unmarshal([]byte(origJSON), &fb.OriginalTags); err != nil {
			return model.ClassificationFeedback{}, fmt.Errorf("unmarshaling original tags: %w", err)
		}
	}
	if finalJSON != "" {
		if err := json.Unmarshal([]byte(finalJSON), &fb.FinalTags); err != nil {
			return model.ClassificationFeedback{}, fmt.Errorf("unmarshaling final tags: %w", err)
		}
	}

	return fb, nil
}
