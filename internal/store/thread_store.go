package store

import (
	"context"
	"fmt"

	"github.com/nhle/mail-triage/internal/model"
)

// threadKeyExpr derives the grouping key for conversation threads: the
// assigned thread id when present, otherwise the email's own message id
// (a message with no thread is its own singleton thread).
const threadKeyExpr = "COALESCE(emails.thread_id, emails.message_id)"

// ThreadedList groups a folder's emails into conversation threads and
// returns one summary per thread, newest thread first. Summaries are
// recomputed from current rows on every call; nothing is cached.
func (s *SQLiteStore) ThreadedList(ctx context.Context, accountID, folderID string) ([]model.ThreadSummary, error) {
	// MAX(date) only orders the groups; it is never scanned, because the
	// driver hands aggregate expressions back untyped.
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+threadKeyExpr+` AS thread_key,
			COUNT(*),
			SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END)
		FROM emails
		WHERE account_id = ? AND folder_id = ?
		GROUP BY thread_key
		ORDER BY MAX(date) DESC`,
		accountID, folderID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying thread groups: %w", err)
	}
	defer rows.Close()

	var summaries []model.ThreadSummary
	for rows.Next() {
		var summary model.ThreadSummary
		err := rows.Scan(
			&summary.ThreadKey, &summary.MessageCount, &summary.UnreadCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning thread group: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Attach the most recent email of each group as the display email; its
	// date is the group's latest.
	for i := range summaries {
		latest, err := s.latestInThread(ctx, accountID, folderID, summaries[i].ThreadKey)
		if err != nil {
			return nil, err
		}
		summaries[i].Latest = *latest
		summaries[i].LatestDate = latest.Date
	}

	return summaries, nil
}

// latestInThread fetches the most recent email in one thread group.
func (s *SQLiteStore) latestInThread(ctx context.Context, accountID, folderID, threadKey string) (*model.Email, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+emailColumns+` FROM emails
		 WHERE account_id = ? AND folder_id = ? AND `+threadKeyExpr+` = ?
		 ORDER BY date DESC LIMIT 1`,
		accountID, folderID, threadKey,
	)
	if err != nil {
		return nil, fmt.Errorf("querying latest in thread %s: %w", threadKey, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("thread %s: %w", threadKey, ErrNotFound)
	}

	e, err := scanEmail(rows)
	if err != nil {
		return nil, err
	}
	return &e, rows.Err()
}

// ThreadMessages retrieves every email in a conversation, oldest first.
// The match covers both members carrying the thread id and the thread root
// whose own message id seeded it.
func (s *SQLiteStore) ThreadMessages(ctx context.Context, threadKey string) ([]model.Email, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+emailColumns+` FROM emails
		 WHERE thread_id = ? OR message_id = ?
		 ORDER BY date ASC`,
		threadKey, threadKey,
	)
	if err != nil {
		return nil, fmt.Errorf("querying thread %s messages: %w", threadKey, err)
	}
	defer rows.Close()

	return collectEmails(rows)
}
