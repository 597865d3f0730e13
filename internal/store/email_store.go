package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mail-triage/internal/model"
)

const emailColumns = `id, message_id, account_id, folder_id, uid, subject,
	from_name, from_addr, to_addrs, cc_addrs, date, size,
	is_read, is_starred, has_attachments,
	in_reply_to, references_hdr, thread_id,
	awaiting_reply, awaiting_since, list_unsubscribe, created_at`

// InsertEmails inserts a batch of synced emails. Inserts are idempotent on
// message_id: a duplicate is silently skipped. Returns the IDs of the rows
// that were actually inserted, i.e. the genuinely new emails.
func (s *SQLiteStore) InsertEmails(ctx context.Context, emails []model.Email) ([]string, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO emails (` + emailColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("preparing email insert: %w", err)
	}
	defer stmt.Close()

	var newIDs []string
	for i := range emails {
		e := emails[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}

		toJSON, err := json.Marshal(e.ToAddrs)
		if err != nil {
			return nil, fmt.Errorf("marshaling recipients for %s: %w", e.MessageID, err)
		}
		ccJSON, err := json.Marshal(e.CcAddrs)
		if err != nil {
			return nil, fmt.Errorf("marshaling cc for %s: %w", e.MessageID, err)
		}

		var threadID *string
		if e.ThreadID != "" {
			threadID = &e.ThreadID
		}

		res, err := stmt.ExecContext(ctx,
			e.ID, e.MessageID, e.AccountID, e.FolderID, e.UID, e.Subject,
			e.FromName, e.FromAddr, string(toJSON), string(ccJSON),
			e.Date.UTC(), e.Size,
			boolToInt(e.IsRead), boolToInt(e.IsStarred), boolToInt(e.HasAttachments),
			e.InReplyTo, e.References, threadID,
			boolToInt(e.AwaitingReply), nullableTime(e.AwaitingReplySince),
			e.ListUnsubscribe, e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting email %s: %w", e.MessageID, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking insert result for %s: %w", e.MessageID, err)
		}
		if affected > 0 {
			newIDs = append(newIDs, e.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing email batch: %w", err)
	}

	return newIDs, nil
}

// GetEmail retrieves a single email by its ID.
func (s *SQLiteStore) GetEmail(ctx context.Context, id string) (*model.Email, error) {
	return s.getEmailWhere(ctx, "id = ?", id)
}

// GetEmailByMessageID retrieves a single email by its globally unique
// Message-ID header value.
func (s *SQLiteStore) GetEmailByMessageID(ctx context.Context, messageID string) (*model.Email, error) {
	return s.getEmailWhere(ctx, "message_id = ?", messageID)
}

func (s *SQLiteStore) getEmailWhere(ctx context.Context, cond string, arg interface{}) (*model.Email, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+emailColumns+" FROM emails WHERE "+cond, arg,
	)
	if err != nil {
		return nil, fmt.Errorf("querying email (%s=%v): %w", cond, arg, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("email %v: %w", arg, ErrNotFound)
	}

	e, err := scanEmail(rows)
	if err != nil {
		return nil, err
	}
	return &e, rows.Err()
}

// ListFolderEmails retrieves emails in a folder ordered by date descending.
func (s *SQLiteStore) ListFolderEmails(ctx context.Context, folderID string, limit, offset int) ([]model.Email, error) {
	query := "SELECT " + emailColumns + " FROM emails WHERE folder_id = ? ORDER BY date DESC"
	// OFFSET is only valid after a LIMIT clause; -1 means unbounded.
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	} else if offset > 0 {
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, folderID)
	if err != nil {
		return nil, fmt.Errorf("querying folder %s emails: %w", folderID, err)
	}
	defer rows.Close()

	return collectEmails(rows)
}

// SetRead updates the read flag on an email.
func (s *SQLiteStore) SetRead(ctx context.Context, id string, read bool) error {
	return s.updateEmailFlag(ctx, id, "is_read", read)
}

// SetStarred updates the starred flag on an email.
func (s *SQLiteStore) SetStarred(ctx context.Context, id string, starred bool) error {
	return s.updateEmailFlag(ctx, id, "is_starred", starred)
}

func (s *SQLiteStore) updateEmailFlag(ctx context.Context, id, column string, value bool) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE emails SET %s = ? WHERE id = ?", column),
		boolToInt(value), id,
	)
	if err != nil {
		return fmt.Errorf("updating %s on email %s: %w", column, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}

// MoveEmailLocal reassigns an email to another local folder. The remote
// move is the transport's concern; local state is the source of truth.
func (s *SQLiteStore) MoveEmailLocal(ctx context.Context, id, folderID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE emails SET folder_id = ? WHERE id = ?", folderID, id,
	)
	if err != nil {
		return fmt.Errorf("moving email %s to folder %s: %w", id, folderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteEmail removes an email; classification state and feedback rows
// cascade with it.
func (s *SQLiteStore) DeleteEmail(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM emails WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting email %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAwaiting flags an email as awaiting a reply since the given time.
func (s *SQLiteStore) MarkAwaiting(ctx context.Context, id string, since time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE emails SET awaiting_reply = 1, awaiting_since = ? WHERE id = ?",
		since.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking email %s awaiting: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearAwaiting clears the awaiting-reply flag and timestamp on an email.
func (s *SQLiteStore) ClearAwaiting(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE emails SET awaiting_reply = 0, awaiting_since = NULL WHERE id = ?", id,
	)
	if err != nil {
		return fmt.Errorf("clearing awaiting on email %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearAwaitingByReply finds the one email with the given message id that
// is still flagged awaiting and clears it atomically. Returns the cleared
// email's ID, or ErrNotFound if no still-awaiting email matched. This is
// the auto-clear path for inbound replies.
func (s *SQLiteStore) ClearAwaitingByReply(ctx context.Context, inReplyTo string) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.GetContext(ctx, &id,
		"SELECT id FROM emails WHERE message_id = ? AND awaiting_reply = 1", inReplyTo,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("awaiting email %s: %w", inReplyTo, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("finding awaiting email %s: %w", inReplyTo, err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE emails SET awaiting_reply = 0, awaiting_since = NULL WHERE id = ?", id,
	)
	if err != nil {
		return "", fmt.Errorf("clearing awaiting on email %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing awaiting clear: %w", err)
	}

	return id, nil
}

// ListAwaiting retrieves all emails currently awaiting a reply for an
// account, oldest wait first.
func (s *SQLiteStore) ListAwaiting(ctx context.Context, accountID string) ([]model.Email, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+emailColumns+" FROM emails WHERE account_id = ? AND awaiting_reply = 1 ORDER BY awaiting_since",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying awaiting emails: %w", err)
	}
	defer rows.Close()

	return collectEmails(rows)
}

// collectEmails drains a result set of email rows.
func collectEmails(rows *sqlx.Rows) ([]model.Email, error) {
	var emails []model.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// scanEmail scans an email row from a sqlx.Rows result set.
func scanEmail(rows *sqlx.Rows) (model.Email, error) {
	var (
		e              model.Email
		toJSON         string
		ccJSON         string
		isRead         int
		isStarred      int
		hasAttachments int
		threadID       *string
		awaiting       int
		awaitingSince  *time.Time
	)

	err := rows.Scan(
		&e.ID, &e.MessageID, &e.AccountID, &e.FolderID, &e.UID, &e.Subject,
		&e.FromName, &e.FromAddr, &toJSON, &ccJSON, &e.Date, &e.Size,
		&isRead, &isStarred, &hasAttachments,
		&e.InReplyTo, &e.References, &threadID,
		&awaiting, &awaitingSince, &e.ListUnsubscribe, &e.CreatedAt,
	)
	if err != nil {
		return model.Email{}, fmt.Errorf("scanning email row: %w", err)
	}

	e.IsRead = isRead != 0
	e.IsStarred = isStarred != 0
	e.HasAttachments = hasAttachments != 0
	e.AwaitingReply = awaiting != 0
	e.AwaitingReplySince = awaitingSince
	if threadID != nil {
		e.ThreadID = *threadID
	}

	if toJSON != "" {
		if err := json.Unmarshal([]byte(toJSON), &e.ToAddrs); err != nil {
			return model.Email{}, fmt.Errorf("unmarshaling recipients: %w", err)
		}
	}
	if ccJSON != "" {
		if err := json.Unmarshal([]byte(ccJSON), &e.CcAddrs); err != nil {
			return model.Email{}, fmt.Errorf("unmarshaling cc: %w", err)
		}
	}

	return e, nil
}

// nullableTime converts a *time.Time to a driver value, normalizing to UTC.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
