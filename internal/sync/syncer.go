package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mail-triage/internal/model"
	"github.com/nhle/mail-triage/internal/store"
	"github.com/nhle/mail-triage/internal/transport"
)

// fetchLimit caps how many envelopes one sync pass pulls per folder.
const fetchLimit = 200

// Syncer mirrors remote mailboxes into the local store. A sync pass
// completes and yields the new email IDs before any classification
// starts on that batch, so classification never races an insert.
type Syncer struct {
	store     store.Store
	transport transport.MailTransport
	detector  ReplyDetector
	cfg       model.SyncConfig
	log       *zap.Logger
}

// ReplyDetector decides whether an outgoing email should be tracked as
// awaiting a reply.
type ReplyDetector interface {
	ShouldTrack(ctx context.Context, body string) bool
}

// NewSyncer creates a mailbox syncer.
func NewSyncer(s store.Store, t transport.MailTransport, d ReplyDetector, cfg model.SyncConfig, log *zap.Logger) *Syncer {
	return &Syncer{store: s, transport: t, detector: d, cfg: cfg, log: log}
}

// SyncAccount fetches recent messages for the account's inbox, inserts
// them idempotently, auto-clears awaiting-reply flags for inbound
// replies, and returns the IDs of the genuinely new emails.
func (s *Syncer) SyncAccount(ctx context.Context, account model.Account) ([]string, error) {
	inbox, err := s.store.EnsureFolder(ctx, account.ID, "INBOX", "inbox")
	if err != nil {
		return nil, fmt.Errorf("ensuring inbox for %s: %w", account.ID, err)
	}

	windowDays := s.cfg.FetchWindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	since := time.Now().AddDate(0, 0, -windowDays)

	envelopes, err := s.transport.FetchEnvelopes(ctx, account, inbox.Path, since, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetching %s inbox: %w", account.ID, err)
	}
	if len(envelopes) == 0 {
		return nil, nil
	}

	emails := make([]model.Email, 0, len(envelopes))
	for _, env := range envelopes {
		if env.MessageID == "" {
			continue
		}
		emails = append(emails, s.envelopeToEmail(ctx, account.ID, inbox.ID, env))
	}

	newIDs, err := s.store.InsertEmails(ctx, emails)
	if err != nil {
		return nil, fmt.Errorf("inserting synced emails: %w", err)
	}

	s.clearAnsweredAwaiting(ctx, newIDs)

	s.log.Info("sync pass complete",
		zap.String("account_id", account.ID),
		zap.Int("fetched", len(envelopes)),
		zap.Int("new", len(newIDs)))

	return newIDs, nil
}

// clearAnsweredAwaiting clears the awaiting-reply flag on any sent email
// that one of the newly inserted messages replies to.
func (s *Syncer) clearAnsweredAwaiting(ctx context.Context, newIDs []string) {
	for _, id := range newIDs {
		e, err := s.store.GetEmail(ctx, id)
		if err != nil {
			s.log.Warn("loading synced email failed",
				zap.String("email_id", id), zap.Error(err))
			continue
		}
		if e.InReplyTo == "" {
			continue
		}
		clearedID, err := s.store.ClearAwaitingByReply(ctx, e.InReplyTo)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("clearing awaiting reply failed",
				zap.String("in_reply_to", e.InReplyTo), zap.Error(err))
			continue
		}
		s.log.Info("awaiting reply answered",
			zap.String("email_id", clearedID),
			zap.String("reply_id", e.ID))
	}
}

// RecordOutgoing stores a sent email locally and, when the body reads
// like it expects an answer, marks it awaiting a reply.
func (s *Syncer) RecordOutgoing(ctx context.Context, account model.Account, email model.Email, body string) (string, error) {
	sent, err := s.store.EnsureFolder(ctx, account.ID, "Sent", "sent")
	if err != nil {
		return "", fmt.Errorf("ensuring sent folder: %w", err)
	}

	email.AccountID = account.ID
	email.FolderID = sent.ID
	email.IsRead = true

	newIDs, err := s.store.InsertEmails(ctx, []model.Email{email})
	if err != nil {
		return "", fmt.Errorf("recording outgoing email: %w", err)
	}
	if len(newIDs) == 0 {
		// Already recorded; nothing more to do.
		return "", nil
	}

	if s.detector != nil && s.detector.ShouldTrack(ctx, body) {
		if err := s.store.MarkAwaiting(ctx, newIDs[0], time.Now().UTC()); err != nil {
			return newIDs[0], fmt.Errorf("marking outgoing awaiting: %w", err)
		}
	}

	return newIDs[0], nil
}

// envelopeToEmail maps a fetched envelope onto an email row, resolving
// the thread id from the reply chain: a reply joins its parent's thread,
// or starts one rooted at the parent's message id.
func (s *Syncer) envelopeToEmail(ctx context.Context, accountID, folderID string, env transport.Envelope) model.Email {
	threadID := ""
	if env.InReplyTo != "" {
		parent, err := s.store.GetEmailByMessageID(ctx, env.InReplyTo)
		if err == nil {
			threadID = parent.ThreadID
			if threadID == "" {
				threadID = parent.MessageID
			}
		}
	}

	return model.Email{
		MessageID:       env.MessageID,
		AccountID:       accountID,
		FolderID:        folderID,
		UID:             env.UID,
		Subject:         env.Subject,
		FromName:        env.FromName,
		FromAddr:        env.FromAddr,
		ToAddrs:         env.To,
		CcAddrs:         env.Cc,
		Date:            env.Date,
		Size:            env.Size,
		IsRead:          env.Seen,
		IsStarred:       env.Flagged,
		HasAttachments:  env.HasAttachments,
		InReplyTo:       env.InReplyTo,
		References:      env.References,
		ThreadID:        threadID,
		ListUnsubscribe: env.ListUnsubscribe,
	}
}
