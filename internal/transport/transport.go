package transport

import (
	"context"
	"time"

	"github.com/nhle/mail-triage/internal/model"
)

// Envelope holds the header data fetched for one remote message.
type Envelope struct {
	MessageID       string
	Subject         string
	FromName        string
	FromAddr        string
	To              []string
	Cc              []string
	Date            time.Time
	Size            int64
	UID             uint32
	Seen            bool
	Flagged         bool
	HasAttachments  bool
	InReplyTo       string
	References      string
	ListUnsubscribe string
}

// MailTransport is the remote mailbox port. Folder moves are best-effort
// from the triage core's perspective: local classification state stays the
// source of truth when a remote move fails.
type MailTransport interface {
	// FetchEnvelopes lists message headers in a folder received since the
	// given time, most recent messages last, capped at limit.
	FetchEnvelopes(ctx context.Context, account model.Account, folderPath string, since time.Time, limit int) ([]Envelope, error)

	// MoveMessage moves one message between remote folders by UID.
	MoveMessage(ctx context.Context, account model.Account, uid uint32, fromPath, toPath string) error

	// MoveToTrash moves one message to the account's trash folder.
	MoveToTrash(ctx context.Context, account model.Account, uid uint32, fromPath string) error

	// EnsureFolders creates any of the named folders that do not exist
	// remotely yet.
	EnsureFolders(ctx context.Context, account model.Account, folders []string) error

	// FetchBody retrieves the plain-text body of one message.
	FetchBody(ctx context.Context, account model.Account, folderPath string, uid uint32) (string, error)
}
