package model

import (
	"strings"
	"time"
)

// Account represents a configured mail account.
type Account struct {
	ID       string
	Name     string
	Email    string
	IMAPHost string
	IMAPPort string
	SMTPHost string
	SMTPPort string
	Username string
	UseTLS   bool
}

// Folder is a remote mailbox folder mirrored locally.
// The (AccountID, Path) pair is unique per account.
type Folder struct {
	ID        string
	AccountID string
	Name      string
	Path      string
	Role      string // "inbox", "sent", "trash", "archive", or "" for plain folders
	CreatedAt time.Time
}

// Email is a synced message header record. Header fields are immutable once
// synced; only flags, the local folder assignment, and the awaiting-reply
// tracking fields change afterwards.
type Email struct {
	ID        string
	MessageID string // globally unique; duplicate inserts are ignored
	AccountID string
	FolderID  string
	UID       uint32 // per-folder sequence assigned by the mail server

	Subject    string
	FromName   string
	FromAddr   string
	ToAddrs    []string
	CcAddrs    []string
	Date       time.Time
	Size       int64

	IsRead         bool
	IsStarred      bool
	HasAttachments bool

	// Threading fields from the reply chain headers.
	InReplyTo  string
	References string
	ThreadID   string

	AwaitingReply      bool
	AwaitingReplySince *time.Time

	// List-Unsubscribe header value, when present.
	ListUnsubscribe string

	CreatedAt time.Time
}

// SenderDomain returns the domain part of the sender address, lowercased,
// or "" if the address has no @.
func (e Email) SenderDomain() string {
	at := strings.LastIndexByte(e.FromAddr, '@')
	if at < 0 || at == len(e.FromAddr)-1 {
		return ""
	}
	return strings.ToLower(e.FromAddr[at+1:])
}
