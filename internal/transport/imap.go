package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mail-triage/internal/model"
)

const trashFolder = "Trash"

// PasswordFunc resolves the IMAP password for an account, typically from
// the system keyring.
type PasswordFunc func(accountID string) (string, error)

// IMAPTransport implements MailTransport over go-imap v2. Each operation
// dials, authenticates, works, and logs out; connections are not pooled.
type IMAPTransport struct {
	password PasswordFunc
}

// NewIMAPTransport creates an IMAP transport resolving passwords through fn.
func NewIMAPTransport(fn PasswordFunc) *IMAPTransport {
	return &IMAPTransport{password: fn}
}

// connect establishes a connection to the account's IMAP server,
// authenticates, and returns the connected client. The caller is
// responsible for calling Logout on the returned client.
func (t *IMAPTransport) connect(_ context.Context, account model.Account) (*imapclient.Client, error) {
	pass, err := t.password(account.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving password for %s: %w", account.ID, err)
	}

	addr := account.IMAPHost + ":" + account.IMAPPort

	var client *imapclient.Client
	if account.UseTLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(account.Username, pass).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authenticating %s: %w", account.Username, err)
	}

	return client, nil
}

// FetchEnvelopes selects the folder, searches for messages received since
// the given time, and returns their envelope data plus the threading and
// unsubscribe header fields.
func (t *IMAPTransport) FetchEnvelopes(
	ctx context.Context,
	account model.Account,
	folderPath string,
	since time.Time,
	limit int,
) ([]Envelope, error) {
	client, err := t.connect(ctx, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folderPath, nil).Wait(); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", folderPath, err)
	}

	criteria := &imap.SearchCriteria{Since: since}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	// Take the most recent UIDs when over the limit.
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	uidSet := imap.UIDSetNum(uids...)

	headerSection := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{"References", "List-Unsubscribe"},
		Peek:         true,
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:      true,
		Flags:         true,
		UID:           true,
		RFC822Size:    true,
		BodyStructure: &imap.FetchItemBodyStructure{},
		BodySection:   []*imap.FetchItemBodySection{headerSection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		env := envelopeFromBuffer(buf)

		if raw := buf.FindBodySection(headerSection); raw != nil {
			refs, unsub := parseExtraHeaders(raw)
			env.References = refs
			env.ListUnsubscribe = unsub
		}

		envelopes = append(envelopes, env)
	}

	if err := fetchCmd.Close(); err != nil {
		return envelopes, fmt.Errorf("fetching envelopes: %w", err)
	}

	return envelopes, nil
}

// MoveMessage moves one message from one remote folder to another.
func (t *IMAPTransport) MoveMessage(
	ctx context.Context,
	account model.Account,
	uid uint32,
	fromPath, toPath string,
) error {
	client, err := t.connect(ctx, account)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(fromPath, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", fromPath, err)
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))

	if _, err := client.Move(uidSet, toPath).Wait(); err == nil {
		return nil
	}

	// Fallback for servers without MOVE: copy, flag deleted, expunge.
	if _, err := client.Copy(uidSet, toPath).Wait(); err != nil {
		return fmt.Errorf("copying UID %d to %s: %w", uid, toPath, err)
	}

	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("flagging UID %d deleted: %w", uid, err)
	}

	if err := client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunging %s: %w", fromPath, err)
	}

	return nil
}

// MoveToTrash moves one message to the trash folder.
func (t *IMAPTransport) MoveToTrash(
	ctx context.Context,
	account model.Account,
	uid uint32,
	fromPath string,
) error {
	return t.MoveMessage(ctx, account, uid, fromPath, trashFolder)
}

// EnsureFolders creates any of the named folders missing on the server.
// Already-existing folders are left untouched.
func (t *IMAPTransport) EnsureFolders(
	ctx context.Context,
	account model.Account,
	folders []string,
) error {
	client, err := t.connect(ctx, account)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	listCmd := client.List("", "*", nil)
	existing := make(map[string]bool)
	for {
		mbox := listCmd.Next()
		if mbox == nil {
			break
		}
		existing[mbox.Mailbox] = true
	}
	if err := listCmd.Close(); err != nil {
		return fmt.Errorf("listing folders: %w", err)
	}

	for _, folder := range folders {
		if existing[folder] {
			continue
		}
		if err := client.Create(folder, nil).Wait(); err != nil {
			return fmt.Errorf("creating folder %s: %w", folder, err)
		}
	}

	return nil
}

// FetchBody retrieves one message and extracts its plain-text body.
func (t *IMAPTransport) FetchBody(
	ctx context.Context,
	account model.Account,
	folderPath string,
	uid uint32,
) (string, error) {
	client, err := t.connect(ctx, account)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folderPath, nil).Wait(); err != nil {
		return "", fmt.Errorf("selecting %s: %w", folderPath, err)
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return "", fmt.Errorf("message UID %d not found in %s", uid, folderPath)
	}

	buf, err := msg.Collect()
	if err != nil {
		return "", fmt.Errorf("collecting message data: %w", err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return "", nil
	}

	text := parseTextBody(raw)

	if err := fetchCmd.Close(); err != nil {
		return text, fmt.Errorf("closing fetch: %w", err)
	}

	return text, nil
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID:  uint32(buf.UID),
		Size: buf.RFC822Size,
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date
		env.InReplyTo = strings.Join(buf.Envelope.InReplyTo, " ")

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			env.FromName = from.Name
			env.FromAddr = from.Addr()
		}

		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
		for _, cc := range buf.Envelope.Cc {
			env.Cc = append(env.Cc, cc.Addr())
		}
	}

	for _, flag := range buf.Flags {
		switch flag {
		case imap.FlagSeen:
			env.Seen = true
		case imap.FlagFlagged:
			env.Flagged = true
		}
	}

	if buf.BodyStructure != nil {
		buf.BodyStructure.Walk(func(path []int, part imap.BodyStructure) bool {
			if disp := part.Disposition(); disp != nil && strings.EqualFold(disp.Value, "attachment") {
				env.HasAttachments = true
				return false
			}
			return true
		})
	}

	return env
}

// parseExtraHeaders reads the References and List-Unsubscribe values out
// of a fetched header-fields block.
func parseExtraHeaders(raw []byte) (references, listUnsubscribe string) {
	mr, err := mail.CreateReader(bytes.NewReader(append(raw, '\r', '\n')))
	if err != nil || mr == nil {
		return "", ""
	}
	references = mr.Header.Get("References")
	listUnsubscribe = mr.Header.Get("List-Unsubscribe")
	return references, listUnsubscribe
}

// parseTextBody parses a raw RFC 2822 message and returns the first
// text/plain part, falling back to the first text part of any kind.
func parseTextBody(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil || mr == nil {
		return ""
	}

	var fallback string
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		ct, _, _ := header.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		if ct == "text/plain" {
			return string(body)
		}
		if fallback == "" && strings.HasPrefix(ct, "text/") {
			fallback = string(body)
		}
	}

	return fallback
}
