package imapproto

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/emersion/go-imap"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/slopmail/mailsync/internal/credential"
	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/pkg/types"
)

// Handler speaks IMAP4rev1 for mailbox access. Connections are dialed per
// call and torn down before returning; the sync core holds no long-lived
// protocol sessions.
type Handler struct {
	vault  credential.Vault
	logger *logrus.Logger
}

// New creates an IMAP handler resolving secrets through the given vault.
func New(vault credential.Vault, logger *logrus.Logger) *Handler {
	return &Handler{vault: vault, logger: logger}
}

// Protocol identifies the handler for registry dispatch.
func (h *Handler) Protocol() types.Protocol {
	return types.ProtocolIMAP
}

// dial connects and authenticates against the account's mailbox endpoint.
// Transport failures come back as transient, rejected logins as auth errors.
func (h *Handler) dial(ctx context.Context, account *types.Account) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := account.Mailbox.Addr()
	tlsConfig := &tls.Config{
		ServerName: account.Mailbox.Host,
		MinVersion: tls.VersionTLS12,
	}

	var (
		c   *client.Client
		err error
	)
	if account.Mailbox.TLS {
		c, err = client.DialTLS(addr, tlsConfig)
	} else {
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	}
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to connect to IMAP server: %w", err))
	}

	password, err := h.vault.Resolve(account.CredentialRef)
	if err != nil {
		c.Logout() //nolint:errcheck
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}

	if err := c.Login(account.Username, password); err != nil {
		c.Logout() //nolint:errcheck
		return nil, &protocol.AuthError{Diagnostic: err.Error()}
	}
	return c, nil
}

// Probe dials and logs in, then disconnects without touching any mailbox.
func (h *Handler) Probe(ctx context.Context, account *types.Account) types.ProbeResult {
	c, err := h.dial(ctx, account)
	if err != nil {
		if protocol.IsAuth(err) {
			return types.ProbeResult{Status: types.ProbeAuthRejected, Diagnostic: err.Error()}
		}
		return types.ProbeResult{Status: types.ProbeUnreachable, Diagnostic: err.Error()}
	}
	c.Logout() //nolint:errcheck
	return types.ProbeResult{Status: types.ProbeConnected}
}

// ListFolders enumerates all mailboxes with their UIDVALIDITY and counts.
func (h *Handler) ListFolders(ctx context.Context, account *types.Account) ([]*types.Folder, error) {
	c, err := h.dial(ctx, account)
	if err != nil {
		return nil, err
	}
	defer c.Logout() //nolint:errcheck

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for m := range mailboxes {
		infos = append(infos, m)
	}
	if err := <-done; err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to list folders: %w", err))
	}

	statusItems := []imap.StatusItem{imap.StatusUidValidity, imap.StatusMessages, imap.StatusUnseen}

	var folders []*types.Folder
	for _, m := range infos {
		if hasAttr(m.Attributes, imap.NoSelectAttr) {
			continue
		}

		folder := &types.Folder{
			AccountID:   account.ID,
			Name:        m.Name,
			DisplayName: displayName(m.Name, m.Delimiter),
			Role:        roleForMailbox(m),
		}

		status, err := c.Status(m.Name, statusItems)
		if err != nil {
			// A mailbox that cannot be STATUSed still gets listed; its
			// validity is learned on first select.
			h.logger.WithError(err).WithField("folder", m.Name).Warn("Failed to get folder status")
		} else {
			folder.Validity = strconv.FormatUint(uint64(status.UidValidity), 10)
			folder.TotalCount = int(status.Messages)
			folder.UnreadCount = int(status.Unseen)
		}
		folders = append(folders, folder)
	}
	return folders, nil
}

// FetchMessages returns the next page of messages with UID at or above the
// cursor watermark. A UIDVALIDITY change relative to the cursor aborts the
// fetch with a validity error before any message is read.
func (h *Handler) FetchMessages(ctx context.Context, account *types.Account, folder *types.Folder, cursor types.Cursor, pageSize int) (*protocol.FetchPage, error) {
	c, err := h.dial(ctx, account)
	if err != nil {
		return nil, err
	}
	defer c.Logout() //nolint:errcheck

	mbox, err := c.Select(folder.Name, false)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to select folder %q: %w", folder.Name, err))
	}

	validity := strconv.FormatUint(uint64(mbox.UidValidity), 10)
	if cursor.Validity != "" && cursor.Validity != validity {
		return nil, &protocol.ValidityError{Stored: cursor.Validity, Reported: validity}
	}

	next := cursor
	next.Validity = validity

	from := uint32(cursor.NextMarker)
	if from < 1 {
		from = 1
	}
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(from, 0)

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to search folder %q: %w", folder.Name, err))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if len(uids) == 0 {
		return &protocol.FetchPage{Cursor: next}, nil
	}

	hasMore := len(uids) > pageSize
	if hasMore {
		uids = uids[:pageSize]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchRFC822Size, imap.FetchUid, imap.FetchRFC822}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var emails []*types.Email
	for msg := range messages {
		email, err := h.parseMessage(msg, account, folder)
		if err != nil {
			h.logger.WithError(err).WithField("uid", msg.Uid).Warn("Failed to parse message, skipping")
			continue
		}
		emails = append(emails, email)
	}
	if err := <-done; err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to fetch messages: %w", err))
	}

	next.NextMarker = uint64(uids[len(uids)-1]) + 1
	return &protocol.FetchPage{
		Emails:  emails,
		Cursor:  next,
		HasMore: hasMore,
	}, nil
}

// parseMessage converts one fetched IMAP message into the canonical email
// shape: envelope fields first, then the RFC822 literal for bodies and
// attachments.
func (h *Handler) parseMessage(msg *imap.Message, account *types.Account, folder *types.Folder) (*types.Email, error) {
	if msg.Uid == 0 {
		return nil, errors.New("message has no UID")
	}

	email := &types.Email{
		AccountID:    account.ID,
		FolderID:     folder.ID,
		SeqMarker:    strconv.FormatUint(uint64(msg.Uid), 10),
		InternalDate: msg.InternalDate,
		Size:         int64(msg.Size),
	}

	if env := msg.Envelope; env != nil {
		email.MessageID = env.MessageId
		email.Subject = env.Subject
		email.Date = env.Date
		if len(env.From) > 0 {
			email.From = types.Address{Name: env.From[0].PersonalName, Address: env.From[0].Address()}
		}
		email.To = convertAddresses(env.To)
		email.Cc = convertAddresses(env.Cc)
		email.Bcc = convertAddresses(env.Bcc)
		if env.InReplyTo != "" {
			email.ThreadID = env.InReplyTo
		}
	}

	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			email.Flags.Read = true
		case imap.FlaggedFlag:
			email.Flags.Flagged = true
		case imap.AnsweredFlag:
			email.Flags.Answered = true
		case imap.DraftFlag:
			email.Flags.Draft = true
		case imap.DeletedFlag:
			email.Flags.Deleted = true
		}
	}

	raw := readBody(msg)
	if len(raw) > 0 {
		if err := protocol.FillFromRaw(email, raw); err != nil {
			h.logger.WithError(err).WithField("uid", msg.Uid).Debug("Failed to parse MIME body")
		}
	}
	return email, nil
}

// readBody extracts the RFC822 literal from whichever body section key the
// server used.
func readBody(msg *imap.Message) []byte {
	for _, literal := range msg.Body {
		raw, err := io.ReadAll(literal)
		if err == nil && len(raw) > 0 {
			return raw
		}
	}
	return nil
}

func convertAddresses(addrs []*imap.Address) []types.Address {
	out := make([]types.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, types.Address{Name: a.PersonalName, Address: a.Address()})
	}
	return out
}

// SendMessage is not an IMAP capability; submission is paired separately.
func (h *Handler) SendMessage(ctx context.Context, account *types.Account, msg *types.ComposeMessage) (string, error) {
	return "", protocol.Unsupported("send message", types.ProtocolIMAP)
}

// ApplyFlagChange mutates message flags remotely via UID STORE.
func (h *Handler) ApplyFlagChange(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email, delta types.FlagDelta) error {
	if delta.Empty() {
		return nil
	}

	uid, err := markerUID(email.SeqMarker)
	if err != nil {
		return err
	}

	c, err := h.dial(ctx, account)
	if err != nil {
		return err
	}
	defer c.Logout() //nolint:errcheck

	if _, err := c.Select(folder.Name, false); err != nil {
		return protocol.Transient(fmt.Errorf("failed to select folder %q: %w", folder.Name, err))
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	add, remove := flagSets(delta)
	if len(add) > 0 {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.UidStore(seqSet, item, add, nil); err != nil {
			return protocol.Transient(fmt.Errorf("failed to add flags: %w", err))
		}
	}
	if len(remove) > 0 {
		item := imap.FormatFlagsOp(imap.RemoveFlags, true)
		if err := c.UidStore(seqSet, item, remove, nil); err != nil {
			return protocol.Transient(fmt.Errorf("failed to remove flags: %w", err))
		}
	}
	return nil
}

// purgeSession is the slice of an IMAP session a purge drives, narrow so
// the purge flow can be exercised without a live server.
type purgeSession interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidStore(seqSet *imap.SeqSet, item imap.StoreItem, flags interface{}, ch chan *imap.Message) error
	SupportUidPlus() (bool, error)
	UidExpunge(seqSet *imap.SeqSet, ch chan uint32) error
}

type uidplusSession struct {
	*client.Client
	*uidplus.UidPlusClient
}

// Purge expunges a single message: mark \Deleted, then UID EXPUNGE exactly
// that UID. A plain EXPUNGE would remove every \Deleted message in the
// folder, so servers without UIDPLUS are refused rather than risking
// messages the user had only flagged.
func (h *Handler) Purge(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email) error {
	uid, err := markerUID(email.SeqMarker)
	if err != nil {
		return err
	}

	c, err := h.dial(ctx, account)
	if err != nil {
		return err
	}
	defer c.Logout() //nolint:errcheck

	return purgeMessage(&uidplusSession{c, uidplus.NewClient(c)}, folder.Name, uid)
}

func purgeMessage(sess purgeSession, folderName string, uid uint32) error {
	supported, err := sess.SupportUidPlus()
	if err != nil {
		return protocol.Transient(fmt.Errorf("failed to check for UIDPLUS support: %w", err))
	}
	if !supported {
		return fmt.Errorf("server does not support UIDPLUS; refusing EXPUNGE that would remove every flagged-deleted message in %q", folderName)
	}

	if _, err := sess.Select(folderName, false); err != nil {
		return protocol.Transient(fmt.Errorf("failed to select folder %q: %w", folderName, err))
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := sess.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return protocol.Transient(fmt.Errorf("failed to mark message deleted: %w", err))
	}

	out := make(chan uint32)
	done := make(chan error, 1)
	go func() {
		done <- sess.UidExpunge(seqSet, out)
	}()
	for range out {
	}
	if err := <-done; err != nil {
		return protocol.Transient(fmt.Errorf("failed to expunge message: %w", err))
	}
	return nil
}

func markerUID(marker string) (uint32, error) {
	uid, err := strconv.ParseUint(marker, 10, 32)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("malformed IMAP sequence marker %q", marker)
	}
	return uint32(uid), nil
}

func flagSets(delta types.FlagDelta) (add, remove []interface{}) {
	for _, m := range []struct {
		val  *bool
		flag string
	}{
		{delta.Read, imap.SeenFlag},
		{delta.Flagged, imap.FlaggedFlag},
		{delta.Answered, imap.AnsweredFlag},
		{delta.Deleted, imap.DeletedFlag},
	} {
		if m.val == nil {
			continue
		}
		if *m.val {
			add = append(add, m.flag)
		} else {
			remove = append(remove, m.flag)
		}
	}
	return add, remove
}
