package pop3proto

import (
	"context"
	"fmt"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/sirupsen/logrus"

	"github.com/slopmail/mailsync/internal/credential"
	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/pkg/types"
)

// inboxName is the single folder a POP3 mailbox exposes.
const inboxName = "INBOX"

// Handler speaks POP3. The protocol has no folders, no flags, and no stable
// message numbering across sessions, so the handler models the mailbox as a
// single Inbox and keys messages by their UIDL value. A mailbox that shrank
// below the cursor watermark, or whose message at the watermark no longer
// carries the remembered UIDL, is treated as a numbering reset.
type Handler struct {
	vault  credential.Vault
	logger *logrus.Logger
}

// New creates a POP3 handler.
func New(vault credential.Vault, logger *logrus.Logger) *Handler {
	return &Handler{vault: vault, logger: logger}
}

// Protocol identifies the handler for registry dispatch.
func (h *Handler) Protocol() types.Protocol {
	return types.ProtocolPOP3
}

// dial connects and authenticates against the account's mailbox endpoint.
func (h *Handler) dial(ctx context.Context, account *types.Account) (*pop3.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := pop3.New(pop3.Opt{
		Host:        account.Mailbox.Host,
		Port:        account.Mailbox.Port,
		TLSEnabled:  account.Mailbox.TLS,
		DialTimeout: 30 * time.Second,
	})
	c, err := p.NewConn()
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to connect to POP3 server: %w", err))
	}

	password, err := h.vault.Resolve(account.CredentialRef)
	if err != nil {
		c.Quit() //nolint:errcheck
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}

	if err := c.Auth(account.Username, password); err != nil {
		c.Quit() //nolint:errcheck
		return nil, &protocol.AuthError{Diagnostic: err.Error()}
	}
	return c, nil
}

// Probe dials and logs in, then disconnects.
func (h *Handler) Probe(ctx context.Context, account *types.Account) types.ProbeResult {
	c, err := h.dial(ctx, account)
	if err != nil {
		if protocol.IsAuth(err) {
			return types.ProbeResult{Status: types.ProbeAuthRejected, Diagnostic: err.Error()}
		}
		return types.ProbeResult{Status: types.ProbeUnreachable, Diagnostic: err.Error()}
	}
	c.Quit() //nolint:errcheck
	return types.ProbeResult{Status: types.ProbeConnected}
}

// ListFolders returns the synthetic single Inbox with its live message count.
func (h *Handler) ListFolders(ctx context.Context, account *types.Account) ([]*types.Folder, error) {
	c, err := h.dial(ctx, account)
	if err != nil {
		return nil, err
	}
	defer c.Quit() //nolint:errcheck

	count, _, err := c.Stat()
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to stat mailbox: %w", err))
	}

	return []*types.Folder{{
		AccountID:   account.ID,
		Name:        inboxName,
		DisplayName: "Inbox",
		Role:        types.RoleInbox,
		TotalCount:  count,
	}}, nil
}

// FetchMessages pages through the mailbox by message number starting at the
// cursor watermark, keying each message by its UIDL value so re-merging a
// page after a crash stays idempotent.
func (h *Handler) FetchMessages(ctx context.Context, account *types.Account, folder *types.Folder, cursor types.Cursor, pageSize int) (*protocol.FetchPage, error) {
	c, err := h.dial(ctx, account)
	if err != nil {
		return nil, err
	}
	defer c.Quit() //nolint:errcheck

	count, _, err := c.Stat()
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to stat mailbox: %w", err))
	}

	uidls, err := c.Uidl(0)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to list message UIDs: %w", err))
	}
	uidByNumber := make(map[int]string, len(uidls))
	for _, m := range uidls {
		uidByNumber[m.ID] = m.UID
	}

	if err := checkNumberingEpoch(cursor, count, uidByNumber); err != nil {
		return nil, err
	}

	next := cursor
	start := int(cursor.NextMarker)
	if start < 1 {
		start = 1
	}
	if start > count {
		return &protocol.FetchPage{Cursor: next}, nil
	}

	end := start + pageSize - 1
	if end > count {
		end = count
	}

	var emails []*types.Email
	for n := start; n <= end; n++ {
		uid, ok := uidByNumber[n]
		if !ok || uid == "" {
			return nil, fmt.Errorf("server reported no UIDL for message %d", n)
		}

		buf, err := c.RetrRaw(n)
		if err != nil {
			return nil, protocol.Transient(fmt.Errorf("failed to retrieve message %d: %w", n, err))
		}

		email := &types.Email{
			AccountID: account.ID,
			FolderID:  folder.ID,
			SeqMarker: uid,
		}
		if err := protocol.FillFromRaw(email, buf.Bytes()); err != nil {
			h.logger.WithError(err).WithField("uid", uid).Warn("Failed to parse message, skipping")
			continue
		}
		if email.InternalDate.IsZero() {
			email.InternalDate = email.Date
		}
		emails = append(emails, email)
	}

	next.NextMarker = uint64(end) + 1
	next.ContinuationToken = uidByNumber[end]
	return &protocol.FetchPage{
		Emails:  emails,
		Cursor:  next,
		HasMore: end < count,
	}, nil
}

// checkNumberingEpoch decides whether the cursor's numbering epoch is still
// alive. POP3 renumbers on every expunge: a mailbox smaller than the
// watermark means everything must be refetched, and deletions followed by
// new arrivals can renumber without shrinking below the watermark, so the
// UIDL remembered for the last fetched message must still sit at its
// position.
func checkNumberingEpoch(cursor types.Cursor, count int, uidByNumber map[int]string) error {
	if cursor.NextMarker > uint64(count)+1 {
		return &protocol.ValidityError{Stored: cursor.Validity, Reported: ""}
	}
	if cursor.NextMarker > 1 && cursor.ContinuationToken != "" {
		anchor := int(cursor.NextMarker) - 1
		if uidByNumber[anchor] != cursor.ContinuationToken {
			return &protocol.ValidityError{Stored: cursor.ContinuationToken, Reported: uidByNumber[anchor]}
		}
	}
	return nil
}

// SendMessage is not a POP3 capability; submission is paired separately.
func (h *Handler) SendMessage(ctx context.Context, account *types.Account, msg *types.ComposeMessage) (string, error) {
	return "", protocol.Unsupported("send message", types.ProtocolPOP3)
}

// ApplyFlagChange is not a POP3 capability: the protocol stores no flags.
func (h *Handler) ApplyFlagChange(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email, delta types.FlagDelta) error {
	return protocol.Unsupported("apply flag change", types.ProtocolPOP3)
}

// Purge deletes the message whose UIDL matches the stored marker. The delete
// commits when the session quits cleanly.
func (h *Handler) Purge(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email) error {
	c, err := h.dial(ctx, account)
	if err != nil {
		return err
	}
	defer c.Quit() //nolint:errcheck

	uidls, err := c.Uidl(0)
	if err != nil {
		return protocol.Transient(fmt.Errorf("failed to list message UIDs: %w", err))
	}
	for _, m := range uidls {
		if m.UID != email.SeqMarker {
			continue
		}
		if err := c.Dele(m.ID); err != nil {
			return protocol.Transient(fmt.Errorf("failed to delete message %d: %w", m.ID, err))
		}
		return nil
	}
	// Already gone remotely; the purge is idempotent.
	return nil
}
