package smtpproto

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/mail"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/slopmail/mailsync/internal/credential"
	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/pkg/types"
)

// Handler is the submission-only pairing for IMAP and POP3 accounts: it can
// send, and nothing else. Mailbox operations fail with a capability error so
// a misrouted call is caught at the dispatch layer, not on the wire.
type Handler struct {
	vault  credential.Vault
	logger *logrus.Logger
}

// New creates an SMTP submission handler.
func New(vault credential.Vault, logger *logrus.Logger) *Handler {
	return &Handler{vault: vault, logger: logger}
}

// Protocol identifies the handler for registry dispatch.
func (h *Handler) Protocol() types.Protocol {
	return types.ProtocolSMTP
}

// Probe dials and authenticates against the account's submission endpoint.
func (h *Handler) Probe(ctx context.Context, account *types.Account) types.ProbeResult {
	if account.Submission == nil {
		return types.ProbeResult{Status: types.ProbeUnreachable, Diagnostic: "account has no submission endpoint"}
	}
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

// dial connects and authenticates. Port 465 uses implicit TLS; anything else
// upgrades with STARTTLS before authenticating.
func (h *Handler) dial(ctx context.Context, account *types.Account) (*smtp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	endpoint := account.Submission
	addr := endpoint.Addr()
	tlsConfig := &tls.Config{
		ServerName: endpoint.Host,
		MinVersion: tls.VersionTLS12,
	}

	var c *smtp.Client
	if endpoint.Port == 465 {
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return nil, protocol.Transient(fmt.Errorf("failed to connect to SMTP server: %w", err))
		}
		c, err = smtp.NewClient(conn, endpoint.Host)
		if err != nil {
			conn.Close()
			return nil, protocol.Transient(fmt.Errorf("failed to create SMTP client: %w", err))
		}
	} else {
		var err error
		c, err = smtp.Dial(addr)
		if err != nil {
			return nil, protocol.Transient(fmt.Errorf("failed to connect to SMTP server: %w", err))
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return nil, protocol.Transient(fmt.Errorf("failed to start TLS: %w", err))
		}
	}

	password, err := h.vault.Resolve(account.CredentialRef)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}

	auth := smtp.PlainAuth("", account.Username, password, endpoint.Host)
	if err := c.Auth(auth); err != nil {
		c.Close()
		return nil, &protocol.AuthError{Diagnostic: err.Error()}
	}
	return c, nil
}

// SendMessage builds a MIME message, submits it, and returns its Message-ID.
func (h *Handler) SendMessage(ctx context.Context, account *types.Account, msg *types.ComposeMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if account.Submission == nil {
		return "", fmt.Errorf("account %q has no submission endpoint", account.Name)
	}

	messageID := newMessageID(account.Address)
	raw, err := buildMIME(account, msg, messageID)
	if err != nil {
		return "", fmt.Errorf("failed to build message: %w", err)
	}

	c, err := h.dial(ctx, account)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if err := c.Mail(account.Address); err != nil {
		return "", protocol.Transient(fmt.Errorf("failed to set sender: %w", err))
	}
	for _, rcpt := range msg.Recipients() {
		if err := c.Rcpt(rcpt); err != nil {
			return "", protocol.Transient(fmt.Errorf("failed to set recipient %s: %w", rcpt, err))
		}
	}

	w, err := c.Data()
	if err != nil {
		return "", protocol.Transient(fmt.Errorf("failed to send data command: %w", err))
	}
	if _, err := w.Write(raw); err != nil {
		return "", protocol.Transient(fmt.Errorf("failed to write message: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", protocol.Transient(fmt.Errorf("failed to close data writer: %w", err))
	}
	if err := c.Quit(); err != nil {
		h.logger.WithError(err).Debug("SMTP quit failed after accepted message")
	}

	h.logger.WithFields(logrus.Fields{
		"account":    account.Name,
		"message_id": messageID,
	}).Info("Message submitted")
	return messageID, nil
}

// buildMIME assembles the outgoing message body with enmime.
func buildMIME(account *types.Account, msg *types.ComposeMessage, messageID string) ([]byte, error) {
	builder := enmime.Builder().
		From(account.Name, account.Address).
		ToAddrs(mailAddresses(msg.To)).
		Subject(msg.Subject).
		Header("Message-ID", messageID)

	if len(msg.Cc) > 0 {
		builder = builder.CCAddrs(mailAddresses(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		builder = builder.BCCAddrs(mailAddresses(msg.Bcc))
	}
	if msg.BodyText != "" {
		builder = builder.Text([]byte(msg.BodyText))
	}
	if msg.BodyHTML != "" {
		builder = builder.HTML([]byte(msg.BodyHTML))
	}
	if msg.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		builder = builder.Header("References", strings.Join(msg.References, " "))
	}
	for _, att := range msg.Attachments {
		builder = builder.AddAttachment(att.Data, att.ContentType, att.Filename)
	}

	part, err := builder.Build()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mailAddresses(addrs []types.Address) []mail.Address {
	out := make([]mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func newMessageID(address string) string {
	domain := "localhost"
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		domain = address[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// ListFolders is not a submission capability.
func (h *Handler) ListFolders(ctx context.Context, account *types.Account) ([]*types.Folder, error) {
	return nil, protocol.Unsupported("list folders", types.ProtocolSMTP)
}

// FetchMessages is not a submission capability.
func (h *Handler) FetchMessages(ctx context.Context, account *types.Account, folder *types.Folder, cursor types.Cursor, pageSize int) (*protocol.FetchPage, error) {
	return nil, protocol.Unsupported("fetch messages", types.ProtocolSMTP)
}

// ApplyFlagChange is not a submission capability.
func (h *Handler) ApplyFlagChange(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email, delta types.FlagDelta) error {
	return protocol.Unsupported("apply flag change", types.ProtocolSMTP)
}

// Purge is not a submission capability.
func (h *Handler) Purge(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email) error {
	return protocol.Unsupported("purge message", types.ProtocolSMTP)
}
