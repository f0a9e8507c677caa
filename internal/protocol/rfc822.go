package protocol

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"

	"github.com/slopmail/mailsync/pkg/types"
)

// FillFromRaw parses a raw RFC822 message and fills e with header fields,
// bodies, and attachment metadata. Fields already populated from protocol
// envelope data (subject, addresses, dates) are kept; only empty ones are
// filled from the parsed headers.
func FillFromRaw(e *types.Email, raw []byte) error {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	if e.Subject == "" {
		e.Subject = env.GetHeader("Subject")
	}
	if e.MessageID == "" {
		e.MessageID = strings.TrimSpace(env.GetHeader("Message-Id"))
	}
	if e.From.Address == "" {
		if from := parseAddressList(env, "From"); len(from) > 0 {
			e.From = from[0]
		}
	}
	if len(e.To) == 0 {
		e.To = parseAddressList(env, "To")
	}
	if len(e.Cc) == 0 {
		e.Cc = parseAddressList(env, "Cc")
	}
	if len(e.Bcc) == 0 {
		e.Bcc = parseAddressList(env, "Bcc")
	}
	if e.ThreadID == "" {
		e.ThreadID = threadIDFromHeaders(env)
	}
	if e.Date.IsZero() {
		if d, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
			e.Date = d
		}
	}

	e.BodyText = env.Text
	e.BodyHTML = env.HTML
	if e.BodyText == "" && e.BodyHTML != "" {
		// HTML-only message: derive a plain-text rendering for list views.
		if text, err := html2text.FromString(e.BodyHTML, html2text.Options{TextOnly: true}); err == nil {
			e.BodyText = text
		}
	}

	e.Attachments = e.Attachments[:0]
	for _, p := range env.Attachments {
		e.Attachments = append(e.Attachments, types.AttachmentInfo{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			Size:        int64(len(p.Content)),
		})
	}
	for _, p := range env.Inlines {
		if p.FileName == "" {
			continue
		}
		e.Attachments = append(e.Attachments, types.AttachmentInfo{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			Size:        int64(len(p.Content)),
			Inline:      true,
		})
	}

	if e.Size == 0 {
		e.Size = int64(len(raw))
	}

	return nil
}

// threadIDFromHeaders derives a thread-correlation identifier from the
// References chain, falling back to In-Reply-To. Both are sender-controlled
// and only ever used as a correlation hint.
func threadIDFromHeaders(env *enmime.Envelope) string {
	if refs := strings.Fields(env.GetHeader("References")); len(refs) > 0 {
		return refs[0]
	}
	return strings.TrimSpace(env.GetHeader("In-Reply-To"))
}

func parseAddressList(env *enmime.Envelope, key string) []types.Address {
	parsed, err := env.AddressList(key)
	if err != nil {
		return nil
	}
	addrs := make([]types.Address, 0, len(parsed))
	for _, a := range parsed {
		addrs = append(addrs, types.Address{Name: a.Name, Address: a.Address})
	}
	return addrs
}
