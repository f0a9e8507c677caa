package jmapproto

import (
	"time"

	"github.com/slopmail/mailsync/pkg/types"
)

type jmapAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type jmapBodyPart struct {
	PartID      string `json:"partId"`
	BlobID      string `json:"blobId"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Disposition string `json:"disposition"`
}

type jmapBodyValue struct {
	Value string `json:"value"`
}

// jmapEmail is the wire shape of an Email/get result restricted to the
// properties the sync core stores.
type jmapEmail struct {
	ID         string                   `json:"id"`
	ThreadID   string                   `json:"threadId"`
	MailboxIDs map[string]bool          `json:"mailboxIds"`
	MessageID  []string                 `json:"messageId"`
	InReplyTo  []string                 `json:"inReplyTo"`
	Keywords   map[string]bool          `json:"keywords"`
	From       []jmapAddress            `json:"from"`
	To         []jmapAddress            `json:"to"`
	Cc         []jmapAddress            `json:"cc"`
	Bcc        []jmapAddress            `json:"bcc"`
	Subject    string                   `json:"subject"`
	Size       int64                    `json:"size"`
	ReceivedAt time.Time                `json:"receivedAt"`
	SentAt     time.Time                `json:"sentAt"`
	TextBody   []jmapBodyPart           `json:"textBody"`
	HTMLBody   []jmapBodyPart           `json:"htmlBody"`
	BodyValues map[string]jmapBodyValue `json:"bodyValues"`
	// Attachments is the server-computed convenience view of non-body parts.
	Attachments []jmapBodyPart `json:"attachments"`
}

func (e *jmapEmail) inMailbox(mailboxID string) bool {
	return e.MailboxIDs[mailboxID]
}

// toEmail maps the wire shape to the canonical email. The JMAP email id is
// the sequence marker; it is immutable for the lifetime of the message.
func (e *jmapEmail) toEmail(accountID, folderID int64) *types.Email {
	out := &types.Email{
		AccountID:    accountID,
		FolderID:     folderID,
		SeqMarker:    e.ID,
		ThreadID:     e.ThreadID,
		Subject:      e.Subject,
		Size:         e.Size,
		Date:         e.SentAt,
		InternalDate: e.ReceivedAt,
		To:           convertAddresses(e.To),
		Cc:           convertAddresses(e.Cc),
		Bcc:          convertAddresses(e.Bcc),
		Flags: types.Flags{
			Read:     e.Keywords["$seen"],
			Flagged:  e.Keywords["$flagged"],
			Answered: e.Keywords["$answered"],
			Draft:    e.Keywords["$draft"],
			Deleted:  e.Keywords["$deleted"],
		},
	}
	if len(e.MessageID) > 0 {
		out.MessageID = e.MessageID[0]
	}
	if out.Date.IsZero() {
		out.Date = e.ReceivedAt
	}
	if len(e.From) > 0 {
		out.From = types.Address{Name: e.From[0].Name, Address: e.From[0].Email}
	}

	out.BodyText = e.bodyValue(e.TextBody)
	out.BodyHTML = e.bodyValue(e.HTMLBody)

	for _, part := range e.Attachments {
		out.Attachments = append(out.Attachments, types.AttachmentInfo{
			Filename:    part.Name,
			ContentType: part.Type,
			Size:        part.Size,
			Inline:      part.Disposition == "inline",
		})
	}
	return out
}

// bodyValue concatenates the fetched body values for the given part list.
func (e *jmapEmail) bodyValue(parts []jmapBodyPart) string {
	var body string
	for _, part := range parts {
		if v, ok := e.BodyValues[part.PartID]; ok {
			body += v.Value
		}
	}
	return body
}

func convertAddresses(addrs []jmapAddress) []types.Address {
	out := make([]types.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, types.Address{Name: a.Name, Address: a.Email})
	}
	return out
}
