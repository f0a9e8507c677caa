package types

import "time"

// Address is one (optional display name, address) pair from a recipient or
// sender list. Order within a list is preserved.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// AttachmentInfo is attachment metadata synchronized with a message.
// Attachment bytes are fetched lazily and are never part of this row.
type AttachmentInfo struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline"`
}

// Flags holds the five independent message flags. They are not mutually
// exclusive; a flagged-and-read message is valid.
type Flags struct {
	Read     bool `json:"read"`
	Flagged  bool `json:"flagged"`
	Answered bool `json:"answered"`
	Draft    bool `json:"draft"`
	Deleted  bool `json:"deleted"`
}

// FlagDelta describes a partial flag mutation. Nil fields are left untouched.
type FlagDelta struct {
	Read     *bool `json:"read,omitempty"`
	Flagged  *bool `json:"flagged,omitempty"`
	Answered *bool `json:"answered,omitempty"`
	Deleted  *bool `json:"deleted,omitempty"`
}

// Empty reports whether the delta changes nothing.
func (d FlagDelta) Empty() bool {
	return d.Read == nil && d.Flagged == nil && d.Answered == nil && d.Deleted == nil
}

// Apply overlays the delta onto f.
func (d FlagDelta) Apply(f Flags) Flags {
	if d.Read != nil {
		f.Read = *d.Read
	}
	if d.Flagged != nil {
		f.Flagged = *d.Flagged
	}
	if d.Answered != nil {
		f.Answered = *d.Answered
	}
	if d.Deleted != nil {
		f.Deleted = *d.Deleted
	}
	return f
}

// Email is one synchronized message. The locally assigned ID is the only
// identity guaranteed stable across a validity reset; MessageID comes from
// the remote sender and must never be trusted as globally unique on its own.
type Email struct {
	ID        int64 `json:"id"`
	AccountID int64 `json:"account_id"`
	FolderID  int64 `json:"folder_id"`

	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`

	Subject string    `json:"subject"`
	From    Address   `json:"from"`
	To      []Address `json:"to,omitempty"`
	Cc      []Address `json:"cc,omitempty"`
	Bcc     []Address `json:"bcc,omitempty"`

	// A message may carry either body, both, or neither.
	BodyText string `json:"body_text,omitempty"`
	BodyHTML string `json:"body_html,omitempty"`

	Attachments []AttachmentInfo `json:"attachments,omitempty"`
	Size        int64            `json:"size"`

	Date         time.Time `json:"date"`          // origination date from the message itself
	InternalDate time.Time `json:"internal_date"` // date the message was appended into the folder

	Flags Flags `json:"flags"`

	// SeqMarker is the protocol-specific sequence marker (IMAP UID rendered
	// as decimal, JMAP email id, POP3 UIDL). Used only for incremental-sync
	// bookkeeping, never for display identity. Empty means absent; when
	// present it is unique per (account, folder).
	SeqMarker string `json:"seq_marker,omitempty"`

	// Unverified marks rows awaiting reconfirmation during a full resync
	// after a validity reset.
	Unverified bool `json:"unverified,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
