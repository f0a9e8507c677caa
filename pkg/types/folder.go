package types

import "time"

// FolderRole classifies a folder by its well-known purpose. It is assigned
// once from the protocol's own naming/attribute convention and is not
// user-editable for the well-known roles.
type FolderRole string

const (
	RoleInbox   FolderRole = "inbox"
	RoleSent    FolderRole = "sent"
	RoleDrafts  FolderRole = "drafts"
	RoleTrash   FolderRole = "trash"
	RoleSpam    FolderRole = "spam"
	RoleArchive FolderRole = "archive"
	RoleCustom  FolderRole = "custom"
)

// Folder is a named remote mailbox mapped 1:1 to a local container.
// TotalCount and UnreadCount are derived from stored Email rows and are
// never authoritative on their own.
type Folder struct {
	ID          int64      `json:"id"`
	AccountID   int64      `json:"account_id"`
	Name        string     `json:"name"` // protocol-level mailbox name or id
	DisplayName string     `json:"display_name"`
	Role        FolderRole `json:"role"`

	TotalCount  int `json:"total_count"`
	UnreadCount int `json:"unread_count"`

	// Validity is the protocol's identifier-numbering epoch for this folder
	// (IMAP UIDVALIDITY rendered as decimal). Empty when the protocol does
	// not expose one cheaply; those protocols signal resets mid-fetch.
	Validity string `json:"validity,omitempty"`

	// Stale marks a folder whose remote counterpart was absent from the
	// last full enumeration. MissingPasses counts consecutive absences;
	// the folder is removed only after two.
	Stale         bool `json:"stale"`
	MissingPasses int  `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cursor is the per-(account, folder) synchronization state. It is advanced
// only after the corresponding batch of remote results has been durably
// merged, which makes resumption after a crash safe: the last batch may be
// refetched, but unsynced mail is never silently skipped.
type Cursor struct {
	AccountID int64 `json:"account_id"`
	FolderID  int64 `json:"folder_id"`

	// Validity mirrors the folder's identifier-numbering epoch. Any change
	// invalidates NextMarker and ContinuationToken and forces a full refetch.
	Validity string `json:"validity"`

	// NextMarker is the lowest sequence marker not yet fetched, monotonically
	// non-decreasing while Validity is stable.
	NextMarker uint64 `json:"next_marker"`

	// ContinuationToken is an opaque resume token for protocols that expose
	// a change feed (the JMAP state string).
	ContinuationToken string `json:"continuation_token,omitempty"`

	LastSync time.Time `json:"last_sync"`
}
