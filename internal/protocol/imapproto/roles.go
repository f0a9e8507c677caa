package imapproto

import (
	"strings"

	"github.com/emersion/go-imap"

	"github.com/slopmail/mailsync/pkg/types"
)

// roleForMailbox maps a listed mailbox to its semantic role. SPECIAL-USE
// attributes win when the server advertises them; common English mailbox
// names are the fallback.
func roleForMailbox(m *imap.MailboxInfo) types.FolderRole {
	for _, attr := range m.Attributes {
		switch attr {
		case imap.SentAttr:
			return types.RoleSent
		case imap.DraftsAttr:
			return types.RoleDrafts
		case imap.TrashAttr:
			return types.RoleTrash
		case imap.JunkAttr:
			return types.RoleSpam
		case imap.ArchiveAttr:
			return types.RoleArchive
		}
	}

	name := strings.ToLower(m.Name)
	if i := strings.LastIndex(name, m.Delimiter); m.Delimiter != "" && i >= 0 {
		name = name[i+len(m.Delimiter):]
	}
	switch name {
	case "inbox":
		return types.RoleInbox
	case "sent", "sent items", "sent messages":
		return types.RoleSent
	case "drafts", "draft":
		return types.RoleDrafts
	case "trash", "deleted", "deleted items":
		return types.RoleTrash
	case "spam", "junk", "junk mail":
		return types.RoleSpam
	case "archive", "archives", "all mail":
		return types.RoleArchive
	}
	return types.RoleCustom
}

// displayName strips the hierarchy prefix from a mailbox path for display.
func displayName(name, delimiter string) string {
	if delimiter == "" {
		return name
	}
	if i := strings.LastIndex(name, delimiter); i >= 0 {
		return name[i+len(delimiter):]
	}
	return name
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}
