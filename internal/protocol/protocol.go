package protocol

import (
	"context"

	"github.com/slopmail/mailsync/pkg/types"
)

// FetchPage is one bounded page of incremental fetch results. Cursor is the
// resume point after this page has been durably merged; callers must not
// persist it before the merge succeeds.
type FetchPage struct {
	Emails []*types.Email
	Cursor types.Cursor
	// Expunged lists sequence markers the server has permanently removed
	// (an expunge-equivalent signal). Rows for these markers may be
	// physically deleted.
	Expunged []string
	HasMore  bool
}

// Handler is the capability-polymorphic contract implemented once per wire
// protocol. Operations a protocol cannot perform fail immediately with a
// *CapabilityError instead of attempting a degraded emulation; callers route
// outbound mail to a submission-capable pairing rather than expecting an
// IMAP handler to send.
//
// The network I/O inside these calls is the only place this core blocks;
// every method honors ctx cancellation.
type Handler interface {
	// Protocol identifies the variant for dispatch and error reporting.
	Protocol() types.Protocol

	// Probe attempts a lightweight handshake and login using the account's
	// stored endpoint and credential reference. It never mutates remote
	// state.
	Probe(ctx context.Context, account *types.Account) types.ProbeResult

	// ListFolders enumerates all folders. Always a full replace-by-merge;
	// folder topology changes are rare and cheap to re-derive in full.
	ListFolders(ctx context.Context, account *types.Account) ([]*types.Folder, error)

	// FetchMessages returns the next page of messages at the cursor. A
	// validity mismatch between the cursor and the live folder is reported
	// as *ValidityError so the caller can run the full-resync path.
	FetchMessages(ctx context.Context, account *types.Account, folder *types.Folder, cursor types.Cursor, pageSize int) (*FetchPage, error)

	// SendMessage submits an outgoing message and returns the Message-ID
	// assigned to it.
	SendMessage(ctx context.Context, account *types.Account, msg *types.ComposeMessage) (string, error)

	// ApplyFlagChange mutates read/flagged/answered/deleted state remotely
	// for the message identified by email's sequence marker.
	ApplyFlagChange(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email, delta types.FlagDelta) error

	// Purge permanently removes a message already marked deleted.
	Purge(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email) error
}
