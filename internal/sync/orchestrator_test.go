package sync

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/internal/store"
	"github.com/slopmail/mailsync/pkg/types"
)

// fakeMailbox is one remote folder's live state: a validity token and
// messages keyed by decimal UID markers in ascending order.
type fakeMailbox struct {
	validity string
	emails   []*types.Email
}

// fakeHandler implements protocol.Handler over in-memory mailboxes.
type fakeHandler struct {
	probe     types.ProbeResult
	mailboxes map[string]*fakeMailbox
	fetchErr  map[string]error
	// resetOnce makes the next fetch for the folder fail with a validity
	// error, simulating a reset detected mid-pass rather than at listing.
	resetOnce map[string]bool
	// onFetch, when set, observes every fetch call before it is served.
	onFetch func(cursor types.Cursor)
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		probe:     types.ProbeResult{Status: types.ProbeConnected},
		mailboxes: map[string]*fakeMailbox{},
		fetchErr:  map[string]error{},
		resetOnce: map[string]bool{},
	}
}

func (f *fakeHandler) Protocol() types.Protocol { return types.ProtocolIMAP }

func (f *fakeHandler) Probe(ctx context.Context, account *types.Account) types.ProbeResult {
	return f.probe
}

func (f *fakeHandler) ListFolders(ctx context.Context, account *types.Account) ([]*types.Folder, error) {
	var folders []*types.Folder
	for name, mb := range f.mailboxes {
		role := types.RoleCustom
		if name == "INBOX" {
			role = types.RoleInbox
		}
		folders = append(folders, &types.Folder{
			AccountID: account.ID, Name: name, DisplayName: name, Role: role, Validity: mb.validity,
		})
	}
	return folders, nil
}

func (f *fakeHandler) FetchMessages(ctx context.Context, account *types.Account, folder *types.Folder, cursor types.Cursor, pageSize int) (*protocol.FetchPage, error) {
	if f.onFetch != nil {
		f.onFetch(cursor)
	}
	if err := f.fetchErr[folder.Name]; err != nil {
		return nil, err
	}
	mb := f.mailboxes[folder.Name]
	if f.resetOnce[folder.Name] {
		delete(f.resetOnce, folder.Name)
		return nil, &protocol.ValidityError{Stored: cursor.Validity, Reported: mb.validity}
	}
	if cursor.Validity != "" && cursor.Validity != mb.validity {
		return nil, &protocol.ValidityError{Stored: cursor.Validity, Reported: mb.validity}
	}

	next := cursor
	next.Validity = mb.validity

	var matched []*types.Email
	for _, e := range mb.emails {
		uid, _ := strconv.ParseUint(e.SeqMarker, 10, 64)
		if uid >= cursor.NextMarker {
			matched = append(matched, e)
		}
	}
	hasMore := len(matched) > pageSize
	if hasMore {
		matched = matched[:pageSize]
	}
	if len(matched) > 0 {
		last, _ := strconv.ParseUint(matched[len(matched)-1].SeqMarker, 10, 64)
		next.NextMarker = last + 1
	}
	return &protocol.FetchPage{Emails: matched, Cursor: next, HasMore: hasMore}, nil
}

func (f *fakeHandler) SendMessage(ctx context.Context, account *types.Account, msg *types.ComposeMessage) (string, error) {
	return "", protocol.Unsupported("send message", types.ProtocolIMAP)
}

func (f *fakeHandler) ApplyFlagChange(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email, delta types.FlagDelta) error {
	return nil
}

func (f *fakeHandler) Purge(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email) error {
	return nil
}

func uidEmail(uid int, messageID string) *types.Email {
	return &types.Email{
		MessageID: messageID,
		Subject:   "subject " + strconv.Itoa(uid),
		From:      types.Address{Address: "sender@example.com"},
		To:        []types.Address{{Address: "work@example.com"}},
		BodyText:  "body",
		SeqMarker: strconv.Itoa(uid),
		Date:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func uidRange(from, to int) []*types.Email {
	var emails []*types.Email
	for uid := from; uid <= to; uid++ {
		emails = append(emails, uidEmail(uid, "<m"+strconv.Itoa(uid)+"@example.com>"))
	}
	return emails
}

func newTestOrchestrator(t *testing.T, s *store.Store, fake *fakeHandler, pageSize int) *Orchestrator {
	t.Helper()
	registry := protocol.NewRegistry()
	registry.Register(fake)
	o := NewOrchestrator(s, registry, quietLogger(), pageSize, 1)
	o.RetryMaxElapsed = 10 * time.Millisecond
	return o
}

func seedAccount(t *testing.T, s *store.Store) int64 {
	t.Helper()
	id, err := s.SaveAccount(&types.Account{
		Name:          "work",
		Address:       "work@example.com",
		Protocol:      types.ProtocolIMAP,
		Mailbox:       &types.Endpoint{Host: "imap.example.com", Port: 993, TLS: true},
		Username:      "work@example.com",
		CredentialRef: "keyring:work",
	})
	require.NoError(t, err)
	return id
}

func inboxID(t *testing.T, s *store.Store, accountID int64) int64 {
	t.Helper()
	folders, err := s.ListFolders(accountID)
	require.NoError(t, err)
	for _, f := range folders {
		if f.Name == "INBOX" {
			return f.ID
		}
	}
	t.Fatal("no INBOX folder")
	return 0
}

func Test_SyncAccount_FirstSyncWalksAllPages(t *testing.T) {
	s := newTestStore(t)
	accountID := seedAccount(t, s)

	fake := newFakeHandler()
	fake.mailboxes["INBOX"] = &fakeMailbox{validity: "100", emails: uidRange(1, 75)}

	o := newTestOrchestrator(t, s, fake, 50)
	require.NoError(t, o.SyncAccount(context.Background(), accountID))

	folderID := inboxID(t, s, accountID)
	emails, err := s.EmailPage(folderID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, emails, 75)

	cursor, found, err := s.GetCursor(accountID, folderID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(76), cursor.NextMarker)
	assert.Equal(t, "100", cursor.Validity)
	assert.False(t, cursor.LastSync.IsZero())
}

func Test_SyncAccount_IncrementalPicksUpNewMail(t *testing.T) {
	s := newTestStore(t)
	accountID := seedAccount(t, s)

	fake := newFakeHandler()
	fake.mailboxes["INBOX"] = &fakeMailbox{validity: "100", emails: uidRange(1, 75)}

	o := newTestOrchestrator(t, s, fake, 50)
	require.NoError(t, o.SyncAccount(context.Background(), accountID))

	fake.mailboxes["INBOX"].emails = append(fake.mailboxes["INBOX"].emails, uidEmail(76, "<new@example.com>"))
	require.NoError(t, o.SyncAccount(context.Background(), accountID))

	folderID := inboxID(t, s, accountID)
	emails, err := s.EmailPage(folderID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, emails, 76)

	cursor, _, err := s.GetCursor(accountID, folderID)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), cursor.NextMarker)
}

func Test_SyncAccount_ValidityResetResyncsFromScratch(t *testing.T) {
	s := newTestStore(t)
	accountID := seedAccount(t, s)

	fake := newFakeHandler()
	fake.mailboxes["INBOX"] = &fakeMailbox{validity: "100", emails: []*types.Email{
		uidEmail(1, "<m1@example.com>"),
		uidEmail(2, "<m2@example.com>"),
		uidEmail(3, "<m3@example.com>"),
	}}

	o := newTestOrchestrator(t, s, fake, 50)
	require.NoError(t, o.SyncAccount(context.Background(), accountID))

	// The server rebuilt the mailbox: new validity, renumbered from 1, one
	// message gone for good.
	fake.mailboxes["INBOX"] = &fakeMailbox{validity: "101", emails: []*types.Email{
		uidEmail(1, "<m1@example.com>"),
		uidEmail(2, "<m3@example.com>"),
	}}
	require.NoError(t, o.SyncAccount(context.Background(), accountID))

	folderID := inboxID(t, s, accountID)
	cursor, _, err := s.GetCursor(accountID, folderID)
	require.NoError(t, err)
	assert.Equal(t, "101", cursor.Validity)
	assert.Equal(t, uint64(3), cursor.NextMarker)

	emails, err := s.EmailPage(folderID, 100, 0)
	require.NoError(t, err)
	byMessageID := map[string]*types.Email{}
	for _, e := range emails {
		byMessageID[e.MessageID] = e
	}
	require.Len(t, byMessageID, 3)
	assert.False(t, byMessageID["<m1@example.com>"].Flags.Deleted)
	assert.Equal(t, "1", byMessageID["<m1@example.com>"].SeqMarker)
	assert.False(t, byMessageID["<m3@example.com>"].Flags.Deleted)
	assert.Equal(t, "2", byMessageID["<m3@example.com>"].SeqMarker)
	assert.True(t, byMessageID["<m2@example.com>"].Flags.Deleted, "vanished message is swept after resync")
}

func Test_SyncAccount_MidPassValidityErrorRestartsFolder(t *testing.T) {
	s := newTestStore(t)
	accountID := seedAccount(t, s)

	fake := newFakeHandler()
	fake.mailboxes["INBOX"] = &fakeMailbox{validity: "", emails: []*types.Email{
		uidEmail(1, "<m1@example.com>"),
		uidEmail(2, "<m2@example.com>"),
	}}

	o := newTestOrchestrator(t, s, fake, 50)
	require.NoError(t, o.SyncAccount(context.Background(), accountID))

	// The change feed rejects our token mid-pass; the folder restarts as a
	// full resync even though the listing exposes no validity token.
	fake.mailboxes["INBOX"].emails = []*types.Email{
		uidEmail(1, "<m1@example.com>"),
	}
	fake.resetOnce["INBOX"] = true
	require.NoError(t, o.SyncAccount(context.Background(), accountID))

	folderID := inboxID(t, s, accountID)
	emails, err := s.EmailPage(folderID, 100, 0)
	require.NoError(t, err)
	byMessageID := map[string]*types.Email{}
	for _, e := range emails {
		byMessageID[e.MessageID] = e
	}
	assert.False(t, byMessageID["<m1@example.com>"].Flags.Deleted)
	assert.True(t, byMessageID["<m2@example.com>"].Flags.Deleted)
}

func Test_SyncAccount_AuthRejectedSuspendsAccount(t *testing.T) {
	s := newTestStore(t)
	accountID := seedAccount(t, s)

	fake := newFakeHandler()
	fake.probe = types.ProbeResult{Status: types.ProbeAuthRejected, Diagnostic: "bad password"}

	o := newTestOrchestrator(t, s, fake, 50)
	err := o.SyncAccount(context.Background(), accountID)
	require.Error(t, err)
	assert.True(t, protocol.IsAuth(err))

	account, err := s.GetAccount(accountID)
	require.NoError(t, err)
	assert.True(t, account.Suspended)

	// Suspended accounts are refused outright, even with working credentials.
	fake.probe = types.ProbeResult{Status: types.ProbeConnected}
	err = o.SyncAccount(context.Background(), accountID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspended")
}

func Test_SyncAccount_TransientFolderFailureIsIsolated(t *testing.T) {
	s := newTestStore(t)
	accountID := seedAccount(t, s)

	fake := newFakeHandler()
	fake.mailboxes["INBOX"] = &fakeMailbox{validity: "100", emails: uidRange(1, 5)}
	fake.mailboxes["Broken"] = &fakeMailbox{validity: "100", emails: uidRange(1, 5)}
	fake.fetchErr["Broken"] = protocol.Transient(assert.AnError)

	o := newTestOrchestrator(t, s, fake, 50)
	require.NoError(t, o.SyncAccount(context.Background(), accountID), "one folder's failure must not fail the pass")

	folderID := inboxID(t, s, accountID)
	emails, err := s.EmailPage(folderID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, emails, 5)

	folders, err := s.ListFolders(accountID)
	require.NoError(t, err)
	for _, f := range folders {
		if f.Name != "Broken" {
			continue
		}
		_, found, err := s.GetCursor(accountID, f.ID)
		require.NoError(t, err)
		assert.False(t, found, "failed folder's cursor must not advance")
	}
}

func Test_SyncAccount_CancellationStopsAtPageBoundary(t *testing.T) {
	s := newTestStore(t)
	accountID := seedAccount(t, s)

	fake := newFakeHandler()
	fake.mailboxes["INBOX"] = &fakeMailbox{validity: "100", emails: uidRange(1, 75)}

	// Cancel while the first page is in flight: its merge still completes,
	// and the pass stops before fetching the second page.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onFetch = func(cursor types.Cursor) { cancel() }

	o := newTestOrchestrator(t, s, fake, 50)
	err := o.SyncAccount(ctx, accountID)
	require.ErrorIs(t, err, context.Canceled)

	folderID := inboxID(t, s, accountID)
	emails, err := s.EmailPage(folderID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, emails, 50, "the in-flight page is merged in full, never partially")

	cursor, found, err := s.GetCursor(accountID, folderID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(51), cursor.NextMarker, "cursor sits exactly at the last merged page boundary")

	// Resuming after cancellation picks up from that boundary.
	require.NoError(t, o.SyncAccount(context.Background(), accountID))
	emails, err = s.EmailPage(folderID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, emails, 75)
}

func Test_SyncAccount_MergeConflictSkipsPageButAdvancesCursor(t *testing.T) {
	s := newTestStore(t)
	accountID := seedAccount(t, s)

	fake := newFakeHandler()
	fake.mailboxes["INBOX"] = &fakeMailbox{validity: "100", emails: []*types.Email{
		uidEmail(1, "<m1@example.com>"),
		uidEmail(2, "<m2@example.com>"),
	}}

	o := newTestOrchestrator(t, s, fake, 50)
	require.NoError(t, o.SyncAccount(context.Background(), accountID))
	folderID := inboxID(t, s, accountID)

	// Rewind the cursor as if the last page merge never committed, and have
	// the server hand back a different message under an already-taken marker.
	require.NoError(t, s.SaveCursor(types.Cursor{
		AccountID: accountID, FolderID: folderID, Validity: "100", NextMarker: 1,
	}))
	fake.mailboxes["INBOX"].emails[0] = uidEmail(1, "<impostor@example.com>")

	require.NoError(t, o.SyncAccount(context.Background(), accountID), "a conflicting page is skipped, not fatal")

	cursor, _, err := s.GetCursor(accountID, folderID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor.NextMarker, "cursor skips past the bad page")

	emails, err := s.EmailPage(folderID, 100, 0)
	require.NoError(t, err)
	byMarker := map[string]*types.Email{}
	for _, e := range emails {
		byMarker[e.SeqMarker] = e
	}
	assert.Equal(t, "<m1@example.com>", byMarker["1"].MessageID, "local row wins over the conflicting remote")
}
