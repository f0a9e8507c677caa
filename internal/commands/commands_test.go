package commands

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopmail/mailsync/internal/credential"
	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/internal/store"
	syncer "github.com/slopmail/mailsync/internal/sync"
	"github.com/slopmail/mailsync/pkg/types"
)

// recordingVault tracks store/delete traffic on top of the in-memory vault.
type recordingVault struct {
	*credential.Memory
	stored  []string
	deleted []string
}

func (v *recordingVault) Store(key, secret string) (string, error) {
	ref, err := v.Memory.Store(key, secret)
	if err == nil {
		v.stored = append(v.stored, ref)
	}
	return ref, err
}

func (v *recordingVault) Delete(ref string) error {
	err := v.Memory.Delete(ref)
	if err == nil {
		v.deleted = append(v.deleted, ref)
	}
	return err
}

// fakeHandler records the remote operations the command surface dispatches.
type fakeHandler struct {
	tag   types.Protocol
	probe types.ProbeResult

	appliedDeltas []types.FlagDelta
	applyErr      error
	purgedMarkers []string
	sentMessages  []*types.ComposeMessage
}

func (f *fakeHandler) Protocol() types.Protocol { return f.tag }

func (f *fakeHandler) Probe(ctx context.Context, account *types.Account) types.ProbeResult {
	return f.probe
}

func (f *fakeHandler) ListFolders(ctx context.Context, account *types.Account) ([]*types.Folder, error) {
	return nil, nil
}

func (f *fakeHandler) FetchMessages(ctx context.Context, account *types.Account, folder *types.Folder, cursor types.Cursor, pageSize int) (*protocol.FetchPage, error) {
	return &protocol.FetchPage{Cursor: cursor}, nil
}

func (f *fakeHandler) SendMessage(ctx context.Context, account *types.Account, msg *types.ComposeMessage) (string, error) {
	f.sentMessages = append(f.sentMessages, msg)
	return "<sent-1@example.com>", nil
}

func (f *fakeHandler) ApplyFlagChange(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email, delta types.FlagDelta) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.appliedDeltas = append(f.appliedDeltas, delta)
	return nil
}

func (f *fakeHandler) Purge(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email) error {
	f.purgedMarkers = append(f.purgedMarkers, email.SeqMarker)
	return nil
}

type fixture struct {
	store    *store.Store
	vault    *recordingVault
	imap     *fakeHandler
	smtp     *fakeHandler
	commands *Commands
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	vault := &recordingVault{Memory: credential.NewMemory()}
	imap := &fakeHandler{tag: types.ProtocolIMAP, probe: types.ProbeResult{Status: types.ProbeConnected}}
	smtp := &fakeHandler{tag: types.ProtocolSMTP, probe: types.ProbeResult{Status: types.ProbeConnected}}

	registry := protocol.NewRegistry()
	registry.Register(imap)
	registry.RegisterSubmission(smtp)

	orchestrator := syncer.NewOrchestrator(s, registry, logger, 50, 1)

	cmds, err := New(s, registry, vault, orchestrator, logger)
	require.NoError(t, err)

	return &fixture{store: s, vault: vault, imap: imap, smtp: smtp, commands: cmds}
}

func accountInput() *types.Account {
	return &types.Account{
		Name:     "work",
		Address:  "work@example.com",
		Protocol: types.ProtocolIMAP,
		Mailbox:  &types.Endpoint{Host: "imap.example.com", Port: 993, TLS: true},
		Username: "work@example.com",
	}
}

func (fx *fixture) seedEmail(t *testing.T) (*types.Account, *types.Email) {
	t.Helper()
	saved, err := fx.commands.AddAccount(context.Background(), accountInput(), "hunter2")
	require.NoError(t, err)

	folders, err := fx.store.MergeFolders(saved.ID, []*types.Folder{{
		AccountID: saved.ID, Name: "INBOX", DisplayName: "Inbox", Role: types.RoleInbox, Validity: "100",
	}})
	require.NoError(t, err)
	require.Len(t, folders, 1)

	unlock := fx.store.LockFolder(folders[0].ID)
	defer unlock()
	require.NoError(t, fx.store.MergeEmailPage(saved.ID, folders[0].ID, []*types.Email{{
		AccountID: saved.ID,
		FolderID:  folders[0].ID,
		MessageID: "<m1@example.com>",
		Subject:   "hello",
		From:      types.Address{Address: "sender@example.com"},
		SeqMarker: "1",
	}}, nil, types.Cursor{AccountID: saved.ID, FolderID: folders[0].ID, Validity: "100", NextMarker: 2}))

	emails, err := fx.store.EmailPage(folders[0].ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	return saved, emails[0]
}

func Test_AddAccount_StoresOnlyVaultReference(t *testing.T) {
	fx := newFixture(t)

	saved, err := fx.commands.AddAccount(context.Background(), accountInput(), "hunter2")
	require.NoError(t, err)

	assert.NotContains(t, saved.CredentialRef, "hunter2")
	secret, err := fx.vault.Resolve(saved.CredentialRef)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func Test_AddAccount_FailedProbeLeavesNothingBehind(t *testing.T) {
	fx := newFixture(t)
	fx.imap.probe = types.ProbeResult{Status: types.ProbeAuthRejected, Diagnostic: "bad password"}

	_, err := fx.commands.AddAccount(context.Background(), accountInput(), "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth_rejected")

	accounts, err := fx.store.ListAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)

	require.Len(t, fx.vault.stored, 1)
	assert.Equal(t, fx.vault.stored, fx.vault.deleted, "the staged secret is removed again")
}

func Test_RemoveAccount_DropsCredential(t *testing.T) {
	fx := newFixture(t)
	saved, err := fx.commands.AddAccount(context.Background(), accountInput(), "hunter2")
	require.NoError(t, err)

	require.NoError(t, fx.commands.RemoveAccount(saved.ID))

	accounts, err := fx.store.ListAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
	assert.Contains(t, fx.vault.deleted, saved.CredentialRef)
}

func Test_TestConnection_UsesEphemeralCredential(t *testing.T) {
	fx := newFixture(t)

	account := accountInput()
	result := fx.commands.TestConnection(context.Background(), account, "hunter2")
	assert.Equal(t, types.ProbeConnected, result.Status)

	assert.Empty(t, account.CredentialRef, "the probed account is never mutated")
	require.Len(t, fx.vault.stored, 1)
	assert.Equal(t, fx.vault.stored, fx.vault.deleted, "the probe secret does not outlive the call")
}

func Test_SetFlag_AppliesLocallyAndRemotely(t *testing.T) {
	fx := newFixture(t)
	_, email := fx.seedEmail(t)

	read := true
	require.NoError(t, fx.commands.SetFlag(context.Background(), email.ID, types.FlagDelta{Read: &read}))

	got, err := fx.store.GetEmail(email.ID)
	require.NoError(t, err)
	assert.True(t, got.Flags.Read)

	require.Len(t, fx.imap.appliedDeltas, 1)
	require.NotNil(t, fx.imap.appliedDeltas[0].Read)
	assert.True(t, *fx.imap.appliedDeltas[0].Read)
}

func Test_SetFlag_CapabilityErrorKeepsLocalChange(t *testing.T) {
	fx := newFixture(t)
	_, email := fx.seedEmail(t)
	fx.imap.applyErr = protocol.Unsupported("apply flag change", types.ProtocolPOP3)

	read := true
	require.NoError(t, fx.commands.SetFlag(context.Background(), email.ID, types.FlagDelta{Read: &read}),
		"flag-less protocols keep the change local")

	got, err := fx.store.GetEmail(email.ID)
	require.NoError(t, err)
	assert.True(t, got.Flags.Read)
}

func Test_GetEmail_ServesRepeatReadsFromCache(t *testing.T) {
	fx := newFixture(t)
	_, email := fx.seedEmail(t)

	first, err := fx.commands.GetEmail(email.ID)
	require.NoError(t, err)

	// Remove the row underneath the cache; the cached copy still answers.
	require.NoError(t, fx.store.PurgeEmail(email.ID))
	second, err := fx.commands.GetEmail(email.ID)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func Test_SendMessage_RoutesThroughSubmissionPairing(t *testing.T) {
	fx := newFixture(t)
	account, _ := fx.seedEmail(t)

	msg := &types.ComposeMessage{
		To:       []types.Address{{Address: "bob@example.com"}},
		Subject:  "hi",
		BodyText: "hello",
	}
	messageID, err := fx.commands.SendMessage(context.Background(), account.ID, msg)
	require.NoError(t, err)
	assert.Equal(t, "<sent-1@example.com>", messageID)

	require.Len(t, fx.smtp.sentMessages, 1, "IMAP accounts send through the SMTP pairing")
	assert.Empty(t, fx.imap.sentMessages)
}

func Test_PurgeEmail_RemovesRemoteThenLocal(t *testing.T) {
	fx := newFixture(t)
	_, email := fx.seedEmail(t)

	require.NoError(t, fx.commands.PurgeEmail(context.Background(), email.ID))

	assert.Equal(t, []string{"1"}, fx.imap.purgedMarkers)
	_, err := fx.store.GetEmail(email.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
