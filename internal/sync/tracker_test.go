package sync

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopmail/mailsync/internal/store"
	"github.com/slopmail/mailsync/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func seedAccountAndFolder(t *testing.T, s *store.Store, validity string) (int64, *types.Folder) {
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

	folders, err := s.MergeFolders(id, []*types.Folder{{
		AccountID: id, Name: "INBOX", DisplayName: "Inbox", Role: types.RoleInbox, Validity: validity,
	}})
	require.NoError(t, err)
	require.Len(t, folders, 1)
	return id, folders[0]
}

func Test_Plan_NoCursorMeansFullResync(t *testing.T) {
	s := newTestStore(t)
	accountID, folder := seedAccountAndFolder(t, s, "100")

	tracker := NewTracker(s, quietLogger())
	plan, err := tracker.Plan(accountID, folder, false)
	require.NoError(t, err)

	assert.True(t, plan.FullResync)
	assert.Equal(t, uint64(startMarker), plan.Cursor.NextMarker)
	assert.Equal(t, "100", plan.Cursor.Validity)
	assert.Empty(t, plan.Cursor.ContinuationToken)
}

func Test_Plan_MatchingValidityResumesIncrementally(t *testing.T) {
	s := newTestStore(t)
	accountID, folder := seedAccountAndFolder(t, s, "100")

	require.NoError(t, s.SaveCursor(types.Cursor{
		AccountID: accountID, FolderID: folder.ID,
		Validity: "100", NextMarker: 42, ContinuationToken: "state-3",
	}))

	tracker := NewTracker(s, quietLogger())
	plan, err := tracker.Plan(accountID, folder, false)
	require.NoError(t, err)

	assert.False(t, plan.FullResync)
	assert.Equal(t, uint64(42), plan.Cursor.NextMarker)
	assert.Equal(t, "state-3", plan.Cursor.ContinuationToken)
}

func Test_Plan_ValidityMismatchDiscardsCursor(t *testing.T) {
	s := newTestStore(t)
	accountID, folder := seedAccountAndFolder(t, s, "101")

	require.NoError(t, s.SaveCursor(types.Cursor{
		AccountID: accountID, FolderID: folder.ID,
		Validity: "100", NextMarker: 42, ContinuationToken: "state-3",
	}))

	tracker := NewTracker(s, quietLogger())
	plan, err := tracker.Plan(accountID, folder, false)
	require.NoError(t, err)

	assert.True(t, plan.FullResync)
	assert.Equal(t, uint64(startMarker), plan.Cursor.NextMarker)
	assert.Equal(t, "101", plan.Cursor.Validity)
	assert.Empty(t, plan.Cursor.ContinuationToken, "continuation token dies with the epoch")
}

func Test_Plan_EmptyReportedValidityIsNotAMismatch(t *testing.T) {
	s := newTestStore(t)
	accountID, folder := seedAccountAndFolder(t, s, "")

	require.NoError(t, s.SaveCursor(types.Cursor{
		AccountID: accountID, FolderID: folder.ID,
		NextMarker: 7, ContinuationToken: "state-9",
	}))

	tracker := NewTracker(s, quietLogger())
	plan, err := tracker.Plan(accountID, folder, false)
	require.NoError(t, err)
	assert.False(t, plan.FullResync)
}

func Test_Plan_ForceOverridesStoredCursor(t *testing.T) {
	s := newTestStore(t)
	accountID, folder := seedAccountAndFolder(t, s, "")

	require.NoError(t, s.SaveCursor(types.Cursor{
		AccountID: accountID, FolderID: folder.ID,
		NextMarker: 7, ContinuationToken: "state-9",
	}))

	tracker := NewTracker(s, quietLogger())
	plan, err := tracker.Plan(accountID, folder, true)
	require.NoError(t, err)
	assert.True(t, plan.FullResync)
	assert.Equal(t, uint64(startMarker), plan.Cursor.NextMarker)
}
